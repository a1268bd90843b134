// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package provider

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// ScriptedReply is one canned response, or one canned failure.
type ScriptedReply struct {
	Text  string
	Usage Usage
	Err   error
}

// Scripted is a deterministic in-memory provider for tests and dry runs.
// Replies are queued per agent alias and returned in order; an exhausted
// queue falls back to the Default reply.
type Scripted struct {
	mu      sync.Mutex
	queues  map[string][]ScriptedReply
	Default ScriptedReply

	// Calls records every dispatch for assertions.
	Calls []ScriptedCall
}

// ScriptedCall is one recorded dispatch.
type ScriptedCall struct {
	AgentAlias string
	ModelRef   string
	Messages   []Message
}

// NewScripted creates an empty scripted provider.
func NewScripted() *Scripted {
	return &Scripted{queues: make(map[string][]ScriptedReply)}
}

// Queue appends replies for an agent alias.
func (s *Scripted) Queue(agentAlias string, replies ...ScriptedReply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[agentAlias] = append(s.queues[agentAlias], replies...)
}

// QueueText is shorthand for queueing plain replies with nominal usage.
func (s *Scripted) QueueText(agentAlias string, texts ...string) {
	for _, text := range texts {
		s.Queue(agentAlias, ScriptedReply{
			Text:  text,
			Usage: Usage{InputTokens: 100, OutputTokens: int64(len(text) / 4)},
		})
	}
}

// Call implements Provider.
func (s *Scripted) Call(ctx context.Context, agentAlias, modelRef string, messages []Message) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.Calls = append(s.Calls, ScriptedCall{AgentAlias: agentAlias, ModelRef: modelRef, Messages: messages})

	reply := s.Default
	if queue := s.queues[agentAlias]; len(queue) > 0 {
		reply = queue[0]
		s.queues[agentAlias] = queue[1:]
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	if reply.Text == "" && reply.Usage == (Usage{}) {
		return nil, fmt.Errorf("no scripted reply for agent %q", agentAlias)
	}
	return &scriptedStream{text: reply.Text, usage: reply.Usage}, nil
}

type scriptedStream struct {
	text  string
	usage Usage
	done  bool
}

func (s *scriptedStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	s.done = true
	return s.text, nil
}

func (s *scriptedStream) Usage() Usage {
	return s.usage
}

func (s *scriptedStream) Close() error { return nil }
