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

package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kadirpekel/axe/pkg/agent"
	"github.com/kadirpekel/axe/pkg/observability"
	"github.com/kadirpekel/axe/pkg/operation"
	"github.com/kadirpekel/axe/pkg/parser"
	"github.com/kadirpekel/axe/pkg/provider"
	"github.com/kadirpekel/axe/pkg/store"
	"github.com/kadirpekel/axe/pkg/transcript"
)

// executedOp pairs an operation with its result for contiguous append.
type executedOp struct {
	op  operation.Operation
	res operation.Result
}

// runTurn drives one agent through a full turn. Provider dispatch and
// tool execution happen outside the scheduler mutex; the transcript,
// counters, and votes are updated under it in one step so the entries
// of a reply stay contiguous.
func (s *Scheduler) runTurn(ctx context.Context, sel selection) (bool, error) {
	a := sel.agent
	tctx, span := observability.Tracer().Start(ctx, "turn")
	defer span.End()

	messages := s.buildPrompt(a)

	turnStart := s.clock()
	reply, usage, ok, err := s.dispatch(tctx, a, messages)
	if err != nil {
		return false, err
	}
	if !ok {
		// Turn abandoned after retries; the agent is already parked.
		return false, nil
	}

	ops := parser.Parse(reply)
	executed := make([]executedOp, 0, len(ops))
	for _, op := range ops {
		execStart := s.clock()
		res := s.deps.Runner.Run(tctx, op)
		s.deps.Supervisor.ObserveResult(a.ID, op, res)
		s.recordAnalysis(a.ID, op, res, s.clock().Sub(execStart))
		if s.deps.Metrics != nil {
			s.deps.Metrics.OperationsTotal.WithLabelValues(string(op.Kind), string(res.Status)).Inc()
			s.deps.Metrics.ExecLatency.Observe(res.DurationS)
		}
		executed = append(executed, executedOp{op: op, res: res})
	}

	elapsed := s.clock().Sub(turnStart)
	controls := parseControls(reply)

	complete, err := s.apply(a, sel.logicalTurn, reply, executed, usage, controls)
	if err != nil {
		return false, err
	}

	s.handleControls(tctx, a, controls)

	if err := s.deps.Transcript.MaybeCompress(tctx); err != nil {
		s.log.Error("transcript compression failed", "error", err)
	}
	s.deps.Supervisor.RecordTurn(a.ID, elapsed, usage.Total())
	return complete, nil
}

// dispatch calls the provider with transient retry and rate-limit
// deferral. ok=false means the turn was abandoned and the agent parked.
func (s *Scheduler) dispatch(ctx context.Context, a *agent.Agent, messages []provider.Message) (string, provider.Usage, bool, error) {
	pctx, span := observability.Tracer().Start(ctx, "provider_call")
	defer span.End()

	var lastErr error
	for attempt := 0; attempt < maxProviderRetries; attempt++ {
		start := s.clock()
		stream, err := s.deps.Provider.Call(pctx, a.Alias, a.ModelRef, messages)
		if err == nil {
			reply, usage, recvErr := drainStream(stream)
			if s.deps.Metrics != nil {
				s.deps.Metrics.ProviderLatency.Observe(s.clock().Sub(start).Seconds())
			}
			if recvErr == nil {
				return reply, usage, true, nil
			}
			err = recvErr
		}

		if ctx.Err() != nil {
			return "", provider.Usage{}, false, nil
		}
		if retryAfter, limited := provider.IsRateLimited(err); limited {
			s.log.Info("provider rate limited, deferring", "agent", a.Alias, "retry_after", retryAfter)
			if sleepErr := s.sleep(ctx, retryAfter); sleepErr != nil {
				return "", provider.Usage{}, false, nil
			}
			attempt-- // deferral consumes no retry budget
			continue
		}
		if !provider.IsTransient(err) {
			lastErr = err
			break
		}
		lastErr = err
		s.log.Warn("transient provider error, backing off", "agent", a.Alias, "attempt", attempt, "error", err)
		if sleepErr := s.backoff.Wait(ctx, attempt); sleepErr != nil {
			return "", provider.Usage{}, false, nil
		}
	}

	// Abandon the turn and park the agent.
	if err := s.deps.Supervisor.MarkDegraded(a.ID, fmt.Sprintf("provider failure: %v", lastErr)); err != nil {
		s.log.Error("failed to mark agent degraded", "agent", a.Alias, "error", err)
	}
	if _, err := s.deps.Transcript.Append(transcript.AuthorSystem, transcript.KindSystemNote,
		fmt.Sprintf("turn abandoned for %s: %v", a.Alias, lastErr)); err != nil {
		return "", provider.Usage{}, false, err
	}
	return "", provider.Usage{}, false, nil
}

func drainStream(stream provider.Stream) (string, provider.Usage, error) {
	defer stream.Close()

	var b strings.Builder
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			return b.String(), stream.Usage(), nil
		}
		if err != nil {
			return "", provider.Usage{}, err
		}
		b.WriteString(chunk)
	}
}

// apply commits a completed turn under the scheduler mutex: the message
// entry, its operation results contiguously after it, counters, XP, and
// the completion vote.
func (s *Scheduler) apply(a *agent.Agent, logicalTurn int, reply string, executed []executedOp, usage provider.Usage, controls controlSet) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.deps.Transcript.AppendTagged(a.Alias, transcript.KindMessage, reply, logicalTurn); err != nil {
		return false, err
	}
	for _, e := range executed {
		body := renderResult(e.op, e.res)
		if _, err := s.deps.Transcript.AppendTagged(transcript.AuthorTool, transcript.KindOperationResult, body, logicalTurn); err != nil {
			return false, err
		}
		if e.res.Status == operation.StatusOK {
			s.awardLocked(a, 1, "operation_ok")
		}
	}

	// Cached tokens count toward transcript accounting but not budgets.
	if err := s.deps.Limiter.Record(a.ID, usage.Total()); err != nil {
		s.log.Error("failed to record rate-limit usage", "agent", a.Alias, "error", err)
	}
	s.tokensUsed += usage.Total()
	s.turns++
	if s.deps.Metrics != nil {
		s.deps.Metrics.TurnsTotal.Inc()
		s.deps.Metrics.TokensTotal.WithLabelValues("input").Add(float64(usage.InputTokens + usage.CachedInputTokens))
		s.deps.Metrics.TokensTotal.WithLabelValues("output").Add(float64(usage.OutputTokens))
	}

	if controls.taskComplete {
		s.votes[a.Alias] = logicalTurn
		if s.unanimousLocked(logicalTurn) {
			s.awardCompletionLocked()
			return true, nil
		}
	}
	return false, nil
}

// unanimousLocked reports whether every active agent voted completion
// within the last two logical turns. Callers hold s.mu.
func (s *Scheduler) unanimousLocked(currentTurn int) bool {
	active := s.deps.Registry.ListActive()
	if len(active) == 0 {
		return false
	}
	for _, a := range active {
		turn, voted := s.votes[a.Alias]
		if !voted || currentTurn-turn > 1 {
			return false
		}
	}
	return true
}

func (s *Scheduler) awardCompletionLocked() {
	for _, a := range s.deps.Registry.ListActive() {
		s.awardLocked(a, 25, "task_complete")
	}
}

// awardLocked applies an XP delta and tracks it for the summary.
// Callers hold s.mu.
func (s *Scheduler) awardLocked(a *agent.Agent, delta int64, reason string) {
	if _, err := s.deps.Registry.AwardXP(a.ID, delta, reason); err != nil {
		s.log.Error("failed to award xp", "agent", a.Alias, "error", err)
		return
	}
	s.xpDeltas[a.Alias] += delta
}

// buildPrompt assembles system prompt plus the bounded transcript view.
// Entries by this agent become assistant messages; everything else is
// presented as user context attributed to its author.
func (s *Scheduler) buildPrompt(a *agent.Agent) []provider.Message {
	messages := []provider.Message{}
	if prompt := s.prompts[a.Alias]; prompt != "" {
		messages = append(messages, provider.Message{Role: provider.RoleSystem, Content: prompt})
	}

	window := s.deps.Transcript.Window(s.deps.Config.Transcript.ContextTokens)
	for _, e := range window {
		role := provider.RoleUser
		content := e.Body
		if e.Author == a.Alias {
			role = provider.RoleAssistant
		} else if e.Author != transcript.AuthorSystem {
			content = fmt.Sprintf("[%s] %s", e.Author, e.Body)
		}
		messages = append(messages, provider.Message{Role: role, Author: e.Author, Content: content})
	}
	return messages
}

func (s *Scheduler) recordAnalysis(agentID string, op operation.Operation, res operation.Result, elapsed time.Duration) {
	if s.deps.Store == nil {
		return
	}
	results, _ := json.Marshal(res)
	rec := &store.Analysis{
		ToolName:     string(op.Kind),
		Target:       op.Path,
		AgentID:      agentID,
		Timestamp:    s.clock(),
		ResultsJSON:  string(results),
		Status:       string(res.Status),
		DurationS:    elapsed.Seconds(),
		ErrorMessage: res.ErrorMessage,
	}
	if op.Kind == operation.Exec {
		rec.Target = op.Command
	}
	if err := s.deps.Store.SaveAnalysis(rec); err != nil {
		s.log.Error("failed to save analysis", "error", err)
	}
}

func renderResult(op operation.Operation, res operation.Result) string {
	encoded, err := json.Marshal(res)
	if err != nil {
		encoded = []byte(fmt.Sprintf(`{"status":%q}`, res.Status))
	}
	return fmt.Sprintf("%s -> %s", op.String(), encoded)
}
