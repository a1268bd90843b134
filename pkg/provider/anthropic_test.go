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
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseBody() string {
	return `event: message_start
data: {"type":"message_start","message":{"usage":{"input_tokens":120,"cache_read_input_tokens":40,"cache_creation_input_tokens":10,"output_tokens":0}}}

event: content_block_delta
data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hello "}}

event: content_block_delta
data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"world"}}

event: message_delta
data: {"type":"message_delta","usage":{"output_tokens":7}}

event: message_stop
data: {"type":"message_stop"}

`
}

func TestAnthropic_StreamsTextAndUsage(t *testing.T) {
	var gotReq anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseBody())
	}))
	defer srv.Close()

	p, err := NewAnthropic("test-key", WithHost(srv.URL))
	require.NoError(t, err)

	stream, err := p.Call(context.Background(), "ada", "claude-sonnet-4-5", []Message{
		{Role: RoleSystem, Content: "you are ada"},
		{Role: RoleUser, Content: "hi"},
	})
	require.NoError(t, err)
	defer stream.Close()

	var reply string
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		reply += chunk
	}

	assert.Equal(t, "hello world", reply)
	u := stream.Usage()
	assert.Equal(t, int64(120), u.InputTokens)
	assert.Equal(t, int64(7), u.OutputTokens)
	assert.Equal(t, int64(40), u.CachedInputTokens)
	assert.Equal(t, int64(10), u.CacheCreationTokens)

	assert.True(t, gotReq.Stream)
	assert.Equal(t, "claude-sonnet-4-5", gotReq.Model)
	assert.Equal(t, "you are ada", gotReq.System)
}

func TestAnthropic_CoalescesConsecutiveRoles(t *testing.T) {
	p, err := NewAnthropic("k")
	require.NoError(t, err)

	req := p.buildRequest("m", []Message{
		{Role: RoleUser, Content: "a"},
		{Role: RoleUser, Content: "b"},
		{Role: RoleAssistant, Content: "c"},
	})
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "a\n\nb", req.Messages[0].Content)
	assert.Equal(t, "c", req.Messages[1].Content)
}

func TestAnthropic_RateLimitMapsRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p, err := NewAnthropic("k", WithHost(srv.URL))
	require.NoError(t, err)

	_, err = p.Call(context.Background(), "ada", "m", []Message{{Role: RoleUser, Content: "hi"}})
	retryAfter, ok := IsRateLimited(err)
	require.True(t, ok)
	assert.Equal(t, 17, int(retryAfter.Seconds()))
}

func TestAnthropic_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p, err := NewAnthropic("k", WithHost(srv.URL))
	require.NoError(t, err)

	_, err = p.Call(context.Background(), "ada", "m", []Message{{Role: RoleUser, Content: "hi"}})
	assert.True(t, IsTransient(err))
}

func TestAnthropic_BadRequestIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p, err := NewAnthropic("k", WithHost(srv.URL))
	require.NoError(t, err)

	_, err = p.Call(context.Background(), "ada", "m", []Message{{Role: RoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	_, limited := IsRateLimited(err)
	assert.False(t, limited)
}
