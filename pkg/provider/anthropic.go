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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAnthropicHost = "https://api.anthropic.com"
	anthropicVersion     = "2023-06-01"
	defaultMaxTokens     = 8192
	defaultRetryAfter    = 30 * time.Second
)

// Anthropic streams replies from the Anthropic Messages API. The model
// reference is passed through verbatim as the request model.
type Anthropic struct {
	apiKey    string
	host      string
	maxTokens int
	client    *http.Client
}

// AnthropicOption configures the provider.
type AnthropicOption func(*Anthropic)

// WithHost overrides the API base URL.
func WithHost(host string) AnthropicOption {
	return func(a *Anthropic) { a.host = strings.TrimRight(host, "/") }
}

// WithMaxTokens sets the per-reply output cap.
func WithMaxTokens(n int) AnthropicOption {
	return func(a *Anthropic) { a.maxTokens = n }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) AnthropicOption {
	return func(a *Anthropic) { a.client = c }
}

// NewAnthropic builds a streaming provider keyed to the given API key.
func NewAnthropic(apiKey string, opts ...AnthropicOption) (*Anthropic, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	a := &Anthropic{
		apiKey:    apiKey,
		host:      defaultAnthropicHost,
		maxTokens: defaultMaxTokens,
		client:    &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	System    string             `json:"system,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Call sends the prompt and returns a stream over the SSE response.
func (a *Anthropic) Call(ctx context.Context, agentAlias, modelRef string, messages []Message) (Stream, error) {
	req := a.buildRequest(modelRef, messages)

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.host+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, classifyHTTPError(resp, string(msg))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &anthropicStream{body: resp.Body, scanner: sc}, nil
}

func (a *Anthropic) buildRequest(modelRef string, messages []Message) anthropicRequest {
	var systemParts []string
	var out []anthropicMessage
	for _, m := range messages {
		if m.Role == RoleSystem {
			systemParts = append(systemParts, m.Content)
			continue
		}
		// The API rejects consecutive same-role messages.
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	return anthropicRequest{
		Model:     modelRef,
		Messages:  out,
		MaxTokens: a.maxTokens,
		Stream:    true,
		System:    strings.Join(systemParts, "\n\n"),
	}
}

func classifyHTTPError(resp *http.Response, body string) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := defaultRetryAfter
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &RateLimitedError{RetryAfter: retryAfter}
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		return &TransientError{Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	default:
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, body)
	}
}

// anthropicStream adapts the SSE wire format to the Stream contract.
// message_start carries input and cache usage, message_delta the final
// output count.
type anthropicStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	usage   Usage
	done    bool
}

func (s *anthropicStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			return "", fmt.Errorf("failed to decode streaming event: %w", err)
		}
		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				s.usage.InputTokens = ev.Message.Usage.InputTokens
				s.usage.CachedInputTokens = ev.Message.Usage.CacheReadInputTokens
				s.usage.CacheCreationTokens = ev.Message.Usage.CacheCreationInputTokens
			}
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Text != "" {
				return ev.Delta.Text, nil
			}
		case "message_delta":
			if ev.Usage != nil {
				s.usage.OutputTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			s.done = true
			return "", io.EOF
		case "error":
			if ev.Error != nil && ev.Error.Type == "overloaded_error" {
				return "", &TransientError{Err: fmt.Errorf("%s", ev.Error.Message)}
			}
			if ev.Error != nil {
				return "", fmt.Errorf("anthropic API error: %s", ev.Error.Message)
			}
		}
	}
	if err := s.scanner.Err(); err != nil {
		return "", &TransientError{Err: fmt.Errorf("stream read: %w", err)}
	}
	// Stream ended without message_stop.
	s.done = true
	return "", io.EOF
}

func (s *anthropicStream) Usage() Usage { return s.usage }

func (s *anthropicStream) Close() error { return s.body.Close() }
