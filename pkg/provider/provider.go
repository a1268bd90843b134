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

// Package provider defines the contract between the engine and the LLM
// backend. The engine never interprets model references; it hands them
// to the provider opaquely and consumes a stream of text chunks followed
// by authoritative usage.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Role values for prompt messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one element of the prompt sent to the provider.
type Message struct {
	Role    string
	Author  string // transcript author, informational
	Content string
}

// Usage is the authoritative token accounting reported when a stream
// closes. Cached counters feed transcript accounting but not budgets.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CachedInputTokens   int64
	CacheCreationTokens int64
}

// Total returns the billable token count for budget tracking.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens
}

// Stream yields reply text incrementally. Recv returns io.EOF when the
// reply is complete; Usage is valid only after that.
type Stream interface {
	Recv() (string, error)
	Usage() Usage
	Close() error
}

// Provider produces agent replies. Implementations wrap a real LLM
// backend; tests use Scripted.
type Provider interface {
	Call(ctx context.Context, agentAlias, modelRef string, messages []Message) (Stream, error)
}

// TransientError marks a failure worth retrying with backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient provider error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitedError reports provider-side throttling with its advised
// retry delay.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("provider rate limited, retry after %s", e.RetryAfter)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRateLimited reports provider throttling and its advised delay.
func IsRateLimited(err error) (time.Duration, bool) {
	var re *RateLimitedError
	if errors.As(err, &re) {
		return re.RetryAfter, true
	}
	return 0, false
}

// Backoff computes jittered exponential delays for transient retries.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is the engine-wide retry schedule.
var DefaultBackoff = Backoff{Base: time.Second, Max: time.Minute}

// Delay returns the wait before retry attempt n (zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	d := base << uint(attempt)
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	// Full jitter keeps parallel agents from retrying in lockstep.
	return time.Duration(rand.Int63n(int64(d)) + 1)
}

// Wait sleeps for the attempt's delay or until ctx is cancelled.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(b.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
