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

// Package ratelimit enforces per-agent request and token budgets over
// fixed one-minute windows. The scheduler checks before dispatching a
// turn and records authoritative usage when the provider stream closes.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/kadirpekel/axe/pkg/config"
)

// LimitType distinguishes what a window counts.
type LimitType string

const (
	LimitRequests LimitType = "requests"
	LimitTokens   LimitType = "tokens"
)

// window is the fixed accounting period for both limit types.
const window = time.Minute

// Usage is the state of one limit window at check time.
type Usage struct {
	LimitType LimitType
	Current   int64
	Limit     int64
	WindowEnd time.Time
	Remaining int64
}

// CheckResult reports whether a dispatch may proceed.
type CheckResult struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
	Usages     []Usage
}

type bucket struct {
	requests  int64
	tokens    int64
	windowEnd time.Time
}

// Limiter tracks per-agent usage. A nil config or zero limits disable
// the corresponding check.
type Limiter struct {
	mu      sync.Mutex
	rpm     int64
	tpm     int64
	buckets map[string]*bucket
	clock   func() time.Time
}

// New creates a limiter from config. Zero or negative limits mean
// unlimited for that dimension.
func New(cfg *config.RateLimitConfig) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		clock:   time.Now,
	}
	if cfg != nil {
		l.rpm = int64(cfg.RPM)
		l.tpm = int64(cfg.TPM)
	}
	return l
}

// SetClock overrides the clock. Tests only.
func (l *Limiter) SetClock(clock func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
}

// Check reports whether the agent may dispatch now, without recording
// anything. The decision uses estimated prompt tokens; authoritative
// usage is recorded separately after the stream closes.
func (l *Limiter) Check(agentID string, estimatedTokens int64) (*CheckResult, error) {
	if agentID == "" {
		return nil, fmt.Errorf("agent id cannot be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(agentID)
	result := &CheckResult{Allowed: true}

	if l.rpm > 0 {
		u := Usage{LimitType: LimitRequests, Current: b.requests, Limit: l.rpm, WindowEnd: b.windowEnd}
		u.Remaining = max64(l.rpm-b.requests, 0)
		result.Usages = append(result.Usages, u)
		if b.requests+1 > l.rpm {
			result.Allowed = false
			result.Reason = fmt.Sprintf("request limit exceeded (%d/%d per minute)", b.requests, l.rpm)
		}
	}
	if l.tpm > 0 {
		u := Usage{LimitType: LimitTokens, Current: b.tokens, Limit: l.tpm, WindowEnd: b.windowEnd}
		u.Remaining = max64(l.tpm-b.tokens, 0)
		result.Usages = append(result.Usages, u)
		if b.tokens+estimatedTokens > l.tpm {
			result.Allowed = false
			if result.Reason == "" {
				result.Reason = fmt.Sprintf("token limit exceeded (%d/%d per minute)", b.tokens, l.tpm)
			}
		}
	}

	if !result.Allowed {
		if retry := b.windowEnd.Sub(l.clock()); retry > 0 {
			result.RetryAfter = retry
		}
	}
	return result, nil
}

// Record adds authoritative usage reported by the provider to the
// agent's current window.
func (l *Limiter) Record(agentID string, tokens int64) error {
	if agentID == "" {
		return fmt.Errorf("agent id cannot be empty")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(agentID)
	b.requests++
	if tokens > 0 {
		b.tokens += tokens
	}
	return nil
}

// Reset clears the agent's window. Used when the supervisor retires an
// agent mid-session.
func (l *Limiter) Reset(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, agentID)
}

// bucketFor returns the agent's live bucket, rolling the window if it
// expired. Callers hold l.mu.
func (l *Limiter) bucketFor(agentID string) *bucket {
	now := l.clock()
	b, ok := l.buckets[agentID]
	if !ok || !now.Before(b.windowEnd) {
		b = &bucket{windowEnd: now.Add(window)}
		l.buckets[agentID] = b
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
