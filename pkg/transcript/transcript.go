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

// Package transcript maintains the ordered shared conversation of a
// session: an append-only log with token accounting, a bounded prompt
// window, and range compression through an external summarizer.
package transcript

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EntryKind classifies a transcript entry.
type EntryKind string

const (
	KindMessage           EntryKind = "message"
	KindOperationResult   EntryKind = "operation_result"
	KindSystemNote        EntryKind = "system_note"
	KindCompressedSummary EntryKind = "compressed_summary"
)

// AuthorSystem and AuthorTool attribute entries not produced by agents.
const (
	AuthorSystem = "system"
	AuthorTool   = "tool"
)

// Entry is one element of the ordered session log.
type Entry struct {
	TurnIndex       int
	LogicalTurn     int
	Author          string
	Kind            EntryKind
	Body            string
	TokensEstimated int
	Pinned          bool

	// Covered range, set only on compressed_summary entries so
	// compression stays idempotent and reversible from the store.
	StartTurn int
	EndTurn   int

	CreatedAt time.Time
}

// Summarizer produces the body of a compressed_summary entry covering a
// contiguous range of entries. Provided by an external collaborator.
type Summarizer func(ctx context.Context, entries []Entry, targetTokens int) (string, error)

// Mirror persists every appended entry. Implemented by the store.
type Mirror interface {
	AppendTranscript(sessionID string, e Entry) error
}

// Transcript owns the in-memory append-only log; the store mirrors it.
type Transcript struct {
	mu        sync.RWMutex
	sessionID string
	entries   []Entry
	nextTurn  int
	total     int // token estimate over all live entries

	counter   *TokenCounter
	highWater int
	summarize Summarizer
	mirror    Mirror
	clock     func() time.Time
}

// Option configures a Transcript.
type Option func(*Transcript)

// WithMirror attaches durable storage.
func WithMirror(m Mirror) Option {
	return func(t *Transcript) { t.mirror = m }
}

// WithSummarizer attaches the compression collaborator.
func WithSummarizer(s Summarizer) Option {
	return func(t *Transcript) { t.summarize = s }
}

// WithHighWater sets the compression high-water mark in tokens.
func WithHighWater(tokens int) Option {
	return func(t *Transcript) { t.highWater = tokens }
}

// WithClock overrides the clock. Tests only.
func WithClock(clock func() time.Time) Option {
	return func(t *Transcript) { t.clock = clock }
}

// New creates an empty transcript. A nil counter degrades to rough
// estimates.
func New(sessionID string, counter *TokenCounter, opts ...Option) *Transcript {
	t := &Transcript{
		sessionID: sessionID,
		counter:   counter,
		highWater: 120_000,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Append adds an entry, assigns its turn index, and mirrors it to the
// store. The log never rewrites an entry in place.
func (t *Transcript) Append(author string, kind EntryKind, body string) (Entry, error) {
	return t.append(Entry{Author: author, Kind: kind, Body: body})
}

// AppendPinned adds a pinned system entry that every window includes.
func (t *Transcript) AppendPinned(body string) (Entry, error) {
	return t.append(Entry{Author: AuthorSystem, Kind: KindSystemNote, Body: body, Pinned: true})
}

// AppendTagged adds an entry carrying a logical turn stamp, used under
// parallel dispatch where arrival order and selection order diverge.
func (t *Transcript) AppendTagged(author string, kind EntryKind, body string, logicalTurn int) (Entry, error) {
	return t.append(Entry{Author: author, Kind: kind, Body: body, LogicalTurn: logicalTurn})
}

func (t *Transcript) append(e Entry) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e.TurnIndex = t.nextTurn
	if e.LogicalTurn == 0 {
		e.LogicalTurn = e.TurnIndex
	}
	e.TokensEstimated = t.counter.Count(e.Body)
	e.CreatedAt = t.clock()

	t.nextTurn++
	t.entries = append(t.entries, e)
	t.total += e.TokensEstimated

	if t.mirror != nil {
		if err := t.mirror.AppendTranscript(t.sessionID, e); err != nil {
			return Entry{}, fmt.Errorf("failed to mirror transcript entry: %w", err)
		}
	}
	return e, nil
}

// Load rebuilds the in-memory log from stored entries on resume.
func (t *Transcript) Load(entries []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = append([]Entry(nil), entries...)
	t.total = 0
	t.nextTurn = 0
	for _, e := range t.entries {
		t.total += e.TokensEstimated
		if e.TurnIndex >= t.nextTurn {
			t.nextTurn = e.TurnIndex + 1
		}
	}
}

// Entries returns a copy of the live log.
func (t *Transcript) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Entry(nil), t.entries...)
}

// Len returns the number of live entries.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// LastTurnIndex returns the highest assigned turn index, or -1.
func (t *Transcript) LastTurnIndex() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextTurn - 1
}

// TotalTokens returns the token estimate across live entries.
func (t *Transcript) TotalTokens() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.total
}

// Window returns the most recent suffix of entries whose combined
// estimate fits the budget, preceded by any pinned system entries.
func (t *Transcript) Window(tokenBudget int) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var pinned []Entry
	budget := tokenBudget
	for _, e := range t.entries {
		if e.Pinned {
			pinned = append(pinned, e)
			budget -= e.TokensEstimated
		}
	}

	start := len(t.entries)
	used := 0
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		if e.Pinned {
			continue
		}
		if used+e.TokensEstimated > budget {
			break
		}
		used += e.TokensEstimated
		start = i
	}

	window := pinned
	for _, e := range t.entries[start:] {
		if !e.Pinned {
			window = append(window, e)
		}
	}
	return window
}

// MaybeCompress replaces the oldest contiguous range of message and
// operation_result entries with a single compressed_summary entry when
// the log exceeds the high-water mark. Pinned entries and existing
// summaries are never compressed. No-op without a summarizer.
func (t *Transcript) MaybeCompress(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.summarize == nil || t.total <= t.highWater {
		return nil
	}

	// Oldest contiguous compressible range, aiming to halve the log.
	target := t.highWater / 2
	first, last := -1, -1
	freed := 0
	for i, e := range t.entries {
		compressible := !e.Pinned && (e.Kind == KindMessage || e.Kind == KindOperationResult)
		if !compressible {
			if first != -1 {
				break
			}
			continue
		}
		if first == -1 {
			first = i
		}
		last = i
		freed += e.TokensEstimated
		if t.total-freed <= target {
			break
		}
	}
	if first == -1 || last <= first {
		return nil
	}

	covered := append([]Entry(nil), t.entries[first:last+1]...)
	body, err := t.summarize(ctx, covered, target/4)
	if err != nil {
		return fmt.Errorf("summarizer failed: %w", err)
	}

	summary := Entry{
		TurnIndex:       t.nextTurn,
		LogicalTurn:     t.nextTurn,
		Author:          AuthorSystem,
		Kind:            KindCompressedSummary,
		Body:            body,
		TokensEstimated: t.counter.Count(body),
		StartTurn:       covered[0].TurnIndex,
		EndTurn:         covered[len(covered)-1].TurnIndex,
		CreatedAt:       t.clock(),
	}
	t.nextTurn++

	replaced := make([]Entry, 0, len(t.entries)-len(covered)+1)
	replaced = append(replaced, t.entries[:first]...)
	replaced = append(replaced, summary)
	replaced = append(replaced, t.entries[last+1:]...)
	t.entries = replaced
	t.total = t.total - freed + summary.TokensEstimated

	// The store keeps the covered rows; only the summary is appended,
	// so compression can be reversed from durable state.
	if t.mirror != nil {
		if err := t.mirror.AppendTranscript(t.sessionID, summary); err != nil {
			return fmt.Errorf("failed to mirror summary entry: %w", err)
		}
	}
	return nil
}
