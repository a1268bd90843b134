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

// Package scheduler drives a session forward one turn at a time: select
// an agent, dispatch to the provider, execute parsed operations, and
// persist everything. All shared-state writes happen under a single
// mutex; provider calls and tool executions run outside it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/axe/pkg/agent"
	"github.com/kadirpekel/axe/pkg/config"
	"github.com/kadirpekel/axe/pkg/logger"
	"github.com/kadirpekel/axe/pkg/observability"
	"github.com/kadirpekel/axe/pkg/provider"
	"github.com/kadirpekel/axe/pkg/ratelimit"
	"github.com/kadirpekel/axe/pkg/runner"
	"github.com/kadirpekel/axe/pkg/store"
	"github.com/kadirpekel/axe/pkg/supervisor"
	"github.com/kadirpekel/axe/pkg/transcript"
)

// Session end statuses.
const (
	EndTaskComplete    = "task_complete"
	EndTimeBudget      = "time_budget_exhausted"
	EndTokenBudget     = "token_budget_exhausted"
	EndNoAgents        = "no_schedulable_agents"
	EndMaxTurns        = "max_turns"
	EndCancelled       = "cancelled"
	EndFatal           = "fatal"
	maxProviderRetries = 3
)

// GitHubCollaborator surfaces a push intent to the operator. Nothing is
// written to a remote without an explicit operator decision outside the
// engine.
type GitHubCollaborator interface {
	PushReady(ctx context.Context, branch, commitMessage string) error
}

// Deps are the collaborators the scheduler drives. Store, GitHub, and
// Metrics are optional.
type Deps struct {
	Config     *config.Config
	Registry   *agent.Registry
	Supervisor *supervisor.Supervisor
	Transcript *transcript.Transcript
	Runner     *runner.Runner
	Provider   provider.Provider
	Limiter    *ratelimit.Limiter
	Store      *store.Store
	GitHub     GitHubCollaborator
	Metrics    *observability.Metrics
}

// Result summarizes a finished session.
type Result struct {
	Status     string
	FatalCause string
	Turns      int
	TokensUsed int64
	XPDeltas   map[string]int64
}

// Scheduler runs the turn loop for one session.
type Scheduler struct {
	deps      Deps
	sessionID string
	prompts   map[string]string // alias -> system prompt

	mu          sync.Mutex
	logicalTurn int
	turns       int
	tokensUsed  int64
	rrCursor    int
	votes       map[string]int // alias -> logical turn of last completion vote
	xpDeltas    map[string]int64

	parallelism int
	maxTurns    int
	backoff     provider.Backoff
	clock       func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	log         *slog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithParallelism enables dispatching up to n provider calls at once.
func WithParallelism(n int) Option {
	return func(s *Scheduler) {
		if n > 1 {
			s.parallelism = n
		}
	}
}

// WithMaxTurns bounds the loop. Zero means budget-bounded only.
func WithMaxTurns(n int) Option {
	return func(s *Scheduler) { s.maxTurns = n }
}

// WithBackoff overrides the transient-retry schedule.
func WithBackoff(b provider.Backoff) Option {
	return func(s *Scheduler) { s.backoff = b }
}

// WithClock overrides the clock. Tests only.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithSleeper overrides idle waiting. Tests only.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = sleep }
}

// New wires a scheduler. Registry, Supervisor, Transcript, Runner, and
// Provider are required.
func New(sessionID string, deps Deps, opts ...Option) (*Scheduler, error) {
	if deps.Config == nil || deps.Registry == nil || deps.Supervisor == nil ||
		deps.Transcript == nil || deps.Runner == nil || deps.Provider == nil {
		return nil, fmt.Errorf("scheduler requires config, registry, supervisor, transcript, runner, and provider")
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(nil)
	}

	s := &Scheduler{
		deps:        deps,
		sessionID:   sessionID,
		prompts:     make(map[string]string),
		votes:       make(map[string]int),
		xpDeltas:    make(map[string]int64),
		parallelism: 1,
		backoff:     provider.DefaultBackoff,
		clock:       time.Now,
		log:         logger.GetLogger(),
	}
	s.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	for _, a := range deps.Config.Agents {
		s.prompts[a.Alias] = a.DefaultSystemPrompt
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run executes the session until a termination condition and writes the
// final summary. The returned error is non-nil only for fatal causes.
func (s *Scheduler) Run(ctx context.Context) (*Result, error) {
	started := s.clock()
	deadline := started.Add(time.Duration(s.deps.Config.Session.TimeBudgetSeconds) * time.Second)

	for {
		if ctx.Err() != nil {
			return s.finish(ctx, EndCancelled, "")
		}
		s.deps.Supervisor.Tick()

		if s.maxTurns > 0 && s.turns >= s.maxTurns {
			return s.finish(ctx, EndMaxTurns, "")
		}
		if !s.clock().Before(deadline) {
			return s.finish(ctx, EndTimeBudget, "")
		}
		if budget := s.deps.Config.Session.TokenBudgetTotal; budget > 0 && s.tokensUsed >= budget {
			return s.finish(ctx, EndTokenBudget, "")
		}

		batch, wait, done := s.selectBatch(deadline)
		if done {
			return s.finish(ctx, EndNoAgents, "")
		}
		if len(batch) == 0 {
			if err := s.sleep(ctx, wait); err != nil {
				return s.finish(ctx, EndCancelled, "")
			}
			continue
		}

		complete, err := s.runBatch(ctx, batch)
		if err != nil {
			if errors.Is(err, store.ErrCorrupt) {
				return s.finish(ctx, EndFatal, "store_corrupt")
			}
			return s.finish(ctx, EndFatal, err.Error())
		}
		if complete {
			return s.finish(ctx, EndTaskComplete, "")
		}
	}
}

// selection holds one picked agent with its logical turn stamp.
type selection struct {
	agent       *agent.Agent
	logicalTurn int
}

// selectBatch picks up to parallelism schedulable agents. It returns the
// idle wait when all candidates are parked or throttled, and done when
// no agent can recover before the session deadline.
func (s *Scheduler) selectBatch(deadline time.Time) ([]selection, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.deps.Registry.ListActive()

	var candidates []*agent.Agent
	minRetry := time.Duration(0)
	for _, a := range active {
		res, err := s.deps.Limiter.Check(a.ID, int64(s.deps.Config.Transcript.ContextTokens))
		if err != nil || !res.Allowed {
			if res != nil && res.RetryAfter > 0 && (minRetry == 0 || res.RetryAfter < minRetry) {
				minRetry = res.RetryAfter
			}
			continue
		}
		candidates = append(candidates, a)
	}

	if len(candidates) == 0 {
		if len(active) > 0 {
			// Rate-limit deferral consumes no turn.
			if minRetry <= 0 {
				minRetry = time.Second
			}
			return nil, minRetry, false
		}
		// Everyone is parked; wait for the earliest recovery if it fits
		// inside the budget.
		earliest := time.Time{}
		for _, a := range s.deps.Registry.List() {
			if a.StatusExpiresAt != nil && (earliest.IsZero() || a.StatusExpiresAt.Before(earliest)) {
				earliest = *a.StatusExpiresAt
			}
		}
		if earliest.IsZero() || earliest.After(deadline) {
			return nil, 0, true
		}
		wait := earliest.Sub(s.clock())
		if wait < time.Second {
			wait = time.Second
		}
		return nil, wait, false
	}

	n := s.parallelism
	if n > len(candidates) {
		n = len(candidates)
	}
	batch := make([]selection, 0, n)
	for i := 0; i < n; i++ {
		picked := s.pick(candidates)
		batch = append(batch, selection{agent: picked, logicalTurn: s.logicalTurn})
		s.logicalTurn++
		// Remove picked so a batch never doubles up one agent.
		for j, c := range candidates {
			if c.ID == picked.ID {
				candidates = append(candidates[:j], candidates[j+1:]...)
				break
			}
		}
		if len(candidates) == 0 {
			break
		}
	}
	return batch, 0, false
}

// pick applies round-robin with level-weighted preemption: an agent
// whose level exceeds every other candidate's by at least 3 claims the
// turn. Callers hold s.mu.
func (s *Scheduler) pick(candidates []*agent.Agent) *agent.Agent {
	if len(candidates) == 1 {
		return candidates[0]
	}
	for _, a := range candidates {
		dominant := true
		for _, b := range candidates {
			if b.ID != a.ID && a.Level-b.Level < 3 {
				dominant = false
				break
			}
		}
		if dominant {
			return a
		}
	}
	picked := candidates[s.rrCursor%len(candidates)]
	s.rrCursor++
	return picked
}

// runBatch executes the selected turns, in parallel when configured.
// Results are applied in arrival order; entries carry the logical turn.
func (s *Scheduler) runBatch(ctx context.Context, batch []selection) (bool, error) {
	if len(batch) == 1 {
		return s.runTurn(ctx, batch[0])
	}

	var (
		completeMu sync.Mutex
		complete   bool
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, sel := range batch {
		sel := sel
		g.Go(func() error {
			done, err := s.runTurn(gctx, sel)
			if err != nil {
				return err
			}
			completeMu.Lock()
			complete = complete || done
			completeMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}
	return complete, nil
}

// finish writes the final summary entry and the session row.
func (s *Scheduler) finish(ctx context.Context, status, fatalCause string) (*Result, error) {
	s.mu.Lock()
	result := &Result{
		Status:     status,
		FatalCause: fatalCause,
		Turns:      s.turns,
		TokensUsed: s.tokensUsed,
		XPDeltas:   make(map[string]int64, len(s.xpDeltas)),
	}
	for alias, delta := range s.xpDeltas {
		result.XPDeltas[alias] = delta
	}
	s.mu.Unlock()

	summary := fmt.Sprintf("session ended: status=%s turns=%d tokens_used=%d", status, result.Turns, result.TokensUsed)
	for alias, delta := range result.XPDeltas {
		summary += fmt.Sprintf(" xp[%s]=%+d", alias, delta)
	}
	if fatalCause != "" {
		summary += fmt.Sprintf(" fatal_cause=%s resume_token=%s", fatalCause, s.sessionID)
	}
	if _, err := s.deps.Transcript.AppendPinned(summary); err != nil {
		s.log.Error("failed to append session summary", "error", err)
	}

	if s.deps.Store != nil {
		if err := s.deps.Store.EndSession(s.sessionID, status, fatalCause, s.clock()); err != nil {
			s.log.Error("failed to mark session ended", "error", err)
		}
	}

	s.log.Info("session ended", "session", s.sessionID, "status", status, "turns", result.Turns)
	if status == EndFatal {
		return result, fmt.Errorf("session failed: %s", fatalCause)
	}
	return result, nil
}
