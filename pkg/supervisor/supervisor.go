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

// Package supervisor is the safety plane. It is the only component that
// changes agent status: mandatory sleep when work counters exceed their
// thresholds, sleep on degradation, break grants under quota, and the
// write-only emergency mailbox.
package supervisor

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/axe/pkg/agent"
	"github.com/kadirpekel/axe/pkg/config"
	"github.com/kadirpekel/axe/pkg/logger"
	"github.com/kadirpekel/axe/pkg/operation"
)

// TimerSink persists status expiries so mandatory rest survives a crash.
// Implemented by the store; nil disables persistence (tests).
type TimerSink interface {
	SaveSleepTimer(sessionID, agentID, kind string, expiresAt time.Time) error
}

// workState is the per-agent ledger the supervisor enforces against.
type workState struct {
	activeSeconds float64
	tokens        int64
	turns         int
	breaks        []time.Time // grant times, pruned to the last hour
	window        []observation
	lastWrite     map[string]string // path -> last written content
}

// Supervisor watches every turn and enforces the safety policies.
type Supervisor struct {
	mu         sync.Mutex
	cfg        config.SupervisorConfig
	registry   *agent.Registry
	controller *agent.StatusController
	mailbox    *Mailbox
	timers     TimerSink
	sessionID  string
	states     map[string]*workState
	clock      func() time.Time
	log        *slog.Logger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithMailbox attaches the emergency mailbox.
func WithMailbox(m *Mailbox) Option {
	return func(s *Supervisor) { s.mailbox = m }
}

// WithTimerSink attaches durable timer persistence.
func WithTimerSink(sink TimerSink) Option {
	return func(s *Supervisor) { s.timers = sink }
}

// WithClock overrides the clock. Tests only.
func WithClock(clock func() time.Time) Option {
	return func(s *Supervisor) { s.clock = clock }
}

// New creates a supervisor bound to the registry's status controller.
func New(cfg config.SupervisorConfig, sessionID string, reg *agent.Registry, ctrl *agent.StatusController, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:        cfg,
		registry:   reg,
		controller: ctrl,
		sessionID:  sessionID,
		states:     make(map[string]*workState),
		clock:      time.Now,
		log:        logger.GetLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordTurn adds one turn's wall-clock activity and token usage to the
// agent's work counters.
func (s *Supervisor) RecordTurn(agentID string, active time.Duration, tokens int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(agentID)
	st.activeSeconds += active.Seconds()
	st.tokens += tokens
	st.turns++
}

// ObserveResult feeds one executed operation into the degradation window.
func (s *Supervisor) ObserveResult(agentID string, op operation.Operation, res operation.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observe(s.state(agentID), op, res)
}

// Tick runs the enforcement pass after a turn: wake expired statuses,
// apply mandatory sleep, and run the periodic degradation check.
func (s *Supervisor) Tick() {
	now := s.clock()

	wasSleeping := make(map[string]bool)
	for _, a := range s.registry.List() {
		if a.Status == agent.StatusSleeping {
			wasSleeping[a.Alias] = true
		}
	}

	for _, alias := range s.controller.ExpireStatuses(now) {
		if !wasSleeping[alias] {
			s.log.Info("agent returned from break", "agent", alias)
			continue
		}
		a, err := s.registry.Resolve(alias)
		if err != nil {
			continue
		}
		s.mu.Lock()
		// Counters reset only when a full sleep completes; breaks do not
		// erase accumulated work.
		st := s.state(a.ID)
		st.activeSeconds = 0
		st.tokens = 0
		st.turns = 0
		st.window = nil
		s.mu.Unlock()
		s.log.Info("agent woke up", "agent", alias)
	}

	for _, a := range s.registry.ListActive() {
		if reason, over := s.overWorkThreshold(a.ID); over {
			s.sleep(a, reason, s.sleepDuration())
			continue
		}
		if score, due := s.degradationDue(a.ID); due && score > s.cfg.DegradationScoreThreshold {
			s.log.Warn("degradation threshold exceeded",
				"agent", a.Alias, "score", fmt.Sprintf("%.3f", score))
			s.sleep(a, fmt.Sprintf("degradation score %.2f", score), s.sleepDuration())
		}
	}
}

// RequestSleep grants a voluntary sleep requested through a reply token.
func (s *Supervisor) RequestSleep(agentID string, minutes int, reason string) error {
	a, err := s.registry.Resolve(agentID)
	if err != nil {
		return err
	}
	if minutes <= 0 {
		minutes = s.cfg.SleepMinutes
	}
	s.sleep(a, reason, time.Duration(minutes)*time.Minute)
	return nil
}

// RequestBreak grants a break iff the pool break load is under the
// configured fraction, the agent is under its hourly quota, and the
// requested duration fits the cap.
func (s *Supervisor) RequestBreak(agentID string, minutes int, reason string) (bool, string) {
	a, err := s.registry.Resolve(agentID)
	if err != nil {
		return false, "unknown agent"
	}
	if minutes <= 0 || minutes > s.cfg.BreakMaxMinutes {
		return false, fmt.Sprintf("break duration must be 1..%d minutes", s.cfg.BreakMaxMinutes)
	}

	pool := s.registry.List()
	onBreak := 0
	for _, peer := range pool {
		if peer.Status == agent.StatusOnBreak {
			onBreak++
		}
	}
	if len(pool) > 0 {
		load := float64(onBreak+1) / float64(len(pool))
		if load >= s.cfg.BreakMaxConcurrentFraction {
			return false, "break load too high"
		}
	}

	now := s.clock()
	s.mu.Lock()
	st := s.state(a.ID)
	recent := st.breaks[:0]
	for _, t := range st.breaks {
		if now.Sub(t) < time.Hour {
			recent = append(recent, t)
		}
	}
	st.breaks = recent
	if len(st.breaks) >= s.cfg.BreakPerHour {
		s.mu.Unlock()
		return false, "hourly break quota reached"
	}
	st.breaks = append(st.breaks, now)
	s.mu.Unlock()

	expires := now.Add(time.Duration(minutes) * time.Minute)
	if err := s.controller.SetStatus(a.ID, agent.StatusOnBreak, reason, &expires); err != nil {
		return false, err.Error()
	}
	s.persistTimer(a.ID, "break", expires)
	s.log.Info("break granted", "agent", a.Alias, "minutes", minutes)
	return true, ""
}

// MarkDegraded parks an agent after repeated provider failures. The
// scheduler reports the condition; the status change stays here.
func (s *Supervisor) MarkDegraded(agentID, reason string) error {
	a, err := s.registry.Resolve(agentID)
	if err != nil {
		return err
	}
	expires := s.clock().Add(s.sleepDuration())
	if err := s.controller.SetStatus(a.ID, agent.StatusDegraded, reason, &expires); err != nil {
		return err
	}
	s.log.Warn("agent marked degraded", "agent", a.Alias, "reason", reason)
	return nil
}

// OverrideSleep wakes a sleeping agent before its expiry. Permitted only
// while task completion is under ten percent; the override is logged.
func (s *Supervisor) OverrideSleep(agentID string, completion float64) error {
	if completion >= 0.10 {
		return fmt.Errorf("sleep override denied: task completion %.0f%% is not under 10%%", completion*100)
	}
	a, err := s.registry.Resolve(agentID)
	if err != nil {
		return err
	}
	if a.Status != agent.StatusSleeping {
		return fmt.Errorf("agent %q is not sleeping", a.Alias)
	}
	if err := s.controller.SetStatus(a.ID, agent.StatusActive, "", nil); err != nil {
		return err
	}
	s.log.Warn("mandatory sleep overridden", "agent", a.Alias, "completion", completion)
	return nil
}

// Emergency deposits a worker's encrypted report in the mailbox. Write
// failures are logged and swallowed so the mailbox stays invisible to
// the rest of the engine.
func (s *Supervisor) Emergency(agentAlias string, payload string) {
	if s.mailbox == nil {
		s.log.Warn("emergency report dropped, no mailbox configured", "agent", agentAlias)
		return
	}
	if err := s.mailbox.Deposit(agentAlias, []byte(payload)); err != nil {
		s.log.Error("emergency mailbox write failed", "agent", agentAlias, "error", err)
	}
}

// UpdateThresholds swaps in new enforcement thresholds from a config
// reload. Mailbox settings are fixed at construction and keep their
// original values.
func (s *Supervisor) UpdateThresholds(cfg config.SupervisorConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.MailboxDir = s.cfg.MailboxDir
	cfg.OperatorPublicKey = s.cfg.OperatorPublicKey
	s.cfg = cfg
	s.log.Info("supervisor thresholds updated",
		"work_hours", cfg.WorkHoursThreshold, "token_threshold", cfg.TokenThreshold)
}

// WorkCounters returns the agent's current counters for the stats view.
func (s *Supervisor) WorkCounters(agentID string) (activeSeconds float64, tokens int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(agentID)
	return st.activeSeconds, st.tokens
}

func (s *Supervisor) state(agentID string) *workState {
	st, ok := s.states[agentID]
	if !ok {
		st = &workState{lastWrite: make(map[string]string)}
		s.states[agentID] = st
	}
	return st
}

func (s *Supervisor) overWorkThreshold(agentID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(agentID)
	if limit := s.cfg.WorkHoursThreshold * 3600; limit > 0 && st.activeSeconds > limit {
		return "mandatory sleep: work hours threshold exceeded", true
	}
	if s.cfg.TokenThreshold > 0 && st.tokens > s.cfg.TokenThreshold {
		return "mandatory sleep: token threshold exceeded", true
	}
	return "", false
}

func (s *Supervisor) degradationDue(agentID string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(agentID)
	if s.cfg.DegradationCheckTurns <= 0 || st.turns == 0 || st.turns%s.cfg.DegradationCheckTurns != 0 {
		return 0, false
	}
	return score(st.window), true
}

func (s *Supervisor) sleep(a *agent.Agent, reason string, d time.Duration) {
	expires := s.clock().Add(d)
	if err := s.controller.SetStatus(a.ID, agent.StatusSleeping, reason, &expires); err != nil {
		s.log.Error("failed to put agent to sleep", "agent", a.Alias, "error", err)
		return
	}
	s.persistTimer(a.ID, "sleep", expires)
	s.log.Info("agent put to sleep", "agent", a.Alias, "reason", reason, "until", expires.Format(time.RFC3339))
}

func (s *Supervisor) sleepDuration() time.Duration {
	return time.Duration(s.cfg.SleepMinutes) * time.Minute
}

func (s *Supervisor) persistTimer(agentID, kind string, expires time.Time) {
	if s.timers == nil {
		return
	}
	if err := s.timers.SaveSleepTimer(s.sessionID, agentID, kind, expires); err != nil {
		s.log.Error("failed to persist status timer", "agent", agentID, "error", err)
	}
}
