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

package agent

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Persister mirrors registry mutations into durable storage. Implemented
// by the store; a nil Persister keeps everything in memory (tests).
type Persister interface {
	SaveAgent(a *Agent) error
	AppendXPEvent(agentID string, delta int64, reason string, at time.Time) error
}

// Registry is the runtime source of truth for agent identity and state.
// It loads agents from the store at session start and mirrors updates
// back through the Persister.
type Registry struct {
	mu      sync.RWMutex
	byAlias map[string]*Agent
	byID    map[string]*Agent
	order   []string // aliases in registration order, for stable listing
	persist Persister
	clock   func() time.Time
}

// StatusController is the single handle allowed to change agent status.
// It is created together with the Registry and handed to the supervisor;
// no other component receives one.
type StatusController struct {
	reg *Registry
}

// NewRegistry creates an empty registry and its status controller.
func NewRegistry(persist Persister) (*Registry, *StatusController) {
	r := &Registry{
		byAlias: make(map[string]*Agent),
		byID:    make(map[string]*Agent),
		persist: persist,
		clock:   time.Now,
	}
	return r, &StatusController{reg: r}
}

// SetClock overrides the registry clock. Tests only.
func (r *Registry) SetClock(clock func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
}

// Register creates a new agent. The alias must be unique among
// non-retired agents, and at most one agent may hold the supervisor role.
func (r *Registry) Register(alias, role, modelRef string) (*Agent, error) {
	if alias == "" {
		return nil, fmt.Errorf("alias cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byAlias[alias]; ok && existing.Status != StatusRetired {
		return nil, fmt.Errorf("agent with alias %q already registered", alias)
	}
	if role == RoleSupervisor {
		for _, a := range r.byAlias {
			if a.Role == RoleSupervisor && a.Status != StatusRetired {
				return nil, fmt.Errorf("supervisor role already held by %q", a.Alias)
			}
		}
	}

	now := r.clock()
	a := &Agent{
		ID:        uuid.NewString(),
		Alias:     alias,
		ModelRef:  modelRef,
		Role:      role,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.byAlias[alias] = a
	r.byID[a.ID] = a
	r.order = append(r.order, alias)

	if err := r.save(a); err != nil {
		return nil, err
	}
	return a.clone(), nil
}

// Adopt inserts an agent previously loaded from the store, preserving its
// id, XP, and status. Used on session resume.
func (r *Registry) Adopt(a *Agent) error {
	if a == nil || a.ID == "" || a.Alias == "" {
		return fmt.Errorf("adopted agent must carry id and alias")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byAlias[a.Alias]; ok && existing.Status != StatusRetired {
		return fmt.Errorf("agent with alias %q already registered", a.Alias)
	}

	cp := a.clone()
	cp.Level = LevelForXP(cp.XP)
	r.byAlias[cp.Alias] = cp
	r.byID[cp.ID] = cp
	r.order = append(r.order, cp.Alias)
	return nil
}

// Resolve returns the agent with the given alias or id.
func (r *Registry) Resolve(aliasOrID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if a, ok := r.byAlias[aliasOrID]; ok {
		return a.clone(), nil
	}
	if a, ok := r.byID[aliasOrID]; ok {
		return a.clone(), nil
	}
	return nil, fmt.Errorf("unknown agent %q", aliasOrID)
}

// AwardXP applies an XP delta (possibly negative) and recomputes the
// level from the curve. XP never goes below zero.
func (r *Registry) AwardXP(id string, delta int64, reason string) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", id)
	}

	a.XP += delta
	if a.XP < 0 {
		a.XP = 0
	}
	a.Level = LevelForXP(a.XP)
	a.UpdatedAt = r.clock()

	if r.persist != nil {
		if err := r.persist.AppendXPEvent(a.ID, delta, reason, a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to persist xp event: %w", err)
		}
	}
	if err := r.save(a); err != nil {
		return nil, err
	}
	return a.clone(), nil
}

// ListActive returns all schedulable agents in registration order.
func (r *Registry) ListActive() []*Agent {
	return r.list(func(a *Agent) bool { return a.Status == StatusActive })
}

// List returns all non-retired agents in registration order.
func (r *Registry) List() []*Agent {
	return r.list(func(a *Agent) bool { return a.Status != StatusRetired })
}

func (r *Registry) list(keep func(*Agent) bool) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Agent, 0, len(r.order))
	for _, alias := range r.order {
		if a, ok := r.byAlias[alias]; ok && keep(a) {
			out = append(out, a.clone())
		}
	}
	return out
}

// Supervisor returns the agent holding the supervisor role, if any.
func (r *Registry) Supervisor() (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, alias := range r.order {
		a := r.byAlias[alias]
		if a.Role == RoleSupervisor && a.Status != StatusRetired {
			return a.clone(), true
		}
	}
	return nil, false
}

// SetStatus transitions an agent's lifecycle state. Only the supervisor
// holds a StatusController.
func (c *StatusController) SetStatus(id string, status Status, reason string, expiresAt *time.Time) error {
	r := c.reg

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("unknown agent %q", id)
	}

	a.Status = status
	a.StatusReason = reason
	a.StatusExpiresAt = expiresAt
	a.UpdatedAt = r.clock()

	return r.save(a)
}

// ExpireStatuses returns to active every agent whose status expiry has
// passed, and reports the aliases that woke up.
func (c *StatusController) ExpireStatuses(now time.Time) []string {
	r := c.reg

	r.mu.Lock()
	defer r.mu.Unlock()

	var woken []string
	for _, alias := range r.order {
		a := r.byAlias[alias]
		if a.StatusExpiresAt == nil || a.Status == StatusActive || a.Status == StatusRetired {
			continue
		}
		if !now.Before(*a.StatusExpiresAt) {
			a.Status = StatusActive
			a.StatusReason = ""
			a.StatusExpiresAt = nil
			a.UpdatedAt = r.clock()
			if err := r.save(a); err == nil {
				woken = append(woken, alias)
			}
		}
	}
	sort.Strings(woken)
	return woken
}

// save mirrors the agent row to the store; callers hold r.mu.
func (r *Registry) save(a *Agent) error {
	if r.persist == nil {
		return nil
	}
	if err := r.persist.SaveAgent(a); err != nil {
		return fmt.Errorf("failed to persist agent %q: %w", a.Alias, err)
	}
	return nil
}

func (a *Agent) clone() *Agent {
	cp := *a
	if a.StatusExpiresAt != nil {
		t := *a.StatusExpiresAt
		cp.StatusExpiresAt = &t
	}
	return &cp
}
