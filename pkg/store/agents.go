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

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kadirpekel/axe/pkg/agent"
)

// SaveAgent upserts the agent row. Implements agent.Persister.
func (s *Store) SaveAgent(a *agent.Agent) error {
	var expires any
	if a.StatusExpiresAt != nil {
		expires = a.StatusExpiresAt.UTC()
	}
	return s.exec(`
		INSERT INTO agents (id, alias, model_ref, role, xp, level, status, status_reason, status_expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			alias = excluded.alias,
			model_ref = excluded.model_ref,
			role = excluded.role,
			xp = excluded.xp,
			level = excluded.level,
			status = excluded.status,
			status_reason = excluded.status_reason,
			status_expires_at = excluded.status_expires_at,
			updated_at = excluded.updated_at`,
		a.ID, a.Alias, a.ModelRef, a.Role, a.XP, a.Level,
		string(a.Status), a.StatusReason, expires,
		a.CreatedAt.UTC(), a.UpdatedAt.UTC())
}

// AppendXPEvent records one XP delta in the append-only history.
// Implements agent.Persister.
func (s *Store) AppendXPEvent(agentID string, delta int64, reason string, at time.Time) error {
	return s.exec(`INSERT INTO xp_events (agent_id, delta, reason, created_at) VALUES (?, ?, ?, ?)`,
		agentID, delta, reason, at.UTC())
}

// XPHistory returns the recorded deltas for an agent, oldest first.
func (s *Store) XPHistory(agentID string) ([]XPEvent, error) {
	rows, err := s.db.Query(`
		SELECT delta, reason, created_at FROM xp_events
		WHERE agent_id = ? ORDER BY id`, agentID)
	if err != nil {
		return nil, wrapSQLiteErr(err)
	}
	defer rows.Close()

	var events []XPEvent
	for rows.Next() {
		var e XPEvent
		if err := rows.Scan(&e.Delta, &e.Reason, &e.CreatedAt); err != nil {
			return nil, wrapSQLiteErr(err)
		}
		e.AgentID = agentID
		events = append(events, e)
	}
	return events, rows.Err()
}

// XPEvent is one row of an agent's XP history.
type XPEvent struct {
	AgentID   string
	Delta     int64
	Reason    string
	CreatedAt time.Time
}

// GetAgent loads one agent by alias or id.
func (s *Store) GetAgent(aliasOrID string) (*agent.Agent, error) {
	row := s.db.QueryRow(`
		SELECT id, alias, model_ref, role, xp, level, status, status_reason, status_expires_at, created_at, updated_at
		FROM agents WHERE id = ? OR alias = ? LIMIT 1`, aliasOrID, aliasOrID)

	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: agent %q", ErrNotFound, aliasOrID)
	}
	return a, err
}

// ListAgents returns all stored agents ordered by creation time.
func (s *Store) ListAgents() ([]*agent.Agent, error) {
	rows, err := s.db.Query(`
		SELECT id, alias, model_ref, role, xp, level, status, status_reason, status_expires_at, created_at, updated_at
		FROM agents ORDER BY created_at, alias`)
	if err != nil {
		return nil, wrapSQLiteErr(err)
	}
	defer rows.Close()

	var agents []*agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*agent.Agent, error) {
	var (
		a       agent.Agent
		status  string
		expires sql.NullTime
	)
	err := row.Scan(&a.ID, &a.Alias, &a.ModelRef, &a.Role, &a.XP, &a.Level,
		&status, &a.StatusReason, &expires, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, wrapSQLiteErr(err)
	}
	a.Status = agent.Status(status)
	if expires.Valid {
		t := expires.Time
		a.StatusExpiresAt = &t
	}
	return &a, nil
}
