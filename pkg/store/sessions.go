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
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Session is the durable record of one orchestration run.
type Session struct {
	ID                string
	WorkspaceRoot     string
	ActiveAgents      []string // agent ids participating in the session
	TimeBudgetSeconds int
	TokenBudgetTotal  int64
	GitHubEnabled     bool
	PolicyJSON        string
	StartedAt         time.Time
	EndedAt           *time.Time
	EndStatus         string
	FatalCause        string
}

// SaveSession upserts the session row.
func (s *Store) SaveSession(sess *Session) error {
	agents, err := json.Marshal(sess.ActiveAgents)
	if err != nil {
		return fmt.Errorf("failed to encode active agents: %w", err)
	}
	policy := sess.PolicyJSON
	if policy == "" {
		policy = "{}"
	}
	var ended any
	if sess.EndedAt != nil {
		ended = sess.EndedAt.UTC()
	}
	return s.exec(`
		INSERT INTO sessions (id, workspace_root, active_agents, time_budget_seconds, token_budget_total, github_enabled, policy_json, started_at, ended_at, end_status, fatal_cause)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workspace_root = excluded.workspace_root,
			active_agents = excluded.active_agents,
			time_budget_seconds = excluded.time_budget_seconds,
			token_budget_total = excluded.token_budget_total,
			github_enabled = excluded.github_enabled,
			policy_json = excluded.policy_json,
			ended_at = excluded.ended_at,
			end_status = excluded.end_status,
			fatal_cause = excluded.fatal_cause`,
		sess.ID, sess.WorkspaceRoot, string(agents), sess.TimeBudgetSeconds,
		sess.TokenBudgetTotal, sess.GitHubEnabled, policy,
		sess.StartedAt.UTC(), ended, sess.EndStatus, sess.FatalCause)
}

// EndSession marks a session finished with its termination cause.
func (s *Store) EndSession(id, status, fatalCause string, at time.Time) error {
	return s.exec(`UPDATE sessions SET ended_at = ?, end_status = ?, fatal_cause = ? WHERE id = ?`,
		at.UTC(), status, fatalCause, id)
}

// GetSession loads one session by id.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, workspace_root, active_agents, time_budget_seconds, token_budget_total, github_enabled, policy_json, started_at, ended_at, end_status, fatal_cause
		FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %q", ErrNotFound, id)
	}
	return sess, err
}

// ListSessions returns all sessions, most recent first.
func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(`
		SELECT id, workspace_root, active_agents, time_budget_seconds, token_budget_total, github_enabled, policy_json, started_at, ended_at, end_status, fatal_cause
		FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, wrapSQLiteErr(err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess   Session
		agents string
		ended  sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.WorkspaceRoot, &agents, &sess.TimeBudgetSeconds,
		&sess.TokenBudgetTotal, &sess.GitHubEnabled, &sess.PolicyJSON,
		&sess.StartedAt, &ended, &sess.EndStatus, &sess.FatalCause)
	if err != nil {
		return nil, wrapSQLiteErr(err)
	}
	if err := json.Unmarshal([]byte(agents), &sess.ActiveAgents); err != nil {
		return nil, fmt.Errorf("failed to decode active agents: %w", err)
	}
	if ended.Valid {
		t := ended.Time
		sess.EndedAt = &t
	}
	return &sess, nil
}
