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

import "time"

// Timer is a persisted status expiry (sleep or break) so mandatory rest
// survives a crash and resume.
type Timer struct {
	ID        int64
	SessionID string
	AgentID   string
	Kind      string
	ExpiresAt time.Time
}

// SaveTimer persists a status expiry and returns its id.
func (s *Store) SaveTimer(t *Timer) error {
	res, err := s.db.Exec(`
		INSERT INTO supervisor_timers (session_id, agent_id, kind, expires_at)
		VALUES (?, ?, ?, ?)`,
		t.SessionID, t.AgentID, t.Kind, t.ExpiresAt.UTC())
	if err != nil {
		return wrapSQLiteErr(err)
	}
	t.ID, _ = res.LastInsertId()
	return nil
}

// PendingTimers returns a session's timers ordered by expiry.
func (s *Store) PendingTimers(sessionID string) ([]Timer, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, agent_id, kind, expires_at
		FROM supervisor_timers WHERE session_id = ? ORDER BY expires_at`, sessionID)
	if err != nil {
		return nil, wrapSQLiteErr(err)
	}
	defer rows.Close()

	var timers []Timer
	for rows.Next() {
		var t Timer
		if err := rows.Scan(&t.ID, &t.SessionID, &t.AgentID, &t.Kind, &t.ExpiresAt); err != nil {
			return nil, wrapSQLiteErr(err)
		}
		timers = append(timers, t)
	}
	return timers, rows.Err()
}

// SaveSleepTimer adapts SaveTimer to the supervisor's sink contract.
func (s *Store) SaveSleepTimer(sessionID, agentID, kind string, expiresAt time.Time) error {
	return s.SaveTimer(&Timer{SessionID: sessionID, AgentID: agentID, Kind: kind, ExpiresAt: expiresAt})
}

// DeleteTimer removes a fired or cancelled timer.
func (s *Store) DeleteTimer(id int64) error {
	return s.exec(`DELETE FROM supervisor_timers WHERE id = ?`, id)
}
