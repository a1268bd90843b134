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
	"time"

	"github.com/google/uuid"
)

// Analysis is one recorded tool invocation or supervisor check, kept for
// degradation scoring and the stats report.
type Analysis struct {
	ID           string
	ToolName     string
	Target       string
	AgentID      string
	Timestamp    time.Time
	ResultsJSON  string
	Status       string
	DurationS    float64
	ErrorMessage string
}

// SaveAnalysis inserts an analysis record, assigning an id if empty.
func (s *Store) SaveAnalysis(a *Analysis) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	results := a.ResultsJSON
	if results == "" {
		results = "{}"
	}
	var agentID any
	if a.AgentID != "" {
		agentID = a.AgentID
	}
	return s.exec(`
		INSERT INTO analyses (id, tool_name, target, agent_id, timestamp, results_json, status, duration_s, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ToolName, a.Target, agentID, a.Timestamp.UTC(),
		results, a.Status, a.DurationS, a.ErrorMessage)
}

// ListAnalyses returns analyses for an agent, most recent first, up to
// limit rows. A zero limit returns everything.
func (s *Store) ListAnalyses(agentID string, limit int) ([]Analysis, error) {
	query := `
		SELECT id, tool_name, target, agent_id, timestamp, results_json, status, duration_s, error_message
		FROM analyses WHERE agent_id = ? ORDER BY timestamp DESC`
	args := []any{agentID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, wrapSQLiteErr(err)
	}
	defer rows.Close()

	var out []Analysis
	for rows.Next() {
		var (
			a     Analysis
			agent sql.NullString
		)
		err := rows.Scan(&a.ID, &a.ToolName, &a.Target, &agent, &a.Timestamp,
			&a.ResultsJSON, &a.Status, &a.DurationS, &a.ErrorMessage)
		if err != nil {
			return nil, wrapSQLiteErr(err)
		}
		a.AgentID = agent.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// ToolStats aggregates analysis rows per tool.
type ToolStats struct {
	ToolName     string
	Count        int
	Failures     int
	AvgDurationS float64
}

// StatsByTool aggregates all analyses grouped by tool name.
func (s *Store) StatsByTool() ([]ToolStats, error) {
	rows, err := s.db.Query(`
		SELECT tool_name,
		       COUNT(*),
		       SUM(CASE WHEN status != 'ok' THEN 1 ELSE 0 END),
		       AVG(duration_s)
		FROM analyses GROUP BY tool_name ORDER BY tool_name`)
	if err != nil {
		return nil, wrapSQLiteErr(err)
	}
	defer rows.Close()

	var out []ToolStats
	for rows.Next() {
		var st ToolStats
		if err := rows.Scan(&st.ToolName, &st.Count, &st.Failures, &st.AvgDurationS); err != nil {
			return nil, wrapSQLiteErr(err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
