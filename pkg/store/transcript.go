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
	"github.com/kadirpekel/axe/pkg/transcript"
)

// AppendTranscript persists one transcript entry. Implements
// transcript.Mirror. Rows are append-only; compression appends a summary
// row and leaves the covered rows in place.
func (s *Store) AppendTranscript(sessionID string, e transcript.Entry) error {
	return s.exec(`
		INSERT INTO transcript_entries
			(session_id, turn_index, logical_turn, author, kind, body, tokens_estimated, pinned, start_turn, end_turn, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, e.TurnIndex, e.LogicalTurn, e.Author, string(e.Kind), e.Body,
		e.TokensEstimated, e.Pinned, e.StartTurn, e.EndTurn, e.CreatedAt.UTC())
}

// RawTranscript returns every stored row for a session ordered by turn
// index, including rows covered by compression.
func (s *Store) RawTranscript(sessionID string) ([]transcript.Entry, error) {
	rows, err := s.db.Query(`
		SELECT turn_index, logical_turn, author, kind, body, tokens_estimated, pinned, start_turn, end_turn, created_at
		FROM transcript_entries WHERE session_id = ? ORDER BY turn_index`, sessionID)
	if err != nil {
		return nil, wrapSQLiteErr(err)
	}
	defer rows.Close()

	var all []transcript.Entry
	for rows.Next() {
		var (
			e    transcript.Entry
			kind string
		)
		err := rows.Scan(&e.TurnIndex, &e.LogicalTurn, &e.Author, &kind, &e.Body,
			&e.TokensEstimated, &e.Pinned, &e.StartTurn, &e.EndTurn, &e.CreatedAt)
		if err != nil {
			return nil, wrapSQLiteErr(err)
		}
		e.Kind = transcript.EntryKind(kind)
		all = append(all, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapSQLiteErr(err)
	}
	return all, nil
}

// LoadTranscript reconstructs the live log for resume: entries ordered by
// turn index, with unpinned rows covered by a later compressed_summary
// elided. The raw rows stay in the table so compression is reversible.
func (s *Store) LoadTranscript(sessionID string) ([]transcript.Entry, error) {
	all, err := s.RawTranscript(sessionID)
	if err != nil {
		return nil, err
	}

	covered := func(turn int) bool {
		for _, e := range all {
			if e.Kind == transcript.KindCompressedSummary && turn >= e.StartTurn && turn <= e.EndTurn {
				return true
			}
		}
		return false
	}

	live := make([]transcript.Entry, 0, len(all))
	for _, e := range all {
		if e.Kind != transcript.KindCompressedSummary && !e.Pinned && covered(e.TurnIndex) {
			continue
		}
		live = append(live, e)
	}
	return live, nil
}
