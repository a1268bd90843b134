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

// Package store is the durable shared-state layer: agents, XP history,
// sessions, transcripts, workshop analyses, and supervisor timers in a
// single SQLite file.
//
// The database lives next to the installed binary, not inside the
// session workspace, so agent identity and XP survive workspace changes.
// WAL journal mode gives readers-during-write; writes are serialized and
// busy errors are retried internally.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

// schemaVersion is the highest schema this build understands.
const schemaVersion = 1

// DefaultFileName is the database file created next to the binary.
const DefaultFileName = "axe.db"

// ErrCorrupt marks unrecoverable database inconsistency. It is the only
// store error the scheduler treats as fatal.
var ErrCorrupt = errors.New("store: database corrupt")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// busyRetries bounds internal retries on SQLITE_BUSY.
const busyRetries = 5

// Store wraps the single-file database.
type Store struct {
	db   *sql.DB
	path string
}

// DefaultPath resolves the database location from the install directory
// of the running binary. AXE_DB overrides it (tests, containers).
func DefaultPath() (string, error) {
	if env := os.Getenv("AXE_DB"); env != "" {
		return env, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to locate executable: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(exe)
	if err != nil {
		resolved = exe
	}
	return filepath.Join(filepath.Dir(resolved), DefaultFileName), nil
}

// Open opens (creating if needed) the store at path. Schema creation is
// idempotent; a database written by a newer build is refused.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	// A single writer connection sidesteps SQLITE_BUSY between our own
	// connections; WAL still serves concurrent readers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
    id TEXT PRIMARY KEY,
    alias TEXT NOT NULL,
    model_ref TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT '',
    xp INTEGER NOT NULL DEFAULT 0,
    level INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'active',
    status_reason TEXT NOT NULL DEFAULT '',
    status_expires_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agents_alias ON agents(alias);

CREATE TABLE IF NOT EXISTS xp_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id TEXT NOT NULL,
    delta INTEGER NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_xp_events_agent ON xp_events(agent_id);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    workspace_root TEXT NOT NULL,
    active_agents TEXT NOT NULL DEFAULT '[]',
    time_budget_seconds INTEGER NOT NULL DEFAULT 0,
    token_budget_total INTEGER NOT NULL DEFAULT 0,
    github_enabled INTEGER NOT NULL DEFAULT 0,
    policy_json TEXT NOT NULL DEFAULT '{}',
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP,
    end_status TEXT NOT NULL DEFAULT '',
    fatal_cause TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS transcript_entries (
    session_id TEXT NOT NULL,
    turn_index INTEGER NOT NULL,
    logical_turn INTEGER NOT NULL DEFAULT 0,
    author TEXT NOT NULL,
    kind TEXT NOT NULL,
    body TEXT NOT NULL,
    tokens_estimated INTEGER NOT NULL DEFAULT 0,
    pinned INTEGER NOT NULL DEFAULT 0,
    start_turn INTEGER NOT NULL DEFAULT 0,
    end_turn INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (session_id, turn_index)
);

CREATE TABLE IF NOT EXISTS analyses (
    id TEXT PRIMARY KEY,
    tool_name TEXT NOT NULL,
    target TEXT NOT NULL DEFAULT '',
    agent_id TEXT,
    timestamp TIMESTAMP NOT NULL,
    results_json TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL,
    duration_s REAL NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_analyses_tool ON analyses(tool_name);

CREATE TABLE IF NOT EXISTS supervisor_timers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    expires_at TIMESTAMP NOT NULL
);
`

func (s *Store) initSchema() error {
	if _, err := s.db.Exec(createSchemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", wrapSQLiteErr(err))
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("failed to write schema version: %w", wrapSQLiteErr(err))
		}
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", wrapSQLiteErr(err))
	case version > schemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported version %d; upgrade axe", version, schemaVersion)
	}
	return nil
}

// exec runs a write with internal busy retries, so callers never see a
// transient store_conflict.
func (s *Store) exec(query string, args ...any) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		_, err = s.db.Exec(query, args...)
		if err == nil || !isBusy(err) {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	if err != nil {
		return wrapSQLiteErr(err)
	}
	return nil
}

// isBusy reports whether err is a transient lock conflict.
func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// wrapSQLiteErr lifts corruption errors into ErrCorrupt so the caller
// can distinguish fatal from recoverable failures.
func wrapSQLiteErr(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.Code == sqlite3.ErrCorrupt || sqliteErr.Code == sqlite3.ErrNotADB {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	return err
}
