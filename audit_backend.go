// audit_backend.go: Storage backends for the audit trail
//
// Two backends share one interface: SQLite (WAL mode, batched inserts) and
// JSONL files. A ".jsonl" output file selects JSONL; anything else tries
// SQLite first and falls back to JSONL.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration
)

// auditBackend persists batches of audit events.
type auditBackend interface {
	Write(events []AuditEvent) error
	Flush() error
	Close() error
}

func createAuditBackend(config AuditConfig) (auditBackend, error) {
	if config.OutputFile != "" && filepath.Ext(config.OutputFile) == ".jsonl" {
		return newJSONLBackend(config.OutputFile)
	}

	backend, err := newSQLiteBackend(config)
	if err == nil {
		return backend, nil
	}

	fallback := config.OutputFile
	if fallback == "" || filepath.Ext(fallback) == ".db" {
		fallback = filepath.Join(os.TempDir(), "pythia", "audit.jsonl")
	}
	jsonlBackend, jsonlErr := newJSONLBackend(fallback)
	if jsonlErr != nil {
		return nil, fmt.Errorf("all audit backends failed - SQLite: %w, JSONL: %v", err, jsonlErr)
	}
	return jsonlBackend, nil
}

// defaultAuditDBPath is the shared database used when no output file is set.
func defaultAuditDBPath() string {
	return filepath.Join(os.TempDir(), "pythia", "audit.db")
}

type sqliteAuditBackend struct {
	db         *sql.DB
	insertStmt *sql.Stmt
	mu         sync.RWMutex
	closed     bool
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	level TEXT NOT NULL,
	event TEXT NOT NULL,
	component TEXT NOT NULL,
	config_key TEXT,
	file_path TEXT,
	version INTEGER,
	process_id INTEGER NOT NULL,
	process_name TEXT NOT NULL,
	context TEXT,
	checksum TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_events_event ON audit_events(event);
CREATE INDEX IF NOT EXISTS idx_audit_events_key ON audit_events(config_key);`

func newSQLiteBackend(config AuditConfig) (*sqliteAuditBackend, error) {
	dbPath := config.OutputFile
	if dbPath == "" {
		dbPath = defaultAuditDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create audit database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize audit database schema: %w", err)
	}
	stmt, err := db.Prepare(`INSERT INTO audit_events
		(timestamp, level, event, component, config_key, file_path, version, process_id, process_name, context, checksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare audit insert statement: %w", err)
	}
	return &sqliteAuditBackend{db: db, insertStmt: stmt}, nil
}

// Write inserts a batch inside one transaction.
func (s *sqliteAuditBackend) Write(events []AuditEvent) (err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("cannot write to closed SQLite audit backend")
	}
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt := tx.Stmt(s.insertStmt)
	defer stmt.Close()

	for _, event := range events {
		contextJSON := ""
		if event.Context != nil {
			data, merr := json.Marshal(event.Context)
			if merr != nil {
				return fmt.Errorf("failed to serialize audit context: %w", merr)
			}
			contextJSON = string(data)
		}
		if _, err = stmt.Exec(
			event.Timestamp.Format(time.RFC3339Nano),
			event.Level.String(),
			event.Event,
			event.Component,
			event.Key,
			event.FilePath,
			int64(event.Version), // #nosec G115 -- snapshot versions stay far below MaxInt64
			event.ProcessID,
			event.ProcessName,
			contextJSON,
			event.Checksum,
		); err != nil {
			return fmt.Errorf("failed to insert audit event: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit transaction: %w", err)
	}
	return nil
}

// Flush checkpoints the WAL.
func (s *sqliteAuditBackend) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to flush SQLite audit backend: %w", err)
	}
	return nil
}

// Close checkpoints and releases the database. It is safe to call twice.
func (s *sqliteAuditBackend) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	if err := s.insertStmt.Close(); err != nil {
		firstErr = fmt.Errorf("failed to close insert statement: %w", err)
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close database: %w", err)
	}
	return firstErr
}

// countEvents returns how many rows hold the given event name.
func (s *sqliteAuditBackend) countEvents(event string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM audit_events WHERE event = ?", event).Scan(&n)
	return n, err
}

type jsonlAuditBackend struct {
	file   *os.File
	mu     sync.Mutex
	closed bool
}

func newJSONLBackend(path string) (*jsonlAuditBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create JSONL audit log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304 -- audit path is operator supplied
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL audit log file: %w", err)
	}
	return &jsonlAuditBackend{file: file}, nil
}

// Write appends one JSON object per line.
func (j *jsonlAuditBackend) Write(events []AuditEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("cannot write to closed JSONL audit backend")
	}
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to serialize audit event: %w", err)
		}
		data = append(data, '\n')
		if _, err := j.file.Write(data); err != nil {
			return fmt.Errorf("failed to write audit event to JSONL: %w", err)
		}
	}
	return nil
}

// Flush fsyncs the file.
func (j *jsonlAuditBackend) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync JSONL audit file: %w", err)
	}
	return nil
}

// Close releases the file handle. It is safe to call twice.
func (j *jsonlAuditBackend) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.file.Close()
}
