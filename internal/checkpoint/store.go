// Package checkpoint persists the opaque blob instance.Manager.Checkpoint
// produces (spec §3 Lifecycle/Checkpoint) so a workflow instance can be
// restored after a process restart, not just within the same process.
//
// Grounded on the teacher's internal/db/db.go (modernc.org/sqlite
// connection setup: WAL mode, busy_timeout) and
// internal/workflows/runtime/adapter.go's repository-backed persistence
// pattern, scoped down from a full repository layer to a single table
// since a checkpoint blob is already self-contained JSON produced by
// instance.Manager.
package checkpoint

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store persists checkpoint blobs keyed by the workflow id they were taken
// against.
type Store struct {
	db *sql.DB
}

// Open connects to (creating if absent) a sqlite database at path and runs
// any pending goose migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	db.SetMaxOpenConns(1) // one writer; sqlite serializes anyway, this avoids SQLITE_BUSY under WAL

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping checkpoint store: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %q: %w", pragma, err)
		}
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run checkpoint store migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Save upserts a checkpoint blob for workflowID.
func (s *Store) Save(workflowID, definitionName string, snapshot []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO checkpoints (workflow_id, definition_name, snapshot, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(workflow_id) DO UPDATE SET definition_name = excluded.definition_name,
		   snapshot = excluded.snapshot, created_at = excluded.created_at`,
		workflowID, definitionName, snapshot, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", workflowID, err)
	}
	return nil
}

// Load returns the most recently saved snapshot for workflowID.
func (s *Store) Load(workflowID string) ([]byte, error) {
	var snapshot []byte
	err := s.db.QueryRow(`SELECT snapshot FROM checkpoints WHERE workflow_id = ?`, workflowID).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no checkpoint found for workflow %s", workflowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for %s: %w", workflowID, err)
	}
	return snapshot, nil
}

// Delete removes a workflow's saved checkpoint, if any.
func (s *Store) Delete(workflowID string) error {
	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE workflow_id = ?`, workflowID)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
