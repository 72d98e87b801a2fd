// Package store provides the durable single-writer state store for a
// project. All orchestrator state lives in one SQLite database: the
// project document, the two conversation tables, and the git object
// store share the same file so a project is a single artifact on disk.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/untoldecay/CodeLoom/internal/debug"
	"github.com/untoldecay/CodeLoom/internal/migrate"
	"github.com/untoldecay/CodeLoom/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS project_state (
    id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS full_conversations (
    id TEXT PRIMARY KEY,
    messages TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS compact_conversations (
    id TEXT PRIMARY KEY,
    messages TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS git_objects (
    oid TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    data BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS git_commits (
    oid TEXT PRIMARY KEY,
    parent TEXT,
    message TEXT NOT NULL,
    author TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    tree TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS git_refs (
    name TEXT PRIMARY KEY,
    oid TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS git_staging (
    path TEXT PRIMARY KEY,
    oid TEXT NOT NULL
);
`

// Store owns the persisted state document for one project. Writes are
// serialized; Get returns an isolated snapshot.
type Store struct {
	db        *sql.DB
	projectID string

	mu    sync.RWMutex
	state *types.ProjectState
}

// Open opens (or creates) the project database at path, applies the
// schema, and loads the state document through the migration engine.
func Open(path, projectID string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	s := &Store{db: db, projectID: projectID}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// load reads the persisted document, runs migrations, and decodes it.
// A missing row leaves the store empty until Set seeds it.
func (s *Store) load() error {
	var raw string
	err := s.db.QueryRow(`SELECT state FROM project_state WHERE id = ?`, s.projectID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}

	data := []byte(raw)
	migrated, changed, err := migrate.Migrate(data)
	if err != nil {
		return fmt.Errorf("migrating state: %w", err)
	}
	if changed {
		data = migrated
		debug.Logf("state migrated for project %s", s.projectID)
	}

	var state types.ProjectState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decoding state: %w", err)
	}
	s.state = &state

	if changed {
		if err := s.persist(&state); err != nil {
			return err
		}
	}
	return nil
}

// Initialized reports whether a state document exists yet.
func (s *Store) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state != nil
}

// Get returns a deep-copied snapshot of the current state, or nil when
// the project has not been initialized.
func (s *Store) Get() *types.ProjectState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return nil
	}
	return cloneState(s.state)
}

// Set replaces the entire state document and persists it durably
// before returning.
func (s *Store) Set(state *types.ProjectState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persist(state); err != nil {
		return err
	}
	s.state = cloneState(state)
	return nil
}

// Mutate applies fn to a snapshot under the write lock and persists
// the result. fn returning an error aborts with no state change.
func (s *Store) Mutate(fn func(*types.ProjectState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return fmt.Errorf("mutate before initialize: %w", types.ErrNotFound)
	}
	next := cloneState(s.state)
	if err := fn(next); err != nil {
		return err
	}
	if err := s.persist(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *Store) persist(state *types.ProjectState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO project_state (id, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
	`, s.projectID, string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("persisting state: %w", err)
	}
	return nil
}

// DB exposes the underlying database for sibling components
// (conversation log, git store) that own their own tables.
func (s *Store) DB() *sql.DB { return s.db }

// ProjectID returns the id this store is keyed by.
func (s *Store) ProjectID() string { return s.projectID }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// cloneState deep-copies via a JSON round trip. State documents are
// small relative to inference latency; correctness of snapshot
// isolation wins over copy cost.
func cloneState(state *types.ProjectState) *types.ProjectState {
	data, err := json.Marshal(state)
	if err != nil {
		panic(fmt.Sprintf("state not serializable: %v", err))
	}
	var out types.ProjectState
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("state not round-trippable: %v", err))
	}
	return &out
}
