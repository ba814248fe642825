package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
	uid          TEXT PRIMARY KEY,
	num          INTEGER NOT NULL,
	url          TEXT NOT NULL,
	eff_url      TEXT,
	name         TEXT NOT NULL,
	folder       TEXT NOT NULL,
	size         INTEGER DEFAULT 0,
	resumable    INTEGER DEFAULT 0,
	protocol     TEXT,
	type         TEXT,
	status       TEXT NOT NULL,
	downloaded   INTEGER DEFAULT 0,
	part_size    INTEGER DEFAULT 0,
	audio_url    TEXT,
	audio_size   INTEGER DEFAULT 0,
	post_action  TEXT,
	created_at   INTEGER,
	updated_at   INTEGER,
	completed_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_items_status ON items(status);
`

// Registry persists DownloadItems in a sqlite database so history and
// paused items survive restarts.
type Registry struct {
	db *sql.DB
}

// Open opens (creating when needed) the registry at path.
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection: sqlite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Registry{db: db}, nil
}

// Close releases the database handle.
func (r *Registry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Registry) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
