package lockstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const locksSchema = `
CREATE TABLE IF NOT EXISTS locks (
	failure_type TEXT PRIMARY KEY,
	last_run     INTEGER NOT NULL
);
`

// SQLite is a Store backed by a SQLite database.
//
// WAL mode plus a busy timeout gives atomic cross-process updates without
// the caller managing file locks; the UPSERT in Set is a single transaction.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) a SQLite-backed store at path and applies
// the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("lock store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), lockDirMode); err != nil {
		return nil, fmt.Errorf("create lock store directory %s: %w", filepath.Dir(path), err)
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open lock store db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping lock store db: %w", err)
	}
	if _, err := db.Exec(locksSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply lock store schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Get implements Store.
func (s *SQLite) Get(ctx context.Context, failureType string) (int64, bool, error) {
	var lastRun int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_run FROM locks WHERE failure_type = ?`, failureType,
	).Scan(&lastRun)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read lock for %s: %w", failureType, err)
	}
	return lastRun, true, nil
}

// Set implements Store.
func (s *SQLite) Set(ctx context.Context, failureType string, epochSeconds int64) error {
	if failureType == "" {
		return errors.New("failure type is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO locks (failure_type, last_run) VALUES (?, ?)
		 ON CONFLICT (failure_type) DO UPDATE SET last_run = excluded.last_run`,
		failureType, epochSeconds,
	)
	if err != nil {
		return fmt.Errorf("write lock for %s: %w", failureType, err)
	}
	return nil
}

// Close implements Store.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
