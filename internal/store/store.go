// Package store provides the durable, concurrency-safe persistence layer
// for alerts, block actions, devices, trusted IPs and log events. Writes
// are serialized through a single *sql.DB handle (modernc.org/sqlite in
// WAL mode gives us one writer / many readers for free); every multi-
// statement write runs inside an explicit transaction so a failure leaves
// no partial rows.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a sqlite-backed connection pool.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at dsn, enables
// WAL journaling, and applies any pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// Each pooled connection to ":memory:" would open its own empty
	// database, so the in-memory store is held to a single connection.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for callers that need raw access
// (tests, integrity checks).
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TEXT DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error fn returns (including a panic, which is re-panicked
// after rollback).
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// withSavepoint runs fn inside a named savepoint nested in tx, so a
// failure inside fn rolls back only that savepoint's work without
// aborting the outer transaction.
func withSavepoint(tx *sql.Tx, name string, fn func() error) error {
	if _, err := tx.Exec("SAVEPOINT " + name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	if err := fn(); err != nil {
		tx.Exec("ROLLBACK TO SAVEPOINT " + name)
		return err
	}
	_, err := tx.Exec("RELEASE SAVEPOINT " + name)
	return err
}

// IntegrityCheck runs sqlite's PRAGMA integrity_check and returns its
// single-row "ok" result (or the first reported problem).
func (s *Store) IntegrityCheck(ctx context.Context) (string, error) {
	var result string
	err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result)
	return result, err
}

// BackupSnapshot returns the raw bytes of a standalone, integrity-clean
// copy of the database as of the moment the call returns, using sqlite's
// VACUUM INTO so a concurrent writer never sees a torn read.
func (s *Store) BackupSnapshot(ctx context.Context, tmpDir string) ([]byte, error) {
	tmp, err := sqliteTempPath(tmpDir)
	if err != nil {
		return nil, err
	}
	defer removeQuiet(tmp)

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", sqlEscape(tmp))); err != nil {
		return nil, fmt.Errorf("store: vacuum into: %w", err)
	}
	return readFileQuiet(tmp)
}

// WipeAll deletes every row from every table, transactionally. Schema and
// migration history are left intact.
func (s *Store) WipeAll(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"alerts", "blocks", "devices", "trusted", "log_events"} {
			if _, err := tx.Exec("DELETE FROM " + table); err != nil {
				return fmt.Errorf("wipe %s: %w", table, err)
			}
		}
		return nil
	})
}

func sqlEscape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
