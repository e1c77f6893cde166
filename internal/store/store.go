// Package store persists the queue and the running slot in an embedded
// SQLite database. All cross-process mutual exclusion (submitters racing
// the daemon and each other) is delegated to SQLite transactions with a
// blocking busy timeout.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// SchemaVersion is the store-level schema generation, recorded in
// schema_info for future migrations.
const SchemaVersion = 1

// ErrNotFound reports that the addressed record does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps the SQLite handle. One Store may be shared by all
// goroutines of a process; other processes open their own.
type Store struct {
	db  *sql.DB
	log *logrus.Entry
}

// Open opens (creating if necessary) the store at path. WAL mode keeps
// readers from blocking the writer; the busy timeout turns writer
// contention into a bounded wait instead of an immediate SQLITE_BUSY.
func Open(path string, log *logrus.Entry) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path required")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}

	if _, err := db.Exec(`PRAGMA journal_mode = wal;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("foreign keys pragma: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue TEXT NOT NULL,
			priority INTEGER NOT NULL,
			record TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_queue_priority ON tasks(queue, priority, id);`,
		`CREATE TABLE IF NOT EXISTS running (
			queue TEXT PRIMARY KEY,
			pid INTEGER NOT NULL,
			priority INTEGER NOT NULL,
			grace_seconds INTEGER NOT NULL,
			tag TEXT,
			log_path TEXT,
			record TEXT NOT NULL,
			started_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue TEXT NOT NULL,
			record TEXT NOT NULL,
			reason TEXT NOT NULL,
			quarantined_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS schema_info (version INTEGER NOT NULL);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	var version int
	err = tx.QueryRow(`SELECT version FROM schema_info LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.Exec(`INSERT INTO schema_info (version) VALUES (?)`, SchemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version > SchemaVersion:
		return fmt.Errorf("store schema version %d is newer than supported %d", version, SchemaVersion)
	}

	return tx.Commit()
}

func (s *Store) Close() error {
	return s.db.Close()
}
