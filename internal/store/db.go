// Package store is the durable state layer: a single embedded SQLite
// database holding tasks, session metadata, budget records, and revoked
// token ids. Migrations are forward-only and each runs in its own
// transaction.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/HyphaGroup/portcullis/internal/logger"
)

// migrations are applied in order; version n is row n+1 in the migrations
// table. Never edit an applied entry, only append.
var migrations = []string{
	`CREATE TABLE budget_records (
		date TEXT NOT NULL,
		client_name TEXT NOT NULL,
		spent_usd REAL NOT NULL DEFAULT 0,
		PRIMARY KEY (date, client_name)
	);
	CREATE TABLE revoked_tokens (
		jti TEXT PRIMARY KEY,
		revoked_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE sessions (
		session_id TEXT PRIMARY KEY,
		agent_name TEXT NOT NULL,
		client_name TEXT,
		context_id TEXT NOT NULL UNIQUE,
		task_id TEXT UNIQUE,
		created_at INTEGER NOT NULL,
		last_accessed_at INTEGER NOT NULL,
		total_cost_usd REAL NOT NULL DEFAULT 0,
		message_count INTEGER NOT NULL DEFAULT 0,
		process_alive INTEGER NOT NULL DEFAULT 0,
		last_pid INTEGER
	);
	CREATE INDEX idx_sessions_client ON sessions(client_name);
	CREATE TABLE tasks (
		id TEXT PRIMARY KEY,
		context_id TEXT NOT NULL,
		status_state TEXT NOT NULL,
		status_timestamp TEXT,
		status_message_json TEXT,
		artifacts_json TEXT,
		history_json TEXT,
		metadata_json TEXT,
		client_name TEXT,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX idx_tasks_context ON tasks(context_id);`,
}

// Store wraps the shared database handle. The typed stores (TaskStore,
// SessionStore, BudgetTracker, RevocationStore) all operate on this handle.
type Store struct {
	db      *sql.DB
	dataDir string
}

// Open opens (creating if needed) the portcullis database in dataDir,
// applies pending migrations, and imports legacy JSON state files.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "portcullis.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dataDir: dataDir}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := s.importLegacyState(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to import legacy state: %w", err)
	}
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for the typed stores
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return err
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM migrations`).Scan(&current); err != nil {
		return err
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", version, err)
		}
		if _, err := tx.Exec(`INSERT INTO migrations (version) VALUES (?)`, version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d failed: %w", version, err)
		}
		logger.Info("Applied database migration %d", version)
	}
	return nil
}
