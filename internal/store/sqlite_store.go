// Package store persists provider configuration.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jmylchreest/captcha-broker/internal/provider"
)

// SQLiteStore keeps one row per provider id.
type SQLiteStore struct {
	db       *sql.DB
	logger   *slog.Logger
	isMemory bool // True if using in-memory database
}

// NewSQLiteStore opens (and creates if needed) the database at dbPath. Use
// ":memory:" for a throwaway store.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	var connStr string
	isMemory := dbPath == ":memory:"

	if isMemory {
		connStr = "file::memory:?cache=shared&_timeout=5000&_busy_timeout=5000"
		logger.Info("using in-memory SQLite database")
	} else {
		dir := filepath.Dir(dbPath)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
		}
		connStr = dbPath + "?_journal=WAL&_timeout=5000&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{
		db:       db,
		logger:   logger.With("component", "store"),
		isMemory: isMemory,
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("SQLite config store initialized", "path", dbPath, "in_memory", isMemory)
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS provider_configs (
		id TEXT PRIMARY KEY,
		api_key TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save upserts every entry of configs in one transaction. Providers missing from
// configs are left untouched.
func (s *SQLiteStore) Save(ctx context.Context, configs map[string]provider.Config) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	query := `
	INSERT INTO provider_configs (id, api_key, enabled, priority, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		api_key = excluded.api_key,
		enabled = excluded.enabled,
		priority = excluded.priority,
		updated_at = excluded.updated_at
	`
	now := time.Now().UTC().Format(time.RFC3339)
	for id, cfg := range configs {
		if _, err := tx.ExecContext(ctx, query, id, cfg.APIKey, cfg.Enabled, cfg.Priority, now); err != nil {
			return fmt.Errorf("failed to save config for %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit configs: %w", err)
	}
	s.logger.Debug("provider configs persisted", "count", len(configs))
	return nil
}

// Load returns every stored configuration.
func (s *SQLiteStore) Load(ctx context.Context) (map[string]provider.Config, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, api_key, enabled, priority FROM provider_configs`)
	if err != nil {
		return nil, fmt.Errorf("failed to load configs: %w", err)
	}
	defer rows.Close()

	out := make(map[string]provider.Config)
	for rows.Next() {
		var id string
		var cfg provider.Config
		if err := rows.Scan(&id, &cfg.APIKey, &cfg.Enabled, &cfg.Priority); err != nil {
			return nil, fmt.Errorf("failed to scan config: %w", err)
		}
		out[id] = cfg
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read configs: %w", err)
	}
	return out, nil
}

// Get returns the configuration of one provider, or nil if none is stored.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*provider.Config, error) {
	var cfg provider.Config
	err := s.db.QueryRowContext(ctx,
		`SELECT api_key, enabled, priority FROM provider_configs WHERE id = ?`, id,
	).Scan(&cfg.APIKey, &cfg.Enabled, &cfg.Priority)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config for %s: %w", id, err)
	}
	return &cfg, nil
}

// Delete removes the stored configuration of one provider.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM provider_configs WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete config for %s: %w", id, err)
	}
	s.logger.Debug("provider config deleted", "provider", id)
	return nil
}

// Close closes the database connection.
// Performs a WAL checkpoint first to ensure all data is flushed to the main DB file.
func (s *SQLiteStore) Close() error {
	if !s.isMemory {
		if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			s.logger.Warn("failed to checkpoint WAL before close", "error", err)
		}
	}
	s.logger.Debug("SQLite store closing", "in_memory", s.isMemory)
	return s.db.Close()
}
