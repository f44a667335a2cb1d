// Package persistence stores thread snapshots, checkpoint records and branch
// lineage in SQLite.
package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"patchpilot/pkg/logx"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Open opens (creating if needed) the database at path and brings its
// schema up to date.
func Open(path string, logger *logx.Logger) (*Store, error) {
	if logger == nil {
		logger = logx.Nop()
	}
	dsn := path
	if path != MemoryPath {
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports a single writer; one connection also keeps an
	// in-memory database alive and shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("database ready: %s (schema v%d)", path, CurrentSchemaVersion)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
