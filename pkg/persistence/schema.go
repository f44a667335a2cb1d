package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}
	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	if currentVersion > CurrentSchemaVersion {
		return fmt.Errorf("database schema v%d is newer than supported v%d", currentVersion, CurrentSchemaVersion)
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// runMigrations applies database migrations from current version to target version.
func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 records how a thread's branch ended and keeps the commit
// message next to each checkpoint for listings.
func migrateToVersion2(db *sql.DB) error {
	migrations := []string{
		"ALTER TABLE lineage ADD COLUMN outcome TEXT NOT NULL DEFAULT ''",
		"ALTER TABLE checkpoints ADD COLUMN message TEXT NOT NULL DEFAULT ''",
	}
	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", migration, err)
		}
	}
	return nil
}

// schemaV1 is the original layout. Fresh databases are created at v1 and
// migrated forward so both paths share the migration code.
//
//nolint:gochecknoglobals // DDL table
var schemaV1 = []string{
	`CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		node TEXT NOT NULL,
		state TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS heads (
		thread_id TEXT PRIMARY KEY,
		snapshot_id TEXT NOT NULL REFERENCES snapshots(id)
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		commit_id TEXT NOT NULL UNIQUE,
		thread_id TEXT NOT NULL,
		snapshot_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS lineage (
		thread_id TEXT PRIMARY KEY,
		parent_branch TEXT NOT NULL,
		fork_commit TEXT NOT NULL,
		branch TEXT NOT NULL,
		concluded INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	"CREATE INDEX IF NOT EXISTS idx_snapshots_thread ON snapshots(thread_id)",
	"CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, seq)",
}

func createSchema(db *sql.DB) error {
	for _, ddl := range schemaV1 {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	if err := setSchemaVersion(db, 1); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return runMigrations(db, 1, CurrentSchemaVersion)
}

func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version); err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
