package database

import (
	"database/sql"
	"fmt"
)

// Migration is a single schema change applied exactly once.
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// builtinMigrations are applied in order at startup. Versions already
// recorded in schema_migrations are skipped.
var builtinMigrations = []Migration{
	{
		Version:     "001",
		Description: "exam_sessions table",
		SQL: `
			CREATE TABLE IF NOT EXISTS exam_sessions (
				id TEXT PRIMARY KEY,
				academy_id TEXT NOT NULL,
				exam_id TEXT NOT NULL,
				class_id TEXT NOT NULL DEFAULT '',
				title TEXT NOT NULL,
				teacher_id TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'scheduled',
				scheduled_start DATETIME,
				scheduled_end DATETIME,
				time_limit_sec INTEGER NOT NULL DEFAULT 0,
				remaining_sec INTEGER,
				started_at DATETIME,
				ended_at DATETIME,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				deleted_at DATETIME
			);
			CREATE INDEX IF NOT EXISTS idx_exam_sessions_academy ON exam_sessions(academy_id, deleted_at);
			CREATE INDEX IF NOT EXISTS idx_exam_sessions_status ON exam_sessions(status);
		`,
	},
}

// MigrationManager applies the builtin migrations and tracks which versions
// have run in the schema_migrations table.
type MigrationManager struct {
	db *sql.DB
}

// NewMigrationManager creates a migration manager for db.
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

// ApplyMigrations runs every pending migration inside its own transaction.
func (m *MigrationManager) ApplyMigrations() error {
	if err := m.createMigrationTable(); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	applied, err := m.appliedVersions()
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	for _, migration := range builtinMigrations {
		if applied[migration.Version] {
			continue
		}
		if err := m.apply(migration); err != nil {
			return fmt.Errorf("failed to apply migration %s (%s): %w",
				migration.Version, migration.Description, err)
		}
	}

	return nil
}

func (m *MigrationManager) createMigrationTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func (m *MigrationManager) appliedVersions() (map[string]bool, error) {
	rows, err := m.db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (m *MigrationManager) apply(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, migration.Version); err != nil {
		return err
	}

	return tx.Commit()
}
