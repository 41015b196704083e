package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator verifies the store's schema after migrations run,
// catching drift before it surfaces as runtime query errors.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a validator for db.
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist.
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"exam_sessions":     "session lifecycle storage",
		"schema_migrations": "migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies the exam_sessions columns match what the
// store's queries expect.
func (v *SchemaValidator) ValidateTableStructure() error {
	sessionColumns := map[string]string{
		"id":              "TEXT",
		"academy_id":      "TEXT",
		"exam_id":         "TEXT",
		"class_id":        "TEXT",
		"title":           "TEXT",
		"teacher_id":      "TEXT",
		"status":          "TEXT",
		"scheduled_start": "DATETIME",
		"scheduled_end":   "DATETIME",
		"time_limit_sec":  "INTEGER",
		"remaining_sec":   "INTEGER",
		"started_at":      "DATETIME",
		"ended_at":        "DATETIME",
		"created_at":      "DATETIME",
		"updated_at":      "DATETIME",
		"deleted_at":      "DATETIME",
	}

	if err := v.validateColumns("exam_sessions", sessionColumns); err != nil {
		return fmt.Errorf("exam_sessions table structure invalid: %w", err)
	}

	return nil
}

func (v *SchemaValidator) tableExists(name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(table string, expected map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return err
	}
	defer rows.Close()

	found := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dfltValue sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return err
		}
		found[name] = colType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for column, colType := range expected {
		actual, exists := found[column]
		if !exists {
			return fmt.Errorf("column %s missing", column)
		}
		if actual != colType {
			return fmt.Errorf("column %s has type %s, expected %s", column, actual, colType)
		}
	}

	return nil
}
