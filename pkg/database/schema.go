package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables testing
// and deployment verification without coupling to migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

var requiredTables = map[string]string{
	"users":             "Presence profiles and practice stats",
	"match_requests":    "Invitation records",
	"practice_sessions": "Practice session records",
	"session_messages":  "In-session chat history",
	"schema_migrations": "Migration tracking",
}

var requiredIndexes = map[string]string{
	"idx_match_requests_status":         "Pending request lookups",
	"idx_match_requests_requester":      "Requests by requester",
	"idx_practice_sessions_status":      "Active session warm start",
	"idx_session_messages_session_time": "Chat history retrieval",
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for table, description := range requiredTables {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
// TECHNICAL DISCOVERY: Column validation ensures type compatibility between
// Go structs and database schema
func (v *SchemaValidator) ValidateTableStructure() error {
	tables := map[string]map[string]string{
		"users": {
			"id":                 "TEXT",
			"display_name":       "TEXT",
			"skill_level":        "TEXT",
			"match_preference":   "TEXT",
			"preferred_duration": "INTEGER",
			"sessions_completed": "INTEGER",
			"average_rating":     "REAL",
			"current_streak":     "INTEGER",
			"last_practice_at":   "DATETIME",
			"last_active":        "DATETIME",
		},
		"match_requests": {
			"id":           "TEXT",
			"requester_id": "TEXT",
			"target_id":    "TEXT",
			"quick_match":  "INTEGER",
			"topic":        "TEXT",
			"status":       "TEXT",
			"created_at":   "DATETIME",
			"expires_at":   "DATETIME",
			"responded_at": "DATETIME",
			"session_id":   "TEXT",
		},
		"practice_sessions": {
			"id":           "TEXT",
			"participants": "TEXT",
			"topic":        "TEXT",
			"duration":     "INTEGER",
			"status":       "TEXT",
			"start_time":   "DATETIME",
			"end_time":     "DATETIME",
			"feedback":     "TEXT",
		},
		"session_messages": {
			"id":         "TEXT",
			"session_id": "TEXT",
			"sender_id":  "TEXT",
			"content":    "TEXT",
			"sent_at":    "DATETIME",
		},
	}

	for table, columns := range tables {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for index, purpose := range requiredIndexes {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints verifies that database constraints are properly enforced
// ARCHITECTURAL DISCOVERY: Probe inserts run inside a rolled-back transaction
// so validation never leaves rows behind
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO session_messages (id, session_id, sender_id, content, sent_at)
		VALUES ('probe', 'missing-session', 'probe-user', 'x', CURRENT_TIMESTAMP)
	`); err == nil {
		return fmt.Errorf("foreign key constraint not enforced: session_messages.session_id")
	}

	if _, err := tx.Exec(`
		INSERT INTO match_requests (id, requester_id, topic, skill_level, duration, status, created_at, expires_at)
		VALUES ('probe', 'probe-user', 'x', 'beginner', 15, 'lost', '2024-01-01 00:00:00', '2024-01-01 00:05:00')
	`); err == nil {
		return fmt.Errorf("check constraint not enforced: match request status")
	}

	if _, err := tx.Exec(`
		INSERT INTO match_requests (id, requester_id, topic, skill_level, duration, status, created_at, expires_at)
		VALUES ('probe', 'probe-user', 'x', 'beginner', 15, 'pending', '2024-01-01 00:05:00', '2024-01-01 00:05:00')
	`); err == nil {
		return fmt.Errorf("check constraint not enforced: request expiry after creation")
	}

	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue interface{}

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}
	return nil
}
