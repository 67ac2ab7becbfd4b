package database

import (
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Tables, indexes and columns the durable store depends on.
var (
	RequiredTables = []string{"sessions", "session_messages", "notifications", "user_presence", "schema_migrations"}

	RequiredIndexes = []string{
		"idx_sessions_status",
		"idx_sessions_host",
		"idx_session_messages_session_time",
		"idx_notifications_recipient",
	}

	RequiredColumns = map[string][]string{
		"sessions":      {"id", "host_id", "type", "class_id", "title", "status", "start_time", "end_time", "snapshot"},
		"notifications": {"seq", "id", "recipient_id", "type", "title", "message", "action_url", "payload", "created_at"},
		"user_presence": {"user_id", "status", "last_seen_at"},
	}
)

// SchemaValidator checks the live schema against the store's expectations.
// Catalog queries differ by driver; everything else is shared.
type SchemaValidator struct {
	db *sqlx.DB
}

func NewSchemaValidator(db *sqlx.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist reports the first missing table.
func (v *SchemaValidator) ValidateTablesExist() error {
	for _, table := range RequiredTables {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateIndexes reports the first missing index.
func (v *SchemaValidator) ValidateIndexes() error {
	for _, index := range RequiredIndexes {
		exists, err := v.indexExists(index)
		if err != nil {
			return fmt.Errorf("failed to check index %s: %w", index, err)
		}
		if !exists {
			return fmt.Errorf("required index %s does not exist", index)
		}
	}
	return nil
}

// ValidateColumns verifies every required column is present.
func (v *SchemaValidator) ValidateColumns() error {
	for table, columns := range RequiredColumns {
		found, err := v.columns(table)
		if err != nil {
			return fmt.Errorf("failed to read columns of %s: %w", table, err)
		}
		for _, col := range columns {
			if !found[col] {
				return fmt.Errorf("column %s.%s not found", table, col)
			}
		}
	}
	return nil
}

func (v *SchemaValidator) tableExists(name string) (bool, error) {
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
	if v.db.DriverName() == DriverPostgres {
		query = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = ?"
	}
	return v.count(query, name)
}

func (v *SchemaValidator) indexExists(name string) (bool, error) {
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?"
	if v.db.DriverName() == DriverPostgres {
		query = "SELECT COUNT(*) FROM pg_indexes WHERE schemaname = current_schema() AND indexname = ?"
	}
	return v.count(query, name)
}

func (v *SchemaValidator) count(query, arg string) (bool, error) {
	var n int
	if err := v.db.Get(&n, v.db.Rebind(query), arg); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (v *SchemaValidator) columns(table string) (map[string]bool, error) {
	var names []string
	var err error
	if v.db.DriverName() == DriverPostgres {
		err = v.db.Select(&names, v.db.Rebind(
			"SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = ?"), table)
	} else {
		err = v.db.Select(&names, "SELECT name FROM pragma_table_info(?)", table)
	}
	if err != nil {
		return nil, err
	}
	found := make(map[string]bool, len(names))
	for _, n := range names {
		found[n] = true
	}
	return found, nil
}
