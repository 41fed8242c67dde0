package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "embed"
)

//go:embed schema.sql
var schemaSQL string

// migrationLock keys the advisory lock that serializes Migrate across
// replicas starting against the same database.
const migrationLock = 0x6f6e636f

// Tables lists the relations the schema owns: client_info holds patient
// metadata, messages the relayed chat archive and analyses the newest
// analysis per session.
var Tables = []string{"client_info", "messages", "analyses"}

// Migrate creates the relay schema if it is missing.  The statements are
// idempotent and run in one transaction under an advisory lock.
func Migrate(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLock); err != nil {
		return fmt.Errorf("lock migration: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return tx.Commit()
}

// MissingTables reports which schema tables are absent from db.
func MissingTables(ctx context.Context, db *sql.DB) ([]string, error) {
	var missing []string
	for _, name := range Tables {
		var found sql.NullString
		if err := db.QueryRowContext(ctx, `SELECT to_regclass($1)::text`, name).Scan(&found); err != nil {
			return nil, fmt.Errorf("check table %s: %w", name, err)
		}
		if !found.Valid {
			missing = append(missing, name)
		}
	}
	return missing, nil
}
