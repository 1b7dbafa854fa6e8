package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations contains all database migrations in order.
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with the edits table",
		Up:          migrationV1Up,
		Down:        migrationV1Down,
	},
	{
		Version:     2,
		Description: "Index edits by parent for chain inspection",
		Up:          migrationV2Up,
		Down:        migrationV2Down,
	},
}

// AUTOINCREMENT keeps edit ids unique for the lifetime of the database,
// including after a document's records are deleted.
const migrationV1Up = `
CREATE TABLE IF NOT EXISTS edits (
    edit_id          INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id      TEXT NOT NULL,
    workspace_id     TEXT NOT NULL DEFAULT '',
    file_path        TEXT NOT NULL DEFAULT '',
    patch            TEXT NOT NULL,
    parent_edit_id   INTEGER,
    timestamp_ns     INTEGER NOT NULL,
    content_checksum INTEGER NOT NULL,
    parent_checksum  INTEGER,
    preview          BLOB
);

CREATE INDEX IF NOT EXISTS idx_edits_document ON edits(document_id, timestamp_ns);
`

const migrationV1Down = `
DROP INDEX IF EXISTS idx_edits_document;
DROP TABLE IF EXISTS edits;
`

const migrationV2Up = `
CREATE INDEX IF NOT EXISTS idx_edits_parent ON edits(parent_edit_id);
`

const migrationV2Down = `
DROP INDEX IF EXISTS idx_edits_parent;
`

// MigrateDB applies all pending migrations.
func MigrateDB(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  INTEGER NOT NULL,
			description TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	currentVersion, err := currentSchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			m.Version, time.Now().UnixNano(), m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// RollbackMigration reverts the most recently applied migration.
func RollbackMigration(ctx context.Context, db *sql.DB) error {
	currentVersion, err := currentSchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if currentVersion == 0 {
		return fmt.Errorf("no migrations to rollback")
	}

	var migration *Migration
	for i := range migrations {
		if migrations[i].Version == currentVersion {
			migration = &migrations[i]
			break
		}
	}
	if migration == nil {
		return fmt.Errorf("migration %d not found", currentVersion)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, migration.Down); err != nil {
		tx.Rollback()
		return fmt.Errorf("rollback migration %d: %w", currentVersion, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", currentVersion); err != nil {
		tx.Rollback()
		return fmt.Errorf("remove migration record: %w", err)
	}

	return tx.Commit()
}

// SchemaVersion returns the highest applied migration version.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	return currentSchemaVersion(ctx, db)
}

// LatestSchemaVersion returns the version the code expects.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].Version
}

func currentSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}
