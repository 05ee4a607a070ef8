package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one forward schema step.
type Migration struct {
	Version     int
	Description string
	Up          string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Segments table",
		Up:          migrationV1Up,
	},
	{
		Version:     2,
		Description: "Delivery metadata and day index",
		Up:          migrationV2Up,
	},
}

const migrationV1Up = `
CREATE TABLE IF NOT EXISTS segments (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    start_ms        INTEGER NOT NULL,
    end_ms          INTEGER NOT NULL,
    segment_type    TEXT NOT NULL CHECK (segment_type IN ('active', 'idle')),
    app_name        TEXT NOT NULL DEFAULT '',
    window_title    TEXT NOT NULL DEFAULT '',
    mouse_moves     INTEGER NOT NULL DEFAULT 0,
    mouse_clicks    INTEGER NOT NULL DEFAULT 0,
    keystrokes      INTEGER NOT NULL DEFAULT 0,
    scroll_events   INTEGER NOT NULL DEFAULT 0,
    UNIQUE (start_ms, end_ms, segment_type)
);

CREATE INDEX IF NOT EXISTS idx_segments_start ON segments(start_ms);
`

const migrationV2Up = `
ALTER TABLE segments ADD COLUMN day TEXT NOT NULL DEFAULT '';
ALTER TABLE segments ADD COLUMN recorded_at INTEGER NOT NULL DEFAULT 0;

CREATE INDEX IF NOT EXISTS idx_segments_day ON segments(day, segment_type);
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

	current, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.Up); err != nil {
		return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
		m.Version, time.Now().UnixNano(), m.Description,
	); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func SchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}

// LatestVersion is the version MigrateDB brings a database to.
func LatestVersion() int {
	return migrations[len(migrations)-1].Version
}
