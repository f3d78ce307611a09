package db

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is the layout version this binary writes. It is stored in
// PRAGMA user_version.
const SchemaVersion = 1

// Migration upgrades a store from version From to From+1.
type Migration struct {
	From  int
	Apply func(ctx context.Context, tx *sql.Tx) error
}

// Migrations lists the upgrade steps in order. Version 1 is the first
// released layout, so there is nothing to run yet; new steps are appended
// here when the layout changes.
var Migrations = []Migration{}

const schemaDDL = `
-- Posts: one row per (owner, id). Detail lists are JSON and NULL on skeletons.
CREATE TABLE IF NOT EXISTS posts (
	owner_id TEXT NOT NULL,
	id INTEGER NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	mood TEXT,
	entry_date TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	allow_ai_comments INTEGER NOT NULL DEFAULT 0,
	ai_processing_status TEXT NOT NULL DEFAULT '',
	ai_generated INTEGER NOT NULL DEFAULT 0,
	comments TEXT,  -- JSON array
	hashtags TEXT,  -- JSON array
	images TEXT,    -- JSON array
	last_synced TEXT NOT NULL,
	is_cached INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (owner_id, id)
);

CREATE TABLE IF NOT EXISTS characters (
	owner_id TEXT NOT NULL,
	id INTEGER NOT NULL,
	name TEXT NOT NULL,
	name_localized TEXT,
	description TEXT NOT NULL DEFAULT '',
	description_localized TEXT,
	prompt_description TEXT,
	avatar_url TEXT NOT NULL DEFAULT '',
	personality TEXT,  -- JSON array
	greetings TEXT,    -- JSON object locale -> array
	is_following INTEGER NOT NULL DEFAULT 0,
	affinity INTEGER NOT NULL DEFAULT 0,
	follow_id INTEGER,
	last_synced TEXT NOT NULL,
	PRIMARY KEY (owner_id, id)
);

CREATE INDEX IF NOT EXISTS idx_posts_entry_date ON posts(owner_id, entry_date);
CREATE INDEX IF NOT EXISTS idx_posts_last_synced ON posts(owner_id, last_synced);
CREATE INDEX IF NOT EXISTS idx_characters_following ON characters(owner_id, is_following);
CREATE INDEX IF NOT EXISTS idx_characters_last_synced ON characters(owner_id, last_synced);
`

// InitSchema creates the tables if needed and runs any pending migrations.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema(ctx context.Context) error {
	return db.WriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, schemaDDL); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}

		var version int
		if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}

		switch {
		case version == 0:
			// Fresh store: the DDL above is already the current layout.
		case version > SchemaVersion:
			return fmt.Errorf("store schema version %d is newer than supported version %d", version, SchemaVersion)
		default:
			if err := migrate(ctx, tx, version); err != nil {
				return err
			}
		}

		// PRAGMA does not take bind parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
			return fmt.Errorf("failed to write schema version: %w", err)
		}
		return nil
	})
}

func migrate(ctx context.Context, tx *sql.Tx, from int) error {
	for _, m := range Migrations {
		if m.From < from {
			continue
		}
		if err := m.Apply(ctx, tx); err != nil {
			return fmt.Errorf("migration from version %d failed: %w", m.From, err)
		}
	}
	return nil
}

// SchemaVersionOf reads the stored schema version.
func (db *DB) SchemaVersionOf(ctx context.Context) (int, error) {
	var version int
	if err := db.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}
