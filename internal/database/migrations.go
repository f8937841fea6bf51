package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// migration defines a single forward-only schema migration.
type migration struct {
	version int
	name    string
	sql     string
}

// migrations is the ordered list of schema migrations. Versions are
// monotonically increasing; applied versions are recorded in the
// schema_migrations ledger and never re-run.
var migrations = []migration{
	{
		version: 1,
		name:    "create recordings",
		sql: `CREATE TABLE recordings (
	id                      INTEGER PRIMARY KEY AUTOINCREMENT,
	filename                TEXT NOT NULL,
	patient_name            TEXT NOT NULL DEFAULT '',
	audio_path              TEXT,
	transcript              TEXT,
	soap_note               TEXT,
	referral                TEXT,
	letter                  TEXT,
	metadata                TEXT,
	processing_status       TEXT NOT NULL DEFAULT 'pending',
	error_message           TEXT,
	retry_count             INTEGER NOT NULL DEFAULT 0,
	processing_started_at   TIMESTAMP,
	processing_completed_at TIMESTAMP,
	created_at              TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at              TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
	},
	{
		version: 2,
		name:    "create batch_processing",
		sql: `CREATE TABLE batch_processing (
	batch_id        TEXT PRIMARY KEY,
	total_count     INTEGER NOT NULL DEFAULT 0,
	completed_count INTEGER NOT NULL DEFAULT 0,
	failed_count    INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	started_at      TIMESTAMP,
	completed_at    TIMESTAMP,
	options         TEXT,
	status          TEXT NOT NULL DEFAULT 'pending'
)`,
	},
	{
		version: 3,
		name:    "index recordings by status",
		sql:     `CREATE INDEX idx_recordings_status ON recordings (processing_status)`,
	},
}

// Migrate applies every migration with a version greater than the highest
// applied one, each inside its own transaction, recording it in the ledger.
func (db *DB) Migrate(ctx context.Context) error {
	err := db.Pool.WithConn(ctx, func(c *Conn) error {
		_, err := c.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	applied_at TIMESTAMP NOT NULL
)`)
		return err
	})
	if err != nil {
		return fmt.Errorf("create migration ledger: %w", err)
	}

	current, err := db.schemaVersion(ctx)
	if err != nil {
		return err
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := db.Pool.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.sql); err != nil {
				return fmt.Errorf("migration %d %q: %w", m.version, m.name, err)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.version, m.name, time.Now().UTC())
			return err
		})
		if err != nil {
			return err
		}
		db.log.Info().Int("version", m.version).Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	if applied > 0 {
		db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	}
	return nil
}

func (db *DB) schemaVersion(ctx context.Context) (int, error) {
	var version int
	err := db.Pool.WithConn(ctx, func(c *Conn) error {
		row := c.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
		return row.Scan(&version)
	})
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// MigrationCount returns the number of ledger rows; used by tests to verify
// idempotence.
func (db *DB) MigrationCount(ctx context.Context) (int, error) {
	var n int
	err := db.Pool.WithConn(ctx, func(c *Conn) error {
		return c.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&n)
	})
	return n, err
}
