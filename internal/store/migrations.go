package store

import (
	"context"
	"fmt"

	"rentreclaim/internal/logging"
	"rentreclaim/internal/types"

	"github.com/jmoiron/sqlx"
)

// schema creates every table on a fresh database.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		pubkey                  TEXT PRIMARY KEY,
		account_kind            TEXT NOT NULL,
		program_id              TEXT NOT NULL DEFAULT '',
		discovery_signature     TEXT NOT NULL,
		discovery_slot          INTEGER NOT NULL DEFAULT 0,
		discovered_at           INTEGER NOT NULL,
		last_activity_at        INTEGER NOT NULL DEFAULT 0,
		balance_lamports        INTEGER NOT NULL DEFAULT 0,
		data_size               INTEGER NOT NULL DEFAULT 0,
		token_amount            INTEGER NOT NULL DEFAULT 0,
		mint                    TEXT NOT NULL DEFAULT '',
		owner                   TEXT NOT NULL DEFAULT '',
		close_authority         TEXT NOT NULL DEFAULT '',
		close_authority_matches INTEGER NOT NULL DEFAULT 0,
		frozen                  INTEGER NOT NULL DEFAULT 0,
		status                  TEXT NOT NULL DEFAULT 'active',
		status_reason           TEXT NOT NULL DEFAULT '',
		evaluated_at            INTEGER NOT NULL DEFAULT 0,
		updated_at              INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_status ON accounts(status)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_discovered ON accounts(discovered_at, pubkey)`,

	`CREATE TABLE IF NOT EXISTS scan_checkpoint (
		id                     INTEGER PRIMARY KEY CHECK (id = 1),
		last_signature         TEXT NOT NULL DEFAULT '',
		last_slot              INTEGER NOT NULL DEFAULT 0,
		pending_head_signature TEXT NOT NULL DEFAULT '',
		pending_head_slot      INTEGER NOT NULL DEFAULT 0,
		pending_cursor         TEXT NOT NULL DEFAULT '',
		updated_at             INTEGER NOT NULL DEFAULT 0
	)`,
	`INSERT OR IGNORE INTO scan_checkpoint (id) VALUES (1)`,

	`CREATE TABLE IF NOT EXISTS reclaim_operations (
		id             TEXT PRIMARY KEY,
		account_pubkey TEXT NOT NULL REFERENCES accounts(pubkey),
		attempted_at   INTEGER NOT NULL,
		outcome        TEXT NOT NULL CHECK (outcome IN ('success', 'failed', 'simulated')),
		signature      TEXT NOT NULL DEFAULT '',
		lamports       INTEGER NOT NULL DEFAULT 0,
		reason         TEXT NOT NULL DEFAULT '',
		attempts       INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_operations_account ON reclaim_operations(account_pubkey)`,
	`CREATE INDEX IF NOT EXISTS idx_operations_attempted ON reclaim_operations(attempted_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_operations_single_success
		ON reclaim_operations(account_pubkey) WHERE outcome = 'success'`,

	`CREATE TABLE IF NOT EXISTS treasury_snapshots (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		balance_lamports INTEGER NOT NULL,
		taken_at         INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS passive_reclaims (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		detected_at     INTEGER NOT NULL,
		amount_lamports INTEGER NOT NULL,
		confidence      TEXT NOT NULL,
		candidates      TEXT NOT NULL DEFAULT '[]',
		explanation     TEXT NOT NULL DEFAULT ''
	)`,
}

// Migration adds a column to a table created by an older release.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations handle databases whose tables predate newer columns.
var pendingMigrations = []Migration{
	// Backfill window for resumable scans
	{"scan_checkpoint", "pending_head_signature", "TEXT NOT NULL DEFAULT ''"},
	{"scan_checkpoint", "pending_head_slot", "INTEGER NOT NULL DEFAULT 0"},
	{"scan_checkpoint", "pending_cursor", "TEXT NOT NULL DEFAULT ''"},
	// Attempt counts folded into one record per reclaim
	{"reclaim_operations", "attempts", "INTEGER NOT NULL DEFAULT 1"},
	// Discovery detail
	{"accounts", "discovery_slot", "INTEGER NOT NULL DEFAULT 0"},
	{"accounts", "data_size", "INTEGER NOT NULL DEFAULT 0"},
}

// migrate creates the schema and applies column migrations.
func (s *Store) migrate(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryStore, "migrate")
	defer timer.Stop()

	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return types.PersistenceError("migrate", fmt.Errorf("failed to apply schema: %w", err))
		}
	}

	applied := 0
	for _, m := range pendingMigrations {
		exists, err := columnExists(ctx, s.db, m.Table, m.Column)
		if err != nil {
			return types.PersistenceError("migrate", err)
		}
		if exists {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		logging.StoreDebug("Executing migration: %s", query)
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return types.PersistenceError("migrate", fmt.Errorf("failed to add %s.%s: %w", m.Table, m.Column, err))
		}
		applied++
	}

	logging.Store("Schema ready (%d column migrations applied)", applied)
	return nil
}

// columnExists checks a column with PRAGMA table_info.
func columnExists(ctx context.Context, db *sqlx.DB, table, column string) (bool, error) {
	var count int
	err := db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column)
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	return count > 0, nil
}
