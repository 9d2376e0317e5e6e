package store

import (
	"context"
	"database/sql"
	"fmt"
)

// upgrade moves the schema to version. Upgrades are additive only: a newer
// build must never drop what an older one wrote.
type upgrade struct {
	version int
	stmt    string
}

var upgrades = []upgrade{
	{1, `CREATE TABLE IF NOT EXISTS history (
    id         TEXT PRIMARY KEY,
    file_name  TEXT NOT NULL,
    kind       TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    size_bytes INTEGER NOT NULL,
    result     BLOB
)`},
	{2, `CREATE INDEX IF NOT EXISTS idx_history_created_at ON history (created_at DESC)`},
	{3, `CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`},
	{4, `CREATE INDEX IF NOT EXISTS idx_history_kind ON history (kind)`},
}

// latestVersion is the schema version this build writes.
var latestVersion = upgrades[len(upgrades)-1].version

// migrate applies every upgrade newer than the stored user_version in one
// transaction and returns the versions it applied.
func migrate(ctx context.Context, db *sql.DB) ([]int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	var current int
	if err := tx.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return nil, fmt.Errorf("read schema version: %w", err)
	}
	if current > latestVersion {
		return nil, fmt.Errorf("schema version %d is newer than supported version %d", current, latestVersion)
	}

	var applied []int
	for _, u := range upgrades {
		if current >= u.version {
			continue
		}
		if _, err := tx.ExecContext(ctx, u.stmt); err != nil {
			return nil, fmt.Errorf("apply schema upgrade %d: %w", u.version, err)
		}
		applied = append(applied, u.version)
	}
	if len(applied) == 0 {
		return nil, nil
	}

	// PRAGMA does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", latestVersion)); err != nil {
		return nil, fmt.Errorf("write schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit migration: %w", err)
	}
	return applied, nil
}
