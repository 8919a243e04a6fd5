package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSchemaIncomplete means a required table is missing after migrating.
	ErrSchemaIncomplete = errors.New("store: schema incomplete")

	// ErrNothingToRollBack is returned by Rollback on an empty schema.
	ErrNothingToRollBack = errors.New("store: no schema version to roll back")
)

// schemaStep is one schema change. Its version is its 1-based position in
// schema, so steps are only ever appended.
type schemaStep struct {
	name string
	up   string
	down string
}

var schema = []schemaStep{
	{
		name: "accounts",
		up: `
CREATE TABLE IF NOT EXISTS accounts (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL,
    email           TEXT NOT NULL UNIQUE,
    password_hash   TEXT NOT NULL,
    role            TEXT NOT NULL,
    department      TEXT NOT NULL DEFAULT '',
    created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_accounts_role ON accounts(role);`,
		down: `
DROP INDEX IF EXISTS idx_accounts_role;
DROP TABLE IF EXISTS accounts;`,
	},
	{
		name: "enrollments",
		up: `
CREATE TABLE IF NOT EXISTS enrollments (
    user_id         TEXT NOT NULL,
    modality        TEXT NOT NULL CHECK (modality IN ('face', 'fingerprint')),
    descriptor      BLOB,
    credential_id   TEXT NOT NULL DEFAULT '',
    enrolled        INTEGER NOT NULL,
    enrolled_at     INTEGER NOT NULL,
    seal            BLOB,
    PRIMARY KEY (user_id, modality)
);`,
		down: `DROP TABLE IF EXISTS enrollments;`,
	},
}

const versionTable = "schema_migrations"

var requiredTables = []string{versionTable, "accounts", "enrollments"}

// LatestSchemaVersion is the version a fully migrated database reports.
func LatestSchemaVersion() int { return len(schema) }

// SchemaStatus describes where a database stands against this build.
type SchemaStatus struct {
	Version int
	Latest  int
	Applied []AppliedStep
}

// AppliedStep is one recorded schema change.
type AppliedStep struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

// Pending names the steps not yet applied, oldest first.
func (s SchemaStatus) Pending() []string {
	var names []string
	for v := s.Version + 1; v <= len(schema); v++ {
		names = append(names, schema[v-1].name)
	}
	return names
}

// Migrate applies every pending step and checks the result.
func (s *Store) Migrate(ctx context.Context) error {
	if err := migrate(ctx, s.db); err != nil {
		return err
	}
	return checkTables(ctx, s.db)
}

// SchemaStatus reads the recorded schema version without changing anything.
func (s *Store) SchemaStatus(ctx context.Context) (SchemaStatus, error) {
	st := SchemaStatus{Latest: len(schema)}

	tables, err := tableNames(ctx, s.db)
	if err != nil {
		return st, err
	}
	if !tables[versionTable] {
		return st, nil
	}

	rows, err := s.db.QueryContext(ctx, "SELECT version, description, applied_at FROM "+versionTable+" ORDER BY version")
	if err != nil {
		return st, fmt.Errorf("read schema versions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			step AppliedStep
			at   int64
		)
		if err := rows.Scan(&step.Version, &step.Name, &at); err != nil {
			return st, fmt.Errorf("scan schema version: %w", err)
		}
		step.AppliedAt = time.Unix(0, at)
		st.Applied = append(st.Applied, step)
		st.Version = max(st.Version, step.Version)
	}
	return st, rows.Err()
}

// Rollback reverts the newest applied step and returns the version now in
// effect. The next Open or Migrate applies it again.
func (s *Store) Rollback(ctx context.Context) (int, error) {
	have, err := schemaVersion(ctx, s.db)
	if err != nil {
		return 0, err
	}
	if have == 0 {
		return 0, ErrNothingToRollBack
	}
	if have > len(schema) {
		return have, fmt.Errorf("store: schema version %d is newer than this build (%d)", have, len(schema))
	}

	step := schema[have-1]
	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, step.down); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM "+versionTable+" WHERE version = ?", have)
		return err
	})
	if err != nil {
		return have, fmt.Errorf("roll back schema v%d (%s): %w", have, step.name, err)
	}
	return have - 1, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+versionTable+` (
    version     INTEGER PRIMARY KEY,
    applied_at  INTEGER NOT NULL,
    description TEXT
)`)
	if err != nil {
		return fmt.Errorf("create version table: %w", err)
	}

	have, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	for v := have + 1; v <= len(schema); v++ {
		step := schema[v-1]
		err := withTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, step.up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO "+versionTable+" (version, applied_at, description) VALUES (?, ?, ?)",
				v, time.Now().UnixNano(), step.name)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply schema v%d (%s): %w", v, step.name, err)
		}
	}
	return nil
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM "+versionTable).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func checkTables(ctx context.Context, db *sql.DB) error {
	tables, err := tableNames(ctx, db)
	if err != nil {
		return err
	}
	for _, name := range requiredTables {
		if !tables[name] {
			return fmt.Errorf("%w: missing table %s", ErrSchemaIncomplete, name)
		}
	}
	return nil
}

func tableNames(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	names := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names[name] = true
	}
	return names, rows.Err()
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
