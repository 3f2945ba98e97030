package store

import (
	"database/sql"
	"fmt"

	"fable/internal/logging"
)

// migration is one idempotent schema change applied in order. The current
// schema version is tracked in PRAGMA user_version.
type migration struct {
	version int
	name    string
	apply   func(db *sql.DB) error
}

var migrations = []migration{
	{
		version: 1,
		name:    "chapters: add min_length for truncation detection",
		apply: func(db *sql.DB) error {
			return addColumnIfMissing(db, "chapters", "min_length", "INTEGER NOT NULL DEFAULT 0")
		},
	},
}

// RunMigrations applies pending schema migrations for databases created by
// older builds. Safe to call on a fresh database.
func RunMigrations(db *sql.DB) error {
	var current int
	if err := db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		logging.Store("Applying migration %d: %s", m.version, m.name)
		if err := m.apply(db); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
			return fmt.Errorf("bump user_version to %d: %w", m.version, err)
		}
	}
	return nil
}

// addColumnIfMissing adds a column when the table does not already have it.
func addColumnIfMissing(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			deflt      sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &deflt, &primaryKey); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
