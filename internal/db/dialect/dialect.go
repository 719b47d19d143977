// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// Now returns the SQL expression for the current timestamp.
//
//	SQLite:   datetime('now')
//	Postgres: NOW()
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}

// Upsert returns the ON CONFLICT clause for an insert-or-update on the given
// conflict columns, assigning each update column from its excluded value.
//
//	ON CONFLICT (a, b) DO UPDATE SET c = excluded.c, d = excluded.d
//
// The syntax is shared by SQLite (3.24+) and PostgreSQL.
func Upsert(conflictCols string, updateCols ...string) string {
	clause := fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET ", conflictCols)
	for i, col := range updateCols {
		if i > 0 {
			clause += ", "
		}
		clause += fmt.Sprintf("%s = excluded.%s", col, col)
	}
	return clause
}

// EnsureColumn adds a column to a table when it is missing. ADD COLUMN syntax
// is shared by both drivers, so one statement serves.
func EnsureColumn(db *sqlx.DB, table, column, definition string) error {
	exists, err := ColumnExists(db, table, column)
	if err != nil || exists {
		return err
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

// ColumnExists reports whether the table has the named column.
func ColumnExists(db *sqlx.DB, table, column string) (bool, error) {
	if IsPostgres(db.DriverName()) {
		var n int
		err := db.Get(&n, `SELECT COUNT(*) FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2`, table, column)
		return n > 0, err
	}

	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid, notNull, pk int
			name, colType    string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
