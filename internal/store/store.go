// Package store is the append-only artifact store for sessions,
// messages, scene versions and renders. All mutation is insert-only
// apart from session status updates and render promotion; scene
// version rows and render image bytes are never rewritten.
package store

import (
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned for unknown, deleted or expired rows.
	ErrNotFound = errors.New("store: not found")
	// ErrVersionConflict is returned when a version-number allocation
	// races and loses. Callers retry with a fresh read of the latest
	// version.
	ErrVersionConflict = errors.New("store: version number conflict")
)

// Store exposes the artifact-store contract over *sql.DB.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db handle cannot be nil")
	}
	return &Store{db: db}, nil
}

// isUniqueViolation reports whether err is a unique-constraint failure
// from either supported driver.
func isUniqueViolation(err error) bool {
	// ErrConstraint alone also covers FK and CHECK failures, which are
	// not retryable; only the unique extended code means a lost race.
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}
