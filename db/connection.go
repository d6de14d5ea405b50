package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/erpsync/errors"
	"github.com/teranos/erpsync/sym"
)

// BusyTimeoutMS is how long a writer waits on a locked database.
const BusyTimeoutMS = 5000

// dsn carries the connection settings as go-sqlite3 parameters, so every
// pooled connection gets them and not just the first.
func dsn(path string) string {
	return fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=%d", path, BusyTimeoutMS)
}

// Open opens the SQLite database at path in WAL mode with foreign keys
// enforced. The file is created if missing. log may be nil.
func Open(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	database, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database %s", path)
	}
	if err := database.Ping(); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to open database %s", path)
	}
	if log != nil {
		log.Debugw(sym.DB+" Database opened", "path", path, "busy_timeout_ms", BusyTimeoutMS)
	}
	return database, nil
}

// OpenMemory opens a private in-memory database with foreign keys enforced.
// The pool is pinned to one connection since each connection to :memory:
// sees its own database.
func OpenMemory() (*sql.DB, error) {
	database, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open in-memory database")
	}
	database.SetMaxOpenConns(1)
	if err := database.Ping(); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "failed to open in-memory database")
	}
	return database, nil
}

// OpenWithMigrations opens path and brings its schema up to date.
func OpenWithMigrations(path string, log *zap.SugaredLogger) (*sql.DB, error) {
	database, err := Open(path, log)
	if err != nil {
		return nil, err
	}
	if _, err := Migrate(database, log); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}
