package db

import (
	"database/sql"
	"strings"

	"github.com/teranos/erpsync/errors"
)

// ErrClosed marks work attempted after the database was closed. During
// shutdown an execution may finish after Close has run.
var ErrClosed = errors.New("database is closed")

// IsClosed reports whether err comes from a closed database: ErrClosed,
// sql.ErrConnDone, or database/sql's unexported "sql: database is closed".
func IsClosed(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.IsAny(err, ErrClosed, sql.ErrConnDone):
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
