// Package testing holds helpers shared by package tests.
package testing

import (
	"database/sql"
	"testing"

	"github.com/teranos/erpsync/db"
)

// CreateTestDB returns a migrated in-memory database that is closed when
// the test ends.
func CreateTestDB(t testing.TB) *sql.DB {
	t.Helper()

	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if _, err := db.Migrate(database, nil); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return database
}
