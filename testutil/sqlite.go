// Package testutil provides shared helpers for package tests: a throwaway
// sqlite ledger and mock Twitch API servers.
package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/onnwee/streambot/db"
)

// SetupTestDB opens a throwaway sqlite ledger under t.TempDir() and applies
// the schema. The connection closes with the test.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	database, err := db.Connect(path)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
