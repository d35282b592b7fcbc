package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/onnwee/tvyt/backend/db"
)

// SetupTestDB creates a test database connection and runs migrations.
// It skips the test if TEST_PG_DSN environment variable is not set.
// The users table is emptied before the test runs.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := db.Connect(dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	ctx := context.Background()
	if err := db.Migrate(ctx, database); err != nil {
		_ = database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	if _, err := database.ExecContext(ctx, `TRUNCATE users`); err != nil {
		_ = database.Close()
		t.Fatalf("failed to reset users: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close()
	})
	return database
}
