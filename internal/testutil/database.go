package testutil

import (
	"testing"

	"bonsai-backend/internal/database"
)

// NewTestTelemetryStore creates an in-memory SQLite store with migrations
// applied. It is closed when the test ends.
func NewTestTelemetryStore(t *testing.T) *database.SQLiteStore {
	t.Helper()

	s, err := database.NewSQLiteStore(":memory:", DiscardLogger())
	if err != nil {
		t.Fatalf("failed to create telemetry store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
