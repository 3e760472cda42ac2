package testutil

import (
	"testing"

	"bonsai-backend/internal/clock"
	"bonsai-backend/internal/storage"
)

// NewTestContentStore creates a content store in a per-test temp directory.
func NewTestContentStore(t *testing.T, clk clock.Clock) *storage.ContentStore {
	t.Helper()

	s, err := storage.NewContentStore(t.TempDir(), clk)
	if err != nil {
		t.Fatalf("failed to create content store: %v", err)
	}
	return s
}
