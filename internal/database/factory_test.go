package database

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"bonsai-backend/pkg/config"
)

func TestNewTelemetryStoreFromConfig(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("sqlite", func(t *testing.T) {
		cfg := &config.Config{
			DBDriver:   config.DriverSQLite,
			SQLitePath: filepath.Join(t.TempDir(), "bonsai.sqlite"),
		}
		store, err := NewTelemetryStoreFromConfig(context.Background(), cfg, logger)
		if err != nil {
			t.Fatalf("NewTelemetryStoreFromConfig() error = %v", err)
		}
		defer store.Close()

		if _, ok := store.(*SQLiteStore); !ok {
			t.Errorf("store type = %T, want *SQLiteStore", store)
		}
	})

	t.Run("sqlite without path", func(t *testing.T) {
		cfg := &config.Config{DBDriver: config.DriverSQLite}
		if _, err := NewTelemetryStoreFromConfig(context.Background(), cfg, logger); err == nil {
			t.Error("expected error for missing path")
		}
	})

	t.Run("unknown driver", func(t *testing.T) {
		cfg := &config.Config{DBDriver: "mongo"}
		if _, err := NewTelemetryStoreFromConfig(context.Background(), cfg, logger); err == nil {
			t.Error("expected error for unknown driver")
		}
	})
}
