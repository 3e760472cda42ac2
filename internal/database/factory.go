package database

import (
	"context"
	"fmt"
	"log/slog"

	"bonsai-backend/pkg/config"
)

// NewTelemetryStoreFromConfig opens the backend selected by DB_DRIVER.
func NewTelemetryStoreFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (TelemetryStore, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("SQLITE_PATH required for sqlite database")
		}
		return NewSQLiteStore(cfg.SQLitePath, logger)
	case config.DriverClickHouse:
		return NewClickHouseStore(ctx, ClickHouseOptions{
			Addr:     cfg.ClickHouseAddr,
			Database: cfg.ClickHouseDB,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePass,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown database driver: %s", cfg.DBDriver)
	}
}
