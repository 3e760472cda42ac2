// Package database persists device telemetry. SQLite is the default
// backend; ClickHouse is available for larger deployments.
package database

import (
	"context"
	"errors"

	"bonsai-backend/internal/models"
)

// ErrNotFound is returned when a device has no telemetry rows.
var ErrNotFound = errors.New("no telemetry found")

// Default and maximum row counts for TelemetryHistory.
const (
	DefaultHistoryLimit = 200
	MaxHistoryLimit     = 1000
)

// TelemetryStore is the relational sink for device telemetry.
type TelemetryStore interface {
	// InsertTelemetry appends one row and sets rec.ID.
	InsertTelemetry(ctx context.Context, rec *models.TelemetryRecord) error
	// ListDevices returns the distinct device ids, ascending.
	ListDevices(ctx context.Context) ([]string, error)
	// LatestTelemetry returns the newest row for deviceID or ErrNotFound.
	LatestTelemetry(ctx context.Context, deviceID string) (*models.TelemetryRecord, error)
	// TelemetryHistory returns up to limit rows for deviceID, newest first.
	TelemetryHistory(ctx context.Context, deviceID string, limit int) ([]*models.TelemetryRecord, error)
	Close() error
}

// ClampHistoryLimit maps a requested limit onto [1, MaxHistoryLimit],
// using DefaultHistoryLimit for non-positive values.
func ClampHistoryLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return limit
	}
}
