package database

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"bonsai-backend/internal/models"
)

// ClickHouseStore implements TelemetryStore on ClickHouse.
//
// ClickHouse has no auto-increment; row ids are the created_at instant in
// Unix nanoseconds, bumped past the last id this process assigned so two
// records stamped in the same nanosecond still get distinct, ordered ids.
// Ids are unique per process only; two writers may still collide.
type ClickHouseStore struct {
	conn   driver.Conn
	logger *slog.Logger

	lastID atomic.Int64
}

// ClickHouseOptions are the connection settings for NewClickHouseStore.
type ClickHouseOptions struct {
	Addr     string
	Database string
	Username string
	Password string
}

// NewClickHouseStore connects, pings and creates missing tables.
func NewClickHouseStore(ctx context.Context, opts ClickHouseOptions, logger *slog.Logger) (*ClickHouseStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger = logger.With("component", "clickhouse")
	logger.Info("connected to ClickHouse", "addr", opts.Addr, "database", opts.Database)

	db := &ClickHouseStore{conn: conn, logger: logger}

	if err := db.InitSchema(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// InitSchema creates the necessary tables if they don't exist
func (db *ClickHouseStore) InitSchema(ctx context.Context) error {
	for _, tableSQL := range AllTables() {
		if err := db.conn.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	db.logger.Debug("schema initialized")
	return nil
}

func (db *ClickHouseStore) InsertTelemetry(ctx context.Context, rec *models.TelemetryRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ID = db.nextID(rec.CreatedAt)

	query := `
		INSERT INTO device_data (id, device_id, humidity, temperature, battery, rssi, firmware, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := db.conn.Exec(ctx, query,
		rec.ID,
		rec.DeviceID,
		rec.Humidity,
		rec.Temperature,
		rec.Battery,
		rec.RSSI,
		rec.Firmware,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert telemetry: %w", err)
	}

	return nil
}

// nextID returns t in Unix nanoseconds, or one more than the last id when
// that is not larger.
func (db *ClickHouseStore) nextID(t time.Time) int64 {
	for {
		last := db.lastID.Load()
		id := t.UnixNano()
		if id <= last {
			id = last + 1
		}
		if db.lastID.CompareAndSwap(last, id) {
			return id
		}
	}
}

func (db *ClickHouseStore) ListDevices(ctx context.Context) ([]string, error) {
	rows, err := db.conn.Query(ctx, `SELECT DISTINCT device_id FROM device_data ORDER BY device_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	devices := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan device id: %w", err)
		}
		devices = append(devices, id)
	}
	return devices, rows.Err()
}

func (db *ClickHouseStore) LatestTelemetry(ctx context.Context, deviceID string) (*models.TelemetryRecord, error) {
	history, err := db.TelemetryHistory(ctx, deviceID, 1)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, ErrNotFound
	}
	return history[0], nil
}

func (db *ClickHouseStore) TelemetryHistory(ctx context.Context, deviceID string, limit int) ([]*models.TelemetryRecord, error) {
	query := `
		SELECT ` + deviceDataColumns + `
		FROM device_data
		WHERE device_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`

	rows, err := db.conn.Query(ctx, query, deviceID, ClampHistoryLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry history: %w", err)
	}
	defer rows.Close()

	history := []*models.TelemetryRecord{}
	for rows.Next() {
		var rec models.TelemetryRecord
		err := rows.Scan(
			&rec.ID,
			&rec.DeviceID,
			&rec.Humidity,
			&rec.Temperature,
			&rec.Battery,
			&rec.RSSI,
			&rec.Firmware,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan telemetry: %w", err)
		}
		history = append(history, &rec)
	}
	return history, rows.Err()
}

// Close closes the ClickHouse connection
func (db *ClickHouseStore) Close() error {
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close ClickHouse connection: %w", err)
	}
	db.logger.Info("ClickHouse connection closed")
	return nil
}
