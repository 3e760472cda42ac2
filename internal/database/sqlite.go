package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"bonsai-backend/internal/database/migrations"
	"bonsai-backend/internal/models"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// CreatedAtLayout is the fixed-width UTC layout of device_data.created_at.
// Fixed width keeps lexical order equal to chronological order.
const CreatedAtLayout = "2006-01-02T15:04:05.000000000Z"

const deviceDataColumns = `id, device_id, humidity, temperature, battery, rssi, firmware, created_at`

// SQLiteStore implements TelemetryStore on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// NewSQLiteStore opens the database at path (or ":memory:"), creating its
// directory if needed, and applies pending migrations.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	logger = logger.With("component", "sqlite")
	logger.Info("telemetry database ready", "path", path)

	return &SQLiteStore{db: db, path: path, logger: logger}, nil
}

// OpenConnection opens and configures a SQLite connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// DB exposes the underlying connection for migrations and tests.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) InsertTelemetry(ctx context.Context, rec *models.TelemetryRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO device_data (device_id, humidity, temperature, battery, rssi, firmware, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.DeviceID,
		rec.Humidity,
		rec.Temperature,
		rec.Battery,
		rec.RSSI,
		rec.Firmware,
		rec.CreatedAt.Format(CreatedAtLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert telemetry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted id: %w", err)
	}
	rec.ID = id
	return nil
}

func (s *SQLiteStore) ListDevices(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT device_id FROM device_data ORDER BY device_id ASC`)
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

func (s *SQLiteStore) LatestTelemetry(ctx context.Context, deviceID string) (*models.TelemetryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+deviceDataColumns+`
		FROM device_data
		WHERE device_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, deviceID)

	rec, err := scanTelemetry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest telemetry: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) TelemetryHistory(ctx context.Context, deviceID string, limit int) ([]*models.TelemetryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deviceDataColumns+`
		FROM device_data
		WHERE device_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, deviceID, ClampHistoryLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry history: %w", err)
	}
	defer rows.Close()

	history := []*models.TelemetryRecord{}
	for rows.Next() {
		rec, err := scanTelemetry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan telemetry: %w", err)
		}
		history = append(history, rec)
	}
	return history, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTelemetry(row scanner) (*models.TelemetryRecord, error) {
	var (
		rec                                  models.TelemetryRecord
		humidity, temperature, battery, rssi sql.NullFloat64
		firmware                             sql.NullString
		createdAt                            string
	)

	err := row.Scan(&rec.ID, &rec.DeviceID, &humidity, &temperature, &battery, &rssi, &firmware, &createdAt)
	if err != nil {
		return nil, err
	}

	rec.Humidity = nullFloat(humidity)
	rec.Temperature = nullFloat(temperature)
	rec.Battery = nullFloat(battery)
	rec.RSSI = nullFloat(rssi)
	if firmware.Valid {
		rec.Firmware = &firmware.String
	}

	// Rows written by older tooling may carry RFC 3339 timestamps.
	rec.CreatedAt, err = time.Parse(CreatedAtLayout, createdAt)
	if err != nil {
		if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("bad created_at %q: %w", createdAt, err)
		}
	}

	return &rec, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}
