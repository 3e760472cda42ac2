package database

// SQL schemas for the ClickHouse backend. The SQLite schema lives in
// migrations/files.

const (
	// DeviceDataTableSQL creates the device_data table
	DeviceDataTableSQL = `
		CREATE TABLE IF NOT EXISTS device_data (
			id Int64,
			device_id String,
			humidity Nullable(Float64),
			temperature Nullable(Float64),
			battery Nullable(Float64),
			rssi Nullable(Float64),
			firmware Nullable(String),
			created_at DateTime64(9, 'UTC')
		) ENGINE = MergeTree()
		ORDER BY (device_id, created_at)
		PARTITION BY toYYYYMM(created_at)
	`
)

// AllTables returns all table creation SQL statements
func AllTables() []string {
	return []string{
		DeviceDataTableSQL,
	}
}
