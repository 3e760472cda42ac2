package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage drivers accepted in DB_DRIVER.
const (
	DriverSQLite     = "sqlite"
	DriverClickHouse = "clickhouse"
)

type Config struct {
	// HTTP
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	BaseURL         string // externally visible base URL, overrides request headers
	UpdateHost      string // restricted update-only virtual host
	OTAToken        string // bearer token for uploads; empty disables the check
	FirmwareVersion string // version advertised when no upload has been recorded
	BuildTimestamp  string

	// MQTT
	MQTTBroker        string
	MQTTClientID      string
	MQTTUsername      string
	MQTTPassword      string
	MQTTRetryInterval time.Duration

	// Content directory (firmware, manifest, config)
	DataDir string

	// Telemetry storage
	DBDriver       string
	SQLitePath     string
	ClickHouseAddr string
	ClickHouseDB   string
	ClickHouseUser string
	ClickHousePass string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads .env (and .env.local, which wins) if present, then the
// process environment.
func Load() *Config {
	_ = godotenv.Load()
	if _, err := os.Stat(".env.local"); err == nil {
		_ = godotenv.Overload(".env.local")
	}

	return &Config{
		Host:            getEnv("HOST", "0.0.0.0"),
		Port:            getEnvInt("PORT", 8081),
		ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		BaseURL:         strings.TrimRight(getEnv("BASE_URL", ""), "/"),
		UpdateHost:      strings.ToLower(getEnv("UPDATE_HOST", "bonsai-iot-update.darioschiavano.it")),
		OTAToken:        getEnv("OTA_TOKEN", ""),
		FirmwareVersion: getEnv("FIRMWARE_VERSION", ""),
		BuildTimestamp:  getEnv("BUILD_TIMESTAMP", "unknown"),

		MQTTBroker:        NormalizeBrokerURL(getEnv("MQTT_URL", "tcp://localhost:1883")),
		MQTTClientID:      getEnv("MQTT_CLIENT_ID", "bonsai-backend"),
		MQTTUsername:      getEnv("MQTT_USERNAME", ""),
		MQTTPassword:      getEnv("MQTT_PASSWORD", ""),
		MQTTRetryInterval: getEnvDuration("MQTT_RETRY_INTERVAL", 2*time.Second),

		DataDir: getEnv("DATA_DIR", "./uploads"),

		DBDriver:       strings.ToLower(getEnv("DB_DRIVER", DriverSQLite)),
		SQLitePath:     getEnv("SQLITE_PATH", "./database/bonsai.sqlite"),
		ClickHouseAddr: getEnv("CLICKHOUSE_ADDR", "localhost:9000"),
		ClickHouseDB:   getEnv("CLICKHOUSE_DB", "bonsai"),
		ClickHouseUser: getEnv("CLICKHOUSE_USER", "default"),
		ClickHousePass: getEnv("CLICKHOUSE_PASS", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR must not be empty")
	}
	switch c.DBDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	case DriverClickHouse:
		if c.ClickHouseAddr == "" {
			return fmt.Errorf("CLICKHOUSE_ADDR is required for the clickhouse driver")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q (want %q or %q)", c.DBDriver, DriverSQLite, DriverClickHouse)
	}
	if c.MQTTRetryInterval <= 0 {
		return fmt.Errorf("MQTT_RETRY_INTERVAL must be positive")
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NormalizeBrokerURL maps the mqtt:// and mqtts:// schemes used by device
// tooling onto the tcp:// and ssl:// schemes paho understands.
func NormalizeBrokerURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "mqtt://"):
		return "tcp://" + strings.TrimPrefix(raw, "mqtt://")
	case strings.HasPrefix(raw, "mqtts://"):
		return "ssl://" + strings.TrimPrefix(raw, "mqtts://")
	default:
		return raw
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		slog.Warn("failed to parse env as int, using default", "key", key, "error", err)
		return defaultValue
	}
	return intValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("failed to parse env as duration, using default", "key", key, "error", err)
		return defaultValue
	}
	return d
}
