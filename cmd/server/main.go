package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"bonsai-backend/internal/database"
	"bonsai-backend/internal/database/migrations"
	"bonsai-backend/internal/mqtt"
	"bonsai-backend/internal/ota"
	"bonsai-backend/internal/server"
	"bonsai-backend/internal/services"
	"bonsai-backend/internal/storage"
	"bonsai-backend/pkg/config"
)

const serverIdentity = "bonsai-backend"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "bonsai-backend",
	Short:        "Bonsai OTA relay and telemetry backend",
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, MQTT ingestion and OTA distribution",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply telemetry database migrations and exit",
	RunE:  runMigrate,
}

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Rebuild the OTA manifest from the content directory and print it",
	RunE:  runManifest,
}

var (
	manifestAnnounce bool
	manifestBaseURL  string
)

func init() {
	manifestCmd.Flags().BoolVar(&manifestAnnounce, "announce", false, "publish the rebuilt manifest to the broker")
	manifestCmd.Flags().StringVar(&manifestBaseURL, "base-url", "", "base URL for download links (default BASE_URL or http://localhost:PORT)")

	rootCmd.AddCommand(serveCmd, migrateCmd, manifestCmd)
}

// loadConfig reads and validates configuration and builds the logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	logger.Info("starting bonsai backend", "addr", cfg.Addr(), "db_driver", cfg.DBDriver, "data_dir", cfg.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// === Content store ===
	store, err := storage.NewContentStore(cfg.DataDir, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize content store: %w", err)
	}
	if err := store.ValidateSetup(); err != nil {
		return err
	}

	// === Telemetry database ===
	telemetry, err := database.NewTelemetryStoreFromConfig(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry store: %w", err)
	}
	defer telemetry.Close()

	// === MQTT ===
	client, err := mqtt.NewClient(mqttClientConfig(cfg), logger)
	if err != nil {
		return err
	}

	publisher := mqtt.NewPublisher(client.GetNativeClient(), mqtt.DefaultPublisherConfig(), logger)

	telemetryService := services.NewTelemetryService(telemetry, services.DefaultTelemetryServiceConfig(), logger)
	subscriber := mqtt.NewSubscriber(
		client.GetNativeClient(),
		mqtt.DefaultSubscriberConfig(),
		telemetryService.TelemetryChan,
		nil,
		logger,
	)
	// Subscriptions are (re)established on every connect.
	client.OnConnect(subscriber.Resubscribe)

	// === OTA ===
	otaService := ota.NewService(store, publisher, nil, logger, ota.ServiceConfig{
		Token:           cfg.OTAToken,
		Identity:        serverIdentity,
		FallbackVersion: cfg.FirmwareVersion,
	})
	if cfg.OTAToken == "" {
		logger.Warn("OTA_TOKEN not set, firmware uploads are unauthenticated")
	}
	if _, err := otaService.RestoreManifest(cfg.BaseURL, localBaseURL(cfg)); err != nil {
		logger.Warn("initial manifest build failed", "error", err)
	}

	// === HTTP ===
	srv := server.New(server.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		IdleTimeout:     server.DefaultConfig().IdleTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		BaseURL:         cfg.BaseURL,
		UpdateHost:      cfg.UpdateHost,
		BuildTimestamp:  cfg.BuildTimestamp,
	}, otaService, telemetry, publisher, client, logger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		telemetryService.Start(ctx)
	}()

	serveErr := srv.Start(ctx)
	stop()

	client.Close()
	wg.Wait()

	if serveErr != nil {
		return serveErr
	}
	logger.Info("shutdown complete")
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.DBDriver == config.DriverClickHouse {
		// ClickHouse tables are created on connect.
		store, err := database.NewTelemetryStoreFromConfig(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		return store.Close()
	}

	// Opening the store applies pending migrations.
	store, err := database.NewSQLiteStore(cfg.SQLitePath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	version, latest, dirty, err := migrations.Status(store.DB())
	if err != nil {
		return err
	}
	logger.Info("migrations applied", "path", cfg.SQLitePath, "version", version, "latest", latest, "dirty", dirty)
	return nil
}

func runManifest(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := storage.NewContentStore(cfg.DataDir, nil)
	if err != nil {
		return err
	}

	baseURL := manifestBaseURL
	if baseURL == "" {
		baseURL = cfg.BaseURL
	}
	if baseURL == "" {
		baseURL = localBaseURL(cfg)
	}

	builder := ota.NewManifestBuilder(store, nil, logger, serverIdentity, cfg.FirmwareVersion)
	manifest, err := builder.Rebuild(baseURL)
	if err != nil {
		return err
	}

	if manifestAnnounce {
		client, err := mqtt.NewClient(mqttClientConfig(cfg), logger)
		if err != nil {
			return err
		}
		defer client.Close()

		publisher := mqtt.NewPublisher(client.GetNativeClient(), mqtt.DefaultPublisherConfig(), logger)
		if err := publisher.PublishManifest(manifest); err != nil {
			return fmt.Errorf("announce failed: %w", err)
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(manifest)
}

func mqttClientConfig(cfg *config.Config) mqtt.ClientConfig {
	return mqtt.ClientConfig{
		Broker:        cfg.MQTTBroker,
		ClientID:      cfg.MQTTClientID,
		Username:      cfg.MQTTUsername,
		Password:      cfg.MQTTPassword,
		RetryInterval: cfg.MQTTRetryInterval,
	}
}

// localBaseURL is the last resort for manifests built outside a request.
func localBaseURL(cfg *config.Config) string {
	return fmt.Sprintf("http://localhost:%d", cfg.Port)
}
