// Package server exposes the OTA distribution and telemetry query API over
// HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"bonsai-backend/internal/database"
	"bonsai-backend/internal/ota"
)

// PumpController sends actuator commands to devices.
type PumpController interface {
	PublishPumpCommand(deviceID string, on bool) error
}

// BrokerStatus reports the message bus connection state.
type BrokerStatus interface {
	IsConnected() bool
}

// Server represents the HTTP server of the bonsai backend
type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	addr       string
	cfg        Config
	logger     *slog.Logger
	started    time.Time

	ota       *ota.Service
	telemetry database.TelemetryStore
	pump      PumpController
	broker    BrokerStatus
	guard     *AccessGuard
}

// Config holds server configuration
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	BaseURL        string // overrides the base URL derived from request headers
	UpdateHost     string // restricted update-only host
	BuildTimestamp string
}

// DefaultConfig returns a default server configuration
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8081,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		BuildTimestamp:  "unknown",
	}
}

// New creates a new server instance. pump and broker may be nil when the
// message bus is not configured.
func New(
	cfg Config,
	otaSvc *ota.Service,
	telemetry database.TelemetryStore,
	pump PumpController,
	broker BrokerStatus,
	logger *slog.Logger,
) *Server {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s := &Server{
		addr:      addr,
		cfg:       cfg,
		logger:    logger.With("component", "http"),
		started:   time.Now(),
		ota:       otaSvc,
		telemetry: telemetry,
		pump:      pump,
		broker:    broker,
		guard:     NewAccessGuard(cfg.UpdateHost),
	}

	s.engine = s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start starts the HTTP server and blocks until context is cancelled
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		s.logger.Info("server shut down gracefully")
		return nil
	case err := <-errChan:
		return err
	}
}

func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(recovery(s.logger), requestLogger(s.logger), s.guard.Middleware())

	// Larger multipart parts spill to temp files.
	r.MaxMultipartMemory = 1 << 20

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	r.GET("/healthz", s.health)
	r.GET("/debug/build", s.debugBuild)

	// OTA distribution
	r.POST("/upload-firmware", s.uploadFirmware)
	r.GET(ota.FirmwareURLPath, s.firmwareBinary)
	r.GET(ota.ManifestURLPath, s.manifestFile)
	r.GET(ota.ConfigURLPath, s.configFile)

	api := r.Group("/api")
	{
		api.POST("/ota/announce", s.announce)
		api.GET("/firmware/version", s.firmwareVersion)

		api.GET("/config", s.getConfig)
		api.POST("/config", s.saveConfig)
		api.POST("/config/push", s.pushConfig)

		api.POST("/pump/:deviceId", s.pumpCommand)

		api.GET("/devices", s.listDevices)
		api.GET("/device/:id/latest", s.latestTelemetry)
		api.GET("/history/:id", s.telemetryHistory)
	}

	return r
}
