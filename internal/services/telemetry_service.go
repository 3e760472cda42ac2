package services

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"bonsai-backend/internal/database"
	"bonsai-backend/internal/models"
)

// TelemetryService persists telemetry records received from the MQTT
// subscriber. One failed record never stops the loop.
type TelemetryService struct {
	store  database.TelemetryStore
	logger *slog.Logger

	// Input channel from the MQTT subscriber
	TelemetryChan chan *models.TelemetryRecord

	insertTimeout time.Duration

	stored  atomic.Uint64
	dropped atomic.Uint64
}

// TelemetryServiceConfig holds configuration for telemetry service
type TelemetryServiceConfig struct {
	ChannelSize   int
	InsertTimeout time.Duration
}

// DefaultTelemetryServiceConfig returns default configuration
func DefaultTelemetryServiceConfig() TelemetryServiceConfig {
	return TelemetryServiceConfig{
		ChannelSize:   100,
		InsertTimeout: 5 * time.Second,
	}
}

// NewTelemetryService creates a new telemetry service
func NewTelemetryService(store database.TelemetryStore, config TelemetryServiceConfig, logger *slog.Logger) *TelemetryService {
	if config.InsertTimeout <= 0 {
		config.InsertTimeout = 5 * time.Second
	}
	return &TelemetryService{
		store:         store,
		logger:        logger.With("component", "telemetry"),
		TelemetryChan: make(chan *models.TelemetryRecord, config.ChannelSize),
		insertTimeout: config.InsertTimeout,
	}
}

// Start processes records until ctx is cancelled, then drains what is
// already queued.
func (s *TelemetryService) Start(ctx context.Context) {
	s.logger.Info("starting")

	for {
		select {
		case <-ctx.Done():
			s.drain()
			s.logger.Info("stopped", "stored", s.stored.Load(), "dropped", s.dropped.Load())
			return

		case rec, ok := <-s.TelemetryChan:
			if !ok {
				s.logger.Info("telemetry channel closed")
				return
			}
			s.process(rec)
		}
	}
}

// Stats returns the number of stored and dropped records.
func (s *TelemetryService) Stats() (stored, dropped uint64) {
	return s.stored.Load(), s.dropped.Load()
}

func (s *TelemetryService) drain() {
	for {
		select {
		case rec, ok := <-s.TelemetryChan:
			if !ok {
				return
			}
			s.process(rec)
		default:
			return
		}
	}
}

// process handles a single record
func (s *TelemetryService) process(rec *models.TelemetryRecord) {
	defer func() {
		if r := recover(); r != nil {
			s.dropped.Add(1)
			s.logger.Error("panic while storing telemetry", "panic", r)
		}
	}()

	if rec == nil || rec.DeviceID == "" || !rec.HasReading() {
		s.dropped.Add(1)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.insertTimeout)
	defer cancel()

	if err := s.store.InsertTelemetry(ctx, rec); err != nil {
		s.dropped.Add(1)
		s.logger.Error("failed to store telemetry", "device_id", rec.DeviceID, "error", err)
		return
	}

	s.stored.Add(1)
	s.logger.Debug("stored telemetry", "device_id", rec.DeviceID, "id", rec.ID)
}
