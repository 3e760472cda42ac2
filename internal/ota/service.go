// Package ota distributes firmware and device configuration: it validates
// and swaps uploaded firmware, rebuilds the manifest and announces it.
package ota

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"bonsai-backend/internal/clock"
	"bonsai-backend/internal/models"
	"bonsai-backend/internal/storage"
)

// Announcer publishes OTA state to devices.
type Announcer interface {
	PublishManifest(m *models.Manifest) error
	PublishConfig(cfg *models.DeviceConfig, target models.ConfigTarget) error
}

// State is the upload pipeline state.
type State int32

const (
	StateIdle State = iota
	StateValidating
	StateSwapping
	StateRebuilding
	StateAnnouncing
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateValidating:
		return "validating"
	case StateSwapping:
		return "swapping"
	case StateRebuilding:
		return "rebuilding"
	case StateAnnouncing:
		return "announcing"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// ServiceConfig holds OTA service settings.
type ServiceConfig struct {
	Token           string // bearer token; empty disables the check
	Identity        string // server identity advertised in manifests
	FallbackVersion string
}

// Service owns the content store on behalf of HTTP handlers. One Service is
// shared by all requests; its upload flag is the single-flight guard.
type Service struct {
	store     *storage.ContentStore
	builder   *ManifestBuilder
	announcer Announcer
	logger    *slog.Logger
	token     string

	uploading atomic.Bool
	state     atomic.Int32

	// publishMu orders rebuild+announce sequences so a later announcement
	// never carries an older manifest.
	publishMu sync.Mutex
}

// NewService wires the pipeline together.
func NewService(store *storage.ContentStore, announcer Announcer, clk clock.Clock, logger *slog.Logger, cfg ServiceConfig) *Service {
	if cfg.Identity == "" {
		cfg.Identity = "bonsai-backend"
	}
	return &Service{
		store:     store,
		builder:   NewManifestBuilder(store, clk, logger, cfg.Identity, cfg.FallbackVersion),
		announcer: announcer,
		logger:    logger.With("component", "ota"),
		token:     cfg.Token,
	}
}

// State returns the current pipeline state.
func (s *Service) State() State {
	return State(s.state.Load())
}

// Uploading reports whether an upload holds the single-flight flag.
func (s *Service) Uploading() bool {
	return s.uploading.Load()
}

func (s *Service) setState(state State) {
	s.state.Store(int32(state))
}

// Store exposes the content store for read-only handlers.
func (s *Service) Store() *storage.ContentStore {
	return s.store
}

// Authorize checks an Authorization header against the configured token.
// With no token configured every caller is accepted.
func (s *Service) Authorize(header string) error {
	if s.token == "" {
		return nil
	}
	header = strings.TrimSpace(header)
	presented, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
		return &Error{Kind: ErrUnauthorized, Message: "unauthorized"}
	}
	return nil
}

// UploadRequest is one firmware upload attempt.
type UploadRequest struct {
	Firmware      io.Reader // nil when the firmware part was missing
	VersionFile   []byte    // version side-file contents, takes precedence
	Version       string    // version form field
	Authorization string    // raw Authorization header
	BaseURL       string    // for manifest download links
}

// UploadFirmware runs the upload pipeline:
// Idle → Validating → Swapping → Rebuilding → Announcing → Idle, or
// Idle → Rejected → Idle when validation fails. A concurrent call while
// another upload is in flight fails with ErrConflict immediately.
//
// Failures after the swap do not restore the previous binary. An announce
// failure is logged and the manifest is still returned.
func (s *Service) UploadFirmware(ctx context.Context, req UploadRequest) (*models.Manifest, error) {
	if err := s.Authorize(req.Authorization); err != nil {
		return nil, err
	}

	if !s.uploading.CompareAndSwap(false, true) {
		return nil, &Error{Kind: ErrConflict, Message: "upload already in progress"}
	}
	defer func() {
		s.setState(StateIdle)
		s.uploading.Store(false)
	}()

	logger := s.logger.With("upload_id", uuid.NewString())

	s.setState(StateValidating)
	if req.Firmware == nil {
		s.setState(StateRejected)
		return nil, validationError("missing file (field 'firmware')")
	}
	version := ResolveVersion(req.VersionFile, req.Version)
	if err := ValidateVersion(version); err != nil {
		s.setState(StateRejected)
		logger.Info("upload rejected", "version", version, "reason", Message(err))
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.setState(StateSwapping)
	artifact, err := s.store.PutFirmware(req.Firmware, version)
	if artifact == nil {
		switch {
		case errors.Is(err, storage.ErrTooLarge):
			s.setState(StateRejected)
			return nil, validationError("firmware too large (max %d bytes)", s.store.MaxFirmwareSize())
		case errors.Is(err, storage.ErrEmpty):
			s.setState(StateRejected)
			return nil, validationError("firmware file is empty")
		default:
			logger.Error("firmware swap failed", "error", err)
			return nil, storageError("storing firmware", err)
		}
	}
	if err != nil {
		logger.Warn("firmware swapped but metadata not recorded", "error", err)
	}
	logger.Info("firmware swapped", "version", artifact.Version, "sha256", artifact.SHA256, "size", artifact.Size)

	if _, err := s.store.UpdateConfig(func(cfg *models.DeviceConfig) {
		cfg.FirmwareVersion = version
	}); err != nil {
		logger.Warn("failed to link firmware version into config", "error", err)
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	s.setState(StateRebuilding)
	manifest, err := s.builder.Rebuild(req.BaseURL)
	if err != nil {
		logger.Error("manifest rebuild failed after swap", "error", err)
		return nil, err
	}

	s.setState(StateAnnouncing)
	if err := s.announcer.PublishManifest(manifest); err != nil {
		logger.Warn("manifest announce failed", "error", err)
	}

	logger.Info("firmware updated", "version", version)
	return manifest, nil
}

// Announce rebuilds the manifest from current content and publishes it
// without touching the firmware. Publish failures are logged only.
func (s *Service) Announce(ctx context.Context, baseURL string) (*models.Manifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	manifest, err := s.builder.Rebuild(baseURL)
	if err != nil {
		return nil, err
	}
	if err := s.announcer.PublishManifest(manifest); err != nil {
		s.logger.Warn("manifest announce failed", "error", err)
	}
	return manifest, nil
}

// RebuildManifest writes a fresh manifest without announcing it.
func (s *Service) RebuildManifest(baseURL string) (*models.Manifest, error) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	return s.builder.Rebuild(baseURL)
}

// RestoreManifest prepares the manifest at startup. With a configured base
// URL the manifest is rebuilt against it. Without one, an existing manifest
// is kept as is: its links were derived from a real request and a local
// fallback would point devices at the wrong host. fallbackBaseURL is only
// used when no readable manifest exists yet.
func (s *Service) RestoreManifest(configuredBaseURL, fallbackBaseURL string) (*models.Manifest, error) {
	if configuredBaseURL != "" {
		return s.RebuildManifest(configuredBaseURL)
	}

	m, err := s.store.ReadManifest()
	if err == nil {
		s.logger.Info("keeping existing manifest", "url", m.Firmware.URL)
		return m, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("existing manifest unreadable, rebuilding", "error", err)
	}
	return s.RebuildManifest(fallbackBaseURL)
}

// CurrentManifest returns the last written manifest.
func (s *Service) CurrentManifest() (*models.Manifest, error) {
	return s.store.ReadManifest()
}

// CurrentConfig returns the stored config document or ErrNotFound.
func (s *Service) CurrentConfig() (*models.DeviceConfig, error) {
	return s.store.CurrentConfig()
}

// SaveConfig replaces the config document, then rebuilds and announces the
// manifest and the config itself. A document without firmware_version keeps
// the one recorded by the last firmware upload.
func (s *Service) SaveConfig(ctx context.Context, cfg *models.DeviceConfig, baseURL string) (*models.DeviceConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	incoming := cfg.Clone()
	if incoming.FirmwareVersion == "" {
		if current, err := s.store.CurrentConfig(); err == nil {
			incoming.FirmwareVersion = current.FirmwareVersion
		}
	}

	stored, err := s.store.PutConfig(incoming)
	if err != nil {
		return nil, storageError("storing config", err)
	}
	s.logger.Info("config updated", "config_version", stored.ConfigVersion)

	s.publishMu.Lock()
	defer s.publishMu.Unlock()

	manifest, err := s.builder.Rebuild(baseURL)
	if err != nil {
		s.logger.Error("manifest rebuild after config update failed", "error", err)
		return stored, nil
	}
	if err := s.announcer.PublishManifest(manifest); err != nil {
		s.logger.Warn("manifest announce failed", "error", err)
	}
	if err := s.announcer.PublishConfig(stored, models.ConfigTarget{}); err != nil {
		s.logger.Warn("config announce failed", "error", err)
	}

	return stored, nil
}

// PushConfig re-publishes the stored config to target without changing it.
func (s *Service) PushConfig(ctx context.Context, target models.ConfigTarget) (*models.DeviceConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg, err := s.store.CurrentConfig()
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &Error{Kind: ErrNotFound, Message: "no config stored"}
		}
		return nil, storageError("reading config", err)
	}

	if err := s.announcer.PublishConfig(cfg, target); err != nil {
		s.logger.Warn("config push failed", "device_id", target.DeviceID, "live", target.Live, "error", err)
	}
	return cfg, nil
}
