package ota

import (
	"errors"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"bonsai-backend/internal/clock"
	"bonsai-backend/internal/models"
	"bonsai-backend/internal/storage"
)

// Download paths advertised in the manifest, relative to the base URL.
const (
	FirmwareURLPath = "/firmware/" + storage.FirmwareFile
	ManifestURLPath = "/firmware/" + storage.ManifestFile
	ConfigURLPath   = "/config/" + storage.ConfigFile
)

// ManifestBuilder derives the manifest from the content store.
type ManifestBuilder struct {
	store           *storage.ContentStore
	clock           clock.Clock
	logger          *slog.Logger
	identity        string
	fallbackVersion string

	mu sync.Mutex
}

// NewManifestBuilder creates a builder. fallbackVersion is advertised when
// a binary exists but no upload recorded its version.
func NewManifestBuilder(store *storage.ContentStore, clk clock.Clock, logger *slog.Logger, identity, fallbackVersion string) *ManifestBuilder {
	if clk == nil {
		clk = clock.Real{}
	}
	if fallbackVersion == "" {
		fallbackVersion = PlaceholderVersion
	}
	return &ManifestBuilder{
		store:           store,
		clock:           clk,
		logger:          logger.With("component", "manifest"),
		identity:        identity,
		fallbackVersion: fallbackVersion,
	}
}

// Rebuild builds the manifest for the current content and writes it to the
// manifest file. The file is only replaced once the manifest is complete.
// A missing firmware yields a placeholder section; a missing or unreadable
// config document omits the config section.
func (b *ManifestBuilder) Rebuild(baseURL string) (*models.Manifest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	baseURL = strings.TrimRight(baseURL, "/")
	now := b.clock.Now().UTC()

	manifest := &models.Manifest{
		Server: models.ServerInfo{
			Identity:  b.identity,
			GoVersion: runtime.Version(),
			Timestamp: now,
		},
		Firmware: models.FirmwareDescriptor{
			Version:   PlaceholderVersion,
			URL:       baseURL + FirmwareURLPath,
			CreatedAt: now,
		},
	}

	fw, err := b.store.CurrentFirmware()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		b.logger.Debug("no firmware stored, advertising placeholder")
	case err != nil:
		return nil, storageError("reading firmware", err)
	default:
		manifest.Firmware.SHA256 = fw.SHA256
		manifest.Firmware.Size = fw.Size
		manifest.Firmware.CreatedAt = fw.CreatedAt
		manifest.Firmware.Version = fw.Version
		if fw.Version == "" {
			manifest.Firmware.Version = b.fallbackVersion
		}
	}

	manifest.Config = b.configDescriptor(baseURL)

	if err := b.store.WriteManifest(manifest); err != nil {
		return nil, storageError("writing manifest", err)
	}

	return manifest, nil
}

func (b *ManifestBuilder) configDescriptor(baseURL string) *models.ConfigDescriptor {
	cfg, err := b.store.CurrentConfig()
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			b.logger.Warn("config unreadable, omitting from manifest", "error", err)
		}
		return nil
	}

	sum, size, err := b.store.ConfigDigest()
	if err != nil {
		b.logger.Warn("config digest failed, omitting from manifest", "error", err)
		return nil
	}

	return &models.ConfigDescriptor{
		Version: cfg.ConfigVersion,
		URL:     baseURL + ConfigURLPath,
		SHA256:  sum,
		Size:    size,
	}
}
