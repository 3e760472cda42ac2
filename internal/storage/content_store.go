// Package storage keeps the current firmware binary, its metadata record,
// the device config document and the OTA manifest on disk:
//
//	<root>/
//	  firmware/
//	    esp32.bin      current firmware
//	    esp32.json     version record for esp32.bin
//	    manifest.json  last built manifest
//	  config/
//	    config.json    device config document
//
// Every write goes through a temp file in the destination directory
// followed by a rename, so readers see either the old or the new file.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/jsonc"

	"bonsai-backend/internal/clock"
	"bonsai-backend/internal/models"
)

const (
	FirmwareFile     = "esp32.bin"
	FirmwareMetaFile = "esp32.json"
	ManifestFile     = "manifest.json"
	ConfigFile       = "config.json"

	// DefaultMaxFirmwareSize is the upload ceiling for firmware binaries.
	DefaultMaxFirmwareSize int64 = 4 * 1024 * 1024

	// ConfigVersionLayout formats config_version stamps (14 digits, UTC).
	ConfigVersionLayout = "20060102150405"
)

var (
	ErrNotFound = errors.New("not found")
	ErrTooLarge = errors.New("firmware exceeds size limit")
	ErrEmpty    = errors.New("firmware is empty")
)

// ContentStore is the filesystem-backed home of OTA content.
type ContentStore struct {
	root        string
	firmwareDir string
	configDir   string
	clock       clock.Clock
	maxFirmware int64

	// configMu serializes config writes so version stamps never go backwards.
	configMu sync.Mutex
}

// NewContentStore creates the directory layout under root.
func NewContentStore(root string, clk clock.Clock) (*ContentStore, error) {
	firmwareDir := filepath.Join(root, "firmware")
	configDir := filepath.Join(root, "config")

	for _, dir := range []string{firmwareDir, configDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	if clk == nil {
		clk = clock.Real{}
	}

	return &ContentStore{
		root:        root,
		firmwareDir: firmwareDir,
		configDir:   configDir,
		clock:       clk,
		maxFirmware: DefaultMaxFirmwareSize,
	}, nil
}

// SetMaxFirmwareSize changes the firmware ceiling.
func (s *ContentStore) SetMaxFirmwareSize(n int64) {
	s.maxFirmware = n
}

// MaxFirmwareSize returns the firmware ceiling in bytes.
func (s *ContentStore) MaxFirmwareSize() int64 {
	return s.maxFirmware
}

func (s *ContentStore) FirmwarePath() string {
	return filepath.Join(s.firmwareDir, FirmwareFile)
}

func (s *ContentStore) ManifestPath() string {
	return filepath.Join(s.firmwareDir, ManifestFile)
}

func (s *ContentStore) ConfigPath() string {
	return filepath.Join(s.configDir, ConfigFile)
}

func (s *ContentStore) firmwareMetaPath() string {
	return filepath.Join(s.firmwareDir, FirmwareMetaFile)
}

// PutFirmware stages r in a temp file, hashes the finalized bytes and
// renames the file over the current binary.
//
// A nil artifact with an error means nothing visible changed. A non-nil
// artifact with an error means the binary was swapped but its version
// record could not be written.
func (s *ContentStore) PutFirmware(r io.Reader, version string) (*models.FirmwareArtifact, error) {
	tmpFile, err := os.CreateTemp(s.firmwareDir, ".esp32.bin-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmpFile, io.LimitReader(r, s.maxFirmware+1))
	if err != nil {
		tmpFile.Close()
		return nil, fmt.Errorf("failed to write firmware: %w", err)
	}
	if written > s.maxFirmware {
		tmpFile.Close()
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, s.maxFirmware)
	}
	if written == 0 {
		tmpFile.Close()
		return nil, ErrEmpty
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return nil, fmt.Errorf("failed to sync firmware: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	sum, size, err := HashFile(tmpPath)
	if err != nil {
		return nil, err
	}

	artifact := &models.FirmwareArtifact{
		Version:   version,
		SHA256:    sum,
		Size:      size,
		CreatedAt: s.clock.Now().UTC(),
	}

	if err := os.Rename(tmpPath, s.FirmwarePath()); err != nil {
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}
	success = true

	if err := writeJSONAtomic(s.firmwareMetaPath(), artifact); err != nil {
		return artifact, fmt.Errorf("failed to record firmware metadata: %w", err)
	}

	return artifact, nil
}

// CurrentFirmware describes the binary currently servable. Hash and size
// come from the file itself; the version comes from the metadata record
// only when that record describes the same bytes.
func (s *ContentStore) CurrentFirmware() (*models.FirmwareArtifact, error) {
	info, err := os.Stat(s.FirmwarePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to stat firmware: %w", err)
	}

	sum, size, err := HashFile(s.FirmwarePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	artifact := &models.FirmwareArtifact{
		SHA256:    sum,
		Size:      size,
		CreatedAt: info.ModTime().UTC(),
	}

	var meta models.FirmwareArtifact
	if err := readJSON(s.firmwareMetaPath(), &meta); err == nil && meta.SHA256 == sum {
		artifact.Version = meta.Version
		artifact.CreatedAt = meta.CreatedAt
	}

	return artifact, nil
}

// PutConfig replaces the config document, stamping a fresh config_version.
// The stored document is returned.
func (s *ContentStore) PutConfig(cfg *models.DeviceConfig) (*models.DeviceConfig, error) {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	previous := ""
	if current, err := s.readConfig(); err == nil {
		previous = current.ConfigVersion
	}

	return s.writeConfig(cfg.Clone(), previous)
}

// UpdateConfig applies fn to the current document (or an empty one) and
// stores the result with a fresh config_version.
func (s *ContentStore) UpdateConfig(fn func(cfg *models.DeviceConfig)) (*models.DeviceConfig, error) {
	s.configMu.Lock()
	defer s.configMu.Unlock()

	cfg, err := s.readConfig()
	switch {
	case errors.Is(err, ErrNotFound):
		cfg = &models.DeviceConfig{}
	case err != nil:
		return nil, err
	}

	previous := cfg.ConfigVersion
	fn(cfg)
	return s.writeConfig(cfg, previous)
}

// CurrentConfig reads the config document. A missing document is
// ErrNotFound.
func (s *ContentStore) CurrentConfig() (*models.DeviceConfig, error) {
	return s.readConfig()
}

// NextConfigVersion returns the stamp for a write following previous:
// the current UTC time, never earlier than previous.
func (s *ContentStore) NextConfigVersion(previous string) string {
	next := s.clock.Now().UTC().Format(ConfigVersionLayout)
	if len(previous) == len(next) && previous > next {
		return previous
	}
	return next
}

func (s *ContentStore) writeConfig(cfg *models.DeviceConfig, previous string) (*models.DeviceConfig, error) {
	cfg.ConfigVersion = s.NextConfigVersion(previous)
	if err := writeJSONAtomic(s.ConfigPath(), cfg); err != nil {
		return nil, fmt.Errorf("failed to write config: %w", err)
	}
	return cfg, nil
}

func (s *ContentStore) readConfig() (*models.DeviceConfig, error) {
	data, err := os.ReadFile(s.ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return models.ParseDeviceConfig(jsonc.ToJSON(data))
}

// ConfigDigest returns the sha256 and size of the stored config document.
func (s *ContentStore) ConfigDigest() (string, int64, error) {
	sum, size, err := HashFile(s.ConfigPath())
	if errors.Is(err, os.ErrNotExist) {
		return "", 0, ErrNotFound
	}
	return sum, size, err
}

// WriteManifest replaces the manifest file in one rename.
func (s *ContentStore) WriteManifest(m *models.Manifest) error {
	if err := writeJSONAtomic(s.ManifestPath(), m); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// ReadManifest returns the last written manifest.
func (s *ContentStore) ReadManifest() (*models.Manifest, error) {
	var m models.Manifest
	if err := readJSON(s.ManifestPath(), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ValidateSetup verifies that the content directories exist.
func (s *ContentStore) ValidateSetup() error {
	for _, dir := range []string{s.root, s.firmwareDir, s.configDir} {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("content directory not accessible: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("content path is not a directory: %s", dir)
		}
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSONAtomic(destPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(destPath), err)
	}
	return writeFileAtomic(destPath, data)
}

// writeFileAtomic writes data to a temp file next to destPath and renames
// it into place.
func writeFileAtomic(destPath string, data []byte) error {
	dir := filepath.Dir(destPath)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
