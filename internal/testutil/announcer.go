package testutil

import (
	"sync"

	"bonsai-backend/internal/models"
)

// ConfigPublish is one recorded config publication.
type ConfigPublish struct {
	Config *models.DeviceConfig
	Target models.ConfigTarget
}

// RecordingAnnouncer records publications. Set Err to make every publish
// fail; set Gate to make PublishManifest block until Gate is closed.
type RecordingAnnouncer struct {
	mu        sync.Mutex
	manifests []*models.Manifest
	configs   []ConfigPublish

	Err     error
	Gate    chan struct{}
	Entered chan struct{} // receives once per PublishManifest call, if non-nil
}

func NewRecordingAnnouncer() *RecordingAnnouncer {
	return &RecordingAnnouncer{}
}

func (a *RecordingAnnouncer) PublishManifest(m *models.Manifest) error {
	if a.Entered != nil {
		a.Entered <- struct{}{}
	}
	if a.Gate != nil {
		<-a.Gate
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return a.Err
	}
	a.manifests = append(a.manifests, m)
	return nil
}

func (a *RecordingAnnouncer) PublishConfig(cfg *models.DeviceConfig, target models.ConfigTarget) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Err != nil {
		return a.Err
	}
	a.configs = append(a.configs, ConfigPublish{Config: cfg, Target: target})
	return nil
}

// Manifests returns the manifests published so far.
func (a *RecordingAnnouncer) Manifests() []*models.Manifest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*models.Manifest(nil), a.manifests...)
}

// Configs returns the config publications so far.
func (a *RecordingAnnouncer) Configs() []ConfigPublish {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ConfigPublish(nil), a.configs...)
}
