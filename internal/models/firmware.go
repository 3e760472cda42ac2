package models

import "time"

// FirmwareArtifact describes the current firmware binary. The bytes live in
// the content store; SHA256 and Size are always derived from them.
type FirmwareArtifact struct {
	Version   string    `json:"version"`
	SHA256    string    `json:"sha256"` // 64 lowercase hex chars
	Size      int64     `json:"size"`   // bytes
	CreatedAt time.Time `json:"created_at"`
}

// ServerInfo identifies the process that built a manifest.
type ServerInfo struct {
	Identity  string    `json:"identity"`
	GoVersion string    `json:"go_version"`
	Timestamp time.Time `json:"timestamp"`
}

// FirmwareDescriptor is the firmware section of a manifest.
type FirmwareDescriptor struct {
	Version   string    `json:"version"`
	URL       string    `json:"url"`
	SHA256    string    `json:"sha256"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// ConfigDescriptor is the config section of a manifest.
type ConfigDescriptor struct {
	Version string `json:"config_version"`
	URL     string `json:"url"`
	SHA256  string `json:"sha256"`
	Size    int64  `json:"size"`
}

// Manifest is the OTA descriptor published on bonsai/ota/available and
// served at /firmware/manifest.json. It is always rebuilt, never edited.
type Manifest struct {
	Server   ServerInfo         `json:"server"`
	Firmware FirmwareDescriptor `json:"firmware"`
	Config   *ConfigDescriptor  `json:"config,omitempty"`
}
