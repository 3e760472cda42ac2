package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"bonsai-backend/internal/models"
	"bonsai-backend/internal/ota"
)

// Default publish topics.
const (
	DefaultOTATopic          = "bonsai/ota/available"
	DefaultConfigTopic       = "bonsai/config"
	DefaultDeviceConfigTopic = "bonsai/config/set/{device_id}"
	DefaultPumpTopic         = "bonsai/{device_id}/command/pump"
)

// Pump command payloads.
const (
	PumpOn  = "ON"
	PumpOff = "OFF"
)

// Publisher publishes OTA announcements, config documents and actuator
// commands. It implements ota.Announcer.
type Publisher struct {
	client mqtt.Client
	logger *slog.Logger

	otaTopic          string
	configTopic       string
	deviceConfigTopic string // e.g., "bonsai/config/set/{device_id}"
	pumpTopic         string // e.g., "bonsai/{device_id}/command/pump"

	timeout time.Duration
}

// PublisherConfig holds configuration for MQTT publisher
type PublisherConfig struct {
	OTATopic          string
	ConfigTopic       string
	DeviceConfigTopic string
	PumpTopic         string
	Timeout           time.Duration // per-publish wait for the broker ack
}

// DefaultPublisherConfig returns the bonsai topic layout.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		OTATopic:          DefaultOTATopic,
		ConfigTopic:       DefaultConfigTopic,
		DeviceConfigTopic: DefaultDeviceConfigTopic,
		PumpTopic:         DefaultPumpTopic,
		Timeout:           5 * time.Second,
	}
}

// NewPublisher creates a new MQTT publisher
func NewPublisher(client mqtt.Client, config PublisherConfig, logger *slog.Logger) *Publisher {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &Publisher{
		client:            client,
		logger:            logger.With("component", "mqtt-publisher"),
		otaTopic:          config.OTATopic,
		configTopic:       config.ConfigTopic,
		deviceConfigTopic: config.DeviceConfigTopic,
		pumpTopic:         config.PumpTopic,
		timeout:           config.Timeout,
	}
}

var _ ota.Announcer = (*Publisher)(nil)

// PublishManifest publishes the manifest retained, so devices that connect
// later still receive it.
func (p *Publisher) PublishManifest(m *models.Manifest) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := p.publish(p.otaTopic, true, payload); err != nil {
		return err
	}

	p.logger.Info("announced manifest", "topic", p.otaTopic, "version", m.Firmware.Version)
	return nil
}

// PublishConfig publishes cfg to the global config topic, or to the
// device's topic when target names a device. Live delivery is not retained.
func (p *Publisher) PublishConfig(cfg *models.DeviceConfig, target models.ConfigTarget) error {
	topic := p.configTopic
	if target.DeviceID != "" {
		if !ValidDeviceID(target.DeviceID) {
			return &ota.Error{Kind: ota.ErrValidation, Message: "invalid device id"}
		}
		topic = formatTopic(p.deviceConfigTopic, target.DeviceID)
	}

	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := p.publish(topic, !target.Live, payload); err != nil {
		return err
	}

	p.logger.Info("published config", "topic", topic, "config_version", cfg.ConfigVersion, "live", target.Live)
	return nil
}

// PublishPumpCommand sends ON or OFF to a device's pump. Commands are not
// retained: a device that is offline must not act on a stale command.
func (p *Publisher) PublishPumpCommand(deviceID string, on bool) error {
	if !ValidDeviceID(deviceID) {
		return &ota.Error{Kind: ota.ErrValidation, Message: "invalid device id"}
	}

	command := PumpOff
	if on {
		command = PumpOn
	}

	// Replace {device_id} placeholder with actual device ID
	topic := formatTopic(p.pumpTopic, deviceID)
	if err := p.publish(topic, false, []byte(command)); err != nil {
		return err
	}

	p.logger.Info("sent pump command", "device_id", deviceID, "command", command)
	return nil
}

func (p *Publisher) publish(topic string, retained bool, payload []byte) error {
	if !p.client.IsConnected() {
		return &ota.Error{Kind: ota.ErrTransport, Message: "message broker not connected"}
	}

	token := p.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return &ota.Error{Kind: ota.ErrTransport, Message: "publish timed out", Err: fmt.Errorf("topic %s", topic)}
	}
	if err := token.Error(); err != nil {
		return &ota.Error{Kind: ota.ErrTransport, Message: "publish failed", Err: err}
	}
	return nil
}

// formatTopic replaces {device_id} placeholder with actual device ID
func formatTopic(topicPattern, deviceID string) string {
	return strings.ReplaceAll(topicPattern, "{device_id}", deviceID)
}
