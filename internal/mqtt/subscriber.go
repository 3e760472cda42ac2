package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"bonsai-backend/internal/clock"
	"bonsai-backend/internal/models"
)

// Default telemetry topic patterns.
const (
	DefaultStatusTopic = "bonsai/+/status/#" // bonsai/{device_id}/status/{field}, scalar payload
	DefaultDataTopic   = "bonsai/+/data"     // bonsai/{device_id}/data, JSON object payload
)

// Subscriber handles MQTT subscriptions and writes telemetry records to
// a channel
type Subscriber struct {
	client mqtt.Client
	clock  clock.Clock
	logger *slog.Logger

	// Output channel (written by subscriber, read by TelemetryService)
	TelemetryChan chan *models.TelemetryRecord

	// Topic patterns
	statusTopic string
	dataTopic   string

	sendTimeout time.Duration
}

// SubscriberConfig holds configuration for MQTT subscriber
type SubscriberConfig struct {
	StatusTopic string        // field-per-message family; empty disables
	DataTopic   string        // batched JSON family; empty disables
	SendTimeout time.Duration // how long a handler waits on a full channel
}

// DefaultSubscriberConfig subscribes to both telemetry families.
func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		StatusTopic: DefaultStatusTopic,
		DataTopic:   DefaultDataTopic,
		SendTimeout: time.Second,
	}
}

// NewSubscriber creates a new MQTT subscriber writing to telemetryChan
func NewSubscriber(
	client mqtt.Client,
	config SubscriberConfig,
	telemetryChan chan *models.TelemetryRecord,
	clk clock.Clock,
	logger *slog.Logger,
) *Subscriber {
	if clk == nil {
		clk = clock.Real{}
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = time.Second
	}
	return &Subscriber{
		client:        client,
		clock:         clk,
		logger:        logger.With("component", "mqtt-subscriber"),
		TelemetryChan: telemetryChan,
		statusTopic:   config.StatusTopic,
		dataTopic:     config.DataTopic,
		sendTimeout:   config.SendTimeout,
	}
}

// SubscribeAll subscribes to the configured telemetry topics. Subscribing
// again to a topic already held is harmless, so it is safe to call on
// every reconnect.
func (s *Subscriber) SubscribeAll() error {
	if s.statusTopic != "" {
		if err := s.subscribeToTopic(s.statusTopic, s.handleStatus); err != nil {
			return fmt.Errorf("failed to subscribe to status topic: %w", err)
		}
		s.logger.Info("subscribed", "topic", s.statusTopic)
	}

	if s.dataTopic != "" {
		if err := s.subscribeToTopic(s.dataTopic, s.handleData); err != nil {
			return fmt.Errorf("failed to subscribe to data topic: %w", err)
		}
		s.logger.Info("subscribed", "topic", s.dataTopic)
	}

	return nil
}

// Resubscribe is an OnConnect hook.
func (s *Subscriber) Resubscribe(mqtt.Client) {
	if err := s.SubscribeAll(); err != nil {
		s.logger.Error("resubscribe failed", "error", err)
	}
}

// subscribeToTopic is a helper function to subscribe to a topic with a handler
func (s *Subscriber) subscribeToTopic(topic string, handler mqtt.MessageHandler) error {
	token := s.client.Subscribe(topic, 1, handler)
	if token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// handleStatus processes bonsai/{device_id}/status/{field} messages whose
// payload is the raw value of one field.
func (s *Subscriber) handleStatus(client mqtt.Client, msg mqtt.Message) {
	defer s.recoverMessage(msg)

	deviceID, field, ok := parseStatusTopic(msg.Topic())
	if !ok {
		s.logger.Debug("ignoring status topic", "topic", msg.Topic())
		return
	}

	record := &models.TelemetryRecord{DeviceID: deviceID}
	known, err := setField(record, field, scalarPayload(msg.Payload()))
	if !known {
		s.logger.Debug("dropping unknown field", "device_id", deviceID, "field", field)
		return
	}
	if err != nil {
		s.logger.Warn("dropping bad value", "device_id", deviceID, "field", field, "error", err)
		return
	}

	s.send(record)
}

// handleData processes bonsai/{device_id}/data messages carrying a JSON
// object of fields. Unknown keys are ignored.
func (s *Subscriber) handleData(client mqtt.Client, msg mqtt.Message) {
	defer s.recoverMessage(msg)

	deviceID := extractDeviceID(msg.Topic())
	if !ValidDeviceID(deviceID) {
		s.logger.Debug("ignoring data topic", "topic", msg.Topic())
		return
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(msg.Payload(), &doc); err != nil || doc == nil {
		s.logger.Warn("dropping malformed data payload", "device_id", deviceID, "error", err)
		return
	}

	record := &models.TelemetryRecord{DeviceID: deviceID}
	for field, raw := range doc {
		value, ok := jsonScalar(raw)
		if !ok {
			s.logger.Debug("dropping non-scalar field", "device_id", deviceID, "field", field)
			continue
		}
		known, err := setField(record, field, value)
		if known && err != nil {
			s.logger.Warn("dropping bad value", "device_id", deviceID, "field", field, "error", err)
		}
	}

	if !record.HasReading() {
		s.logger.Debug("data payload had no known fields", "device_id", deviceID)
		return
	}

	s.send(record)
}

func (s *Subscriber) send(record *models.TelemetryRecord) {
	// Generate timestamp server-side
	record.CreatedAt = s.clock.Now().UTC()

	// Write to channel (non-blocking with timeout)
	select {
	case s.TelemetryChan <- record:
	case <-time.After(s.sendTimeout):
		s.logger.Warn("telemetry channel full, dropping message", "device_id", record.DeviceID)
	}
}

func (s *Subscriber) recoverMessage(msg mqtt.Message) {
	if r := recover(); r != nil {
		s.logger.Error("panic while handling message", "topic", msg.Topic(), "panic", r)
	}
}

// setField stores value in the record column mapped from field. known is
// false for fields outside the telemetry table.
func setField(record *models.TelemetryRecord, field, value string) (known bool, err error) {
	if field == models.FieldFirmware {
		if value == "" {
			return true, fmt.Errorf("empty firmware value")
		}
		record.Firmware = &value
		return true, nil
	}

	var target **float64
	switch field {
	case models.FieldHumidity:
		target = &record.Humidity
	case models.FieldTemp:
		target = &record.Temperature
	case models.FieldBattery:
		target = &record.Battery
	case models.FieldWiFi:
		target = &record.RSSI
	default:
		return false, nil
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return true, fmt.Errorf("not a number: %q", value)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return true, fmt.Errorf("not a finite number: %q", value)
	}
	*target = &f
	return true, nil
}

// scalarPayload trims whitespace and surrounding quotes from a raw value.
func scalarPayload(payload []byte) string {
	v := strings.TrimSpace(string(payload))
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		v = strings.TrimSpace(v[1 : len(v)-1])
	}
	return v
}

// jsonScalar renders a JSON string or number as text.
func jsonScalar(raw json.RawMessage) (string, bool) {
	if string(raw) == "null" {
		return "", false
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return strings.TrimSpace(str), true
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		return num.String(), true
	}
	return "", false
}

// parseStatusTopic splits bonsai/{device_id}/status/{field}.
func parseStatusTopic(topic string) (deviceID, field string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[2] != "status" || parts[3] == "" {
		return "", "", false
	}
	if !ValidDeviceID(parts[1]) {
		return "", "", false
	}
	return parts[1], parts[3], true
}

// extractDeviceID extracts device ID from MQTT topic
// Example: "bonsai/dev1/data" -> "dev1"
func extractDeviceID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

// ValidDeviceID reports whether id can be used as one topic level.
func ValidDeviceID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/+#")
}
