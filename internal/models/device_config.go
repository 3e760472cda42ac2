package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DeviceConfig is the device configuration document. Known fields are typed;
// every other key is kept verbatim in Extra so a document survives a
// read-modify-write cycle unchanged.
type DeviceConfig struct {
	ConfigVersion   string `json:"config_version,omitempty"`   // YYYYMMDDHHMMSS, server assigned
	FirmwareVersion string `json:"firmware_version,omitempty"` // last uploaded firmware

	// Network
	WiFiSSID     *string `json:"wifi_ssid,omitempty"`
	WiFiPassword *string `json:"wifi_password,omitempty"`
	UseDHCP      *bool   `json:"use_dhcp,omitempty"`
	IPAddress    *string `json:"ip_address,omitempty"`
	Gateway      *string `json:"gateway,omitempty"`
	Subnet       *string `json:"subnet,omitempty"`

	// Broker
	MQTTBroker   *string `json:"mqtt_broker,omitempty"`
	MQTTPort     *int    `json:"mqtt_port,omitempty"`
	MQTTUsername *string `json:"mqtt_username,omitempty"`
	MQTTPassword *string `json:"mqtt_password,omitempty"`

	// Pin assignments
	SensorPin  *int `json:"sensor_pin,omitempty"`
	PumpPin    *int `json:"pump_pin,omitempty"`
	RelayPin   *int `json:"relay_pin,omitempty"`
	BatteryPin *int `json:"battery_pin,omitempty"`

	// Thresholds and intervals
	MoistureThreshold   *float64 `json:"moisture_threshold,omitempty"`
	PumpDuration        *float64 `json:"pump_duration,omitempty"`
	MeasurementInterval *float64 `json:"measurement_interval,omitempty"`
	SleepHours          *float64 `json:"sleep_hours,omitempty"`

	// Flags
	Debug   *bool `json:"debug,omitempty"`
	UsePump *bool `json:"use_pump,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// knownConfigKeys lists the JSON keys bound to typed fields.
var knownConfigKeys = map[string]struct{}{
	"config_version": {}, "firmware_version": {},
	"wifi_ssid": {}, "wifi_password": {}, "use_dhcp": {}, "ip_address": {}, "gateway": {}, "subnet": {},
	"mqtt_broker": {}, "mqtt_port": {}, "mqtt_username": {}, "mqtt_password": {},
	"sensor_pin": {}, "pump_pin": {}, "relay_pin": {}, "battery_pin": {},
	"moisture_threshold": {}, "pump_duration": {}, "measurement_interval": {}, "sleep_hours": {},
	"debug": {}, "use_pump": {},
}

// deviceConfigFields has DeviceConfig's fields without its methods.
type deviceConfigFields DeviceConfig

// UnmarshalJSON binds known keys whose values fit their typed field. A
// known key that does not fit (wrong JSON type, null, or a value the typed
// field would omit) is kept verbatim in Extra instead, so documents written
// by older tooling still load and round-trip unchanged.
func (c *DeviceConfig) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("config document must be a JSON object")
	}

	var fields deviceConfigFields
	for key, value := range raw {
		if _, known := knownConfigKeys[key]; !known {
			continue
		}
		single, err := json.Marshal(map[string]json.RawMessage{key: value})
		if err != nil {
			return err
		}
		// Trial decode first: a failed decode may leave a zero value behind.
		var trial deviceConfigFields
		if err := json.Unmarshal(single, &trial); err != nil {
			continue
		}
		if err := json.Unmarshal(single, &fields); err != nil {
			return err
		}
	}

	typed, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	var bound map[string]json.RawMessage
	if err := json.Unmarshal(typed, &bound); err != nil {
		return err
	}

	fields.Extra = nil
	for key, value := range raw {
		if _, ok := bound[key]; ok {
			continue
		}
		if fields.Extra == nil {
			fields.Extra = make(map[string]json.RawMessage)
		}
		fields.Extra[key] = value
	}

	*c = DeviceConfig(fields)
	return nil
}

// MarshalJSON emits the typed fields plus Extra. A set typed field wins
// over an Extra entry under the same key.
func (c DeviceConfig) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(deviceConfigFields(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return known, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for key, value := range c.Extra {
		if _, set := merged[key]; set {
			continue
		}
		merged[key] = value
	}
	return json.Marshal(merged)
}

// Clone returns a deep copy.
func (c *DeviceConfig) Clone() *DeviceConfig {
	data, err := json.Marshal(c)
	if err != nil {
		cp := *c
		return &cp
	}
	var out DeviceConfig
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *c
		return &cp
	}
	return &out
}

// ParseDeviceConfig decodes a config document, rejecting anything but a
// JSON object.
func ParseDeviceConfig(data []byte) (*DeviceConfig, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("config document must be a JSON object")
	}
	var cfg DeviceConfig
	if err := json.Unmarshal(trimmed, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config document: %w", err)
	}
	return &cfg, nil
}

// ConfigTarget selects where a config push is delivered.
type ConfigTarget struct {
	DeviceID string // empty means the global config topic
	Live     bool   // live = not retained; otherwise mailbox (retained)
}
