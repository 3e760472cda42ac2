package models

import "time"

// TelemetryRecord is one persisted device_data row. Readings a message did
// not carry stay nil.
type TelemetryRecord struct {
	ID          int64     `json:"id"`
	DeviceID    string    `json:"device_id"`
	Humidity    *float64  `json:"humidity"`    // soil moisture, percent
	Temperature *float64  `json:"temperature"` // Celsius
	Battery     *float64  `json:"battery"`     // volts or percent, device dependent
	RSSI        *float64  `json:"rssi"`        // Wi-Fi signal, dBm
	Firmware    *string   `json:"firmware"`
	CreatedAt   time.Time `json:"created_at"` // stamped at ingestion
}

// HasReading reports whether at least one field is set.
func (r *TelemetryRecord) HasReading() bool {
	return r.Humidity != nil || r.Temperature != nil || r.Battery != nil ||
		r.RSSI != nil || r.Firmware != nil
}

// Telemetry field names as they appear in device topics and batched
// payloads.
const (
	FieldHumidity = "humidity"
	FieldTemp     = "temp"
	FieldBattery  = "battery"
	FieldWiFi     = "wifi"
	FieldFirmware = "firmware"
)

// TelemetryColumns maps a device field name to its device_data column.
var TelemetryColumns = map[string]string{
	FieldHumidity: "humidity",
	FieldTemp:     "temperature",
	FieldBattery:  "battery",
	FieldWiFi:     "rssi",
	FieldFirmware: "firmware",
}
