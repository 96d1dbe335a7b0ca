// Package model defines the domain entities shared across the server:
// devices, sensor and actuator configuration, readings, automation
// rules, and audit records.
package model

import "time"

// DeviceStatus is the derived online state of a field device.
type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusWarning DeviceStatus = "warning"
	StatusOffline DeviceStatus = "offline"
	StatusError   DeviceStatus = "error"
	StatusPending DeviceStatus = "pending"
)

// Quality labels the confidence in a sensor reading.
type Quality string

const (
	QualityGood    Quality = "good"
	QualityFair    Quality = "fair"
	QualityPoor    Quality = "poor"
	QualitySuspect Quality = "suspect"
	QualityError   Quality = "error"
	QualityUnknown Quality = "unknown"
)

// Source identifies where a reading came from.
type Source string

const (
	SourceProduction Source = "production"
	SourceMock       Source = "mock"
	SourceTest       Source = "test"
)

// OperatingMode is a sensor's schedule policy.
type OperatingMode string

const (
	ModeContinuous OperatingMode = "continuous"
	ModeOnDemand   OperatingMode = "on_demand"
	ModeScheduled  OperatingMode = "scheduled"
	ModePaused     OperatingMode = "paused"
)

// EmergencyState tracks an actuator's safety lifecycle.
type EmergencyState string

const (
	EmergencyNormal   EmergencyState = "normal"
	EmergencyActive   EmergencyState = "active"
	EmergencyClearing EmergencyState = "clearing"
	EmergencyResuming EmergencyState = "resuming"
)

// Severity grades an audit entry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Device is a registered field agent ("ESP"). Status is derived from
// LastSeen at observation time, not stored authoritatively.
type Device struct {
	ID        string       `json:"id"`
	DeviceID  string       `json:"device_id"` // "ESP_<hex8>", unique
	ZoneID    string       `json:"zone_id,omitempty"`
	SubzoneID string       `json:"subzone_id,omitempty"`
	KaiserID  string       `json:"kaiser_id"`
	LastSeen  time.Time    `json:"last_seen"`
	Status    DeviceStatus `json:"status"`
	UptimeSec int64        `json:"uptime_sec,omitempty"`
	HeapFree  int64        `json:"heap_free,omitempty"`
	WifiRSSI  int          `json:"wifi_rssi,omitempty"`
}

// Thresholds are per-sensor alert bounds.
type Thresholds struct {
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	WarnMin *float64 `json:"warn_min,omitempty"`
	WarnMax *float64 `json:"warn_max,omitempty"`
}

// SensorConfig describes one sensor channel on a device. Unique on
// (DeviceID, GPIO).
type SensorConfig struct {
	ID            string         `json:"id"`
	DeviceID      string         `json:"device_id"`
	GPIO          int            `json:"gpio"`
	SensorType    string         `json:"sensor_type"`
	Name          string         `json:"name"`
	Enabled       bool           `json:"enabled"`
	PiEnhanced    bool           `json:"pi_enhanced"`
	OperatingMode OperatingMode  `json:"operating_mode"`
	IntervalMs    int            `json:"interval_ms"`
	TimeoutSec    int            `json:"timeout_sec"`
	Calibration   map[string]any `json:"calibration,omitempty"`
	Thresholds    Thresholds     `json:"thresholds"`
}

// SensorReading is one point in the append-only time series. Writes are
// idempotent on (DeviceID, GPIO, Timestamp).
type SensorReading struct {
	ID             int64     `json:"id,omitempty"`
	DeviceID       string    `json:"device_id"`
	GPIO           int       `json:"gpio"`
	SensorType     string    `json:"sensor_type"`
	RawValue       float64   `json:"raw_value"`
	ProcessedValue *float64  `json:"processed_value,omitempty"`
	Unit           string    `json:"unit,omitempty"`
	Quality        Quality   `json:"quality"`
	Timestamp      time.Time `json:"timestamp"`
	Source         Source    `json:"source"`
	ErrorCode      string    `json:"error_code,omitempty"`
}

// ActuatorConfig describes one actuator channel. Unique on
// (DeviceID, GPIO).
type ActuatorConfig struct {
	ID           string         `json:"id"`
	DeviceID     string         `json:"device_id"`
	GPIO         int            `json:"gpio"`
	ActuatorType string         `json:"actuator_type"`
	ControlType  string         `json:"control_type"` // toggle | pwm
	Critical     bool           `json:"critical"`
	DefaultState bool           `json:"default_state"`
	SafetyLimits map[string]any `json:"safety_limits,omitempty"`
}

// ActuatorState is the last observed state of an actuator, updated
// from response messages.
type ActuatorState struct {
	DeviceID       string         `json:"device_id"`
	GPIO           int            `json:"gpio"`
	State          bool           `json:"state"`
	PWMValue       float64        `json:"pwm_value"`
	LastCommandTs  time.Time      `json:"last_command_ts"`
	EmergencyState EmergencyState `json:"emergency_state"`
}

// AuditEntry is one append-only operational event.
type AuditEntry struct {
	ID        int64          `json:"id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	DeviceID  string         `json:"device_id,omitempty"`
	GPIO      *int           `json:"gpio,omitempty"`
	Severity  Severity       `json:"severity"`
	Details   map[string]any `json:"details,omitempty"`
}
