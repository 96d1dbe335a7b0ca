package model

import "time"

// Wire payloads exchanged with field devices over MQTT. Field names
// are normative; devices and server must agree byte-for-byte.

// SensorData is the inbound sensor message. Ts accepts unix seconds or
// milliseconds; NormalizeTimestamp applies the magnitude heuristic.
type SensorData struct {
	Ts    int64  `json:"ts"`
	ESPID string `json:"esp_id"`
	// GPIO is a pointer so an absent field is distinguishable from a
	// declared gpio 0 when cross-checking against the topic.
	GPIO       *int     `json:"gpio,omitempty"`
	SensorType string   `json:"sensor_type"`
	Raw        *float64 `json:"raw,omitempty"`
	RawMode    bool     `json:"raw_mode"`
	Value      *float64 `json:"value,omitempty"`
	Unit       string   `json:"unit,omitempty"`
	Quality    string   `json:"quality,omitempty"`
	ZoneID     string   `json:"zone_id,omitempty"`
	SubzoneID  string   `json:"subzone_id,omitempty"`
}

// ProcessedResponse carries a server-side processing result back to
// the originating device.
type ProcessedResponse struct {
	Value   float64 `json:"value"`
	Unit    string  `json:"unit"`
	Quality string  `json:"quality"`
	Ts      int64   `json:"ts"`
}

// ActuatorCommand is the outbound command payload.
type ActuatorCommand struct {
	Command   string  `json:"command"` // ON | OFF | PWM
	Value     float64 `json:"value"`
	DurationS float64 `json:"duration_s,omitempty"`
	RequestID string  `json:"request_id"`
	Timestamp int64   `json:"timestamp"`
}

// ActuatorResponse is the inbound command acknowledgement.
type ActuatorResponse struct {
	Timestamp      int64   `json:"timestamp"`
	ESPID          string  `json:"esp_id"`
	GPIO           int     `json:"gpio"`
	Command        string  `json:"command"`
	Value          float64 `json:"value"`
	Success        bool    `json:"success"`
	Message        string  `json:"message,omitempty"`
	DurationS      float64 `json:"duration_s,omitempty"`
	RequestID      string  `json:"request_id,omitempty"`
	EmergencyState string  `json:"emergency_state"`
}

// EmergencyBroadcast is the fleet-wide stop payload published on the
// broadcast/emergency topic when a device reports a safety trip.
type EmergencyBroadcast struct {
	Reason    string `json:"reason"`
	SourceESP string `json:"source_esp_id"`
	GPIO      int    `json:"gpio"`
	Timestamp int64  `json:"timestamp"`
}

// Heartbeat is the inbound device liveness message.
type Heartbeat struct {
	ESPID         string `json:"esp_id"`
	Ts            int64  `json:"ts"`
	Uptime        int64  `json:"uptime"`
	HeapFree      int64  `json:"heap_free"`
	WifiRSSI      int    `json:"wifi_rssi"`
	SensorCount   int    `json:"sensor_count"`
	ActuatorCount int    `json:"actuator_count"`
	State         string `json:"state"`
	ZoneID        string `json:"zone_id,omitempty"`
	ZoneAssigned  bool   `json:"zone_assigned"`
}

// msThreshold separates unix-second from unix-millisecond timestamps.
// Anything above it cannot plausibly be seconds (it would be past the
// year 5138), so it is treated as milliseconds.
const msThreshold = int64(100_000_000_000)

// NormalizeTimestamp converts a device timestamp in seconds or
// milliseconds to a time.Time, using the magnitude heuristic. A zero
// or negative value yields the zero time.
func NormalizeTimestamp(ts int64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	if ts >= msThreshold {
		return time.Unix(ts/1000, (ts%1000)*int64(time.Millisecond)).UTC()
	}
	return time.Unix(ts, 0).UTC()
}
