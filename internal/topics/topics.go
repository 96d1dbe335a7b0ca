// Package topics builds and parses the kaiser MQTT topic namespace:
//
//	kaiser/<kaiserId>/esp/<deviceId>/<category>/<gpio?>/<verb>
//
// Building is pure string formatting; parsing returns a typed result
// or an error. Matching implements MQTT single-level (+) and
// multi-level (#) wildcards.
package topics

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultKaiserID is the namespace used when none is configured.
const DefaultKaiserID = "god"

// Category identifies the topic family a parsed topic belongs to.
type Category string

const (
	CategorySensor         Category = "sensor"
	CategoryActuator       Category = "actuator"
	CategorySystem         Category = "system"
	CategoryConfig         Category = "config"
	CategoryConfigResponse Category = "config_response"
	CategoryZone           Category = "zone"
	CategorySubzone        Category = "subzone"
	CategoryLWT            Category = "lwt"
	CategoryBroadcast      Category = "broadcast"
)

// Parsed is the typed result of decoding a kaiser topic.
type Parsed struct {
	KaiserID string
	DeviceID string
	Category Category
	GPIO     int  // valid only when HasGPIO
	HasGPIO  bool
	Verb     string // data, status, response, alert, command, heartbeat, ...
}

// ParseError reports a topic that does not fit the kaiser namespace.
type ParseError struct {
	Topic  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse topic %q: %s", e.Topic, e.Reason)
}

// Codec builds and parses topics for one kaiser namespace.
type Codec struct {
	KaiserID string
}

// NewCodec returns a Codec for the given kaiser identifier, falling
// back to DefaultKaiserID when empty.
func NewCodec(kaiserID string) Codec {
	if kaiserID == "" {
		kaiserID = DefaultKaiserID
	}
	return Codec{KaiserID: kaiserID}
}

func (c Codec) prefix() string { return "kaiser/" + c.KaiserID }

func (c Codec) esp(deviceID string) string {
	return c.prefix() + "/esp/" + deviceID
}

// --- Outbound builders ---

// ActuatorCommand returns esp/<id>/actuator/<gpio>/command.
func (c Codec) ActuatorCommand(deviceID string, gpio int) string {
	return c.esp(deviceID) + "/actuator/" + strconv.Itoa(gpio) + "/command"
}

// SensorCommand returns esp/<id>/sensor/<gpio>/command (on-demand read).
func (c Codec) SensorCommand(deviceID string, gpio int) string {
	return c.esp(deviceID) + "/sensor/" + strconv.Itoa(gpio) + "/command"
}

// SensorProcessed returns esp/<id>/sensor/<gpio>/processed.
func (c Codec) SensorProcessed(deviceID string, gpio int) string {
	return c.esp(deviceID) + "/sensor/" + strconv.Itoa(gpio) + "/processed"
}

// ConfigPush returns esp/<id>/config.
func (c Codec) ConfigPush(deviceID string) string {
	return c.esp(deviceID) + "/config"
}

// ZoneAssign returns esp/<id>/zone/assign.
func (c Codec) ZoneAssign(deviceID string) string {
	return c.esp(deviceID) + "/zone/assign"
}

// SubzoneAssign returns esp/<id>/subzone/assign.
func (c Codec) SubzoneAssign(deviceID string) string {
	return c.esp(deviceID) + "/subzone/assign"
}

// EmergencyBroadcast returns broadcast/emergency (fleet-wide stop).
func (c Codec) EmergencyBroadcast() string {
	return c.prefix() + "/broadcast/emergency"
}

// ServerStatus is the server's own availability topic, used as the
// connection will message.
func (c Codec) ServerStatus() string {
	return c.prefix() + "/server/status"
}

// --- Subscription patterns ---

// SensorDataPattern matches esp/+/sensor/+/data.
func (c Codec) SensorDataPattern() string { return c.prefix() + "/esp/+/sensor/+/data" }

// ActuatorStatusPattern matches esp/+/actuator/+/status.
func (c Codec) ActuatorStatusPattern() string { return c.prefix() + "/esp/+/actuator/+/status" }

// ActuatorResponsePattern matches esp/+/actuator/+/response.
func (c Codec) ActuatorResponsePattern() string { return c.prefix() + "/esp/+/actuator/+/response" }

// ActuatorAlertPattern matches esp/+/actuator/+/alert.
func (c Codec) ActuatorAlertPattern() string { return c.prefix() + "/esp/+/actuator/+/alert" }

// HeartbeatPattern matches esp/+/system/heartbeat.
func (c Codec) HeartbeatPattern() string { return c.prefix() + "/esp/+/system/heartbeat" }

// DiagnosticsPattern matches esp/+/system/diagnostics.
func (c Codec) DiagnosticsPattern() string { return c.prefix() + "/esp/+/system/diagnostics" }

// ConfigResponsePattern matches esp/+/config_response.
func (c Codec) ConfigResponsePattern() string { return c.prefix() + "/esp/+/config_response" }

// ZoneAckPattern matches esp/+/zone/ack.
func (c Codec) ZoneAckPattern() string { return c.prefix() + "/esp/+/zone/ack" }

// SubzoneAckPattern matches esp/+/subzone/ack.
func (c Codec) SubzoneAckPattern() string { return c.prefix() + "/esp/+/subzone/ack" }

// LWTPattern matches esp/+/lwt.
func (c Codec) LWTPattern() string { return c.prefix() + "/esp/+/lwt" }

// --- Parsing ---

// Parse decodes a concrete kaiser topic into its typed parts.
func (c Codec) Parse(topic string) (Parsed, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[0] != "kaiser" {
		return Parsed{}, &ParseError{Topic: topic, Reason: "missing kaiser prefix"}
	}

	p := Parsed{KaiserID: parts[1]}

	if parts[2] == "broadcast" {
		if len(parts) != 4 {
			return Parsed{}, &ParseError{Topic: topic, Reason: "malformed broadcast topic"}
		}
		p.Category = CategoryBroadcast
		p.Verb = parts[3]
		return p, nil
	}

	if parts[2] != "esp" || len(parts) < 5 {
		return Parsed{}, &ParseError{Topic: topic, Reason: "expected esp segment"}
	}
	p.DeviceID = parts[3]
	if p.DeviceID == "" {
		return Parsed{}, &ParseError{Topic: topic, Reason: "empty device id"}
	}

	switch parts[4] {
	case "sensor", "actuator":
		if len(parts) != 7 {
			return Parsed{}, &ParseError{Topic: topic, Reason: "expected gpio and verb segments"}
		}
		gpio, err := strconv.Atoi(parts[5])
		if err != nil {
			return Parsed{}, &ParseError{Topic: topic, Reason: "non-numeric gpio"}
		}
		p.Category = CategorySensor
		if parts[4] == "actuator" {
			p.Category = CategoryActuator
		}
		p.GPIO = gpio
		p.HasGPIO = true
		p.Verb = parts[6]
	case "system":
		if len(parts) != 6 {
			return Parsed{}, &ParseError{Topic: topic, Reason: "expected system verb"}
		}
		p.Category = CategorySystem
		p.Verb = parts[5]
	case "config_response":
		if len(parts) != 5 {
			return Parsed{}, &ParseError{Topic: topic, Reason: "trailing segments after config_response"}
		}
		p.Category = CategoryConfigResponse
		p.Verb = "response"
	case "config":
		if len(parts) != 5 {
			return Parsed{}, &ParseError{Topic: topic, Reason: "trailing segments after config"}
		}
		p.Category = CategoryConfig
		p.Verb = "push"
	case "zone", "subzone":
		if len(parts) != 6 {
			return Parsed{}, &ParseError{Topic: topic, Reason: "expected zone verb"}
		}
		p.Category = CategoryZone
		if parts[4] == "subzone" {
			p.Category = CategorySubzone
		}
		p.Verb = parts[5]
	case "lwt":
		if len(parts) != 5 {
			return Parsed{}, &ParseError{Topic: topic, Reason: "trailing segments after lwt"}
		}
		p.Category = CategoryLWT
		p.Verb = "lwt"
	default:
		return Parsed{}, &ParseError{Topic: topic, Reason: "unknown category " + parts[4]}
	}

	return p, nil
}

// Match reports whether topic matches an MQTT subscription pattern.
// "+" matches exactly one level, "#" matches the remainder (and must
// be the final level). Matching is case-sensitive.
func Match(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")

	for i, seg := range pp {
		if seg == "#" {
			return i == len(pp)-1
		}
		if i >= len(tp) {
			return false
		}
		if seg != "+" && seg != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}
