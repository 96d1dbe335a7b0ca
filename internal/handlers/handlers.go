// Package handlers contains the MQTT message handlers: one per inbound
// topic family. Each handler decodes its payload, persists through the
// repository layer, and emits operator events on the bus. Handlers are
// registered with the dispatcher in subscription order; the first
// matching pattern wins.
package handlers

import (
	"context"
	"time"

	"github.com/verdantgrow/god-kaiser/internal/model"
)

// Store is the handlers' view of the repository layer.
type Store interface {
	GetDeviceByExternalID(ctx context.Context, deviceID string) (*model.Device, error)
	CreateDevice(ctx context.Context, d *model.Device) error
	UpdateHeartbeat(ctx context.Context, deviceID string, hb model.Heartbeat, seen time.Time) error
	GetSensorConfig(ctx context.Context, deviceID string, gpio int) (*model.SensorConfig, error)
	SaveReading(ctx context.Context, r *model.SensorReading) error
	UpsertActuatorState(ctx context.Context, st *model.ActuatorState) error
	AppendActuatorHistory(ctx context.Context, deviceID string, gpio int,
		command string, value float64, success bool, message, requestID string, ts time.Time) error
	AppendAudit(ctx context.Context, e *model.AuditEntry) error
}

// Publisher sends JSON payloads to devices. The MQTT client satisfies
// it; tests substitute a recorder.
type Publisher interface {
	PublishJSON(ctx context.Context, topic string, v any, qos byte) bool
}

// EngineNotifier hands a fresh reading to the logic engine. Declared
// here so the handler package does not import the engine directly.
type EngineNotifier interface {
	EvaluateSensorData(ctx context.Context, deviceID string, gpio int, sensorType string, value float64)
}

// ResponseSink routes actuator acknowledgements back to waiting rule
// actions.
type ResponseSink interface {
	Deliver(resp model.ActuatorResponse)
}
