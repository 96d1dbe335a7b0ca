package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/verdantgrow/god-kaiser/internal/clock"
	"github.com/verdantgrow/god-kaiser/internal/events"
	"github.com/verdantgrow/god-kaiser/internal/metrics"
	"github.com/verdantgrow/god-kaiser/internal/model"
	"github.com/verdantgrow/god-kaiser/internal/processors"
	"github.com/verdantgrow/god-kaiser/internal/topics"
)

// SensorHandler ingests sensor/<gpio>/data messages: decode, validate,
// process, persist, then fan out to the bus, the logic engine, and the
// processed-value response topic.
type SensorHandler struct {
	store    Store
	registry *processors.Registry
	codec    topics.Codec
	pub      Publisher
	engine   EngineNotifier
	bus      *events.Bus
	metrics  *metrics.Metrics
	clock    clock.Clock
	logger   *slog.Logger
}

// NewSensorHandler wires the ingest pipeline. engine may be nil when
// the logic engine is disabled.
func NewSensorHandler(store Store, registry *processors.Registry, codec topics.Codec,
	pub Publisher, engine EngineNotifier, bus *events.Bus, m *metrics.Metrics,
	clk clock.Clock, logger *slog.Logger) *SensorHandler {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SensorHandler{
		store:    store,
		registry: registry,
		codec:    codec,
		pub:      pub,
		engine:   engine,
		bus:      bus,
		metrics:  m,
		clock:    clk,
		logger:   logger,
	}
}

func (h *SensorHandler) Name() string { return "sensor_data" }

// Handle runs the full ingest pipeline for one message. Validation
// problems drop the message with an audit record; repository errors
// propagate so the dispatcher logs the failure.
func (h *SensorHandler) Handle(ctx context.Context, topic string, payload []byte) error {
	parsed, err := h.codec.Parse(topic)
	if err != nil {
		return err
	}

	var data model.SensorData
	if err := json.Unmarshal(payload, &data); err != nil {
		h.auditDrop(ctx, parsed.DeviceID, parsed.GPIO, model.CodeInvalidPayload,
			map[string]any{"error": err.Error()})
		return &model.ValidationError{Code: model.CodeInvalidPayload, Reason: err.Error()}
	}

	// The topic is authoritative for identity; a disagreeing payload
	// means a misconfigured device and the message is dropped.
	if data.ESPID != "" && data.ESPID != parsed.DeviceID {
		h.auditDrop(ctx, parsed.DeviceID, parsed.GPIO, model.CodeInvalidPayload,
			map[string]any{"topic_device": parsed.DeviceID, "payload_device": data.ESPID})
		return &model.ValidationError{
			Code:   model.CodeInvalidPayload,
			Reason: fmt.Sprintf("payload esp_id %q does not match topic device %q", data.ESPID, parsed.DeviceID),
		}
	}
	if data.GPIO != nil && *data.GPIO != parsed.GPIO {
		h.auditDrop(ctx, parsed.DeviceID, parsed.GPIO, model.CodeInvalidPayload,
			map[string]any{"topic_gpio": parsed.GPIO, "payload_gpio": *data.GPIO})
		return &model.ValidationError{
			Code:   model.CodeInvalidPayload,
			Reason: fmt.Sprintf("payload gpio %d does not match topic gpio %d", *data.GPIO, parsed.GPIO),
		}
	}
	if data.SensorType == "" {
		h.auditDrop(ctx, parsed.DeviceID, parsed.GPIO, model.CodeInvalidSensorType, nil)
		return &model.ValidationError{Code: model.CodeInvalidSensorType, Reason: "missing sensor_type"}
	}

	ts := model.NormalizeTimestamp(data.Ts)
	if ts.IsZero() {
		ts = h.clock.Now().UTC()
	}

	raw := 0.0
	switch {
	case data.Raw != nil:
		raw = *data.Raw
	case data.RawMode:
		// raw_mode promises a raw sample; a device that sets the flag
		// but omits the field is misbehaving.
		h.auditDrop(ctx, parsed.DeviceID, parsed.GPIO, model.CodeInvalidPayload,
			map[string]any{"reason": "raw_mode set without raw field"})
		return &model.ValidationError{Code: model.CodeInvalidPayload, Reason: "raw_mode set but raw field missing"}
	case data.Value != nil:
		raw = *data.Value
	default:
		h.auditDrop(ctx, parsed.DeviceID, parsed.GPIO, model.CodeInvalidPayload,
			map[string]any{"reason": "no raw or value field"})
		return &model.ValidationError{Code: model.CodeInvalidPayload, Reason: "payload carries neither raw nor value"}
	}

	reading := &model.SensorReading{
		DeviceID:   parsed.DeviceID,
		GPIO:       parsed.GPIO,
		SensorType: processors.Normalize(data.SensorType),
		RawValue:   raw,
		Timestamp:  ts,
		Source:     model.SourceProduction,
		Unit:       data.Unit,
		Quality:    model.QualityUnknown,
	}
	if data.Quality != "" {
		reading.Quality = model.Quality(data.Quality)
	}

	cfg, err := h.store.GetSensorConfig(ctx, parsed.DeviceID, parsed.GPIO)
	if err != nil {
		h.mirrorOutage(parsed.DeviceID, parsed.GPIO, err)
		return fmt.Errorf("sensor config lookup: %w", err)
	}

	// Server-side processing only runs for pi-enhanced channels whose
	// device actually sent a raw sample. Everything else stores what
	// the device reported.
	if cfg != nil && cfg.PiEnhanced && data.RawMode {
		h.process(ctx, reading, cfg, raw)
	}

	if err := h.store.SaveReading(ctx, reading); err != nil {
		h.mirrorOutage(reading.DeviceID, reading.GPIO, err)
		return fmt.Errorf("persist reading: %w", err)
	}
	h.metrics.ReadingPersisted()

	h.bus.Publish(events.TypeSensorData, map[string]any{
		"device_id":       reading.DeviceID,
		"gpio":            reading.GPIO,
		"sensor_type":     reading.SensorType,
		"raw_value":       reading.RawValue,
		"processed_value": reading.ProcessedValue,
		"unit":            reading.Unit,
		"quality":         string(reading.Quality),
		"ts":              reading.Timestamp,
	})

	if h.engine != nil {
		value := reading.RawValue
		if reading.ProcessedValue != nil {
			value = *reading.ProcessedValue
		}
		// Rule evaluation runs off the handler path so slow actions
		// never back up ingest.
		go h.engine.EvaluateSensorData(context.WithoutCancel(ctx),
			reading.DeviceID, reading.GPIO, reading.SensorType, value)
	}

	if reading.ProcessedValue != nil && h.pub != nil {
		resp := model.ProcessedResponse{
			Value:   *reading.ProcessedValue,
			Unit:    reading.Unit,
			Quality: string(reading.Quality),
			Ts:      reading.Timestamp.Unix(),
		}
		h.pub.PublishJSON(ctx, h.codec.SensorProcessed(parsed.DeviceID, parsed.GPIO), resp, 1)
	}
	return nil
}

// process runs the registered processor for the channel's sensor type
// and folds the result into the reading. Processor problems degrade
// the reading to quality error instead of dropping it: the raw sample
// is still evidence.
func (h *SensorHandler) process(ctx context.Context, reading *model.SensorReading, cfg *model.SensorConfig, raw float64) {
	proc, ok := h.registry.Lookup(cfg.SensorType)
	if !ok {
		reading.Quality = model.QualityError
		reading.ErrorCode = "PROCESSOR_MISSING"
		h.audit(ctx, reading.DeviceID, reading.GPIO, "processor_missing", model.SeverityError,
			map[string]any{"sensor_type": cfg.SensorType})
		return
	}

	result, err := proc.Process(raw, cfg.Calibration, proc.DefaultParams())
	if err != nil {
		reading.Quality = model.QualityError
		reading.ErrorCode = "PROCESSOR_FAILURE"
		// Hardware faults carry their own code so the reading names
		// the specific failure, not just that one happened.
		var fault *processors.Fault
		if errors.As(err, &fault) {
			reading.ErrorCode = fault.Code
		}
		h.logger.Warn("sensor processing failed",
			"device_id", reading.DeviceID, "gpio", reading.GPIO,
			"sensor_type", cfg.SensorType, "error", err)
		h.audit(ctx, reading.DeviceID, reading.GPIO, "processor_failure", model.SeverityError,
			map[string]any{"sensor_type": cfg.SensorType, "error": err.Error()})
		return
	}

	v := result.Value
	reading.ProcessedValue = &v
	reading.Unit = result.Unit
	reading.Quality = result.Quality
}

// mirrorOutage publishes a service_unavailable audit event straight on
// the bus when the DB breaker is open. The store cannot record the
// audit row during the outage, but dashboards still need to see it.
func (h *SensorHandler) mirrorOutage(deviceID string, gpio int, err error) {
	if !errors.Is(err, model.ErrDBUnavailable) {
		return
	}
	h.bus.Publish(events.TypeAuditEvent, map[string]any{
		"event_type": "service_unavailable",
		"device_id":  deviceID,
		"gpio":       gpio,
		"severity":   string(model.SeverityCritical),
		"details":    map[string]any{"error": err.Error()},
	})
}

func (h *SensorHandler) auditDrop(ctx context.Context, deviceID string, gpio int, code string, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["code"] = code
	h.audit(ctx, deviceID, gpio, "sensor_message_dropped", model.SeverityWarning, details)
}

func (h *SensorHandler) audit(ctx context.Context, deviceID string, gpio int, event string, sev model.Severity, details map[string]any) {
	g := gpio
	err := h.store.AppendAudit(ctx, &model.AuditEntry{
		Timestamp: h.clock.Now().UTC(),
		EventType: event,
		DeviceID:  deviceID,
		GPIO:      &g,
		Severity:  sev,
		Details:   details,
	})
	if err != nil {
		h.logger.Error("audit append failed", "event", event, "error", err)
	}
}
