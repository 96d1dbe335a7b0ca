package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/verdantgrow/god-kaiser/internal/clock"
	"github.com/verdantgrow/god-kaiser/internal/events"
	"github.com/verdantgrow/god-kaiser/internal/model"
	"github.com/verdantgrow/god-kaiser/internal/topics"
)

// ActuatorHandler processes the three actuator topic verbs: status
// (periodic state reports), response (command acknowledgements),
// and alert (safety trips).
type ActuatorHandler struct {
	store  Store
	codec  topics.Codec
	sink   ResponseSink
	pub    Publisher
	bus    *events.Bus
	clock  clock.Clock
	logger *slog.Logger
}

// NewActuatorHandler wires the handler. sink may be nil when the
// logic engine is disabled; pub may be nil in tests that never reach
// the emergency path.
func NewActuatorHandler(store Store, codec topics.Codec, sink ResponseSink, pub Publisher,
	bus *events.Bus, clk clock.Clock, logger *slog.Logger) *ActuatorHandler {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ActuatorHandler{store: store, codec: codec, sink: sink, pub: pub, bus: bus, clock: clk, logger: logger}
}

func (h *ActuatorHandler) Name() string { return "actuator" }

func (h *ActuatorHandler) Handle(ctx context.Context, topic string, payload []byte) error {
	parsed, err := h.codec.Parse(topic)
	if err != nil {
		return err
	}

	var resp model.ActuatorResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return &model.ValidationError{Code: model.CodeInvalidPayload, Reason: err.Error()}
	}

	switch parsed.Verb {
	case "status":
		return h.handleStatus(ctx, parsed, resp)
	case "response":
		return h.handleResponse(ctx, parsed, resp)
	case "alert":
		return h.handleAlert(ctx, parsed, resp)
	default:
		return &model.ValidationError{Code: model.CodeInvalidPayload,
			Reason: fmt.Sprintf("unexpected actuator verb %q", parsed.Verb)}
	}
}

func (h *ActuatorHandler) handleStatus(ctx context.Context, p topics.Parsed, resp model.ActuatorResponse) error {
	if err := h.upsertState(ctx, p, resp); err != nil {
		return err
	}
	h.bus.Publish(events.TypeActuatorStatus, h.eventData(p, resp))
	return nil
}

func (h *ActuatorHandler) handleResponse(ctx context.Context, p topics.Parsed, resp model.ActuatorResponse) error {
	if err := h.upsertState(ctx, p, resp); err != nil {
		return err
	}
	ts := model.NormalizeTimestamp(resp.Timestamp)
	if ts.IsZero() {
		ts = h.clock.Now().UTC()
	}
	if err := h.store.AppendActuatorHistory(ctx, p.DeviceID, p.GPIO,
		resp.Command, resp.Value, resp.Success, resp.Message, resp.RequestID, ts); err != nil {
		return fmt.Errorf("actuator history: %w", err)
	}

	// Wake any rule action waiting on this request ID.
	if h.sink != nil && resp.RequestID != "" {
		if resp.ESPID == "" {
			resp.ESPID = p.DeviceID
		}
		h.sink.Deliver(resp)
	}

	h.bus.Publish(events.TypeActuatorResponse, h.eventData(p, resp))
	return nil
}

// handleAlert records a safety trip. The device has already acted on
// its own; the server's job is the audit trail and operator fan-out.
func (h *ActuatorHandler) handleAlert(ctx context.Context, p topics.Parsed, resp model.ActuatorResponse) error {
	h.logger.Warn("actuator safety alert",
		"device_id", p.DeviceID, "gpio", p.GPIO, "message", resp.Message,
		"emergency_state", resp.EmergencyState)

	gpio := p.GPIO
	if err := h.store.AppendAudit(ctx, &model.AuditEntry{
		Timestamp: h.clock.Now().UTC(),
		EventType: "actuator_alert",
		DeviceID:  p.DeviceID,
		GPIO:      &gpio,
		Severity:  model.SeverityCritical,
		Details: map[string]any{
			"message":         resp.Message,
			"command":         resp.Command,
			"emergency_state": resp.EmergencyState,
		},
	}); err != nil {
		return fmt.Errorf("audit alert: %w", err)
	}

	// A device in an emergency state halts the whole fleet until an
	// operator clears it.
	if h.pub != nil && resp.EmergencyState != "" && resp.EmergencyState != string(model.EmergencyNormal) {
		h.pub.PublishJSON(ctx, h.codec.EmergencyBroadcast(), model.EmergencyBroadcast{
			Reason:    resp.Message,
			SourceESP: p.DeviceID,
			GPIO:      p.GPIO,
			Timestamp: h.clock.Now().Unix(),
		}, 1)
	}

	h.bus.Publish(events.TypeActuatorAlert, h.eventData(p, resp))
	return nil
}

func (h *ActuatorHandler) upsertState(ctx context.Context, p topics.Parsed, resp model.ActuatorResponse) error {
	ts := model.NormalizeTimestamp(resp.Timestamp)
	if ts.IsZero() {
		ts = h.clock.Now().UTC()
	}
	emergency := model.EmergencyState(resp.EmergencyState)
	if emergency == "" {
		emergency = model.EmergencyNormal
	}
	st := &model.ActuatorState{
		DeviceID:       p.DeviceID,
		GPIO:           p.GPIO,
		State:          resp.Command == "ON" || (resp.Command == "PWM" && resp.Value > 0),
		PWMValue:       resp.Value,
		LastCommandTs:  ts,
		EmergencyState: emergency,
	}
	if err := h.store.UpsertActuatorState(ctx, st); err != nil {
		return fmt.Errorf("actuator state: %w", err)
	}
	return nil
}

func (h *ActuatorHandler) eventData(p topics.Parsed, resp model.ActuatorResponse) map[string]any {
	return map[string]any{
		"esp_id":          p.DeviceID,
		"gpio":            p.GPIO,
		"command":         resp.Command,
		"value":           resp.Value,
		"success":         resp.Success,
		"message":         resp.Message,
		"request_id":      resp.RequestID,
		"emergency_state": resp.EmergencyState,
	}
}
