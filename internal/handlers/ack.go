package handlers

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/verdantgrow/god-kaiser/internal/events"
	"github.com/verdantgrow/god-kaiser/internal/model"
	"github.com/verdantgrow/god-kaiser/internal/topics"
)

// ConfigResponseHandler records config push acknowledgements and
// mirrors them to operators.
type ConfigResponseHandler struct {
	codec  topics.Codec
	bus    *events.Bus
	logger *slog.Logger
}

func NewConfigResponseHandler(codec topics.Codec, bus *events.Bus, logger *slog.Logger) *ConfigResponseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigResponseHandler{codec: codec, bus: bus, logger: logger}
}

func (h *ConfigResponseHandler) Name() string { return "config_response" }

func (h *ConfigResponseHandler) Handle(ctx context.Context, topic string, payload []byte) error {
	parsed, err := h.codec.Parse(topic)
	if err != nil {
		return err
	}
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return &model.ValidationError{Code: model.CodeInvalidPayload, Reason: err.Error()}
	}
	h.logger.Info("config response received", "device_id", parsed.DeviceID, "status", body["status"])
	h.bus.Publish(events.TypeConfigResponse, map[string]any{
		"esp_id":   parsed.DeviceID,
		"response": body,
	})
	return nil
}

// ZoneAckHandler confirms zone and subzone assignments.
type ZoneAckHandler struct {
	codec  topics.Codec
	bus    *events.Bus
	logger *slog.Logger
}

func NewZoneAckHandler(codec topics.Codec, bus *events.Bus, logger *slog.Logger) *ZoneAckHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ZoneAckHandler{codec: codec, bus: bus, logger: logger}
}

func (h *ZoneAckHandler) Name() string { return "zone_ack" }

func (h *ZoneAckHandler) Handle(ctx context.Context, topic string, payload []byte) error {
	parsed, err := h.codec.Parse(topic)
	if err != nil {
		return err
	}
	var body struct {
		ZoneID    string `json:"zone_id,omitempty"`
		SubzoneID string `json:"subzone_id,omitempty"`
		Status    string `json:"status,omitempty"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return &model.ValidationError{Code: model.CodeInvalidPayload, Reason: err.Error()}
	}
	h.logger.Info("zone assignment acknowledged",
		"device_id", parsed.DeviceID, "zone_id", body.ZoneID,
		"subzone_id", body.SubzoneID, "scope", string(parsed.Category))
	h.bus.Publish(events.TypeZoneAssigned, map[string]any{
		"esp_id":     parsed.DeviceID,
		"zone_id":    body.ZoneID,
		"subzone_id": body.SubzoneID,
		"scope":      string(parsed.Category),
		"status":     body.Status,
	})
	return nil
}

// DiagnosticsHandler surfaces detailed device health reports. Content
// is device-defined; the server passes it through to operators and the
// debug log.
type DiagnosticsHandler struct {
	codec  topics.Codec
	bus    *events.Bus
	logger *slog.Logger
}

func NewDiagnosticsHandler(codec topics.Codec, bus *events.Bus, logger *slog.Logger) *DiagnosticsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiagnosticsHandler{codec: codec, bus: bus, logger: logger}
}

func (h *DiagnosticsHandler) Name() string { return "diagnostics" }

func (h *DiagnosticsHandler) Handle(ctx context.Context, topic string, payload []byte) error {
	parsed, err := h.codec.Parse(topic)
	if err != nil {
		return err
	}
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return &model.ValidationError{Code: model.CodeInvalidPayload, Reason: err.Error()}
	}
	h.logger.Debug("device diagnostics", "device_id", parsed.DeviceID)
	h.bus.Publish(events.TypeESPStatus, map[string]any{
		"esp_id":      parsed.DeviceID,
		"diagnostics": body,
	})
	return nil
}
