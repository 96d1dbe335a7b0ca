package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/verdantgrow/god-kaiser/internal/clock"
	"github.com/verdantgrow/god-kaiser/internal/events"
	"github.com/verdantgrow/god-kaiser/internal/health"
	"github.com/verdantgrow/god-kaiser/internal/model"
	"github.com/verdantgrow/god-kaiser/internal/topics"
)

// HeartbeatHandler processes system/heartbeat messages. Auto
// registration is disabled: heartbeats from devices nobody registered
// are audit-logged and dropped.
type HeartbeatHandler struct {
	store   Store
	codec   topics.Codec
	tracker *health.Tracker
	bus     *events.Bus
	clock   clock.Clock
	logger  *slog.Logger
}

func NewHeartbeatHandler(store Store, codec topics.Codec, tracker *health.Tracker,
	bus *events.Bus, clk clock.Clock, logger *slog.Logger) *HeartbeatHandler {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatHandler{store: store, codec: codec, tracker: tracker, bus: bus, clock: clk, logger: logger}
}

func (h *HeartbeatHandler) Name() string { return "heartbeat" }

func (h *HeartbeatHandler) Handle(ctx context.Context, topic string, payload []byte) error {
	parsed, err := h.codec.Parse(topic)
	if err != nil {
		return err
	}

	var hb model.Heartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		return &model.ValidationError{Code: model.CodeInvalidPayload, Reason: err.Error()}
	}

	seen := model.NormalizeTimestamp(hb.Ts)
	if seen.IsZero() {
		seen = h.clock.Now().UTC()
	}

	err = h.store.UpdateHeartbeat(ctx, parsed.DeviceID, hb, seen)
	if errors.Is(err, model.ErrUnknownDevice) {
		h.logger.Info("heartbeat from unregistered device dropped", "device_id", parsed.DeviceID)
		auditErr := h.store.AppendAudit(ctx, &model.AuditEntry{
			Timestamp: h.clock.Now().UTC(),
			EventType: "unknown_device_heartbeat",
			DeviceID:  parsed.DeviceID,
			Severity:  model.SeverityInfo,
		})
		if auditErr != nil {
			h.logger.Error("audit append failed", "device_id", parsed.DeviceID, "error", auditErr)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("heartbeat update: %w", err)
	}

	h.tracker.MarkSeen(parsed.DeviceID)

	h.bus.Publish(events.TypeESPHealth, map[string]any{
		"device_id":      parsed.DeviceID,
		"ts":             seen,
		"uptime":         hb.Uptime,
		"heap_free":      hb.HeapFree,
		"wifi_rssi":      hb.WifiRSSI,
		"sensor_count":   hb.SensorCount,
		"actuator_count": hb.ActuatorCount,
		"state":          hb.State,
		"zone_id":        hb.ZoneID,
	})
	return nil
}

// LWTHandler reacts to broker-published last-will messages: the device
// dropped without a clean disconnect.
type LWTHandler struct {
	codec   topics.Codec
	tracker *health.Tracker
	logger  *slog.Logger
}

func NewLWTHandler(codec topics.Codec, tracker *health.Tracker, logger *slog.Logger) *LWTHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LWTHandler{codec: codec, tracker: tracker, logger: logger}
}

func (h *LWTHandler) Name() string { return "lwt" }

func (h *LWTHandler) Handle(ctx context.Context, topic string, payload []byte) error {
	parsed, err := h.codec.Parse(topic)
	if err != nil {
		return err
	}
	h.logger.Warn("device LWT received", "device_id", parsed.DeviceID, "payload", string(payload))
	h.tracker.MarkOffline(ctx, parsed.DeviceID, "lwt")
	return nil
}
