// Package health derives device online state from heartbeat recency
// and runs the timeout sweeper that announces offline transitions.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/verdantgrow/god-kaiser/internal/clock"
	"github.com/verdantgrow/god-kaiser/internal/config"
	"github.com/verdantgrow/god-kaiser/internal/events"
	"github.com/verdantgrow/god-kaiser/internal/model"
)

// Store is the slice of the repository the tracker needs.
type Store interface {
	ListDevices(ctx context.Context) ([]*model.Device, error)
	SetDeviceState(ctx context.Context, deviceID, state string) error
	AppendAudit(ctx context.Context, e *model.AuditEntry) error
}

// Tracker derives per-device status and emits offline transitions.
// Status is always computed from lastSeen at observation time; the
// stored state column is advisory.
type Tracker struct {
	store  Store
	bus    *events.Bus
	clock  clock.Clock
	cfg    config.HealthConfig
	logger *slog.Logger

	mu        sync.Mutex
	announced map[string]model.DeviceStatus // last status broadcast per device
}

// NewTracker creates a health tracker.
func NewTracker(store Store, bus *events.Bus, clk clock.Clock, cfg config.HealthConfig, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Tracker{
		store:     store,
		bus:       bus,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
		announced: make(map[string]model.DeviceStatus),
	}
}

// DeriveStatus computes a device's status from its last heartbeat:
// under 2x the heartbeat interval is online, under the offline
// threshold is warning, beyond that offline. A device that never
// reported is pending.
func (t *Tracker) DeriveStatus(lastSeen time.Time) model.DeviceStatus {
	if lastSeen.IsZero() {
		return model.StatusPending
	}
	age := t.clock.Now().Sub(lastSeen)
	switch {
	case age < 2*t.cfg.HeartbeatInterval():
		return model.StatusOnline
	case age < t.cfg.OfflineThreshold():
		return model.StatusWarning
	default:
		return model.StatusOffline
	}
}

// MarkSeen resets the announcement latch when a device reports in, so
// a later offline transition is announced again.
func (t *Tracker) MarkSeen(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.announced[deviceID] = model.StatusOnline
}

// MarkOffline force-announces an offline transition (LWT path). The
// announcement is deduplicated like the sweeper's.
func (t *Tracker) MarkOffline(ctx context.Context, deviceID, reason string) {
	if !t.transition(deviceID, model.StatusOffline) {
		return
	}
	t.announce(ctx, deviceID, reason)
}

// Sweep scans all devices and announces offline transitions for those
// whose heartbeat lapsed. Announced once per transition: a device
// staying offline does not repeat the event on the next sweep.
func (t *Tracker) Sweep(ctx context.Context) error {
	devices, err := t.store.ListDevices(ctx)
	if err != nil {
		return err
	}

	for _, d := range devices {
		status := t.DeriveStatus(d.LastSeen)
		if status != model.StatusOffline {
			if status == model.StatusOnline {
				t.MarkSeen(d.DeviceID)
			}
			continue
		}
		if !t.transition(d.DeviceID, model.StatusOffline) {
			continue
		}
		t.announce(ctx, d.DeviceID, "heartbeat timeout")
	}
	return nil
}

// transition records a status change, returning false when the device
// was already announced in that status.
func (t *Tracker) transition(deviceID string, s model.DeviceStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.announced[deviceID] == s {
		return false
	}
	t.announced[deviceID] = s
	return true
}

func (t *Tracker) announce(ctx context.Context, deviceID, reason string) {
	t.logger.Warn("device offline", "device_id", deviceID, "reason", reason)

	if err := t.store.SetDeviceState(ctx, deviceID, string(model.StatusOffline)); err != nil {
		t.logger.Error("record offline state", "device_id", deviceID, "error", err)
	}

	t.bus.Publish(events.TypeESPOffline, map[string]any{
		"esp_id": deviceID,
		"reason": reason,
	})

	if err := t.store.AppendAudit(ctx, &model.AuditEntry{
		Timestamp: t.clock.Now(),
		EventType: "device_offline",
		DeviceID:  deviceID,
		Severity:  model.SeverityWarning,
		Details:   map[string]any{"reason": reason},
	}); err != nil {
		t.logger.Error("append offline audit", "device_id", deviceID, "error", err)
	}
}
