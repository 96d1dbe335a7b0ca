package handlers

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/verdantgrow/god-kaiser/internal/clock"
	"github.com/verdantgrow/god-kaiser/internal/config"
	"github.com/verdantgrow/god-kaiser/internal/events"
	"github.com/verdantgrow/god-kaiser/internal/health"
	"github.com/verdantgrow/god-kaiser/internal/model"
	"github.com/verdantgrow/god-kaiser/internal/topics"
)

const heartbeatTopic = "kaiser/kaiser_01/esp/ESP_a1b2c3d4/system/heartbeat"

func newHeartbeatHarness(t *testing.T) (*HeartbeatHandler, *fakeStore, *health.Tracker, *events.Bus, *clock.Fake) {
	t.Helper()
	st := newFakeStore()
	bus := events.New()
	fc := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	tracker := health.NewTracker(st, bus, fc,
		config.HealthConfig{HeartbeatIntervalSec: 60, OfflineThresholdSec: 180}, discardLogger())
	h := NewHeartbeatHandler(st, topics.NewCodec("kaiser_01"), tracker, bus, fc, discardLogger())
	return h, st, tracker, bus, fc
}

func TestHeartbeatUpdatesRegisteredDevice(t *testing.T) {
	h, st, _, bus, _ := newHeartbeatHarness(t)
	st.devices[testDevice] = &model.Device{DeviceID: testDevice}
	ch := bus.Subscribe(4)

	payload := []byte(`{"esp_id":"ESP_a1b2c3d4","ts":1756036800,"uptime":3600,"heap_free":180000,"wifi_rssi":-61,"sensor_count":3,"actuator_count":2,"state":"operational"}`)
	if err := h.Handle(context.Background(), heartbeatTopic, payload); err != nil {
		t.Fatal(err)
	}

	want := time.Unix(1756036800, 0).UTC()
	if got := st.devices[testDevice].LastSeen; !got.Equal(want) {
		t.Fatalf("last seen = %v, want %v", got, want)
	}
	if hb := st.heartbeats[testDevice]; hb.Uptime != 3600 || hb.WifiRSSI != -61 {
		t.Fatalf("stored heartbeat = %+v", hb)
	}

	select {
	case ev := <-ch:
		if ev.Type != events.TypeESPHealth {
			t.Fatalf("event type = %q, want %q", ev.Type, events.TypeESPHealth)
		}
	default:
		t.Fatal("no health event published")
	}
}

func TestHeartbeatUnknownDeviceDropped(t *testing.T) {
	h, st, _, bus, _ := newHeartbeatHarness(t)
	ch := bus.Subscribe(4)

	payload := []byte(`{"esp_id":"ESP_a1b2c3d4","ts":1756036800}`)
	if err := h.Handle(context.Background(), heartbeatTopic, payload); err != nil {
		t.Fatalf("unknown device must be dropped without error, got %v", err)
	}

	if !slices.Contains(st.auditEvents(), "unknown_device_heartbeat") {
		t.Fatalf("audit events = %v, want unknown_device_heartbeat", st.auditEvents())
	}
	if _, ok := st.heartbeats[testDevice]; ok {
		t.Fatal("unknown device heartbeat must not be stored")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %q for dropped heartbeat", ev.Type)
	default:
	}
}

func TestHeartbeatMalformedPayload(t *testing.T) {
	h, _, _, _, _ := newHeartbeatHarness(t)
	if err := h.Handle(context.Background(), heartbeatTopic, []byte(`{"ts":`)); err == nil {
		t.Fatal("want validation error for malformed payload")
	}
}

func TestLWTAnnouncesOffline(t *testing.T) {
	_, st, tracker, bus, _ := newHeartbeatHarness(t)
	st.devices[testDevice] = &model.Device{DeviceID: testDevice}
	ch := bus.Subscribe(4)

	lwt := NewLWTHandler(topics.NewCodec("kaiser_01"), tracker, discardLogger())
	topic := "kaiser/kaiser_01/esp/ESP_a1b2c3d4/lwt"
	if err := lwt.Handle(context.Background(), topic, []byte("offline")); err != nil {
		t.Fatal(err)
	}

	if st.devices[testDevice].Status != model.StatusOffline {
		t.Fatalf("device status = %q, want offline", st.devices[testDevice].Status)
	}
	select {
	case ev := <-ch:
		if ev.Type != events.TypeESPOffline {
			t.Fatalf("event type = %q, want %q", ev.Type, events.TypeESPOffline)
		}
		if ev.Data["reason"] != "lwt" {
			t.Fatalf("reason = %v, want lwt", ev.Data["reason"])
		}
	default:
		t.Fatal("no offline event published")
	}

	// A second LWT for an already-offline device stays quiet.
	if err := lwt.Handle(context.Background(), topic, []byte("offline")); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-ch:
		t.Fatalf("duplicate offline event %q", ev.Type)
	default:
	}
}
