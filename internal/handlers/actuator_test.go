package handlers

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/verdantgrow/god-kaiser/internal/clock"
	"github.com/verdantgrow/god-kaiser/internal/events"
	"github.com/verdantgrow/god-kaiser/internal/model"
	"github.com/verdantgrow/god-kaiser/internal/topics"
)

const actuatorTopicBase = "kaiser/kaiser_01/esp/ESP_a1b2c3d4/actuator/12/"

func newActuatorHarness(t *testing.T) (*ActuatorHandler, *fakeStore, *fakeSink, *fakePub, *events.Bus) {
	t.Helper()
	st := newFakeStore()
	sink := &fakeSink{}
	pub := &fakePub{}
	bus := events.New()
	fc := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	h := NewActuatorHandler(st, topics.NewCodec("kaiser_01"), sink, pub, bus, fc, discardLogger())
	return h, st, sink, pub, bus
}

func TestActuatorStatusUpsertsState(t *testing.T) {
	h, st, sink, _, bus := newActuatorHarness(t)
	ch := bus.Subscribe(4)

	payload := []byte(`{"timestamp":1756036800,"command":"ON","value":1,"success":true}`)
	if err := h.Handle(context.Background(), actuatorTopicBase+"status", payload); err != nil {
		t.Fatal(err)
	}

	if len(st.states) != 1 {
		t.Fatalf("states = %d, want 1", len(st.states))
	}
	got := st.states[0]
	if got.DeviceID != testDevice || got.GPIO != 12 || !got.State {
		t.Fatalf("state = %+v, want %s/12 on", got, testDevice)
	}
	if got.EmergencyState != model.EmergencyNormal {
		t.Fatalf("emergency state = %q, want normal default", got.EmergencyState)
	}
	if len(st.history) != 0 {
		t.Fatal("status report must not append history")
	}
	if len(sink.delivered) != 0 {
		t.Fatal("status report must not wake rule actions")
	}
	select {
	case ev := <-ch:
		if ev.Type != events.TypeActuatorStatus {
			t.Fatalf("event type = %q, want %q", ev.Type, events.TypeActuatorStatus)
		}
	default:
		t.Fatal("no status event published")
	}
}

func TestActuatorPWMState(t *testing.T) {
	h, st, _, _, _ := newActuatorHarness(t)

	payload := []byte(`{"command":"PWM","value":0.6,"success":true}`)
	if err := h.Handle(context.Background(), actuatorTopicBase+"status", payload); err != nil {
		t.Fatal(err)
	}
	if got := st.states[0]; !got.State || got.PWMValue != 0.6 {
		t.Fatalf("state = %+v, want PWM 0.6 counted as on", got)
	}

	payload = []byte(`{"command":"PWM","value":0,"success":true}`)
	if err := h.Handle(context.Background(), actuatorTopicBase+"status", payload); err != nil {
		t.Fatal(err)
	}
	if got := st.states[1]; got.State {
		t.Fatalf("state = %+v, want PWM 0 counted as off", got)
	}
}

func TestActuatorResponseAppendsHistoryAndDelivers(t *testing.T) {
	h, st, sink, _, _ := newActuatorHarness(t)

	payload := []byte(`{"timestamp":1756036800,"command":"ON","value":1,"success":true,"request_id":"req-42","duration_s":300}`)
	if err := h.Handle(context.Background(), actuatorTopicBase+"response", payload); err != nil {
		t.Fatal(err)
	}

	if len(st.history) != 1 {
		t.Fatalf("history rows = %d, want 1", len(st.history))
	}
	row := st.history[0]
	if row.DeviceID != testDevice || row.GPIO != 12 || row.Command != "ON" || row.RequestID != "req-42" {
		t.Fatalf("history row = %+v", row)
	}
	if want := time.Unix(1756036800, 0).UTC(); !row.Ts.Equal(want) {
		t.Fatalf("history ts = %v, want %v", row.Ts, want)
	}

	if len(sink.delivered) != 1 {
		t.Fatalf("delivered = %d, want the waiting action woken", len(sink.delivered))
	}
	resp := sink.delivered[0]
	if resp.RequestID != "req-42" || !resp.Success {
		t.Fatalf("delivered response = %+v", resp)
	}
	// The topic fills in the device identity when the payload omits it.
	if resp.ESPID != testDevice {
		t.Fatalf("delivered esp_id = %q, want %s from topic", resp.ESPID, testDevice)
	}
}

func TestActuatorResponseWithoutRequestIDSkipsSink(t *testing.T) {
	h, st, sink, _, _ := newActuatorHarness(t)

	payload := []byte(`{"command":"OFF","success":true}`)
	if err := h.Handle(context.Background(), actuatorTopicBase+"response", payload); err != nil {
		t.Fatal(err)
	}
	if len(st.history) != 1 {
		t.Fatalf("history rows = %d, want 1", len(st.history))
	}
	if len(sink.delivered) != 0 {
		t.Fatal("response without request_id must not hit the sink")
	}
}

func TestActuatorAlertAuditsCritical(t *testing.T) {
	h, st, _, pub, bus := newActuatorHarness(t)
	ch := bus.Subscribe(4)

	payload := []byte(`{"command":"OFF","success":true,"message":"overcurrent trip","emergency_state":"emergency_stop"}`)
	if err := h.Handle(context.Background(), actuatorTopicBase+"alert", payload); err != nil {
		t.Fatal(err)
	}

	if !slices.Contains(st.auditEvents(), "actuator_alert") {
		t.Fatalf("audit events = %v, want actuator_alert", st.auditEvents())
	}
	var entry *model.AuditEntry
	for _, a := range st.audits {
		if a.EventType == "actuator_alert" {
			entry = a
		}
	}
	if entry.Severity != model.SeverityCritical {
		t.Fatalf("severity = %q, want critical", entry.Severity)
	}
	if entry.GPIO == nil || *entry.GPIO != 12 {
		t.Fatalf("audit gpio = %v, want 12", entry.GPIO)
	}

	select {
	case ev := <-ch:
		if ev.Type != events.TypeActuatorAlert {
			t.Fatalf("event type = %q, want %q", ev.Type, events.TypeActuatorAlert)
		}
	default:
		t.Fatal("no alert event published")
	}

	recs := pub.published()
	if len(recs) != 1 {
		t.Fatalf("published = %d, want 1 emergency broadcast", len(recs))
	}
	if recs[0].Topic != "kaiser/kaiser_01/broadcast/emergency" {
		t.Fatalf("broadcast topic = %q", recs[0].Topic)
	}
	bc, ok := recs[0].Payload.(model.EmergencyBroadcast)
	if !ok {
		t.Fatalf("broadcast payload type = %T", recs[0].Payload)
	}
	if bc.SourceESP != "ESP_a1b2c3d4" || bc.GPIO != 12 {
		t.Fatalf("broadcast source = %s/%d, want ESP_a1b2c3d4/12", bc.SourceESP, bc.GPIO)
	}
	if recs[0].QoS != 1 {
		t.Fatalf("broadcast qos = %d, want 1", recs[0].QoS)
	}
}

func TestActuatorAlertNormalStateSkipsBroadcast(t *testing.T) {
	h, st, _, pub, _ := newActuatorHarness(t)

	payload := []byte(`{"command":"OFF","success":true,"message":"duty cycle limit","emergency_state":"normal"}`)
	if err := h.Handle(context.Background(), actuatorTopicBase+"alert", payload); err != nil {
		t.Fatal(err)
	}

	if !slices.Contains(st.auditEvents(), "actuator_alert") {
		t.Fatalf("audit events = %v, want actuator_alert", st.auditEvents())
	}
	if len(pub.published()) != 0 {
		t.Fatal("normal-state alert must not trigger the fleet broadcast")
	}
}

func TestActuatorMalformedPayload(t *testing.T) {
	h, st, _, _, _ := newActuatorHarness(t)
	err := h.Handle(context.Background(), actuatorTopicBase+"status", []byte(`{"command"`))
	if err == nil {
		t.Fatal("want validation error")
	}
	if len(st.states) != 0 {
		t.Fatal("malformed payload must not touch state")
	}
}
