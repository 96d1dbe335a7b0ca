package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/verdantgrow/god-kaiser/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chanKey(deviceID string, gpio int) string {
	return fmt.Sprintf("%s/%d", deviceID, gpio)
}

type historyRow struct {
	DeviceID  string
	GPIO      int
	Command   string
	Value     float64
	Success   bool
	Message   string
	RequestID string
	Ts        time.Time
}

// fakeStore records everything the handlers persist. It also serves
// the health tracker's narrower store interface.
type fakeStore struct {
	mu         sync.Mutex
	devices    map[string]*model.Device
	configs    map[string]*model.SensorConfig
	readings   []*model.SensorReading
	states     []*model.ActuatorState
	history    []historyRow
	audits     []*model.AuditEntry
	heartbeats map[string]model.Heartbeat
	configErr  error
	saveErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		devices:    make(map[string]*model.Device),
		configs:    make(map[string]*model.SensorConfig),
		heartbeats: make(map[string]model.Heartbeat),
	}
}

func (s *fakeStore) GetDeviceByExternalID(_ context.Context, deviceID string) (*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[deviceID], nil
}

func (s *fakeStore) CreateDevice(_ context.Context, d *model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.DeviceID] = d
	return nil
}

func (s *fakeStore) UpdateHeartbeat(_ context.Context, deviceID string, hb model.Heartbeat, seen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[deviceID]
	if !ok {
		return model.ErrUnknownDevice
	}
	d.LastSeen = seen
	s.heartbeats[deviceID] = hb
	return nil
}

func (s *fakeStore) GetSensorConfig(_ context.Context, deviceID string, gpio int) (*model.SensorConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.configErr != nil {
		return nil, s.configErr
	}
	return s.configs[chanKey(deviceID, gpio)], nil
}

func (s *fakeStore) SaveReading(_ context.Context, r *model.SensorReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.readings = append(s.readings, r)
	return nil
}

func (s *fakeStore) UpsertActuatorState(_ context.Context, st *model.ActuatorState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, st)
	return nil
}

func (s *fakeStore) AppendActuatorHistory(_ context.Context, deviceID string, gpio int,
	command string, value float64, success bool, message, requestID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, historyRow{
		DeviceID: deviceID, GPIO: gpio, Command: command, Value: value,
		Success: success, Message: message, RequestID: requestID, Ts: ts,
	})
	return nil
}

func (s *fakeStore) AppendAudit(_ context.Context, e *model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, e)
	return nil
}

func (s *fakeStore) ListDevices(_ context.Context) ([]*model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Device
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out, nil
}

func (s *fakeStore) SetDeviceState(_ context.Context, deviceID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[deviceID]; ok {
		d.Status = model.DeviceStatus(state)
	}
	return nil
}

func (s *fakeStore) lastReading() *model.SensorReading {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.readings) == 0 {
		return nil
	}
	return s.readings[len(s.readings)-1]
}

func (s *fakeStore) auditEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, a := range s.audits {
		out = append(out, a.EventType)
	}
	return out
}

type publishRecord struct {
	Topic   string
	Payload any
	QoS     byte
}

type fakePub struct {
	mu      sync.Mutex
	records []publishRecord
}

func (p *fakePub) PublishJSON(_ context.Context, topic string, v any, qos byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, publishRecord{Topic: topic, Payload: v, QoS: qos})
	return true
}

func (p *fakePub) published() []publishRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishRecord(nil), p.records...)
}

type engineCall struct {
	DeviceID   string
	GPIO       int
	SensorType string
	Value      float64
}

// fakeEngine records evaluations on a channel since the sensor
// handler hands off asynchronously.
type fakeEngine struct {
	calls chan engineCall
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{calls: make(chan engineCall, 8)}
}

func (e *fakeEngine) EvaluateSensorData(_ context.Context, deviceID string, gpio int, sensorType string, value float64) {
	e.calls <- engineCall{DeviceID: deviceID, GPIO: gpio, SensorType: sensorType, Value: value}
}

type fakeSink struct {
	mu        sync.Mutex
	delivered []model.ActuatorResponse
}

func (s *fakeSink) Deliver(resp model.ActuatorResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, resp)
}
