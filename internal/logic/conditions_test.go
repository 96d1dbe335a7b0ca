package logic

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/verdantgrow/god-kaiser/internal/clock"
	"github.com/verdantgrow/god-kaiser/internal/model"
)

type fakeReadings struct {
	readings map[string]*model.SensorReading
	err      error
	calls    int
}

func key(deviceID string, gpio int) string {
	return deviceID + "/" + string(rune('0'+gpio))
}

func (f *fakeReadings) LatestReading(_ context.Context, deviceID string, gpio int) (*model.SensorReading, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.readings[key(deviceID, gpio)], nil
}

func fptr(v float64) *float64 { return &v }

func TestEvaluateNilConditionIsTrue(t *testing.T) {
	e := NewConditionEvaluator(&fakeReadings{}, clock.Real())
	ok, err := e.Evaluate(context.Background(), nil, nil)
	if err != nil || !ok {
		t.Fatalf("Evaluate(nil) = %v, %v; want true, nil", ok, err)
	}
}

func TestEvaluateSensorUsesTriggerValue(t *testing.T) {
	readings := &fakeReadings{}
	e := NewConditionEvaluator(readings, clock.Real())

	cond := &model.Condition{
		Type: model.CondSensor, DeviceID: "esp_01", GPIO: 4,
		SensorType: "PH", Operator: model.OpGT, Value: 7.0,
	}
	trig := &TriggerEvent{DeviceID: "esp_01", GPIO: 4, SensorType: "ph", Value: 7.75}

	ok, err := e.Evaluate(context.Background(), cond, trig)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("want condition to hold on trigger value 7.75 > 7.0")
	}
	if readings.calls != 0 {
		t.Fatalf("store queried %d times; trigger value should have been used", readings.calls)
	}
}

func TestEvaluateSensorFallsBackToStore(t *testing.T) {
	readings := &fakeReadings{readings: map[string]*model.SensorReading{
		key("esp_02", 5): {RawValue: 900, ProcessedValue: fptr(42.5)},
	}}
	e := NewConditionEvaluator(readings, clock.Real())

	cond := &model.Condition{
		Type: model.CondSensor, DeviceID: "esp_02", GPIO: 5,
		SensorType: "moisture", Operator: model.OpLT, Value: 50,
	}
	// Trigger refers to a different channel.
	trig := &TriggerEvent{DeviceID: "esp_01", GPIO: 4, SensorType: "ph", Value: 7.75}

	ok, err := e.Evaluate(context.Background(), cond, trig)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("want 42.5 < 50 via processed value from store")
	}
	if readings.calls != 1 {
		t.Fatalf("store queried %d times, want 1", readings.calls)
	}
}

func TestEvaluateSensorRawValueWhenUnprocessed(t *testing.T) {
	readings := &fakeReadings{readings: map[string]*model.SensorReading{
		key("esp_02", 5): {RawValue: 30},
	}}
	e := NewConditionEvaluator(readings, clock.Real())

	cond := &model.Condition{
		Type: model.CondSensor, DeviceID: "esp_02", GPIO: 5,
		Operator: model.OpLT, Value: 50,
	}
	ok, err := e.Evaluate(context.Background(), cond, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("want raw value 30 < 50")
	}
}

func TestEvaluateSensorNoDataIsFalse(t *testing.T) {
	e := NewConditionEvaluator(&fakeReadings{}, clock.Real())
	cond := &model.Condition{
		Type: model.CondSensor, DeviceID: "esp_09", GPIO: 2,
		Operator: model.OpGT, Value: 0,
	}
	ok, err := e.Evaluate(context.Background(), cond, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("missing reading must evaluate false")
	}
}

func TestEvaluateSensorStoreError(t *testing.T) {
	e := NewConditionEvaluator(&fakeReadings{err: errors.New("db down")}, clock.Real())
	cond := &model.Condition{
		Type: model.CondSensor, DeviceID: "esp_09", GPIO: 2,
		Operator: model.OpGT, Value: 0,
	}
	if _, err := e.Evaluate(context.Background(), cond, nil); err == nil {
		t.Fatal("want error propagated from reading source")
	}
}

func TestCompareOperators(t *testing.T) {
	tests := []struct {
		op   string
		v    float64
		want bool
	}{
		{model.OpGT, 7.1, true},
		{model.OpGT, 7.0, false},
		{model.OpLT, 6.9, true},
		{model.OpGTE, 7.0, true},
		{model.OpLTE, 7.0, true},
		{model.OpEQ, 7.0, true},
		{model.OpNEQ, 7.0, false},
		{model.OpNEQ, 7.5, true},
	}
	for _, tt := range tests {
		got, err := compare(tt.v, tt.op, 7.0)
		if err != nil {
			t.Fatalf("compare(%v %s 7.0): %v", tt.v, tt.op, err)
		}
		if got != tt.want {
			t.Errorf("compare(%v %s 7.0) = %v, want %v", tt.v, tt.op, got, tt.want)
		}
	}
	if _, err := compare(1, "~", 2); err == nil {
		t.Fatal("want error for unknown operator")
	}
}

func TestEvaluateAndShortCircuits(t *testing.T) {
	readings := &fakeReadings{} // any leaf hitting the store is false
	e := NewConditionEvaluator(readings, clock.Real())

	falseLeaf := &model.Condition{Type: model.CondSensor, DeviceID: "d", GPIO: 1, Operator: model.OpGT, Value: 0}
	cond := &model.Condition{Type: model.CondAnd, Children: []*model.Condition{
		falseLeaf, falseLeaf, falseLeaf,
	}}
	ok, err := e.Evaluate(context.Background(), cond, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("and of false leaves must be false")
	}
	if readings.calls != 1 {
		t.Fatalf("and evaluated %d leaves, want short-circuit after 1", readings.calls)
	}
}

func TestEvaluateOrShortCircuits(t *testing.T) {
	readings := &fakeReadings{readings: map[string]*model.SensorReading{
		key("d", 1): {RawValue: 5},
	}}
	e := NewConditionEvaluator(readings, clock.Real())

	trueLeaf := &model.Condition{Type: model.CondSensor, DeviceID: "d", GPIO: 1, Operator: model.OpGT, Value: 0}
	cond := &model.Condition{Type: model.CondOr, Children: []*model.Condition{
		trueLeaf, trueLeaf, trueLeaf,
	}}
	ok, err := e.Evaluate(context.Background(), cond, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("or with a true leaf must be true")
	}
	if readings.calls != 1 {
		t.Fatalf("or evaluated %d leaves, want short-circuit after 1", readings.calls)
	}
}

func TestEvaluateUnknownTypeErrors(t *testing.T) {
	e := NewConditionEvaluator(&fakeReadings{}, clock.Real())
	cond := &model.Condition{Type: "xor"}
	if _, err := e.Evaluate(context.Background(), cond, nil); err == nil {
		t.Fatal("want error for unknown condition type")
	}
}

func TestTimeWindowWrapAroundMidnight(t *testing.T) {
	// Monday 2026-08-24.
	monday2300 := time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)
	fc := clock.NewFake(monday2300)
	e := NewConditionEvaluator(&fakeReadings{}, fc)

	cond := &model.Condition{
		Type: model.CondTime, StartHour: 22, EndHour: 6,
		DaysOfWeek: []int{0}, // Monday
	}

	ok, err := e.Evaluate(context.Background(), cond, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("23:00 Monday must fall inside 22..6 window")
	}

	fc.Set(time.Date(2026, 8, 24, 7, 0, 0, 0, time.UTC))
	ok, _ = e.Evaluate(context.Background(), cond, nil)
	if ok {
		t.Fatal("07:00 must fall outside 22..6 window")
	}

	// Tuesday 02:00 is inside the hour window but Monday-only days
	// exclude it.
	fc.Set(time.Date(2026, 8, 25, 2, 0, 0, 0, time.UTC))
	ok, _ = e.Evaluate(context.Background(), cond, nil)
	if ok {
		t.Fatal("Tuesday must be excluded by days_of_week=[0]")
	}
}

func TestTimeWindowDayMapping(t *testing.T) {
	// Sunday 2026-08-23 maps to schema day 6.
	sunday := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	e := NewConditionEvaluator(&fakeReadings{}, clock.NewFake(sunday))

	cond := &model.Condition{Type: model.CondTime, DaysOfWeek: []int{6}}
	ok, err := e.Evaluate(context.Background(), cond, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("Sunday must map to day 6")
	}

	cond.DaysOfWeek = []int{0}
	ok, _ = e.Evaluate(context.Background(), cond, nil)
	if ok {
		t.Fatal("Sunday must not match day 0 (Monday)")
	}
}

func TestTimeWindowDegenerateCoversWholeDay(t *testing.T) {
	e := NewConditionEvaluator(&fakeReadings{}, clock.NewFake(time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC)))
	cond := &model.Condition{Type: model.CondTime, StartHour: 9, EndHour: 9}
	ok, err := e.Evaluate(context.Background(), cond, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("equal start and end hours must match all day")
	}
}

func TestTimeWindowNormal(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	e := NewConditionEvaluator(&fakeReadings{}, fc)
	cond := &model.Condition{Type: model.CondTime, StartHour: 9, EndHour: 17}

	if ok, _ := e.Evaluate(context.Background(), cond, nil); !ok {
		t.Fatal("10:00 inside 9..17")
	}
	fc.Set(time.Date(2026, 8, 24, 17, 0, 0, 0, time.UTC))
	if ok, _ := e.Evaluate(context.Background(), cond, nil); ok {
		t.Fatal("17:00 is exclusive end")
	}
}
