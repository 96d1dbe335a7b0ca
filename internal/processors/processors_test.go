package processors

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/verdantgrow/god-kaiser/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPHTwoPointCalibration(t *testing.T) {
	p := NewPH()
	cal := map[string]any{"slope": 3.5, "offset": -1.0}

	got, err := p.Process(2.5, cal, p.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(got.Value, 7.75) {
		t.Errorf("Value = %v, want 7.75", got.Value)
	}
	if got.Quality != model.QualityGood {
		t.Errorf("Quality = %q, want good", got.Quality)
	}
	if got.Unit != "pH" {
		t.Errorf("Unit = %q, want pH", got.Unit)
	}
}

func TestPHClampsOutOfRange(t *testing.T) {
	p := NewPH()
	got, err := p.Process(10, map[string]any{"slope": 3.5, "offset": 0.0}, p.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	// raw 10 > 14V is impossible directly but 10 <= 14 stays volts:
	// 3.5*10 = 35 clamps to 14 with degraded quality.
	if got.Value != 14 {
		t.Errorf("Value = %v, want 14", got.Value)
	}
	if got.Quality != model.QualityPoor {
		t.Errorf("Quality = %q, want poor", got.Quality)
	}
}

func TestPHADCCountsScaledToVolts(t *testing.T) {
	p := NewPH()
	// 2048 counts on a 12-bit ADC at 3.3V reference ≈ 1.650V.
	got, err := p.Process(2048, map[string]any{"slope": 1.0, "offset": 0.0}, p.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	want := 2048.0 / 4095.0 * 3.3
	if !almostEqual(got.Value, want) {
		t.Errorf("Value = %v, want %v", got.Value, want)
	}
}

func TestPHCalibrateTwoPoint(t *testing.T) {
	p := NewPH()
	cal, err := p.Calibrate([]CalibrationPoint{
		{Raw: 2.0, Reference: 4.0},
		{Raw: 3.0, Reference: 7.0},
	}, "two_point")
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(cal["slope"].(float64), 3.0) {
		t.Errorf("slope = %v, want 3", cal["slope"])
	}
	if !almostEqual(cal["offset"].(float64), -2.0) {
		t.Errorf("offset = %v, want -2", cal["offset"])
	}

	if _, err := p.Calibrate([]CalibrationPoint{{Raw: 1, Reference: 1}}, "two_point"); err == nil {
		t.Error("expected error for single calibration point")
	}
}

func TestECTemperatureCompensation(t *testing.T) {
	p := NewEC()
	cal := map[string]any{"slope": 1000.0, "offset": 0.0}

	// At 30°C an uncompensated 1.413V * 1000 = 1413 µS/cm reads high;
	// compensation divides by 1 + 0.02*(30-25) = 1.1.
	params := map[string]any{"temperature": 30.0}
	got, err := p.Process(1.413, cal, params)
	if err != nil {
		t.Fatal(err)
	}
	want := 1413.0 / 1.1
	if !almostEqual(got.Value, want) {
		t.Errorf("Value = %v, want %v", got.Value, want)
	}
	if got.Unit != "µS/cm" {
		t.Errorf("Unit = %q", got.Unit)
	}
	if !almostEqual(got.Metadata["ms_cm"].(float64), want/1000) {
		t.Errorf("ms_cm = %v", got.Metadata["ms_cm"])
	}
}

func TestDS18B20FaultSentinel(t *testing.T) {
	p := NewDS18B20()

	if v := p.Validate(-127); v.Valid {
		t.Error("Validate(-127) should be invalid")
	}

	_, err := p.Process(-127, nil, p.DefaultParams())
	if err == nil {
		t.Fatal("Process(-127) should fail")
	}
	var fault *Fault
	if !errors.As(err, &fault) || fault.Code != "DS18B20_FAULT" {
		t.Errorf("error %q does not carry the DS18B20_FAULT code", err)
	}
	if !strings.Contains(err.Error(), "DS18B20_FAULT") {
		t.Errorf("error %q does not name the fault", err)
	}
}

func TestDS18B20PowerOnReset(t *testing.T) {
	p := NewDS18B20()
	got, err := p.Process(85, nil, p.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	if got.Quality != model.QualitySuspect {
		t.Errorf("Quality = %q, want suspect", got.Quality)
	}
	if got.Metadata["power_on_reset"] != true {
		t.Error("power_on_reset metadata missing")
	}
}

func TestDS18B20Clamp(t *testing.T) {
	p := NewDS18B20()
	got, err := p.Process(120, map[string]any{"offset": 20.0}, p.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	if got.Value != 125 {
		t.Errorf("Value = %v, want 125", got.Value)
	}
	if got.Quality != model.QualityPoor {
		t.Errorf("Quality = %q, want poor", got.Quality)
	}
}

func TestSHT31HumidityClamp(t *testing.T) {
	p := NewSHT31Humidity()
	got, err := p.Process(104, nil, p.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	if got.Value != 100 {
		t.Errorf("Value = %v, want 100", got.Value)
	}
	if got.Quality != model.QualityFair {
		t.Errorf("Quality = %q, want fair", got.Quality)
	}
}

func TestMoistureAnchors(t *testing.T) {
	p := NewMoisture()

	got, err := p.Process(1200, nil, p.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(got.Value, 100) {
		t.Errorf("wet anchor: Value = %v, want 100", got.Value)
	}

	got, err = p.Process(3200, nil, p.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(got.Value, 0) {
		t.Errorf("dry anchor: Value = %v, want 0", got.Value)
	}

	// Midpoint lands halfway.
	got, err = p.Process(2200, nil, p.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(got.Value, 50) {
		t.Errorf("midpoint: Value = %v, want 50", got.Value)
	}
}

func TestLightConversions(t *testing.T) {
	p := NewLight()
	got, err := p.Process(1076.4, nil, p.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(got.Metadata["foot_candles"].(float64), 100) {
		t.Errorf("foot_candles = %v, want 100", got.Metadata["foot_candles"])
	}
	if got.Metadata["level"] != "normal" {
		t.Errorf("level = %v, want normal", got.Metadata["level"])
	}
}

func TestCO2IAQLabels(t *testing.T) {
	p := NewCO2()
	tests := []struct {
		ppm  float64
		want string
	}{
		{500, "excellent"},
		{800, "good"},
		{1200, "fair"},
		{1800, "poor"},
		{2500, "bad"},
	}
	for _, tt := range tests {
		got, err := p.Process(tt.ppm, nil, p.DefaultParams())
		if err != nil {
			t.Fatal(err)
		}
		if got.Metadata["iaq"] != tt.want {
			t.Errorf("iaq(%v) = %v, want %v", tt.ppm, got.Metadata["iaq"], tt.want)
		}
	}
}

func TestFlowConversions(t *testing.T) {
	p := NewFlow()
	got, err := p.Process(2, nil, p.DefaultParams())
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(got.Metadata["ml_min"].(float64), 2000) {
		t.Errorf("ml_min = %v, want 2000", got.Metadata["ml_min"])
	}
	if !almostEqual(got.Metadata["gal_min"].(float64), 0.528344) {
		t.Errorf("gal_min = %v, want 0.528344", got.Metadata["gal_min"])
	}
}

func TestProcessTotalInsideRawRange(t *testing.T) {
	// Every builtin must accept any raw value inside its declared raw
	// range with default params and no calibration — except declared
	// sentinel faults.
	for _, p := range Builtins().Discover() {
		r := p.RawValueRange()
		samples := []float64{r.Min, (r.Min + r.Max) / 2, r.Max}
		for _, raw := range samples {
			if p.SensorType() == "ds18b20" && raw == -127 {
				continue
			}
			if _, err := p.Process(raw, nil, p.DefaultParams()); err != nil {
				t.Errorf("%s: Process(%v) failed: %v", p.SensorType(), raw, err)
			}
		}
	}
}

func TestRegistryAliasesAndDuplicates(t *testing.T) {
	reg, err := NewDefaultRegistry(testLogger())
	if err != nil {
		t.Fatal(err)
	}

	for alias, canonical := range map[string]string{
		"temperature_sht31": "sht31_temp",
		"ph":                "ph",
		"PH":                "ph",
		"  ds18b20  ":       "ds18b20",
	} {
		p, ok := reg.Lookup(alias)
		if !ok {
			t.Errorf("Lookup(%q) missed", alias)
			continue
		}
		if p.SensorType() != canonical {
			t.Errorf("Lookup(%q) = %q, want %q", alias, p.SensorType(), canonical)
		}
	}

	if _, ok := reg.Lookup("nonexistent"); ok {
		t.Error("Lookup(nonexistent) should miss")
	}

	if err := reg.Register(NewPH()); err == nil {
		t.Error("duplicate registration should fail")
	}
}
