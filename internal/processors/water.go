package processors

import (
	"fmt"

	"github.com/verdantgrow/god-kaiser/internal/model"
)

// adcMax and adcVRef describe the ESP ADC front-end used by the
// analog water-quality probes. Raw samples above any plausible probe
// voltage are assumed to be ADC counts and scaled to volts first.
const (
	adcMax  = 4095.0
	adcVRef = 3.3
)

// adcToInput converts a raw sample to the probe input domain: values
// beyond maxDirect cannot be a direct reading, so they are treated as
// ADC counts and scaled to volts.
func adcToInput(raw, maxDirect float64) float64 {
	if raw > maxDirect {
		return raw / adcMax * adcVRef
	}
	return raw
}

// twoPointFit derives slope/offset from exactly two calibration
// points.
func twoPointFit(points []CalibrationPoint) (slope, offset float64, err error) {
	if len(points) != 2 {
		return 0, 0, fmt.Errorf("two-point calibration needs exactly 2 points, got %d", len(points))
	}
	if points[0].Raw == points[1].Raw {
		return 0, 0, fmt.Errorf("two-point calibration points have identical raw values")
	}
	slope = (points[1].Reference - points[0].Reference) / (points[1].Raw - points[0].Raw)
	offset = points[0].Reference - slope*points[0].Raw
	return slope, offset, nil
}

// PH converts an analog pH probe sample (ADC counts or volts) to pH
// units via a 2-point linear calibration. Temperature compensation is
// optional: the Nernst slope scales with absolute temperature.
type PH struct{}

// NewPH returns the pH processor.
func NewPH() *PH { return &PH{} }

func (*PH) SensorType() string { return "ph" }
func (*PH) ValueRange() Range { return Range{Min: 0, Max: 14} }
func (*PH) RawValueRange() Range { return Range{Min: 0, Max: 4095} }

func (*PH) DefaultParams() map[string]any {
	return map[string]any{"slope": 3.5, "offset": 0.0}
}

func (p *PH) Validate(raw float64) Validation {
	if !p.RawValueRange().Contains(raw) {
		return Validation{Err: fmt.Sprintf("raw %.2f outside ADC range", raw)}
	}
	return Validation{Valid: true}
}

func (p *PH) Process(raw float64, calibration, params map[string]any) (Result, error) {
	if v := p.Validate(raw); !v.Valid {
		return Result{}, fmt.Errorf("ph: %s", v.Err)
	}

	input := adcToInput(raw, 14)

	slope := calFloat(calibration, "slope", calFloat(params, "slope", 3.5))
	offset := calFloat(calibration, "offset", calFloat(params, "offset", 0))

	// Nernst slope scales with absolute temperature when the caller
	// supplies a sample temperature.
	if t := calFloat(params, "temperature", 25); t != 25 {
		slope *= (t + 273.15) / 298.15
	}

	value := slope*input + offset

	quality := model.QualityGood
	meta := map[string]any{"input_volts": input}
	if value < 0 || value > 14 {
		value = clamp(value, 0, 14)
		quality = model.QualityPoor
		meta["clamped"] = true
	}

	return Result{Value: value, Unit: "pH", Quality: quality, Metadata: meta}, nil
}

// Calibrate fits slope/offset from two buffer measurements, typically
// pH 4.0 and pH 7.0 reference solutions.
func (p *PH) Calibrate(points []CalibrationPoint, method string) (map[string]any, error) {
	switch method {
	case "", "linear", "two_point":
	default:
		return nil, fmt.Errorf("ph: unsupported calibration method %q", method)
	}
	slope, offset, err := twoPointFit(points)
	if err != nil {
		return nil, fmt.Errorf("ph: %w", err)
	}
	return map[string]any{"slope": slope, "offset": offset}, nil
}

// EC converts an analog conductivity probe sample to µS/cm. The
// standard 2-point calibration uses 1413 µS/cm and 12880 µS/cm
// reference solutions. Temperature compensation normalises to 25 °C:
//
//	ec = ec_raw / (1 + 0.02·(T − 25))
type EC struct{}

// NewEC returns the EC processor.
func NewEC() *EC { return &EC{} }

func (*EC) SensorType() string { return "ec" }
func (*EC) ValueRange() Range { return Range{Min: 0, Max: 20000} }
func (*EC) RawValueRange() Range { return Range{Min: 0, Max: 4095} }

func (*EC) DefaultParams() map[string]any {
	return map[string]any{"slope": 1000.0, "offset": 0.0, "temperature": 25.0}
}

func (p *EC) Validate(raw float64) Validation {
	if !p.RawValueRange().Contains(raw) {
		return Validation{Err: fmt.Sprintf("raw %.2f outside ADC range", raw)}
	}
	return Validation{Valid: true}
}

func (p *EC) Process(raw float64, calibration, params map[string]any) (Result, error) {
	if v := p.Validate(raw); !v.Valid {
		return Result{}, fmt.Errorf("ec: %s", v.Err)
	}

	input := adcToInput(raw, adcVRef)

	slope := calFloat(calibration, "slope", calFloat(params, "slope", 1000))
	offset := calFloat(calibration, "offset", calFloat(params, "offset", 0))
	ecRaw := slope*input + offset

	temp := calFloat(params, "temperature", 25)
	value := ecRaw / (1 + 0.02*(temp-25))

	quality := model.QualityGood
	if value < 0 {
		value = 0
		quality = model.QualityPoor
	}
	if value > 20000 {
		value = 20000
		quality = model.QualityPoor
	}

	return Result{
		Value:   value,
		Unit:    "µS/cm",
		Quality: quality,
		Metadata: map[string]any{
			"ms_cm":         value / 1000,
			"ppm_500":       value * 0.5,
			"temperature":   temp,
			"uncompensated": ecRaw,
		},
	}, nil
}

// Calibrate fits slope/offset from two reference solutions, typically
// 1413 µS/cm and 12880 µS/cm.
func (p *EC) Calibrate(points []CalibrationPoint, method string) (map[string]any, error) {
	switch method {
	case "", "linear", "two_point":
	default:
		return nil, fmt.Errorf("ec: unsupported calibration method %q", method)
	}
	slope, offset, err := twoPointFit(points)
	if err != nil {
		return nil, fmt.Errorf("ec: %w", err)
	}
	return map[string]any{"slope": slope, "offset": offset}, nil
}
