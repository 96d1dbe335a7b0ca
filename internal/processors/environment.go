package processors

import (
	"fmt"

	"github.com/verdantgrow/god-kaiser/internal/model"
)

// Moisture converts a capacitive soil moisture ADC sample to percent
// saturation via a linear map between the dry-air and saturated
// calibration anchors. Capacitive probes read high when dry, so the
// default anchors are inverted; the inverted flag flips the sense for
// resistive probes.
type Moisture struct{}

// NewMoisture returns the soil moisture processor.
func NewMoisture() *Moisture { return &Moisture{} }

func (*Moisture) SensorType() string { return "moisture" }
func (*Moisture) ValueRange() Range { return Range{Min: 0, Max: 100} }
func (*Moisture) RawValueRange() Range { return Range{Min: 0, Max: 4095} }

func (*Moisture) DefaultParams() map[string]any {
	return map[string]any{"dry": 3200.0, "wet": 1200.0, "inverted": true}
}

func (p *Moisture) Validate(raw float64) Validation {
	if !p.RawValueRange().Contains(raw) {
		return Validation{Err: fmt.Sprintf("raw %.0f outside ADC range", raw)}
	}
	return Validation{Valid: true}
}

func (p *Moisture) Process(raw float64, calibration, params map[string]any) (Result, error) {
	if v := p.Validate(raw); !v.Valid {
		return Result{}, fmt.Errorf("moisture: %s", v.Err)
	}

	dry := calFloat(calibration, "dry", calFloat(params, "dry", 3200))
	wet := calFloat(calibration, "wet", calFloat(params, "wet", 1200))
	if dry == wet {
		return Result{}, fmt.Errorf("moisture: calibration anchors are identical (%.0f)", dry)
	}

	percent := (dry - raw) / (dry - wet) * 100
	if !calBool(params, "inverted", calBool(calibration, "inverted", true)) {
		percent = 100 - percent
	}

	quality := model.QualityGood
	meta := map[string]any{"dry_anchor": dry, "wet_anchor": wet}
	if percent < 0 || percent > 100 {
		percent = clamp(percent, 0, 100)
		quality = model.QualityFair
		meta["clamped"] = true
	}

	return Result{Value: percent, Unit: "%", Quality: quality, Metadata: meta}, nil
}

// Light passes through a lux value from the device's sensor library
// and annotates it with a foot-candle conversion and a coarse level
// label for dashboards.
type Light struct{}

// NewLight returns the light processor.
func NewLight() *Light { return &Light{} }

func (*Light) SensorType() string { return "light" }
func (*Light) ValueRange() Range { return Range{Min: 0, Max: 120000} }
func (*Light) RawValueRange() Range { return Range{Min: 0, Max: 120000} }

func (*Light) DefaultParams() map[string]any {
	return map[string]any{"scale": 1.0}
}

func (p *Light) Validate(raw float64) Validation {
	if !p.RawValueRange().Contains(raw) {
		return Validation{Err: fmt.Sprintf("lux %.0f outside sensor envelope", raw)}
	}
	return Validation{Valid: true}
}

// lightLevel labels a lux value for dashboards.
func lightLevel(lux float64) string {
	switch {
	case lux < 50:
		return "dark"
	case lux < 500:
		return "dim"
	case lux < 10000:
		return "normal"
	default:
		return "bright"
	}
}

func (p *Light) Process(raw float64, calibration, params map[string]any) (Result, error) {
	if v := p.Validate(raw); !v.Valid {
		return Result{}, fmt.Errorf("light: %s", v.Err)
	}

	scale := calFloat(calibration, "scale", calFloat(params, "scale", 1))
	lux := raw * scale

	return Result{
		Value:   lux,
		Unit:    "lux",
		Quality: model.QualityGood,
		Metadata: map[string]any{
			"foot_candles": lux / 10.764,
			"level":        lightLevel(lux),
		},
	}, nil
}

// CO2 passes through a ppm value and attaches the indoor air quality
// label used by the UI: excellent < 600 < good < 1000 < fair < 1500
// < poor < 2000 < bad.
type CO2 struct{}

// NewCO2 returns the CO₂ processor.
func NewCO2() *CO2 { return &CO2{} }

func (*CO2) SensorType() string { return "co2" }
func (*CO2) ValueRange() Range { return Range{Min: 0, Max: 10000} }
func (*CO2) RawValueRange() Range { return Range{Min: 0, Max: 10000} }

func (*CO2) DefaultParams() map[string]any {
	return map[string]any{"offset": 0.0}
}

func (p *CO2) Validate(raw float64) Validation {
	if !p.RawValueRange().Contains(raw) {
		return Validation{Err: fmt.Sprintf("co2 %.0f ppm outside sensor envelope", raw)}
	}
	v := Validation{Valid: true}
	if raw < 350 {
		v.Warnings = append(v.Warnings, "below atmospheric baseline, sensor may need recalibration")
	}
	return v
}

// iaqLabel maps CO₂ ppm to the dashboard air-quality label.
func iaqLabel(ppm float64) string {
	switch {
	case ppm < 600:
		return "excellent"
	case ppm < 1000:
		return "good"
	case ppm < 1500:
		return "fair"
	case ppm < 2000:
		return "poor"
	default:
		return "bad"
	}
}

func (p *CO2) Process(raw float64, calibration, params map[string]any) (Result, error) {
	if v := p.Validate(raw); !v.Valid {
		return Result{}, fmt.Errorf("co2: %s", v.Err)
	}

	offset := calFloat(calibration, "offset", 0)
	value := clamp(raw+offset, 0, 10000)

	quality := model.QualityGood
	if raw < 350 {
		quality = model.QualitySuspect
	}

	return Result{
		Value:    value,
		Unit:     "ppm",
		Quality:  quality,
		Metadata: map[string]any{"iaq": iaqLabel(value)},
	}, nil
}

// Flow passes through a flow rate pre-computed on the device in L/min
// and attaches ml/min and gal/min conversions.
type Flow struct{}

// NewFlow returns the flow processor.
func NewFlow() *Flow { return &Flow{} }

func (*Flow) SensorType() string { return "flow" }
func (*Flow) ValueRange() Range { return Range{Min: 0, Max: 60} }
func (*Flow) RawValueRange() Range { return Range{Min: 0, Max: 60} }

func (*Flow) DefaultParams() map[string]any {
	return map[string]any{"k_factor": 1.0}
}

func (p *Flow) Validate(raw float64) Validation {
	if !p.RawValueRange().Contains(raw) {
		return Validation{Err: fmt.Sprintf("flow %.2f L/min outside meter envelope", raw)}
	}
	return Validation{Valid: true}
}

func (p *Flow) Process(raw float64, calibration, params map[string]any) (Result, error) {
	if v := p.Validate(raw); !v.Valid {
		return Result{}, fmt.Errorf("flow: %s", v.Err)
	}

	k := calFloat(calibration, "k_factor", calFloat(params, "k_factor", 1))
	value := raw * k

	return Result{
		Value:   value,
		Unit:    "L/min",
		Quality: model.QualityGood,
		Metadata: map[string]any{
			"ml_min":  value * 1000,
			"gal_min": value * 0.264172,
		},
	}, nil
}
