package processors

import (
	"fmt"

	"github.com/verdantgrow/god-kaiser/internal/model"
)

// DS18B20 handles the 1-wire digital temperature probe. The device
// library already converts to °C, so processing is mostly fault
// screening: -127 is the bus-error sentinel, +85 is the power-on
// reset value, and the silicon is only rated -55..125.
type DS18B20 struct{}

// NewDS18B20 returns the DS18B20 processor.
func NewDS18B20() *DS18B20 { return &DS18B20{} }

func (*DS18B20) SensorType() string { return "ds18b20" }

func (*DS18B20) ValueRange() Range { return Range{Min: -55, Max: 125} }
func (*DS18B20) RawValueRange() Range { return Range{Min: -127, Max: 125} }

func (*DS18B20) DefaultParams() map[string]any {
	return map[string]any{"offset": 0.0}
}

func (p *DS18B20) Validate(raw float64) Validation {
	if raw == -127 {
		return Validation{Err: "DS18B20_FAULT: bus error sentinel (-127)"}
	}
	v := Validation{Valid: true}
	if raw == 85 {
		v.Warnings = append(v.Warnings, "power-on reset value (85), conversion may not have run")
	}
	if !p.RawValueRange().Contains(raw) {
		v.Warnings = append(v.Warnings, "reading outside rated range, clamped")
	}
	return v
}

func (p *DS18B20) Process(raw float64, calibration, params map[string]any) (Result, error) {
	if raw == -127 {
		return Result{}, &Fault{Code: "DS18B20_FAULT", Reason: "sensor returned bus error sentinel (-127)"}
	}

	offset := calFloat(calibration, "offset", calFloat(params, "offset", 0))
	value := raw + offset

	quality := model.QualityGood
	meta := map[string]any{"fahrenheit": value*9/5 + 32}

	if raw == 85 {
		quality = model.QualitySuspect
		meta["power_on_reset"] = true
	}
	if value < -55 || value > 125 {
		value = clamp(value, -55, 125)
		quality = model.QualityPoor
		meta["clamped"] = true
	}

	return Result{Value: value, Unit: "°C", Quality: quality, Metadata: meta}, nil
}

// SHT31Temp handles the temperature half of the SHT31 combined
// temperature/humidity sensor. The device publishes each value on its
// own gpio, so the two halves register as separate type keys.
type SHT31Temp struct{}

// NewSHT31Temp returns the SHT31 temperature processor.
func NewSHT31Temp() *SHT31Temp { return &SHT31Temp{} }

func (*SHT31Temp) SensorType() string { return "sht31_temp" }
func (*SHT31Temp) ValueRange() Range { return Range{Min: -40, Max: 125} }
func (*SHT31Temp) RawValueRange() Range { return Range{Min: -45, Max: 130} }

func (*SHT31Temp) DefaultParams() map[string]any {
	return map[string]any{"offset": 0.0}
}

func (p *SHT31Temp) Validate(raw float64) Validation {
	if !p.RawValueRange().Contains(raw) {
		return Validation{Err: fmt.Sprintf("temperature %.1f outside sensor envelope", raw)}
	}
	return Validation{Valid: true}
}

func (p *SHT31Temp) Process(raw float64, calibration, params map[string]any) (Result, error) {
	if v := p.Validate(raw); !v.Valid {
		return Result{}, fmt.Errorf("sht31 temperature: %s", v.Err)
	}

	offset := calFloat(calibration, "offset", 0)
	value := clamp(raw+offset, -40, 125)

	return Result{
		Value:    value,
		Unit:     "°C",
		Quality:  model.QualityGood,
		Metadata: map[string]any{"fahrenheit": value*9/5 + 32},
	}, nil
}

// SHT31Humidity handles the humidity half of the SHT31.
type SHT31Humidity struct{}

// NewSHT31Humidity returns the SHT31 humidity processor.
func NewSHT31Humidity() *SHT31Humidity { return &SHT31Humidity{} }

func (*SHT31Humidity) SensorType() string { return "sht31_humidity" }
func (*SHT31Humidity) ValueRange() Range { return Range{Min: 0, Max: 100} }
func (*SHT31Humidity) RawValueRange() Range { return Range{Min: -5, Max: 105} }

func (*SHT31Humidity) DefaultParams() map[string]any {
	return map[string]any{"offset": 0.0}
}

func (p *SHT31Humidity) Validate(raw float64) Validation {
	if !p.RawValueRange().Contains(raw) {
		return Validation{Err: fmt.Sprintf("humidity %.1f%% outside sensor envelope", raw)}
	}
	v := Validation{Valid: true}
	if raw < 0 || raw > 100 {
		v.Warnings = append(v.Warnings, "humidity outside 0-100%, clamped")
	}
	return v
}

func (p *SHT31Humidity) Process(raw float64, calibration, params map[string]any) (Result, error) {
	if v := p.Validate(raw); !v.Valid {
		return Result{}, fmt.Errorf("sht31 humidity: %s", v.Err)
	}

	offset := calFloat(calibration, "offset", 0)
	value := raw + offset

	quality := model.QualityGood
	meta := map[string]any{}
	if value < 0 || value > 100 {
		value = clamp(value, 0, 100)
		quality = model.QualityFair
		meta["clamped"] = true
	}

	return Result{Value: value, Unit: "%RH", Quality: quality, Metadata: meta}, nil
}
