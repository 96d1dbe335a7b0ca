package processors

import (
	"fmt"
	"math"

	"github.com/verdantgrow/god-kaiser/internal/model"
)

// BMP280Pressure handles the pressure half of the BMP280 barometric
// sensor. Raw is already hPa from the device library. When an
// altitude_m parameter is present the station pressure is corrected
// to sea level using the barometric formula.
type BMP280Pressure struct{}

// NewBMP280Pressure returns the BMP280 pressure processor.
func NewBMP280Pressure() *BMP280Pressure { return &BMP280Pressure{} }

func (*BMP280Pressure) SensorType() string { return "bmp280_pressure" }
func (*BMP280Pressure) ValueRange() Range { return Range{Min: 300, Max: 1100} }
func (*BMP280Pressure) RawValueRange() Range { return Range{Min: 300, Max: 1100} }

func (*BMP280Pressure) DefaultParams() map[string]any {
	return map[string]any{"altitude_m": 0.0}
}

func (p *BMP280Pressure) Validate(raw float64) Validation {
	if !p.RawValueRange().Contains(raw) {
		return Validation{Err: fmt.Sprintf("pressure %.1f hPa outside sensor envelope", raw)}
	}
	return Validation{Valid: true}
}

func (p *BMP280Pressure) Process(raw float64, calibration, params map[string]any) (Result, error) {
	if v := p.Validate(raw); !v.Valid {
		return Result{}, fmt.Errorf("bmp280 pressure: %s", v.Err)
	}

	offset := calFloat(calibration, "offset", 0)
	value := raw + offset

	meta := map[string]any{
		"inhg": value * 0.029530,
		"mmhg": value * 0.750062,
	}

	// Sea-level correction, international barometric formula.
	if altitude := calFloat(params, "altitude_m", 0); altitude != 0 {
		seaLevel := value / math.Pow(1-altitude/44330.0, 5.255)
		meta["sea_level_hpa"] = seaLevel
		meta["station_hpa"] = value
		value = seaLevel
	}

	return Result{Value: value, Unit: "hPa", Quality: model.QualityGood, Metadata: meta}, nil
}

// BMP280Temp handles the temperature half of the BMP280.
type BMP280Temp struct{}

// NewBMP280Temp returns the BMP280 temperature processor.
func NewBMP280Temp() *BMP280Temp { return &BMP280Temp{} }

func (*BMP280Temp) SensorType() string { return "bmp280_temp" }
func (*BMP280Temp) ValueRange() Range { return Range{Min: -40, Max: 85} }
func (*BMP280Temp) RawValueRange() Range { return Range{Min: -45, Max: 90} }

func (*BMP280Temp) DefaultParams() map[string]any {
	return map[string]any{"offset": 0.0}
}

func (p *BMP280Temp) Validate(raw float64) Validation {
	if !p.RawValueRange().Contains(raw) {
		return Validation{Err: fmt.Sprintf("temperature %.1f outside sensor envelope", raw)}
	}
	return Validation{Valid: true}
}

func (p *BMP280Temp) Process(raw float64, calibration, params map[string]any) (Result, error) {
	if v := p.Validate(raw); !v.Valid {
		return Result{}, fmt.Errorf("bmp280 temperature: %s", v.Err)
	}

	offset := calFloat(calibration, "offset", 0)
	value := clamp(raw+offset, -40, 85)

	return Result{
		Value:    value,
		Unit:     "°C",
		Quality:  model.QualityGood,
		Metadata: map[string]any{"fahrenheit": value*9/5 + 32},
	}, nil
}
