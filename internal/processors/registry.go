// Package processors implements the Pi-Enhanced processor registry: a
// catalogue of per-sensor-type transforms from raw hardware values to
// calibrated engineering units with a quality label.
//
// The registry is populated at startup and read-only thereafter.
// Multi-value devices (SHT31, BMP280) register one entry per value,
// and an alias table folds device-side type spellings (e.g.
// "temperature_sht31") onto the canonical registry keys.
package processors

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/verdantgrow/god-kaiser/internal/model"
)

// Result is a processor's output for one raw sample.
type Result struct {
	Value    float64
	Unit     string
	Quality  model.Quality
	Metadata map[string]any
}

// Fault is a hardware-level processing failure carrying a stable
// operator-facing code, so readings and audits can name the specific
// fault (e.g. the DS18B20 bus error) instead of a generic failure.
type Fault struct {
	Code   string
	Reason string
}

func (f *Fault) Error() string { return f.Code + ": " + f.Reason }

// Validation reports whether a raw sample is plausible for the sensor.
type Validation struct {
	Valid    bool
	Err      string
	Warnings []string
}

// Range bounds a value domain.
type Range struct {
	Min float64
	Max float64
}

// Contains reports whether v lies inside the range (inclusive).
func (r Range) Contains(v float64) bool { return v >= r.Min && v <= r.Max }

// Processor transforms raw device readings for one sensor type.
// Implementations must be pure and safe for concurrent use.
type Processor interface {
	// Process converts a raw sample using the sensor's calibration
	// map and optional parameters. It returns an error only for
	// samples that indicate a hardware fault; soft issues degrade
	// the Quality label instead.
	Process(raw float64, calibration, params map[string]any) (Result, error)
	// Validate checks a raw sample without converting it.
	Validate(raw float64) Validation
	// SensorType is the unique registry key.
	SensorType() string
	// DefaultParams returns the parameter set used when a sensor
	// config carries none.
	DefaultParams() map[string]any
	// ValueRange bounds the processed output.
	ValueRange() Range
	// RawValueRange bounds acceptable raw input.
	RawValueRange() Range
}

// CalibrationPoint pairs a raw sample with a reference measurement.
type CalibrationPoint struct {
	Raw       float64 `json:"raw"`
	Reference float64 `json:"reference"`
}

// Calibrator is the optional capability of deriving a calibration map
// from reference measurements.
type Calibrator interface {
	Calibrate(points []CalibrationPoint, method string) (map[string]any, error)
}

// Loader discovers processors for registration. The default loader
// enumerates the built-ins; test harnesses provide their own to
// register mocks.
type Loader interface {
	Discover() []Processor
}

// Registry maps normalised sensor type strings to processors.
// Read-only after Populate; lookups are O(1) and lock-free.
type Registry struct {
	procs   map[string]Processor
	aliases map[string]string
	logger  *slog.Logger
}

// defaultAliases folds device-side sensor type spellings onto registry
// keys. Both orderings seen in the field are accepted.
var defaultAliases = map[string]string{
	"temperature_sht31":   "sht31_temp",
	"humidity_sht31":      "sht31_humidity",
	"sht31":               "sht31_temp",
	"temperature_bmp280":  "bmp280_temp",
	"pressure_bmp280":     "bmp280_pressure",
	"bmp280":              "bmp280_pressure",
	"temperature_ds18b20": "ds18b20",
	"ds18b20_temp":        "ds18b20",
	"soil_moisture":       "moisture",
	"light_lux":           "light",
	"co2_ppm":             "co2",
	"water_flow":          "flow",
	"flow_rate":           "flow",
}

// NewRegistry creates an empty registry with the default alias table.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	aliases := make(map[string]string, len(defaultAliases))
	for k, v := range defaultAliases {
		aliases[k] = v
	}
	return &Registry{
		procs:   make(map[string]Processor),
		aliases: aliases,
		logger:  logger,
	}
}

// Register adds one processor. Duplicate sensor types are an error:
// two processors claiming one type means the build is wrong.
func (r *Registry) Register(p Processor) error {
	key := Normalize(p.SensorType())
	if _, exists := r.procs[key]; exists {
		return fmt.Errorf("duplicate processor registration for sensor type %q", key)
	}
	r.procs[key] = p
	r.logger.Debug("processor registered", "sensor_type", key)
	return nil
}

// Populate registers everything a loader discovers.
func (r *Registry) Populate(loader Loader) error {
	for _, p := range loader.Discover() {
		if err := r.Register(p); err != nil {
			return err
		}
	}
	r.logger.Info("processor registry populated", "processors", len(r.procs))
	return nil
}

// Lookup resolves a sensor type (applying the alias table) to its
// processor.
func (r *Registry) Lookup(sensorType string) (Processor, bool) {
	key := Normalize(sensorType)
	if canonical, ok := r.aliases[key]; ok {
		key = canonical
	}
	p, ok := r.procs[key]
	return p, ok
}

// Types returns the registered canonical sensor types.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.procs))
	for k := range r.procs {
		out = append(out, k)
	}
	return out
}

// Normalize lowercases and trims a sensor type string.
func Normalize(sensorType string) string {
	return strings.ToLower(strings.TrimSpace(sensorType))
}

// builtinLoader enumerates the built-in processor set.
type builtinLoader struct{}

// Discover returns one instance of every built-in processor.
func (builtinLoader) Discover() []Processor {
	return []Processor{
		NewDS18B20(),
		NewSHT31Temp(),
		NewSHT31Humidity(),
		NewBMP280Pressure(),
		NewBMP280Temp(),
		NewPH(),
		NewEC(),
		NewMoisture(),
		NewLight(),
		NewCO2(),
		NewFlow(),
	}
}

// Builtins returns the loader for the compiled-in processor set.
func Builtins() Loader { return builtinLoader{} }

// NewDefaultRegistry creates a registry populated with the built-ins.
func NewDefaultRegistry(logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	if err := r.Populate(Builtins()); err != nil {
		return nil, err
	}
	return r, nil
}

// calFloat reads a numeric field from a calibration or params map,
// tolerating the numeric types JSON decoding produces.
func calFloat(m map[string]any, key string, def float64) float64 {
	if m == nil {
		return def
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

// calBool reads a boolean field from a calibration or params map.
func calBool(m map[string]any, key string, def bool) bool {
	if m == nil {
		return def
	}
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
