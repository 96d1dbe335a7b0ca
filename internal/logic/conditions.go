package logic

import (
	"context"
	"fmt"
	"slices"

	"github.com/verdantgrow/god-kaiser/internal/clock"
	"github.com/verdantgrow/god-kaiser/internal/model"
	"github.com/verdantgrow/god-kaiser/internal/processors"
)

// ReadingSource supplies the most recent reading for a sensor channel.
type ReadingSource interface {
	LatestReading(ctx context.Context, deviceID string, gpio int) (*model.SensorReading, error)
}

// TriggerEvent carries the sensor event that fired an evaluation.
// Condition leaves referring to the same channel read the event value
// directly instead of re-querying the store.
type TriggerEvent struct {
	DeviceID   string
	GPIO       int
	SensorType string
	Value      float64
}

// ConditionEvaluator walks a rule's condition tree.
type ConditionEvaluator struct {
	readings ReadingSource
	clock    clock.Clock
}

// NewConditionEvaluator creates an evaluator.
func NewConditionEvaluator(readings ReadingSource, clk clock.Clock) *ConditionEvaluator {
	if clk == nil {
		clk = clock.Real()
	}
	return &ConditionEvaluator{readings: readings, clock: clk}
}

// Evaluate walks the tree with short-circuit and/or semantics.
// trig may be nil for timer-driven evaluation.
func (e *ConditionEvaluator) Evaluate(ctx context.Context, c *model.Condition, trig *TriggerEvent) (bool, error) {
	if c == nil {
		return true, nil
	}

	switch c.Type {
	case model.CondAnd:
		for _, child := range c.Children {
			ok, err := e.Evaluate(ctx, child, trig)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil

	case model.CondOr:
		for _, child := range c.Children {
			ok, err := e.Evaluate(ctx, child, trig)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case model.CondSensor:
		return e.evalSensor(ctx, c, trig)

	case model.CondTime:
		return e.evalTime(c), nil

	default:
		return false, fmt.Errorf("unknown condition type %q", c.Type)
	}
}

func (e *ConditionEvaluator) evalSensor(ctx context.Context, c *model.Condition, trig *TriggerEvent) (bool, error) {
	var value float64

	if trig != nil && trig.DeviceID == c.DeviceID && trig.GPIO == c.GPIO &&
		processors.Normalize(trig.SensorType) == processors.Normalize(c.SensorType) {
		value = trig.Value
	} else {
		r, err := e.readings.LatestReading(ctx, c.DeviceID, c.GPIO)
		if err != nil {
			return false, fmt.Errorf("latest reading for %s/%d: %w", c.DeviceID, c.GPIO, err)
		}
		if r == nil {
			return false, nil // no data, predicate cannot hold
		}
		if r.ProcessedValue != nil {
			value = *r.ProcessedValue
		} else {
			value = r.RawValue
		}
	}

	return compare(value, c.Operator, c.Value)
}

func compare(v float64, op string, threshold float64) (bool, error) {
	switch op {
	case model.OpGT:
		return v > threshold, nil
	case model.OpLT:
		return v < threshold, nil
	case model.OpGTE:
		return v >= threshold, nil
	case model.OpLTE:
		return v <= threshold, nil
	case model.OpEQ:
		return v == threshold, nil
	case model.OpNEQ:
		return v != threshold, nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

// evalTime checks the wall clock against the window. StartHour >
// EndHour wraps past midnight: start 22, end 6 is true from 22:00
// through 05:59. Days use Mon=0 .. Sun=6; empty means every day.
func (e *ConditionEvaluator) evalTime(c *model.Condition) bool {
	now := e.clock.Now()

	if len(c.DaysOfWeek) > 0 {
		// time.Weekday counts Sunday=0; the rule schema counts Monday=0.
		day := (int(now.Weekday()) + 6) % 7
		if !slices.Contains(c.DaysOfWeek, day) {
			return false
		}
	}

	hour := now.Hour()
	if c.StartHour == c.EndHour {
		return true // degenerate window covers the whole day
	}
	if c.StartHour < c.EndHour {
		return hour >= c.StartHour && hour < c.EndHour
	}
	// Wrap-around window.
	return hour >= c.StartHour || hour < c.EndHour
}
