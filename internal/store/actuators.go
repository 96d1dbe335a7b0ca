package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/verdantgrow/god-kaiser/internal/model"
)

// GetActuatorConfig looks up an actuator by (deviceID, gpio). Returns
// (nil, nil) when no config exists.
func (s *Store) GetActuatorConfig(ctx context.Context, deviceID string, gpio int) (*model.ActuatorConfig, error) {
	var cfg *model.ActuatorConfig
	err := s.guard(func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, device_id, gpio, actuator_type, control_type, critical,
			       default_state, safety_limits_json
			FROM actuator_configs WHERE device_id = ? AND gpio = ?
		`, deviceID, gpio)

		var c model.ActuatorConfig
		var critical, defaultState int
		var limitsJSON sql.NullString
		err := row.Scan(&c.ID, &c.DeviceID, &c.GPIO, &c.ActuatorType,
			&c.ControlType, &critical, &defaultState, &limitsJSON)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		c.Critical = critical != 0
		c.DefaultState = defaultState != 0
		if limitsJSON.Valid && limitsJSON.String != "" && limitsJSON.String != "null" {
			if err := json.Unmarshal([]byte(limitsJSON.String), &c.SafetyLimits); err != nil {
				return fmt.Errorf("unmarshal safety limits for %s/%d: %w", c.DeviceID, c.GPIO, err)
			}
		}
		cfg = &c
		return nil
	})
	return cfg, err
}

// UpsertActuatorConfig creates or replaces an actuator config.
func (s *Store) UpsertActuatorConfig(ctx context.Context, c *model.ActuatorConfig) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	limitsJSON, err := json.Marshal(c.SafetyLimits)
	if err != nil {
		return fmt.Errorf("marshal safety limits: %w", err)
	}
	return s.guard(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO actuator_configs (id, device_id, gpio, actuator_type,
			                              control_type, critical, default_state, safety_limits_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (device_id, gpio) DO UPDATE SET
				actuator_type = excluded.actuator_type,
				control_type = excluded.control_type,
				critical = excluded.critical,
				default_state = excluded.default_state,
				safety_limits_json = excluded.safety_limits_json
		`, c.ID, c.DeviceID, c.GPIO, c.ActuatorType, c.ControlType,
			boolInt(c.Critical), boolInt(c.DefaultState), string(limitsJSON))
		return err
	})
}

// UpsertActuatorState records the latest observed actuator state from
// a response message.
func (s *Store) UpsertActuatorState(ctx context.Context, st *model.ActuatorState) error {
	return s.guard(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO actuator_states (device_id, gpio, state, pwm_value,
			                             last_command_ts, emergency_state)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (device_id, gpio) DO UPDATE SET
				state = excluded.state,
				pwm_value = excluded.pwm_value,
				last_command_ts = excluded.last_command_ts,
				emergency_state = excluded.emergency_state
		`, st.DeviceID, st.GPIO, boolInt(st.State), st.PWMValue,
			fmtTime(st.LastCommandTs), string(st.EmergencyState))
		return err
	})
}

// GetActuatorState returns the last observed state, or (nil, nil).
func (s *Store) GetActuatorState(ctx context.Context, deviceID string, gpio int) (*model.ActuatorState, error) {
	var out *model.ActuatorState
	err := s.guard(func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT device_id, gpio, state, pwm_value, last_command_ts, emergency_state
			FROM actuator_states WHERE device_id = ? AND gpio = ?
		`, deviceID, gpio)

		var st model.ActuatorState
		var state int
		var lastTs sql.NullString
		var emergency string
		err := row.Scan(&st.DeviceID, &st.GPIO, &state, &st.PWMValue, &lastTs, &emergency)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		st.State = state != 0
		st.LastCommandTs = parseTime(lastTs)
		st.EmergencyState = model.EmergencyState(emergency)
		out = &st
		return nil
	})
	return out, err
}

// AppendActuatorHistory records one command/response round trip.
func (s *Store) AppendActuatorHistory(ctx context.Context, deviceID string, gpio int,
	command string, value float64, success bool, message, requestID string, ts time.Time) error {
	return s.guard(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO actuator_history (device_id, gpio, command, value, success,
			                              message, request_id, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, deviceID, gpio, command, value, boolInt(success),
			nullStr(message), nullStr(requestID), fmtTime(ts))
		return err
	})
}
