package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/verdantgrow/god-kaiser/internal/model"
)

// GetSensorConfig looks up a sensor by (deviceID, gpio). Returns
// (nil, nil) when no config exists — the ingest pipeline treats that
// as "persist raw, skip processing", not as an error.
func (s *Store) GetSensorConfig(ctx context.Context, deviceID string, gpio int) (*model.SensorConfig, error) {
	var cfg *model.SensorConfig
	err := s.guard(func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, device_id, gpio, sensor_type, name, enabled, pi_enhanced,
			       operating_mode, interval_ms, timeout_sec, calibration_json, thresholds_json
			FROM sensor_configs WHERE device_id = ? AND gpio = ?
		`, deviceID, gpio)

		c, err := scanSensorConfig(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		cfg = c
		return nil
	})
	return cfg, err
}

// UpsertSensorConfig creates or replaces a sensor config on its
// (deviceID, gpio) unique key.
func (s *Store) UpsertSensorConfig(ctx context.Context, c *model.SensorConfig) error {
	if c.ID == "" {
		c.ID = NewID()
	}

	calJSON, err := json.Marshal(c.Calibration)
	if err != nil {
		return fmt.Errorf("marshal calibration: %w", err)
	}
	thrJSON, err := json.Marshal(c.Thresholds)
	if err != nil {
		return fmt.Errorf("marshal thresholds: %w", err)
	}

	return s.guard(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sensor_configs (id, device_id, gpio, sensor_type, name, enabled,
			                            pi_enhanced, operating_mode, interval_ms, timeout_sec,
			                            calibration_json, thresholds_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (device_id, gpio) DO UPDATE SET
				sensor_type = excluded.sensor_type,
				name = excluded.name,
				enabled = excluded.enabled,
				pi_enhanced = excluded.pi_enhanced,
				operating_mode = excluded.operating_mode,
				interval_ms = excluded.interval_ms,
				timeout_sec = excluded.timeout_sec,
				calibration_json = excluded.calibration_json,
				thresholds_json = excluded.thresholds_json
		`, c.ID, c.DeviceID, c.GPIO, c.SensorType, c.Name, boolInt(c.Enabled),
			boolInt(c.PiEnhanced), string(c.OperatingMode), c.IntervalMs, c.TimeoutSec,
			string(calJSON), string(thrJSON))
		return err
	})
}

// SaveReading appends one reading to the time series. Idempotent on
// (deviceID, gpio, timestamp): replaying the same message updates the
// existing row instead of duplicating it.
func (s *Store) SaveReading(ctx context.Context, r *model.SensorReading) error {
	var processed any
	if r.ProcessedValue != nil {
		processed = *r.ProcessedValue
	}
	return s.guard(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sensor_readings (device_id, gpio, sensor_type, raw_value,
			                             processed_value, unit, quality, ts, source, error_code)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (device_id, gpio, ts) DO UPDATE SET
				raw_value = excluded.raw_value,
				processed_value = excluded.processed_value,
				unit = excluded.unit,
				quality = excluded.quality,
				source = excluded.source,
				error_code = excluded.error_code
		`, r.DeviceID, r.GPIO, r.SensorType, r.RawValue, processed,
			nullStr(r.Unit), string(r.Quality), fmtTime(r.Timestamp),
			string(r.Source), nullStr(r.ErrorCode))
		return err
	})
}

// LatestReading returns the most recent reading for a sensor channel,
// or (nil, nil) when none exists.
func (s *Store) LatestReading(ctx context.Context, deviceID string, gpio int) (*model.SensorReading, error) {
	var out *model.SensorReading
	err := s.guard(func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, device_id, gpio, sensor_type, raw_value, processed_value,
			       unit, quality, ts, source, error_code
			FROM sensor_readings
			WHERE device_id = ? AND gpio = ?
			ORDER BY ts DESC LIMIT 1
		`, deviceID, gpio)

		r, err := scanReading(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	return out, err
}

// LatestBatch returns the most recent reading per (device, gpio)
// channel across the given devices.
func (s *Store) LatestBatch(ctx context.Context, deviceIDs []string) ([]*model.SensorReading, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(deviceIDs)), ",")
	args := make([]any, len(deviceIDs))
	for i, id := range deviceIDs {
		args[i] = id
	}

	var out []*model.SensorReading
	err := s.guard(func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT r.id, r.device_id, r.gpio, r.sensor_type, r.raw_value, r.processed_value,
			       r.unit, r.quality, r.ts, r.source, r.error_code
			FROM sensor_readings r
			JOIN (
				SELECT device_id, gpio, MAX(ts) AS max_ts
				FROM sensor_readings
				WHERE device_id IN (`+placeholders+`)
				GROUP BY device_id, gpio
			) latest ON r.device_id = latest.device_id
			        AND r.gpio = latest.gpio AND r.ts = latest.max_ts
		`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanReading(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// StaleSensorConfigs returns enabled continuous sensors whose latest
// reading is older than their per-sensor timeout as of now. Sensors
// with no readings at all are not reported.
func (s *Store) StaleSensorConfigs(ctx context.Context, now time.Time) ([]*model.SensorConfig, error) {
	var out []*model.SensorConfig
	err := s.guard(func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT c.id, c.device_id, c.gpio, c.sensor_type, c.name, c.enabled,
			       c.pi_enhanced, c.operating_mode, c.interval_ms, c.timeout_sec,
			       c.calibration_json, c.thresholds_json
			FROM sensor_configs c
			JOIN (
				SELECT device_id, gpio, MAX(ts) AS max_ts
				FROM sensor_readings GROUP BY device_id, gpio
			) latest ON c.device_id = latest.device_id AND c.gpio = latest.gpio
			WHERE c.enabled = 1
			  AND c.operating_mode = 'continuous'
			  AND c.timeout_sec > 0
		`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			c, err := scanSensorConfig(rows)
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	// timeout_sec is per-row, so the age comparison happens here
	// instead of in SQL.
	stale := out[:0]
	for _, c := range out {
		latest, err := s.LatestReading(ctx, c.DeviceID, c.GPIO)
		if err != nil || latest == nil {
			continue
		}
		if now.Sub(latest.Timestamp) > time.Duration(c.TimeoutSec)*time.Second {
			stale = append(stale, c)
		}
	}
	return stale, nil
}

// MarkReadingSuspect downgrades the latest reading of a silent sensor
// channel to suspect quality. Readings already flagged suspect or error
// keep their quality.
func (s *Store) MarkReadingSuspect(ctx context.Context, deviceID string, gpio int) error {
	return s.guard(func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sensor_readings SET quality = 'suspect'
			WHERE id = (
				SELECT id FROM sensor_readings
				WHERE device_id = ? AND gpio = ?
				ORDER BY ts DESC LIMIT 1
			) AND quality NOT IN ('suspect', 'error')
		`, deviceID, gpio)
		return err
	})
}

func scanSensorConfig(row rowScanner) (*model.SensorConfig, error) {
	var c model.SensorConfig
	var name, mode, calJSON, thrJSON sql.NullString
	var enabled, piEnhanced int
	var intervalMs, timeoutSec sql.NullInt64

	err := row.Scan(&c.ID, &c.DeviceID, &c.GPIO, &c.SensorType, &name, &enabled,
		&piEnhanced, &mode, &intervalMs, &timeoutSec, &calJSON, &thrJSON)
	if err != nil {
		return nil, err
	}

	c.Name = name.String
	c.Enabled = enabled != 0
	c.PiEnhanced = piEnhanced != 0
	c.OperatingMode = model.OperatingMode(mode.String)
	c.IntervalMs = int(intervalMs.Int64)
	c.TimeoutSec = int(timeoutSec.Int64)

	if calJSON.Valid && calJSON.String != "" && calJSON.String != "null" {
		if err := json.Unmarshal([]byte(calJSON.String), &c.Calibration); err != nil {
			return nil, fmt.Errorf("unmarshal calibration for %s/%d: %w", c.DeviceID, c.GPIO, err)
		}
	}
	if thrJSON.Valid && thrJSON.String != "" && thrJSON.String != "null" {
		if err := json.Unmarshal([]byte(thrJSON.String), &c.Thresholds); err != nil {
			return nil, fmt.Errorf("unmarshal thresholds for %s/%d: %w", c.DeviceID, c.GPIO, err)
		}
	}
	return &c, nil
}

func scanReading(row rowScanner) (*model.SensorReading, error) {
	var r model.SensorReading
	var sensorType, unit, ts, source, errorCode sql.NullString
	var processed sql.NullFloat64

	err := row.Scan(&r.ID, &r.DeviceID, &r.GPIO, &sensorType, &r.RawValue,
		&processed, &unit, &r.Quality, &ts, &source, &errorCode)
	if err != nil {
		return nil, err
	}

	r.SensorType = sensorType.String
	if processed.Valid {
		v := processed.Float64
		r.ProcessedValue = &v
	}
	r.Unit = unit.String
	r.Timestamp = parseTime(ts)
	r.Source = model.Source(source.String)
	r.ErrorCode = errorCode.String
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
