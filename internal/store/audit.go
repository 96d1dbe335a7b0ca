package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/verdantgrow/god-kaiser/internal/events"
	"github.com/verdantgrow/god-kaiser/internal/model"
)

// AppendAudit records one append-only audit entry.
func (s *Store) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}

	var gpio any
	if e.GPIO != nil {
		gpio = *e.GPIO
	}

	err = s.guard(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (ts, event_type, device_id, gpio, severity, details_json)
			VALUES (?, ?, ?, ?, ?, ?)
		`, fmtTime(e.Timestamp), e.EventType, nullStr(e.DeviceID), gpio,
			string(e.Severity), string(detailsJSON))
		return err
	})
	if err != nil {
		return err
	}

	// Operator UIs watch the audit stream live.
	s.bus.Publish(events.TypeAuditEvent, map[string]any{
		"event_type": e.EventType,
		"device_id":  e.DeviceID,
		"gpio":       gpio,
		"severity":   string(e.Severity),
		"details":    e.Details,
	})
	return nil
}

// PruneReadings deletes readings older than cutoff. Only invoked by
// the opt-in retention job; the stock build never calls it.
func (s *Store) PruneReadings(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.guard(func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM sensor_readings WHERE ts < ?`, fmtTime(cutoff))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// PruneExecutions deletes rule executions and actuator history older
// than cutoff. Opt-in only.
func (s *Store) PruneExecutions(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.guard(func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM rule_executions WHERE ts < ?`, fmtTime(cutoff))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()

		res, err = s.db.ExecContext(ctx,
			`DELETE FROM actuator_history WHERE ts < ?`, fmtTime(cutoff))
		if err != nil {
			return err
		}
		m, _ := res.RowsAffected()
		n += m
		return nil
	})
	return n, err
}

// PruneAudit deletes audit entries older than cutoff. Opt-in only.
func (s *Store) PruneAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.guard(func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM audit_log WHERE ts < ?`, fmtTime(cutoff))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
