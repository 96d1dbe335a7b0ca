package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/verdantgrow/god-kaiser/internal/model"
)

// SaveRule creates or replaces a logic rule and rebuilds its trigger
// index rows inside one transaction.
func (s *Store) SaveRule(ctx context.Context, r *model.LogicRule) error {
	if r.ID == "" {
		r.ID = NewID()
	}

	triggersJSON, err := json.Marshal(r.Triggers)
	if err != nil {
		return fmt.Errorf("marshal triggers: %w", err)
	}
	conditionsJSON, err := json.Marshal(r.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}
	actionsJSON, err := json.Marshal(r.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}

	return s.guard(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO logic_rules (id, name, enabled, priority, cooldown_sec,
			                         max_per_hour, safety_critical, triggers_json,
			                         conditions_json, actions_json, has_time_condition,
			                         last_executed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				enabled = excluded.enabled,
				priority = excluded.priority,
				cooldown_sec = excluded.cooldown_sec,
				max_per_hour = excluded.max_per_hour,
				safety_critical = excluded.safety_critical,
				triggers_json = excluded.triggers_json,
				conditions_json = excluded.conditions_json,
				actions_json = excluded.actions_json,
				has_time_condition = excluded.has_time_condition
		`, r.ID, r.Name, boolInt(r.Enabled), r.Priority, r.CooldownSec,
			r.MaxExecutionsPerHour, boolInt(r.SafetyCritical), string(triggersJSON),
			string(conditionsJSON), string(actionsJSON),
			boolInt(r.Conditions.HasTimeCondition()), fmtTime(r.LastExecuted))
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM rule_triggers WHERE rule_id = ?`, r.ID); err != nil {
			return err
		}
		for _, t := range r.Triggers {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO rule_triggers (rule_id, device_id, gpio, sensor_type)
				VALUES (?, ?, ?, ?)
			`, r.ID, t.DeviceID, t.GPIO, t.SensorType); err != nil {
				return err
			}
		}

		return tx.Commit()
	})
}

// RulesByTrigger returns enabled rules whose trigger index contains
// (deviceID, gpio, sensorType), ordered by ascending priority.
func (s *Store) RulesByTrigger(ctx context.Context, deviceID string, gpio int, sensorType string) ([]*model.LogicRule, error) {
	return s.queryRules(ctx, `
		SELECT r.id, r.name, r.enabled, r.priority, r.cooldown_sec, r.max_per_hour,
		       r.safety_critical, r.triggers_json, r.conditions_json, r.actions_json,
		       r.last_executed
		FROM logic_rules r
		JOIN rule_triggers t ON t.rule_id = r.id
		WHERE r.enabled = 1 AND t.device_id = ? AND t.gpio = ? AND t.sensor_type = ?
		ORDER BY r.priority ASC
	`, deviceID, gpio, sensorType)
}

// TimerRules returns enabled rules carrying a time condition, ordered
// by ascending priority. These are evaluated on the 60s timer.
func (s *Store) TimerRules(ctx context.Context) ([]*model.LogicRule, error) {
	return s.queryRules(ctx, `
		SELECT id, name, enabled, priority, cooldown_sec, max_per_hour,
		       safety_critical, triggers_json, conditions_json, actions_json,
		       last_executed
		FROM logic_rules
		WHERE enabled = 1 AND has_time_condition = 1
		ORDER BY priority ASC
	`)
}

// ListRules returns every rule regardless of enabled state.
func (s *Store) ListRules(ctx context.Context) ([]*model.LogicRule, error) {
	return s.queryRules(ctx, `
		SELECT id, name, enabled, priority, cooldown_sec, max_per_hour,
		       safety_critical, triggers_json, conditions_json, actions_json,
		       last_executed
		FROM logic_rules ORDER BY priority ASC
	`)
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]*model.LogicRule, error) {
	var out []*model.LogicRule
	err := s.guard(func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanRule(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	return out, err
}

// MarkRuleExecuted stamps a rule's last execution time for cooldown
// enforcement.
func (s *Store) MarkRuleExecuted(ctx context.Context, ruleID string, at time.Time) error {
	return s.guard(func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE logic_rules SET last_executed = ? WHERE id = ?`,
			fmtTime(at), ruleID)
		return err
	})
}

// LogExecution appends a rule execution record.
func (s *Store) LogExecution(ctx context.Context, e *model.RuleExecution) error {
	if e.ID == "" {
		e.ID = NewID()
	}

	triggerJSON, err := json.Marshal(e.TriggerData)
	if err != nil {
		return fmt.Errorf("marshal trigger data: %w", err)
	}
	actionsJSON, err := json.Marshal(e.ActionsSummary)
	if err != nil {
		return fmt.Errorf("marshal actions summary: %w", err)
	}

	return s.guard(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO rule_executions (id, rule_id, ts, trigger_json, actions_json,
			                             success, duration_ms, error_message)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.RuleID, fmtTime(e.Timestamp), string(triggerJSON),
			string(actionsJSON), boolInt(e.Success), e.DurationMs,
			nullStr(e.ErrorMessage))
		return err
	})
}

// ListExecutions returns recent executions for a rule, newest first.
func (s *Store) ListExecutions(ctx context.Context, ruleID string, limit int) ([]*model.RuleExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*model.RuleExecution
	err := s.guard(func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, rule_id, ts, trigger_json, actions_json, success,
			       duration_ms, error_message
			FROM rule_executions WHERE rule_id = ?
			ORDER BY ts DESC LIMIT ?
		`, ruleID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var e model.RuleExecution
			var ts, triggerJSON, actionsJSON, errMsg sql.NullString
			var success int
			if err := rows.Scan(&e.ID, &e.RuleID, &ts, &triggerJSON,
				&actionsJSON, &success, &e.DurationMs, &errMsg); err != nil {
				return err
			}
			e.Timestamp = parseTime(ts)
			e.Success = success != 0
			e.ErrorMessage = errMsg.String
			if triggerJSON.Valid && triggerJSON.String != "null" {
				_ = json.Unmarshal([]byte(triggerJSON.String), &e.TriggerData)
			}
			if actionsJSON.Valid && actionsJSON.String != "null" {
				_ = json.Unmarshal([]byte(actionsJSON.String), &e.ActionsSummary)
			}
			out = append(out, &e)
		}
		return rows.Err()
	})
	return out, err
}

func scanRule(row rowScanner) (*model.LogicRule, error) {
	var r model.LogicRule
	var enabled, safety int
	var triggersJSON, conditionsJSON, actionsJSON string
	var lastExecuted sql.NullString

	err := row.Scan(&r.ID, &r.Name, &enabled, &r.Priority, &r.CooldownSec,
		&r.MaxExecutionsPerHour, &safety, &triggersJSON, &conditionsJSON,
		&actionsJSON, &lastExecuted)
	if err != nil {
		return nil, err
	}

	r.Enabled = enabled != 0
	r.SafetyCritical = safety != 0
	r.LastExecuted = parseTime(lastExecuted)

	if err := json.Unmarshal([]byte(triggersJSON), &r.Triggers); err != nil {
		return nil, fmt.Errorf("unmarshal triggers for rule %s: %w", r.ID, err)
	}
	if conditionsJSON != "" && conditionsJSON != "null" {
		if err := json.Unmarshal([]byte(conditionsJSON), &r.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal conditions for rule %s: %w", r.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(actionsJSON), &r.Actions); err != nil {
		return nil, fmt.Errorf("unmarshal actions for rule %s: %w", r.ID, err)
	}
	return &r, nil
}
