package logic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/verdantgrow/god-kaiser/internal/clock"
	"github.com/verdantgrow/god-kaiser/internal/events"
	"github.com/verdantgrow/god-kaiser/internal/metrics"
	"github.com/verdantgrow/god-kaiser/internal/model"
)

// RuleStore is the engine's view of the repository layer.
type RuleStore interface {
	ReadingSource
	RulesByTrigger(ctx context.Context, deviceID string, gpio int, sensorType string) ([]*model.LogicRule, error)
	TimerRules(ctx context.Context) ([]*model.LogicRule, error)
	MarkRuleExecuted(ctx context.Context, ruleID string, at time.Time) error
	LogExecution(ctx context.Context, exec *model.RuleExecution) error
}

// Engine evaluates and executes cross-device automation rules. Sensor
// events enter through EvaluateSensorData; time-window rules get a
// periodic pass through EvaluateTimerRules.
type Engine struct {
	store     RuleStore
	evaluator *ConditionEvaluator
	executor  *ActionExecutor
	conflicts *ConflictManager
	limiter   *RateLimiter
	bus       *events.Bus
	metrics   *metrics.Metrics
	clock     clock.Clock
	timeout   time.Duration
	logger    *slog.Logger
}

// NewEngine wires an engine. timeout bounds one rule's full
// execution, actions included (default 30s).
func NewEngine(store RuleStore, evaluator *ConditionEvaluator, executor *ActionExecutor,
	conflicts *ConflictManager, limiter *RateLimiter, bus *events.Bus, m *metrics.Metrics,
	clk clock.Clock, timeout time.Duration, logger *slog.Logger) *Engine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		evaluator: evaluator,
		executor:  executor,
		conflicts: conflicts,
		limiter:   limiter,
		bus:       bus,
		metrics:   m,
		clock:     clk,
		timeout:   timeout,
		logger:    logger,
	}
}

// EvaluateSensorData runs every enabled rule whose trigger matches the
// reading, in priority order. Rule failures are isolated: one rule
// panicking or erroring never blocks the rest.
func (e *Engine) EvaluateSensorData(ctx context.Context, deviceID string, gpio int, sensorType string, value float64) {
	rules, err := e.store.RulesByTrigger(ctx, deviceID, gpio, sensorType)
	if err != nil {
		e.logger.Error("rule lookup failed", "device_id", deviceID, "gpio", gpio, "error", err)
		return
	}
	if len(rules) == 0 {
		return
	}

	trigger := &TriggerEvent{DeviceID: deviceID, GPIO: gpio, SensorType: sensorType, Value: value}
	for _, rule := range rules {
		e.runRule(ctx, rule, trigger)
	}
}

// EvaluateTimerRules runs every enabled rule carrying a time condition.
// The scheduler calls it once a minute so window entry does not depend
// on sensor traffic.
func (e *Engine) EvaluateTimerRules(ctx context.Context) {
	rules, err := e.store.TimerRules(ctx)
	if err != nil {
		e.logger.Error("timer rule lookup failed", "error", err)
		return
	}
	for _, rule := range rules {
		e.runRule(ctx, rule, nil)
	}
}

// runRule takes one rule through the full gate sequence: cooldown,
// rate limits, conditions, conflict locks, actions. Every terminal
// path is logged; executions that reach the action stage are recorded
// in the execution history whether they succeed or not.
func (e *Engine) runRule(ctx context.Context, rule *model.LogicRule, trigger *TriggerEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("rule execution panic", "rule", rule.ID, "panic", r)
			e.metrics.RuleExecuted("panic")
		}
	}()

	if !rule.Enabled {
		return
	}

	now := e.clock.Now()
	if rule.CooldownSec > 0 && !rule.LastExecuted.IsZero() {
		if now.Sub(rule.LastExecuted) < time.Duration(rule.CooldownSec)*time.Second {
			e.logger.Debug("rule in cooldown", "rule", rule.ID)
			e.metrics.RuleExecuted("cooldown")
			return
		}
	}

	targets := actuatorResources(rule.Actions)
	if ok, tier := e.limiter.Allow(rule.ID, rule.MaxExecutionsPerHour, resourceDeviceIDs(targets)); !ok {
		e.logger.Warn("rule rate limited", "rule", rule.ID, "tier", tier)
		e.metrics.RuleExecuted("rate_limited")
		return
	}

	match, err := e.evaluator.Evaluate(ctx, rule.Conditions, trigger)
	if err != nil {
		e.logger.Error("condition evaluation failed", "rule", rule.ID, "error", err)
		e.metrics.RuleExecuted("error")
		return
	}
	if !match {
		e.metrics.RuleExecuted("no_match")
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// Acquire every actuator this rule touches before running any
	// action, so a half-executed rule never deadlocks with a peer.
	var held []Resource
	release := func() {
		for _, r := range held {
			e.conflicts.Release(r, rule.ID)
		}
	}
	for _, res := range targets {
		result := e.conflicts.Acquire(res, rule.ID, rule.Priority, rule.SafetyCritical, cancel)
		if result == Blocked {
			release()
			holder, _ := e.conflicts.Holder(res)
			e.logger.Info("rule blocked by conflict",
				"rule", rule.ID, "device_id", res.DeviceID, "gpio", res.GPIO, "holder", holder)
			e.metrics.RuleExecuted("blocked")
			e.recordBlocked(ctx, rule, trigger, res, holder)
			return
		}
		held = append(held, res)
	}
	defer release()

	start := e.clock.Now()
	summary, execErr := e.executor.Execute(runCtx, rule, rule.Actions)
	elapsed := e.clock.Now().Sub(start)

	exec := &model.RuleExecution{
		RuleID:         rule.ID,
		Timestamp:      start,
		ActionsSummary: summary,
		Success:        execErr == nil,
		DurationMs:     elapsed.Milliseconds(),
	}
	if trigger != nil {
		exec.TriggerData = triggerData(trigger)
	}
	result := "success"
	if execErr != nil {
		result = "failure"
		exec.ErrorMessage = execErr.Error()
		if errors.Is(execErr, model.ErrPreempted) || errors.Is(runCtx.Err(), context.Canceled) {
			result = "preempted"
			exec.ErrorMessage = "preempted"
		}
		e.logger.Warn("rule execution failed", "rule", rule.ID, "result", result, "error", execErr)
	} else {
		e.logger.Info("rule executed", "rule", rule.ID,
			"actions", len(rule.Actions), "duration_ms", exec.DurationMs)
	}
	e.metrics.RuleExecuted(result)

	// Record-keeping failures are logged, never fatal: the actuators
	// already moved.
	if err := e.store.LogExecution(ctx, exec); err != nil {
		e.logger.Error("execution log write failed", "rule", rule.ID, "error", err)
	}
	if err := e.store.MarkRuleExecuted(ctx, rule.ID, start); err != nil {
		e.logger.Error("rule timestamp update failed", "rule", rule.ID, "error", err)
	}

	e.bus.Publish(events.TypeLogicExecution, map[string]any{
		"rule_id":     rule.ID,
		"rule_name":   rule.Name,
		"success":     exec.Success,
		"result":      result,
		"duration_ms": exec.DurationMs,
		"actions":     summary,
	})
}

// recordBlocked writes an execution record for a rule that never ran
// its actions because an actuator was held by a peer, so blocked
// firings stay visible in the history alongside failures.
func (e *Engine) recordBlocked(ctx context.Context, rule *model.LogicRule, trigger *TriggerEvent, res Resource, holder string) {
	exec := &model.RuleExecution{
		RuleID:       rule.ID,
		Timestamp:    e.clock.Now(),
		Success:      false,
		ErrorMessage: fmt.Sprintf("blocked: actuator %s/%d held by rule %s", res.DeviceID, res.GPIO, holder),
	}
	if trigger != nil {
		exec.TriggerData = triggerData(trigger)
	}
	if err := e.store.LogExecution(ctx, exec); err != nil {
		e.logger.Error("execution log write failed", "rule", rule.ID, "error", err)
	}

	e.bus.Publish(events.TypeLogicExecution, map[string]any{
		"rule_id":   rule.ID,
		"rule_name": rule.Name,
		"success":   false,
		"result":    "blocked",
		"holder":    holder,
	})
}

func triggerData(t *TriggerEvent) map[string]any {
	return map[string]any{
		"device_id":   t.DeviceID,
		"gpio":        t.GPIO,
		"sensor_type": t.SensorType,
		"value":       t.Value,
	}
}

// actuatorResources lists the distinct actuator channels a rule's
// actions touch.
func actuatorResources(actions []model.Action) []Resource {
	seen := make(map[Resource]struct{})
	var out []Resource
	for _, a := range actions {
		if a.Type != model.ActionActuator {
			continue
		}
		r := Resource{DeviceID: a.DeviceID, GPIO: a.GPIO}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func resourceDeviceIDs(resources []Resource) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range resources {
		if _, dup := seen[r.DeviceID]; dup {
			continue
		}
		seen[r.DeviceID] = struct{}{}
		out = append(out, r.DeviceID)
	}
	return out
}
