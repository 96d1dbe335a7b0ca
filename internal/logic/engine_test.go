package logic

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/verdantgrow/god-kaiser/internal/clock"
	"github.com/verdantgrow/god-kaiser/internal/events"
	"github.com/verdantgrow/god-kaiser/internal/model"
	"github.com/verdantgrow/god-kaiser/internal/topics"
)

type fakeRuleStore struct {
	mu         sync.Mutex
	rules      []*model.LogicRule
	readings   map[string]*model.SensorReading
	executions []*model.RuleExecution
	marked     map[string]time.Time
}

func newFakeRuleStore(rules ...*model.LogicRule) *fakeRuleStore {
	return &fakeRuleStore{
		rules:    rules,
		readings: make(map[string]*model.SensorReading),
		marked:   make(map[string]time.Time),
	}
}

func (s *fakeRuleStore) LatestReading(_ context.Context, deviceID string, gpio int) (*model.SensorReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readings[key(deviceID, gpio)], nil
}

func (s *fakeRuleStore) RulesByTrigger(_ context.Context, _ string, _ int, _ string) ([]*model.LogicRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules, nil
}

func (s *fakeRuleStore) TimerRules(_ context.Context) ([]*model.LogicRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules, nil
}

func (s *fakeRuleStore) MarkRuleExecuted(_ context.Context, ruleID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked[ruleID] = at
	return nil
}

func (s *fakeRuleStore) LogExecution(_ context.Context, exec *model.RuleExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = append(s.executions, exec)
	return nil
}

func (s *fakeRuleStore) executionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.executions)
}

func (s *fakeRuleStore) lastExecution() *model.RuleExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.executions) == 0 {
		return nil
	}
	return s.executions[len(s.executions)-1]
}

// fakePublisher acknowledges every actuator command synchronously
// unless reject is set. onPublish runs before the ack, letting tests
// observe or interfere mid-action.
type fakePublisher struct {
	mu        sync.Mutex
	waiter    *ResponseWaiter
	reject    bool
	noAck     bool
	topics    []string
	onPublish func(topic string)
}

func (p *fakePublisher) PublishJSON(_ context.Context, topic string, v any, _ byte) bool {
	p.mu.Lock()
	p.topics = append(p.topics, topic)
	hook := p.onPublish
	p.mu.Unlock()

	if hook != nil {
		hook(topic)
	}
	if p.noAck {
		return true
	}
	if cmd, ok := v.(model.ActuatorCommand); ok {
		msg := ""
		if p.reject {
			msg = "gpio busy"
		}
		p.waiter.Deliver(model.ActuatorResponse{
			RequestID: cmd.RequestID,
			Command:   cmd.Command,
			Success:   !p.reject,
			Message:   msg,
		})
	}
	return true
}

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

type engineHarness struct {
	engine    *Engine
	store     *fakeRuleStore
	publisher *fakePublisher
	conflicts *ConflictManager
	clock     *clock.Fake
	codec     topics.Codec
}

func newEngineHarness(t *testing.T, rules ...*model.LogicRule) *engineHarness {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	store := newFakeRuleStore(rules...)
	waiter := NewResponseWaiter()
	pub := &fakePublisher{waiter: waiter}
	bus := events.New()
	codec := topics.NewCodec("kaiser_01")
	logger := discardLogger()

	executor := NewActionExecutor(pub, waiter, bus, codec, fc, 100*time.Millisecond, logger)
	conflicts := NewConflictManager(time.Minute, fc, logger)
	limiter := NewRateLimiter(1000, 1000, fc)
	evaluator := NewConditionEvaluator(store, fc)
	engine := NewEngine(store, evaluator, executor, conflicts, limiter, bus, nil, fc, 5*time.Second, logger)

	return &engineHarness{
		engine: engine, store: store, publisher: pub,
		conflicts: conflicts, clock: fc, codec: codec,
	}
}

func pumpRule(id string, priority int) *model.LogicRule {
	return &model.LogicRule{
		ID:       id,
		Name:     "low moisture pump",
		Enabled:  true,
		Priority: priority,
		Triggers: []model.Trigger{{DeviceID: "esp_01", GPIO: 4, SensorType: "moisture"}},
		Conditions: &model.Condition{
			Type: model.CondSensor, DeviceID: "esp_01", GPIO: 4,
			SensorType: "moisture", Operator: model.OpLT, Value: 30,
		},
		Actions: []model.Action{{
			Type: model.ActionActuator, DeviceID: "esp_02", GPIO: 12,
			Command: "ON", DurationS: 300,
		}},
	}
}

func TestEngineExecutesMatchingRule(t *testing.T) {
	rule := pumpRule("rule_pump", 5)
	h := newEngineHarness(t, rule)

	h.engine.EvaluateSensorData(context.Background(), "esp_01", 4, "moisture", 22.5)

	wantTopic := h.codec.ActuatorCommand("esp_02", 12)
	pubs := h.publisher.published()
	if len(pubs) != 1 || pubs[0] != wantTopic {
		t.Fatalf("published %v, want [%s]", pubs, wantTopic)
	}

	exec := h.store.lastExecution()
	if exec == nil {
		t.Fatal("no execution recorded")
	}
	if !exec.Success || exec.ErrorMessage != "" {
		t.Fatalf("execution = success=%v err=%q, want clean success", exec.Success, exec.ErrorMessage)
	}
	if exec.TriggerData["value"] != 22.5 {
		t.Fatalf("trigger data value = %v, want 22.5", exec.TriggerData["value"])
	}
	if _, ok := h.store.marked["rule_pump"]; !ok {
		t.Fatal("last-executed timestamp not recorded")
	}

	// The actuator lock is released after the run.
	if holder, ok := h.conflicts.Holder(Resource{DeviceID: "esp_02", GPIO: 12}); ok {
		t.Fatalf("lock still held by %q after execution", holder)
	}
}

func TestEngineCooldownSuppressesReexecution(t *testing.T) {
	rule := pumpRule("rule_pump", 5)
	rule.CooldownSec = 600
	h := newEngineHarness(t, rule)

	h.engine.EvaluateSensorData(context.Background(), "esp_01", 4, "moisture", 22.5)
	if n := h.store.executionCount(); n != 1 {
		t.Fatalf("executions = %d, want 1", n)
	}

	// A second matching reading 30s later stays inside the cooldown.
	rule.LastExecuted = h.clock.Now()
	h.clock.Advance(30 * time.Second)
	h.engine.EvaluateSensorData(context.Background(), "esp_01", 4, "moisture", 21.0)

	if n := h.store.executionCount(); n != 1 {
		t.Fatalf("executions = %d after cooldown hit, want still 1", n)
	}
	if pubs := h.publisher.published(); len(pubs) != 1 {
		t.Fatalf("publishes = %d, want no second actuator command", len(pubs))
	}

	// Past the cooldown it fires again.
	h.clock.Advance(600 * time.Second)
	h.engine.EvaluateSensorData(context.Background(), "esp_01", 4, "moisture", 21.0)
	if n := h.store.executionCount(); n != 2 {
		t.Fatalf("executions = %d after cooldown expiry, want 2", n)
	}
}

func TestEngineDisabledRuleIgnored(t *testing.T) {
	rule := pumpRule("rule_pump", 5)
	rule.Enabled = false
	h := newEngineHarness(t, rule)

	h.engine.EvaluateSensorData(context.Background(), "esp_01", 4, "moisture", 22.5)
	if n := h.store.executionCount(); n != 0 {
		t.Fatalf("executions = %d for disabled rule, want 0", n)
	}
}

func TestEngineNoMatchLeavesNoTrace(t *testing.T) {
	rule := pumpRule("rule_pump", 5)
	h := newEngineHarness(t, rule)

	// Moisture above the threshold: condition false.
	h.engine.EvaluateSensorData(context.Background(), "esp_01", 4, "moisture", 55)

	if n := h.store.executionCount(); n != 0 {
		t.Fatalf("executions = %d for unmatched rule, want 0", n)
	}
	if pubs := h.publisher.published(); len(pubs) != 0 {
		t.Fatalf("publishes = %v for unmatched rule, want none", pubs)
	}
}

func TestEngineHourlyCapSkipsExecution(t *testing.T) {
	rule := pumpRule("rule_pump", 5)
	rule.MaxExecutionsPerHour = 1
	h := newEngineHarness(t, rule)

	h.engine.EvaluateSensorData(context.Background(), "esp_01", 4, "moisture", 22.5)
	h.clock.Advance(time.Minute)
	h.engine.EvaluateSensorData(context.Background(), "esp_01", 4, "moisture", 21.0)

	if n := h.store.executionCount(); n != 1 {
		t.Fatalf("executions = %d with cap of 1/hour, want 1", n)
	}
}

func TestEngineBlockedReleasesPartialLocks(t *testing.T) {
	rule := pumpRule("rule_pump", 10)
	rule.Actions = append(rule.Actions, model.Action{
		Type: model.ActionActuator, DeviceID: "esp_03", GPIO: 7, Command: "ON",
	})
	h := newEngineHarness(t, rule)

	// A higher-priority rule already holds the second actuator.
	blocked := Resource{DeviceID: "esp_03", GPIO: 7}
	h.conflicts.Acquire(blocked, "rule_other", 1, false, nil)

	h.engine.EvaluateSensorData(context.Background(), "esp_01", 4, "moisture", 22.5)

	// The block is visible in the execution history even though no
	// action ran.
	exec := h.store.lastExecution()
	if exec == nil {
		t.Fatal("blocked firing must be recorded")
	}
	if exec.Success {
		t.Fatal("blocked execution must not report success")
	}
	if !strings.Contains(exec.ErrorMessage, "blocked") || !strings.Contains(exec.ErrorMessage, "rule_other") {
		t.Fatalf("error message = %q, want the block and its holder named", exec.ErrorMessage)
	}
	if exec.TriggerData["value"] != 22.5 {
		t.Fatalf("trigger data value = %v, want 22.5", exec.TriggerData["value"])
	}
	if pubs := h.publisher.published(); len(pubs) != 0 {
		t.Fatalf("publishes = %v for blocked rule, want none", pubs)
	}
	if _, ok := h.store.marked["rule_pump"]; ok {
		t.Fatal("blocked rule must not enter cooldown")
	}
	// The first actuator's lock, taken before the block was hit, must
	// have been released again.
	if holder, ok := h.conflicts.Holder(Resource{DeviceID: "esp_02", GPIO: 12}); ok {
		t.Fatalf("first lock still held by %q after block", holder)
	}
	if holder, _ := h.conflicts.Holder(blocked); holder != "rule_other" {
		t.Fatalf("blocking holder = %q, want rule_other untouched", holder)
	}
}

func TestEngineHoldsLockWhilePublishing(t *testing.T) {
	rule := pumpRule("rule_pump", 5)
	h := newEngineHarness(t, rule)

	res := Resource{DeviceID: "esp_02", GPIO: 12}
	var holderAtPublish string
	h.publisher.onPublish = func(string) {
		holderAtPublish, _ = h.conflicts.Holder(res)
	}

	h.engine.EvaluateSensorData(context.Background(), "esp_01", 4, "moisture", 22.5)

	if holderAtPublish != "rule_pump" {
		t.Fatalf("lock holder at publish time = %q, want rule_pump", holderAtPublish)
	}
}

func TestEnginePreemptionMarksExecutionPreempted(t *testing.T) {
	rule := pumpRule("rule_pump", 10)
	h := newEngineHarness(t, rule)

	// A safety rule grabs the pump while the command is in flight,
	// cancelling the holder's run context. With no ack coming, the
	// action observes the cancellation.
	res := Resource{DeviceID: "esp_02", GPIO: 12}
	h.publisher.noAck = true
	h.publisher.onPublish = func(string) {
		if got := h.conflicts.Acquire(res, "rule_emergency", 1, true, nil); got != Preempted {
			t.Errorf("safety Acquire = %v, want Preempted", got)
		}
	}

	h.engine.EvaluateSensorData(context.Background(), "esp_01", 4, "moisture", 22.5)

	exec := h.store.lastExecution()
	if exec == nil {
		t.Fatal("pre-empted run must still be recorded")
	}
	if exec.Success {
		t.Fatal("pre-empted execution must not report success")
	}
	if exec.ErrorMessage != "preempted" {
		t.Fatalf("error message = %q, want %q", exec.ErrorMessage, "preempted")
	}
	// The safety rule keeps the lock.
	if holder, _ := h.conflicts.Holder(res); holder != "rule_emergency" {
		t.Fatalf("lock holder = %q, want rule_emergency", holder)
	}
}

func TestEngineRequiredActionFailureAborts(t *testing.T) {
	rule := pumpRule("rule_pump", 5)
	rule.Actions[0].Required = true
	rule.Actions = append(rule.Actions, model.Action{
		Type: model.ActionActuator, DeviceID: "esp_03", GPIO: 7, Command: "ON",
	})
	h := newEngineHarness(t, rule)
	h.publisher.reject = true

	h.engine.EvaluateSensorData(context.Background(), "esp_01", 4, "moisture", 22.5)

	exec := h.store.lastExecution()
	if exec == nil {
		t.Fatal("failed run must still be recorded")
	}
	if exec.Success {
		t.Fatal("run with failed required action must not report success")
	}
	if pubs := h.publisher.published(); len(pubs) != 1 {
		t.Fatalf("publishes = %d, want abort after the required action", len(pubs))
	}
}

func TestEngineOptionalActionFailureContinues(t *testing.T) {
	rule := pumpRule("rule_pump", 5)
	rule.Actions = append(rule.Actions, model.Action{
		Type: model.ActionNotification, Message: "pump started",
	})
	h := newEngineHarness(t, rule)
	h.publisher.reject = true // optional actuator action fails

	h.engine.EvaluateSensorData(context.Background(), "esp_01", 4, "moisture", 22.5)

	exec := h.store.lastExecution()
	if exec == nil {
		t.Fatal("no execution recorded")
	}
	if !exec.Success {
		t.Fatalf("optional failure must not fail the run: %s", exec.ErrorMessage)
	}
	if len(exec.ActionsSummary) != 2 {
		t.Fatalf("actions summary = %v, want both actions recorded", exec.ActionsSummary)
	}
}

func TestEngineTimerRules(t *testing.T) {
	rule := pumpRule("rule_night", 5)
	rule.Conditions = &model.Condition{Type: model.CondTime, StartHour: 10, EndHour: 14}
	h := newEngineHarness(t, rule)

	h.engine.EvaluateTimerRules(context.Background())

	if n := h.store.executionCount(); n != 1 {
		t.Fatalf("executions = %d for timer rule inside window, want 1", n)
	}

	// Outside the window nothing fires.
	h.clock.Set(time.Date(2026, 8, 24, 20, 0, 0, 0, time.UTC))
	h.engine.EvaluateTimerRules(context.Background())
	if n := h.store.executionCount(); n != 1 {
		t.Fatalf("executions = %d outside window, want still 1", n)
	}
}
