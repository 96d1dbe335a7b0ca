package logic

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/verdantgrow/god-kaiser/internal/clock"
	"github.com/verdantgrow/god-kaiser/internal/events"
	"github.com/verdantgrow/god-kaiser/internal/model"
	"github.com/verdantgrow/god-kaiser/internal/topics"
)

// CommandPublisher is the engine's view of the MQTT client. The
// interface breaks the engine → client → handler → engine cycle;
// wiring happens once at startup.
type CommandPublisher interface {
	PublishJSON(ctx context.Context, topic string, v any, qos byte) bool
}

// ResponseWaiter matches actuator command acknowledgements back to
// the issuing action by request ID. The actuator response handler
// feeds it; action executors wait on it with a bounded timeout.
type ResponseWaiter struct {
	mu      sync.Mutex
	pending map[string]chan model.ActuatorResponse
}

// NewResponseWaiter creates an empty waiter.
func NewResponseWaiter() *ResponseWaiter {
	return &ResponseWaiter{pending: make(map[string]chan model.ActuatorResponse)}
}

// Expect registers interest in a request ID. The caller must Cancel
// when done.
func (w *ResponseWaiter) Expect(requestID string) <-chan model.ActuatorResponse {
	ch := make(chan model.ActuatorResponse, 1)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[requestID] = ch
	return ch
}

// Cancel drops interest in a request ID.
func (w *ResponseWaiter) Cancel(requestID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, requestID)
}

// Deliver routes a response to its waiting action, if any is still
// interested. Unmatched responses are ignored (late acks).
func (w *ResponseWaiter) Deliver(resp model.ActuatorResponse) {
	w.mu.Lock()
	ch, ok := w.pending[resp.RequestID]
	if ok {
		delete(w.pending, resp.RequestID)
	}
	w.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// ActionExecutor runs a rule's ordered action list.
type ActionExecutor struct {
	publisher       CommandPublisher
	waiter          *ResponseWaiter
	bus             *events.Bus
	codec           topics.Codec
	clock           clock.Clock
	responseTimeout time.Duration
	logger          *slog.Logger
}

// NewActionExecutor creates an executor. responseTimeout bounds how
// long an actuator action waits for its acknowledgement (default 5s).
func NewActionExecutor(publisher CommandPublisher, waiter *ResponseWaiter, bus *events.Bus,
	codec topics.Codec, clk clock.Clock, responseTimeout time.Duration, logger *slog.Logger) *ActionExecutor {
	if responseTimeout <= 0 {
		responseTimeout = 5 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionExecutor{
		publisher:       publisher,
		waiter:          waiter,
		bus:             bus,
		codec:           codec,
		clock:           clk,
		responseTimeout: responseTimeout,
		logger:          logger,
	}
}

// Execute runs the actions sequentially. An individual action failure
// is recorded in the summary and does not abort the list unless the
// action is marked required. ctx cancellation (rule timeout or
// conflict pre-emption) aborts between and within actions.
func (e *ActionExecutor) Execute(ctx context.Context, rule *model.LogicRule, actions []model.Action) (summary []string, err error) {
	for i, a := range actions {
		if ctx.Err() != nil {
			return summary, fmt.Errorf("%w after %d of %d actions", model.ErrPreempted, i, len(actions))
		}

		var actErr error
		switch a.Type {
		case model.ActionActuator:
			actErr = e.execActuator(ctx, rule, a)
		case model.ActionDelay:
			actErr = e.execDelay(ctx, a)
		case model.ActionNotification:
			e.execNotification(rule, a)
		default:
			actErr = fmt.Errorf("unknown action type %q", a.Type)
		}

		if actErr != nil {
			summary = append(summary, fmt.Sprintf("%s: %v", a.Type, actErr))
			if ctx.Err() != nil {
				return summary, fmt.Errorf("%w during action %d", model.ErrPreempted, i+1)
			}
			if a.Required {
				return summary, fmt.Errorf("required action %d (%s) failed: %w", i+1, a.Type, actErr)
			}
			e.logger.Warn("rule action failed, continuing",
				"rule", rule.ID, "action", a.Type, "error", actErr)
			continue
		}
		summary = append(summary, fmt.Sprintf("%s: ok", a.Type))
	}
	return summary, nil
}

func (e *ActionExecutor) execActuator(ctx context.Context, rule *model.LogicRule, a model.Action) error {
	cmd := model.ActuatorCommand{
		Command:   a.Command,
		Value:     a.Value,
		DurationS: a.DurationS,
		RequestID: uuid.NewString(),
		Timestamp: e.clock.Now().Unix(),
	}

	respCh := e.waiter.Expect(cmd.RequestID)
	defer e.waiter.Cancel(cmd.RequestID)

	topic := e.codec.ActuatorCommand(a.DeviceID, a.GPIO)
	if !e.publisher.PublishJSON(ctx, topic, cmd, 1) {
		return fmt.Errorf("publish command to %s", topic)
	}

	// Best-effort: wait for the ack or the bounded timeout, whichever
	// comes first. A missing ack is not a failure by itself.
	timer := time.NewTimer(e.responseTimeout)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		if !resp.Success {
			return fmt.Errorf("device rejected command: %s", resp.Message)
		}
	case <-timer.C:
		e.logger.Debug("actuator response timeout, proceeding",
			"rule", rule.ID, "device_id", a.DeviceID, "gpio", a.GPIO)
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// execDelay sleeps cooperatively so pre-emption cancels it promptly.
func (e *ActionExecutor) execDelay(ctx context.Context, a model.Action) error {
	timer := time.NewTimer(time.Duration(a.DelayMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *ActionExecutor) execNotification(rule *model.LogicRule, a model.Action) {
	e.bus.Publish(events.TypeNotification, map[string]any{
		"rule_id":   rule.ID,
		"rule_name": rule.Name,
		"message":   a.Message,
	})
}
