package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/verdantgrow/god-kaiser/internal/events"
	"github.com/verdantgrow/god-kaiser/internal/metrics"
	"github.com/verdantgrow/god-kaiser/internal/topics"
)

// Handler processes one inbound MQTT message. Implementations must be
// safe for concurrent use across different messages and must not
// assume ordering across devices. Errors are recorded, never
// propagated past the worker boundary.
type Handler interface {
	// Name labels the handler in logs and counters.
	Name() string
	// Handle processes one message.
	Handle(ctx context.Context, topic string, payload []byte) error
}

// Subscription pairs a topic filter with its QoS.
type Subscription struct {
	Pattern string
	QoS     byte
}

type registration struct {
	sub     Subscription
	handler Handler
}

// Dispatcher routes inbound (topic, payload) pairs from the broker's
// network goroutine to handlers on a bounded worker pool. Registration
// order matters: the first matching pattern wins.
type Dispatcher struct {
	regs    []registration
	sem     *semaphore.Weighted
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher with a pool of maxWorkers
// concurrent handler invocations (default 10 when non-positive).
func NewDispatcher(maxWorkers int, bus *events.Bus, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		sem:     semaphore.NewWeighted(int64(maxWorkers)),
		bus:     bus,
		metrics: m,
		logger:  logger,
	}
}

// Register binds a handler to a subscription pattern. Not safe to
// call after the client has started.
func (d *Dispatcher) Register(pattern string, qos byte, h Handler) {
	d.regs = append(d.regs, registration{
		sub:     Subscription{Pattern: pattern, QoS: qos},
		handler: h,
	})
	d.logger.Debug("handler registered", "handler", h.Name(), "pattern", pattern, "qos", qos)
}

// Subscriptions returns the topic filters to subscribe on connect.
func (d *Dispatcher) Subscriptions() []Subscription {
	out := make([]Subscription, 0, len(d.regs))
	for _, r := range d.regs {
		out = append(out, r.sub)
	}
	return out
}

// Receive routes one raw message. Called from the MQTT library's
// network goroutine; it blocks only while the worker pool is
// saturated, which applies natural backpressure to the broker reads.
func (d *Dispatcher) Receive(ctx context.Context, topic string, payload []byte) {
	// The wire contract is JSON everywhere except will messages,
	// whose payload the broker publishes verbatim ("offline").
	if !strings.HasSuffix(topic, "/lwt") && !json.Valid(payload) {
		d.logger.Warn("dropping non-JSON payload", "topic", topic, "payload_size", len(payload))
		return
	}

	// Debug mirror for operator consoles.
	d.bus.Publish(events.TypeMQTTMessage, map[string]any{
		"topic":        topic,
		"payload_size": len(payload),
	})

	reg, ok := d.match(topic)
	if !ok {
		d.logger.Debug("no handler for topic", "topic", topic)
		return
	}
	d.metrics.Received(reg.handler.Name())

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return // shutting down
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)

		err := reg.handler.Handle(ctx, topic, payload)
		d.metrics.HandlerDone(reg.handler.Name(), err == nil)
		if err != nil {
			d.logger.Warn("handler error",
				"handler", reg.handler.Name(), "topic", topic, "error", err)
		}
	}()
}

// match finds the first registered pattern matching topic.
func (d *Dispatcher) match(topic string) (registration, bool) {
	for _, r := range d.regs {
		if topics.Match(r.sub.Pattern, topic) {
			return r, true
		}
	}
	return registration{}, false
}

// Wait blocks until all in-flight handlers finish. Called during
// shutdown after the broker connection is closed.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
