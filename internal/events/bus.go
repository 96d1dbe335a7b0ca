// Package events provides the publish/subscribe bus that carries
// server-side events from the message handlers, logic engine, and
// sweepers to their consumers (the WebSocket manager, the audit
// mirror, future metrics sinks). The bus is nil-safe: Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Event types in the operator-facing catalogue. These become the
// "type" field of the WebSocket envelope.
const (
	TypeSensorData       = "sensor_data"
	TypeESPHealth        = "esp_health"
	TypeESPStatus        = "esp_status"
	TypeESPOffline       = "esp_offline"
	TypeActuatorStatus   = "actuator_status"
	TypeActuatorResponse = "actuator_response"
	TypeActuatorAlert    = "actuator_alert"
	TypeConfigResponse   = "config_response"
	TypeZoneAssigned     = "zone_assigned"
	TypeAuditEvent       = "audit_event"
	TypeLogicExecution   = "logic_execution"
	TypeNotification     = "notification"
	// TypeMQTTMessage mirrors raw MQTT traffic for debug consoles.
	TypeMQTTMessage = "mqtt_message"
)

// Event is one server-side event. Type and Data map directly onto the
// WebSocket envelope {type, data}.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive
// events on buffered channels; slow subscribers miss events rather
// than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to subscribers
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan view.
	recvToSend map[<-chan Event]chan Event
}

// New creates an event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event of the given type to all subscribers,
// stamping it with the current time. Non-blocking: if a subscriber's
// channel is full the event is dropped for that subscriber. Safe on a
// nil receiver.
func (b *Bus) Publish(eventType string, data map[string]any) {
	if b == nil {
		return
	}
	e := Event{Timestamp: time.Now().UTC(), Type: eventType, Data: data}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop rather than block.
		}
	}
}

// Subscribe returns a channel receiving published events. The caller
// must eventually Unsubscribe. bufSize controls the channel buffer; 64
// is a reasonable default for WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. No-op
// for channels that are already unsubscribed.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
