// Package ws fans server-side events out to browser clients over
// WebSocket. Each client registers subscription filters on connect;
// the manager applies them per event and never blocks on a slow
// socket.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/verdantgrow/god-kaiser/internal/events"
	"github.com/verdantgrow/god-kaiser/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 64
)

// Filters restricts which events a client receives. Empty lists mean
// no restriction on that axis.
type Filters struct {
	Types       []string `json:"types,omitempty"`
	ESPIDs      []string `json:"espIds,omitempty"`
	SensorTypes []string `json:"sensorTypes,omitempty"`
}

// Match reports whether an event passes the filter set.
func (f Filters) Match(ev events.Event) bool {
	if len(f.Types) > 0 && !contains(f.Types, ev.Type) {
		return false
	}
	if len(f.ESPIDs) > 0 {
		if id, ok := stringField(ev.Data, "esp_id", "device_id"); ok && !contains(f.ESPIDs, id) {
			return false
		}
	}
	if len(f.SensorTypes) > 0 {
		if st, ok := stringField(ev.Data, "sensor_type"); ok && !contains(f.SensorTypes, st) {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// stringField returns the first present string field among keys.
func stringField(data map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := data[k].(string); ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// client is one connected browser.
type client struct {
	id      string
	conn    *websocket.Conn
	send    chan events.Event
	limiter *rate.Limiter

	mu      sync.RWMutex
	filters Filters
}

func (c *client) setFilters(f Filters) {
	c.mu.Lock()
	c.filters = f
	c.mu.Unlock()
}

func (c *client) getFilters() Filters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filters
}

// Manager accepts WebSocket connections and broadcasts bus events to
// them. Sends are fire-and-forget; a client whose buffer is full or
// whose rate budget is spent loses the event rather than slowing the
// publisher.
type Manager struct {
	bus        *events.Bus
	metrics    *metrics.Metrics
	ratePerSec int
	upgrader   websocket.Upgrader
	logger     *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

// NewManager creates a manager. ratePerSec caps per-client delivery
// (default 10/s).
func NewManager(bus *events.Bus, m *metrics.Metrics, ratePerSec int, logger *slog.Logger) *Manager {
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		bus:        bus,
		metrics:    m,
		ratePerSec: ratePerSec,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser dashboards are served from anywhere on the LAN.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[string]*client),
	}
}

// Run consumes the event bus until ctx is cancelled. Call it once,
// from its own goroutine.
func (m *Manager) Run(ctx context.Context) {
	sub := m.bus.Subscribe(256)
	defer m.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			m.broadcast(ev)
		}
	}
}

// broadcast delivers one event to every matching client.
func (m *Manager) broadcast(ev events.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.clients {
		if !c.getFilters().Match(ev) {
			continue
		}
		if !c.limiter.Allow() {
			m.metrics.WSDrop()
			continue
		}
		select {
		case c.send <- ev:
		default:
			// Buffer full: drop, never block.
			m.metrics.WSDrop()
		}
	}
}

// ServeHTTP upgrades the request and runs the client's pumps. The
// first client message may set filters; later messages replace them.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan events.Event, sendBufferSize),
		limiter: rate.NewLimiter(rate.Limit(m.ratePerSec), m.ratePerSec),
	}

	m.mu.Lock()
	m.clients[c.id] = c
	n := len(m.clients)
	m.mu.Unlock()
	m.metrics.SetWSClients(n)
	m.logger.Info("websocket client connected", "client", c.id, "remote", r.RemoteAddr, "clients", n)

	go m.writePump(c)
	m.readPump(c)
}

// readPump consumes filter updates and detects disconnects. It owns
// the connection teardown.
func (m *Manager) readPump(c *client) {
	defer m.drop(c)

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Debug("websocket read error", "client", c.id, "error", err)
			}
			return
		}
		var f Filters
		if err := json.Unmarshal(payload, &f); err != nil {
			m.logger.Debug("ignoring malformed filter message", "client", c.id, "error", err)
			continue
		}
		c.setFilters(f)
		m.logger.Debug("client filters updated", "client", c.id,
			"types", f.Types, "esp_ids", f.ESPIDs, "sensor_types", f.SensorTypes)
	}
}

func (m *Manager) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(envelope(ev)); err != nil {
				m.logger.Debug("websocket write failed", "client", c.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drop removes a client and closes its socket. Safe to call twice.
func (m *Manager) drop(c *client) {
	m.mu.Lock()
	_, present := m.clients[c.id]
	if present {
		delete(m.clients, c.id)
		close(c.send)
	}
	n := len(m.clients)
	m.mu.Unlock()
	_ = c.conn.Close()
	if present {
		m.metrics.SetWSClients(n)
		m.logger.Info("websocket client disconnected", "client", c.id, "clients", n)
	}
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	clients := make([]*client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()
	for _, c := range clients {
		m.drop(c)
	}
}

// ClientCount reports the number of connected clients.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// envelope is the wire shape sent to browsers: {type, data, ts}.
func envelope(ev events.Event) map[string]any {
	return map[string]any{
		"type": ev.Type,
		"data": ev.Data,
		"ts":   ev.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}
