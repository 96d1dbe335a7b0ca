package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/verdantgrow/god-kaiser/internal/breaker"
	"github.com/verdantgrow/god-kaiser/internal/config"
	"github.com/verdantgrow/god-kaiser/internal/metrics"
	"github.com/verdantgrow/god-kaiser/internal/topics"
)

// QoS policy, fixed by contract with the field devices.
const (
	QoSHeartbeat byte = 0 // fire-and-forget, lossy tolerated
	QoSDefault   byte = 1 // sensor data, commands, status
	QoSConfig    byte = 2 // configuration push/acks, exactly-once
)

// Client owns the broker connection. One instance per process,
// created during startup and closed during shutdown.
type Client struct {
	cfg        config.MQTTConfig
	codec      topics.Codec
	cb         *breaker.Breaker
	buffer     *OfflineBuffer
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger

	cm        *autopaho.ConnectionManager
	connected atomic.Bool
}

// NewClient creates a Client but does not connect. Call
// [Client.Start] to begin the connection.
func NewClient(cfg config.MQTTConfig, codec topics.Codec, cb *breaker.Breaker,
	dispatcher *Dispatcher, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		codec:      codec,
		cb:         cb,
		buffer:     NewOfflineBuffer(cfg.BufferCapacity),
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
	}
}

// Buffer exposes the offline buffer for health reporting and tests.
func (c *Client) Buffer() *OfflineBuffer { return c.buffer }

// Connected reports whether the broker connection is currently up.
func (c *Client) Connected() bool { return c.connected.Load() }

// BufferDepth reports how many publishes are parked awaiting
// reconnect.
func (c *Client) BufferDepth() int { return c.buffer.Len() }

// BreakerState reports the publish breaker state for health endpoints.
func (c *Client) BreakerState() string { return c.cb.State() }

// brokerURL assembles the connection URL from host/port/TLS settings.
func (c *Client) brokerURL() string {
	scheme := "mqtt"
	if c.cfg.TLS {
		scheme = "mqtts"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.cfg.Host, c.cfg.Port)
}

// tlsConfig builds the TLS configuration. A missing CA certificate is
// fatal unless unverified TLS was explicitly allowed, in which case a
// loud warning is logged.
func (c *Client) tlsConfig() (*tls.Config, error) {
	if !c.cfg.TLS {
		return nil, nil
	}

	tc := &tls.Config{MinVersion: tls.VersionTLS12}

	if c.cfg.CACert != "" {
		pem, err := os.ReadFile(c.cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA certificate %s contains no usable certs", c.cfg.CACert)
		}
		tc.RootCAs = pool
	} else if c.cfg.AllowInsecureTLS {
		c.logger.Warn("TLS ENABLED WITHOUT CA VERIFICATION — connection is open to interception; configure ca_cert for production")
		tc.InsecureSkipVerify = true
	} else {
		return nil, fmt.Errorf("tls enabled but no CA certificate configured")
	}

	if c.cfg.ClientCert != "" && c.cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(c.cfg.ClientCert, c.cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}

	return tc, nil
}

// Start connects to the broker and returns once the initial
// connection attempt resolves; autopaho maintains the session in the
// background until ctx is cancelled. On every (re-)connect it
// re-subscribes the dispatcher's filters, publishes the birth
// message, and replays the offline buffer.
func (c *Client) Start(ctx context.Context) error {
	u, err := url.Parse(c.brokerURL())
	if err != nil {
		return fmt.Errorf("parse broker URL: %w", err)
	}

	tlsCfg, err := c.tlsConfig()
	if err != nil {
		return err
	}

	statusTopic := c.codec.ServerStatus()
	clientID := c.cfg.ClientIDPrefix + "-" + uuid.NewString()[:8]

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{u},
		KeepAlive:       30,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		TlsCfg:          tlsCfg,
		WillMessage: &paho.WillMessage{
			Topic:   statusTopic,
			Payload: []byte("offline"),
			QoS:     QoSDefault,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.connected.Store(true)
			c.logger.Info("mqtt connected to broker", "broker", u.String(), "client_id", clientID)
			c.subscribeAll(ctx, cm)
			c.publishBirth(ctx, cm, statusTopic)
			c.replayBuffer(ctx, cm)
		},
		OnConnectError: func(err error) {
			c.connected.Store(false)
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.dispatcher.Receive(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.connected.Store(false)
				c.logger.Warn("mqtt server disconnect", "reason_code", d.ReasonCode)
			},
		},
	}

	if c.cfg.Username == "" {
		c.logger.Info("mqtt connecting anonymously (no credentials configured)")
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm

	// Wait for the initial connection before declaring started.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background; publishes land
		// in the offline buffer meanwhile.
		c.logger.Warn("mqtt initial connection timed out, retrying in background", "error", err)
	}
	return nil
}

// Stop publishes the offline status and disconnects.
func (c *Client) Stop(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	_, _ = c.cm.Publish(ctx, &paho.Publish{
		Topic:   c.codec.ServerStatus(),
		Payload: []byte("offline"),
		QoS:     QoSDefault,
		Retain:  true,
	})
	return c.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Useful for health probes.
func (c *Client) AwaitConnection(ctx context.Context) error {
	if c.cm == nil {
		return fmt.Errorf("mqtt client not started")
	}
	return c.cm.AwaitConnection(ctx)
}

func (c *Client) subscribeAll(ctx context.Context, cm *autopaho.ConnectionManager) {
	subs := c.dispatcher.Subscriptions()
	if len(subs) == 0 {
		return
	}
	opts := make([]paho.SubscribeOptions, 0, len(subs))
	for _, s := range subs {
		opts = append(opts, paho.SubscribeOptions{Topic: s.Pattern, QoS: s.QoS})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		c.logger.Error("mqtt subscribe failed", "filters", len(opts), "error", err)
		return
	}
	c.logger.Info("mqtt subscriptions established", "filters", len(opts))
}

func (c *Client) publishBirth(ctx context.Context, cm *autopaho.ConnectionManager, topic string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: []byte("online"),
		QoS:     QoSDefault,
		Retain:  true,
	}); err != nil {
		c.logger.Warn("mqtt birth publish failed", "error", err)
	}
}

// replayBuffer republishes everything queued while the broker was
// unreachable, preserving insertion order.
func (c *Client) replayBuffer(ctx context.Context, cm *autopaho.ConnectionManager) {
	msgs := c.buffer.Drain()
	if len(msgs) == 0 {
		return
	}
	c.logger.Info("replaying offline buffer", "messages", len(msgs))

	for _, m := range msgs {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   m.Topic,
			Payload: m.Payload,
			QoS:     m.QoS,
			Retain:  m.Retain,
		}); err != nil {
			// Back into the buffer; remaining messages follow to keep order.
			c.buffer.Enqueue(m)
			c.logger.Warn("offline replay publish failed, re-buffered", "topic", m.Topic, "error", err)
		}
	}
	c.metrics.SetBufferDepth(c.buffer.Len())
}

// Publish sends one message under the publish circuit breaker. When
// the breaker refuses the call or the publish fails, the message is
// enqueued in the offline buffer and false is returned.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte, qos byte) bool {
	msg := Message{Topic: topic, Payload: payload, QoS: qos}

	done, ok := c.cb.Allow()
	if !ok {
		c.buffer.Enqueue(msg)
		c.metrics.SetBufferDepth(c.buffer.Len())
		c.logger.Debug("publish diverted to offline buffer (breaker open)", "topic", topic)
		return false
	}

	err := c.publishNow(ctx, msg)
	done(err == nil)
	if err != nil {
		c.buffer.Enqueue(msg)
		c.metrics.SetBufferDepth(c.buffer.Len())
		c.logger.Warn("mqtt publish failed, buffered", "topic", topic, "error", err)
		return false
	}
	return true
}

func (c *Client) publishNow(ctx context.Context, m Message) error {
	if c.cm == nil || !c.connected.Load() {
		return fmt.Errorf("broker not connected")
	}

	timeout := time.Duration(c.cfg.PublishTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pubCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := c.cm.Publish(pubCtx, &paho.Publish{
		Topic:   m.Topic,
		Payload: m.Payload,
		QoS:     m.QoS,
		Retain:  m.Retain,
	})
	return err
}

// PublishJSON marshals v and publishes it.
func (c *Client) PublishJSON(ctx context.Context, topic string, v any, qos byte) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("marshal publish payload", "topic", topic, "error", err)
		return false
	}
	return c.Publish(ctx, topic, payload, qos)
}
