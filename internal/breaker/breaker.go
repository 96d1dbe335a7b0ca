// Package breaker wraps sony/gobreaker with the server's fixed
// threshold policy: trip after N consecutive failures, probe after the
// reset timeout, close again after M consecutive half-open successes.
// One Breaker instance guards one dependency (MQTT publish, DB, ...).
package breaker

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned by Execute when the breaker is refusing calls,
// either because it is open or because the half-open probe budget is
// spent.
var ErrOpen = errors.New("circuit breaker open")

// Settings tune one breaker instance. Zero fields take the defaults
// from the configuration surface (5 failures, 30s reset, 2 probes).
type Settings struct {
	FailureThreshold uint32
	ResetTimeout     time.Duration
	HalfOpenMaxCalls uint32
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.ResetTimeout == 0 {
		s.ResetTimeout = 30 * time.Second
	}
	if s.HalfOpenMaxCalls == 0 {
		s.HalfOpenMaxCalls = 2
	}
	return s
}

// Breaker is a named circuit breaker. The two-step form lets callers
// who need to route refused work elsewhere (the offline buffer) check
// admission separately from reporting the outcome.
type Breaker struct {
	name   string
	cb     *gobreaker.TwoStepCircuitBreaker
	logger *slog.Logger
}

// New creates a named breaker. A nil logger falls back to slog.Default.
func New(name string, s Settings, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	s = s.withDefaults()

	b := &Breaker{name: name, logger: logger}
	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenMaxCalls,
		Timeout:     s.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return b
}

// Name returns the dependency this breaker protects.
func (b *Breaker) Name() string { return b.name }

// Allow asks for admission. On success the returned done func must be
// called exactly once with the call's outcome. When the breaker
// refuses, done is nil and ok is false; the caller should divert the
// work (e.g. into the offline buffer).
func (b *Breaker) Allow() (done func(success bool), ok bool) {
	d, err := b.cb.Allow()
	if err != nil {
		return nil, false
	}
	return d, true
}

// Execute runs fn under the breaker. Nil receivers execute fn
// directly, which lets tests construct components without a breaker.
func (b *Breaker) Execute(fn func() error) error {
	if b == nil {
		return fn()
	}
	done, ok := b.Allow()
	if !ok {
		return ErrOpen
	}
	err := fn()
	done(err == nil)
	return err
}

// State returns the breaker state as a lowercase string:
// closed, half-open, or open.
func (b *Breaker) State() string {
	if b == nil {
		return "closed"
	}
	return b.cb.State().String()
}

// Open reports whether the breaker currently refuses all calls.
func (b *Breaker) Open() bool {
	return b != nil && b.cb.State() == gobreaker.StateOpen
}
