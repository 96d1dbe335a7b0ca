package logic

import (
	"sync"
	"time"

	"github.com/verdantgrow/god-kaiser/internal/clock"
)

// slidingWindow counts events in a trailing window. Timestamps are
// kept in a deque; expired entries are trimmed on each check.
type slidingWindow struct {
	times  []time.Time
	window time.Duration
	budget int
}

func newSlidingWindow(budget int, window time.Duration) *slidingWindow {
	return &slidingWindow{window: window, budget: budget}
}

// allow records an event at now if the budget permits.
func (w *slidingWindow) allow(now time.Time) bool {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.times) && !w.times[i].After(cutoff) {
		i++
	}
	w.times = w.times[i:]

	if w.budget > 0 && len(w.times) >= w.budget {
		return false
	}
	w.times = append(w.times, now)
	return true
}

// RateLimiter enforces the engine's three independent budgets: a
// global executions-per-second cap, a per-target-device cap, and each
// rule's own executions-per-hour limit. All three must pass for a
// rule to run.
type RateLimiter struct {
	mu        sync.Mutex
	global    *slidingWindow
	perDevice map[string]*slidingWindow
	perRule   map[string]*slidingWindow

	deviceBudget int
	clock        clock.Clock
}

// NewRateLimiter creates the three-tier limiter. globalPerSec and
// devicePerSec default to 100 and 20 when non-positive.
func NewRateLimiter(globalPerSec, devicePerSec int, clk clock.Clock) *RateLimiter {
	if globalPerSec <= 0 {
		globalPerSec = 100
	}
	if devicePerSec <= 0 {
		devicePerSec = 20
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &RateLimiter{
		global:       newSlidingWindow(globalPerSec, time.Second),
		perDevice:    make(map[string]*slidingWindow),
		perRule:      make(map[string]*slidingWindow),
		deviceBudget: devicePerSec,
		clock:        clk,
	}
}

// Allow checks all three tiers for one rule execution targeting the
// given devices. maxPerHour <= 0 means the rule carries no hourly cap.
// Returns the tier that refused, or "" when admitted.
func (r *RateLimiter) Allow(ruleID string, maxPerHour int, targetDevices []string) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()

	if !r.global.allow(now) {
		return false, "global"
	}

	for _, dev := range targetDevices {
		w, ok := r.perDevice[dev]
		if !ok {
			w = newSlidingWindow(r.deviceBudget, time.Second)
			r.perDevice[dev] = w
		}
		if !w.allow(now) {
			return false, "device:" + dev
		}
	}

	if maxPerHour > 0 {
		w, ok := r.perRule[ruleID]
		if !ok || w.budget != maxPerHour {
			w = newSlidingWindow(maxPerHour, time.Hour)
			r.perRule[ruleID] = w
		}
		if !w.allow(now) {
			return false, "rule"
		}
	}

	return true, ""
}
