package logic

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/verdantgrow/god-kaiser/internal/clock"
)

// Resource identifies one actuator channel.
type Resource struct {
	DeviceID string
	GPIO     int
}

func (r Resource) String() string {
	return r.DeviceID + "/" + strconv.Itoa(r.GPIO)
}

// AcquireResult describes the outcome of a lock request.
type AcquireResult int

const (
	// Granted means the resource was free.
	Granted AcquireResult = iota
	// Preempted means a lower-priority (or non-safety) holder was
	// cancelled and the lock transferred.
	Preempted
	// Blocked means a higher-priority holder keeps the lock.
	Blocked
)

type lock struct {
	ruleID    string
	priority  int
	safety    bool
	expiresAt time.Time
	cancel    context.CancelFunc
}

// ConflictManager serializes actuator access across rules via
// priority locks with a TTL. Safety-critical requests override any
// non-safety holder and cancel its in-flight action loop.
type ConflictManager struct {
	mu     sync.Mutex
	locks  map[Resource]*lock
	ttl    time.Duration
	clock  clock.Clock
	logger *slog.Logger
}

// NewConflictManager creates a manager with the given lock TTL
// (default 60s when non-positive).
func NewConflictManager(ttl time.Duration, clk clock.Clock, logger *slog.Logger) *ConflictManager {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConflictManager{
		locks:  make(map[Resource]*lock),
		ttl:    ttl,
		clock:  clk,
		logger: logger,
	}
}

// Acquire requests a lock on res for ruleID. cancel is invoked if the
// holder is later pre-empted, so its action loop can abort cleanly.
//
// Grant policy: a free (or expired) resource is granted. Otherwise a
// safety-critical request overrides any non-safety holder, and a
// strictly lower priority number pre-empts a same-class holder.
// Equal priority keeps the earlier holder (first-come).
func (m *ConflictManager) Acquire(res Resource, ruleID string, priority int, safety bool, cancel context.CancelFunc) AcquireResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	holder, held := m.locks[res]
	if held && now.After(holder.expiresAt) {
		held = false
	}

	if !held {
		m.locks[res] = &lock{
			ruleID: ruleID, priority: priority, safety: safety,
			expiresAt: now.Add(m.ttl), cancel: cancel,
		}
		return Granted
	}

	if holder.ruleID == ruleID {
		// Re-entrant refresh.
		holder.expiresAt = now.Add(m.ttl)
		holder.cancel = cancel
		return Granted
	}

	preempt := false
	switch {
	case safety && !holder.safety:
		preempt = true
	case safety == holder.safety && priority < holder.priority:
		preempt = true
	}

	if !preempt {
		return Blocked
	}

	m.logger.Warn("actuator lock preempted",
		"resource", res.String(),
		"holder_rule", holder.ruleID, "holder_priority", holder.priority,
		"new_rule", ruleID, "new_priority", priority, "safety", safety)

	if holder.cancel != nil {
		holder.cancel()
	}
	m.locks[res] = &lock{
		ruleID: ruleID, priority: priority, safety: safety,
		expiresAt: now.Add(m.ttl), cancel: cancel,
	}
	return Preempted
}

// Release drops a lock if ruleID still holds it.
func (m *ConflictManager) Release(res Resource, ruleID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if holder, ok := m.locks[res]; ok && holder.ruleID == ruleID {
		delete(m.locks, res)
	}
}

// Holder returns the rule currently holding res, if any.
func (m *ConflictManager) Holder(res Resource) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	holder, ok := m.locks[res]
	if !ok || m.clock.Now().After(holder.expiresAt) {
		return "", false
	}
	return holder.ruleID, true
}

// Sweep expires stale locks. Run periodically by the scheduler.
func (m *ConflictManager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	n := 0
	for res, holder := range m.locks {
		if now.After(holder.expiresAt) {
			delete(m.locks, res)
			n++
		}
	}
	return n
}
