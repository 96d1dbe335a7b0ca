package logic

import (
	"testing"
	"time"

	"github.com/verdantgrow/god-kaiser/internal/clock"
)

func TestRateLimiterGlobalTier(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(3, 100, fc)

	for i := 0; i < 3; i++ {
		if ok, tier := rl.Allow("r1", 0, nil); !ok {
			t.Fatalf("execution %d refused by %q", i, tier)
		}
	}
	ok, tier := rl.Allow("r1", 0, nil)
	if ok || tier != "global" {
		t.Fatalf("Allow = %v, %q; want refusal by global tier", ok, tier)
	}

	// The window slides: a second later the budget frees up.
	fc.Advance(1100 * time.Millisecond)
	if ok, tier := rl.Allow("r1", 0, nil); !ok {
		t.Fatalf("refused by %q after window passed", tier)
	}
}

func TestRateLimiterDeviceTier(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(100, 2, fc)

	for i := 0; i < 2; i++ {
		if ok, tier := rl.Allow("r1", 0, []string{"esp_01"}); !ok {
			t.Fatalf("execution %d refused by %q", i, tier)
		}
	}
	ok, tier := rl.Allow("r2", 0, []string{"esp_01"})
	if ok || tier != "device:esp_01" {
		t.Fatalf("Allow = %v, %q; want refusal by device tier", ok, tier)
	}

	// A different device carries its own budget.
	if ok, tier := rl.Allow("r2", 0, []string{"esp_02"}); !ok {
		t.Fatalf("refused by %q for an untouched device", tier)
	}
}

func TestRateLimiterRuleTier(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(100, 100, fc)

	for i := 0; i < 2; i++ {
		if ok, tier := rl.Allow("r1", 2, nil); !ok {
			t.Fatalf("execution %d refused by %q", i, tier)
		}
		fc.Advance(time.Minute)
	}
	ok, tier := rl.Allow("r1", 2, nil)
	if ok || tier != "rule" {
		t.Fatalf("Allow = %v, %q; want refusal by rule tier", ok, tier)
	}

	// Other rules are unaffected.
	if ok, tier := rl.Allow("r2", 2, nil); !ok {
		t.Fatalf("refused by %q for a different rule", tier)
	}

	// An hour after the first execution the rule window frees up.
	fc.Advance(time.Hour)
	if ok, tier := rl.Allow("r1", 2, nil); !ok {
		t.Fatalf("refused by %q after hour window passed", tier)
	}
}

func TestRateLimiterNoHourlyCap(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(1000, 1000, fc)

	for i := 0; i < 50; i++ {
		if ok, tier := rl.Allow("r1", 0, nil); !ok {
			t.Fatalf("execution %d refused by %q with no hourly cap", i, tier)
		}
	}
}

func TestRateLimiterBudgetChangeResetsRuleWindow(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(100, 100, fc)

	rl.Allow("r1", 1, nil)
	if ok, _ := rl.Allow("r1", 1, nil); ok {
		t.Fatal("second execution should exceed cap of 1")
	}
	// Raising the rule's cap rebuilds the window.
	if ok, tier := rl.Allow("r1", 5, nil); !ok {
		t.Fatalf("refused by %q after budget raised", tier)
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	rl := NewRateLimiter(0, 0, clock.NewFake(time.Now()))
	if rl.global.budget != 100 {
		t.Fatalf("global budget = %d, want default 100", rl.global.budget)
	}
	if rl.deviceBudget != 20 {
		t.Fatalf("device budget = %d, want default 20", rl.deviceBudget)
	}
}
