package breaker

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fail(b *Breaker) error {
	return b.Execute(func() error { return errBoom })
}

func succeed(b *Breaker) error {
	return b.Execute(func() error { return nil })
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("test", Settings{FailureThreshold: 3, ResetTimeout: time.Hour}, testLogger())

	for i := 0; i < 3; i++ {
		if err := fail(b); !errors.Is(err, errBoom) {
			t.Fatalf("failure %d: err = %v, want errBoom", i, err)
		}
	}

	if !b.Open() {
		t.Fatalf("breaker state = %s, want open after 3 failures", b.State())
	}
	if err := succeed(b); !errors.Is(err, ErrOpen) {
		t.Errorf("err while open = %v, want ErrOpen", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New("test", Settings{FailureThreshold: 3, ResetTimeout: time.Hour}, testLogger())

	_ = fail(b)
	_ = fail(b)
	_ = succeed(b)
	_ = fail(b)
	_ = fail(b)

	if b.Open() {
		t.Error("breaker opened although failures were not consecutive")
	}
}

func TestHalfOpenProbesAndRecovery(t *testing.T) {
	b := New("test", Settings{
		FailureThreshold: 2,
		ResetTimeout:     50 * time.Millisecond,
		HalfOpenMaxCalls: 2,
	}, testLogger())

	_ = fail(b)
	_ = fail(b)
	if !b.Open() {
		t.Fatal("breaker should be open")
	}

	time.Sleep(80 * time.Millisecond)

	// Half-open: probes admitted again; enough successes close it.
	if err := succeed(b); err != nil {
		t.Fatalf("first half-open probe refused: %v", err)
	}
	if err := succeed(b); err != nil {
		t.Fatalf("second half-open probe refused: %v", err)
	}
	if b.Open() {
		t.Errorf("breaker state = %s, want closed after successful probes", b.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New("test", Settings{
		FailureThreshold: 2,
		ResetTimeout:     50 * time.Millisecond,
		HalfOpenMaxCalls: 2,
	}, testLogger())

	_ = fail(b)
	_ = fail(b)
	time.Sleep(80 * time.Millisecond)

	if err := fail(b); !errors.Is(err, errBoom) {
		t.Fatalf("probe err = %v, want errBoom", err)
	}
	if !b.Open() {
		t.Error("breaker should reopen after a failed probe")
	}
}

func TestAllowTwoStep(t *testing.T) {
	b := New("test", Settings{FailureThreshold: 2, ResetTimeout: time.Hour}, testLogger())

	done, ok := b.Allow()
	if !ok {
		t.Fatal("Allow refused on a closed breaker")
	}
	done(false)
	done, ok = b.Allow()
	if !ok {
		t.Fatal("Allow refused before threshold")
	}
	done(false)

	if _, ok := b.Allow(); ok {
		t.Error("Allow admitted a call on an open breaker")
	}
}

func TestNilBreakerExecutes(t *testing.T) {
	var b *Breaker
	called := false
	if err := b.Execute(func() error { called = true; return nil }); err != nil {
		t.Fatalf("nil breaker Execute: %v", err)
	}
	if !called {
		t.Error("nil breaker did not run the function")
	}
}
