package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

var errStage = errors.New("stage failed")

func failingConfig(name string, threshold uint32) *Config {
	return &Config{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		BaseBackoff: 20 * time.Millisecond,
		MaxBackoff:  80 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= threshold },
		OnStateChange: func(string, State, State) {},
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := New(failingConfig("l2", 3))

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(func() (interface{}, error) { return nil, errStage })
		if err == nil {
			t.Fatal("expected stage error")
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want OPEN after 3 consecutive failures", cb.State())
	}

	// Open circuit rejects without running the stage
	ran := false
	_, err := cb.Execute(func() (interface{}, error) { ran = true; return nil, nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if ran {
		t.Error("stage must not run while the circuit is open")
	}
}

func TestBreaker_SingleSuccessClosesHalfOpen(t *testing.T) {
	cb := New(failingConfig("l3", 2))

	cb.Execute(func() (interface{}, error) { return nil, errStage })
	cb.Execute(func() (interface{}, error) { return nil, errStage })
	if cb.State() != StateOpen {
		t.Fatal("expected OPEN")
	}

	time.Sleep(25 * time.Millisecond) // past BaseBackoff

	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN after backoff", cb.State())
	}

	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	if err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED after one half-open success", cb.State())
	}
}

func TestBreaker_BackoffDoublesUpToCap(t *testing.T) {
	cb := New(failingConfig("exp", 1))

	trip := func() {
		cb.Execute(func() (interface{}, error) { return nil, errStage })
	}

	trip() // first trip
	if got := cb.Backoff(); got != 20*time.Millisecond {
		t.Errorf("backoff after 1 trip = %v, want 20ms", got)
	}

	time.Sleep(25 * time.Millisecond)
	trip() // half-open failure, second trip
	if got := cb.Backoff(); got != 40*time.Millisecond {
		t.Errorf("backoff after 2 trips = %v, want 40ms", got)
	}

	time.Sleep(45 * time.Millisecond)
	trip() // third trip
	if got := cb.Backoff(); got != 80*time.Millisecond {
		t.Errorf("backoff after 3 trips = %v, want 80ms", got)
	}

	time.Sleep(85 * time.Millisecond)
	trip() // fourth trip, capped
	if got := cb.Backoff(); got != 80*time.Millisecond {
		t.Errorf("backoff after 4 trips = %v, want capped at 80ms", got)
	}
}

func TestBreaker_RecoveryResetsBackoff(t *testing.T) {
	cb := New(failingConfig("reset", 1))

	cb.Execute(func() (interface{}, error) { return nil, errStage })
	time.Sleep(25 * time.Millisecond)
	cb.Execute(func() (interface{}, error) { return nil, errStage }) // second trip
	time.Sleep(45 * time.Millisecond)

	// Successful probe closes and resets the ladder
	cb.Execute(func() (interface{}, error) { return "ok", nil })
	if cb.State() != StateClosed {
		t.Fatal("expected CLOSED")
	}

	cb.Execute(func() (interface{}, error) { return nil, errStage })
	if got := cb.Backoff(); got != 20*time.Millisecond {
		t.Errorf("backoff after recovery = %v, want base 20ms", got)
	}
}

func TestBreaker_PanicCountsAsFailure(t *testing.T) {
	cb := New(failingConfig("panicky", 1))

	func() {
		defer func() { recover() }()
		cb.Execute(func() (interface{}, error) { panic("stage exploded") })
	}()

	if cb.State() != StateOpen {
		t.Errorf("state = %s, want OPEN after panic", cb.State())
	}
}

func TestAdaptive_OpensOnSlowStage(t *testing.T) {
	ab := NewAdaptive(failingConfig("slow", 100), 2*time.Millisecond)

	for i := 0; i < adaptiveWarmup+30; i++ {
		ab.Execute(func() (interface{}, error) {
			time.Sleep(4 * time.Millisecond) // consistently over budget
			return "ok", nil
		})
		if ab.State() == StateOpen {
			break
		}
	}

	if ab.State() != StateOpen {
		t.Errorf("state = %s, want OPEN for a stage exceeding its latency target", ab.State())
	}
}

func TestAdaptive_UnboundedTargetNeverLatencyTrips(t *testing.T) {
	ab := NewAdaptive(failingConfig("expert", 100), 0)

	for i := 0; i < adaptiveWarmup+5; i++ {
		ab.Execute(func() (interface{}, error) {
			time.Sleep(time.Millisecond)
			return "ok", nil
		})
	}

	if ab.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED with no latency target", ab.State())
	}
}

func TestBreaker_StaleResultIgnored(t *testing.T) {
	cb := New(failingConfig("stale", 1))

	// Admit a request, then force a generation change before it settles.
	gen, err := cb.admit()
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	cb.ForceOpen()
	cb.settle(gen, false)

	if got := cb.Counts().TotalFailures; got != 0 {
		t.Errorf("failures = %d, want 0: a result from an old generation must not count", got)
	}
}
