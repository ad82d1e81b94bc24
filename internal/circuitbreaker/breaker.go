// Package circuitbreaker protects the validation pipeline stages from
// cascading failures. Each stage runs behind a breaker that trips on
// consecutive failures and reopens on an exponential backoff ladder; the
// adaptive variant additionally trips on a rolling latency budget.
package circuitbreaker

import (
	"errors"
	"log"
	"sync"
	"time"
)

// State is the breaker's position in the closed/open/half-open cycle.
type State int

const (
	StateClosed   State = iota // requests pass, failures are counted
	StateOpen                  // requests are rejected until the backoff expires
	StateHalfOpen              // limited probes decide between closed and open
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrCircuitOpen rejects a request while the breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrTooManyRequests rejects requests beyond the half-open probe budget.
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config tunes one breaker.
type Config struct {
	Name string

	// MaxRequests bounds concurrent half-open probes; that many consecutive
	// probe successes close the circuit again.
	MaxRequests uint32

	// Interval clears the closed-state counts periodically so old failures
	// age out. Zero keeps counts for the life of the generation.
	Interval time.Duration

	// BaseBackoff is the first open-state duration. Every consecutive trip
	// doubles it up to MaxBackoff; a successful recovery resets the ladder.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// ReadyToTrip inspects the counts after each closed-state failure and
	// reports whether the breaker should open.
	ReadyToTrip func(counts Counts) bool

	// OnStateChange observes every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig is what the pipeline stages run with: trip on five
// consecutive failures, close again on a single half-open success, back off
// doubling from one second to a minute.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		BaseBackoff: time.Second,
		MaxBackoff:  60 * time.Second,
		ReadyToTrip: func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to State) {
			log.Printf("[CircuitBreaker:%s] State change: %s -> %s", name, from, to)
		},
	}
}

// Counts is the per-generation request tally handed to ReadyToTrip.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) reset() {
	*c = Counts{}
}

func (c *Counts) success() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) failure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Breaker is a single circuit breaker. Results are tied to the generation
// that admitted them, so a request that straddles a state change cannot
// corrupt the counts of the new generation.
type Breaker struct {
	cfg *Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time // generation deadline: count window or open backoff
	trips      int       // consecutive trips without a recovery, drives the ladder
}

// New builds a breaker, filling unset config fields with the defaults.
func New(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.BaseBackoff == 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.ReadyToTrip == nil {
		cfg.ReadyToTrip = DefaultConfig(cfg.Name).ReadyToTrip
	}
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Name identifies the breaker in stats and health surfaces.
func (b *Breaker) Name() string { return b.cfg.Name }

// State reports the current state, applying any pending expiry first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.resolve(time.Now())
	return state
}

// Counts returns a copy of the current generation's tally.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Backoff reports the open-state duration the next trip would use.
func (b *Breaker) Backoff() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backoffLocked()
}

func (b *Breaker) backoffLocked() time.Duration {
	d := b.cfg.BaseBackoff
	for i := 1; i < b.trips && d < b.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > b.cfg.MaxBackoff {
		d = b.cfg.MaxBackoff
	}
	return d
}

// Execute runs req if the breaker admits it. A panic inside req counts as a
// failure and is re-raised.
func (b *Breaker) Execute(req func() (interface{}, error)) (interface{}, error) {
	gen, err := b.admit()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			b.settle(gen, false)
			panic(r)
		}
	}()

	result, err := req()
	b.settle(gen, err == nil)
	return result, err
}

// ForceOpen trips the breaker regardless of counts. The adaptive variant
// uses it when a stage blows its latency budget.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		b.trip(time.Now())
	}
}

// admit decides whether a request may run and returns the generation that
// must settle it.
func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, gen := b.resolve(now)

	if state == StateOpen {
		return gen, ErrCircuitOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxRequests {
		return gen, ErrTooManyRequests
	}

	b.counts.Requests++
	return gen, nil
}

// settle records the outcome of an admitted request. Outcomes from an older
// generation are dropped.
func (b *Breaker) settle(gen uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.resolve(now)
	if gen != current {
		return
	}

	switch {
	case ok && state == StateClosed:
		b.counts.success()
	case ok && state == StateHalfOpen:
		b.counts.success()
		if b.counts.ConsecutiveSuccesses >= b.cfg.MaxRequests {
			b.trips = 0
			b.transition(StateClosed, now)
		}
	case !ok && state == StateClosed:
		b.counts.failure()
		if b.cfg.ReadyToTrip(b.counts) {
			b.trip(now)
		}
	case !ok && state == StateHalfOpen:
		// A failed probe reopens immediately and climbs the ladder.
		b.trip(now)
	}
}

func (b *Breaker) trip(now time.Time) {
	b.trips++
	b.transition(StateOpen, now)
}

// resolve applies any pending expiry and returns the effective state and
// generation. Caller holds b.mu.
func (b *Breaker) resolve(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.restart(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.transition(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) transition(state State, now time.Time) {
	if b.state == state {
		return
	}
	from := b.state
	b.state = state
	b.restart(now)

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, state)
	}
}

// restart opens a new generation: counts clear, and the expiry becomes the
// count window when closed or the ladder backoff when open.
func (b *Breaker) restart(now time.Time) {
	b.generation++
	b.counts.reset()

	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.backoffLocked())
	default:
		b.expiry = time.Time{}
	}
}
