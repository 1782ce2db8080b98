// Package circuitbreaker stops calls to a dependency that keeps failing.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

var stateNames = map[State]string{
	Closed:   "closed",
	HalfOpen: "half-open",
	Open:     "open",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// ErrCircuitOpen is returned by Call while the dependency is considered down.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config sets how many consecutive failures trip the breaker, how many
// consecutive successes in half-open close it again, and how long it stays
// open before letting a trial call through.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
}

// DefaultConfig returns the defaults used for the schema registry.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		ResetTimeout:     10 * time.Second,
	}
}

// Breaker guards calls to a remote dependency. It is safe for concurrent use.
type Breaker struct {
	cfg Config
	now func() time.Time

	// onChange runs under mu.
	onChange func(from, to State)

	mu       sync.Mutex
	state    State
	streak   int // consecutive failures when closed, successes when half-open
	openedAt time.Time
}

type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a callback invoked on every state transition.
// It runs with the breaker's lock held and must not call back into the breaker.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// New returns a closed breaker. Thresholds below one are raised to one.
func New(cfg Config, opts ...Option) *Breaker {
	cfg.FailureThreshold = max(cfg.FailureThreshold, 1)
	cfg.SuccessThreshold = max(cfg.SuccessThreshold, 1)
	b := &Breaker{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Call runs fn unless the breaker is open, then records the outcome.
// Errors for which failed returns false count as successes: the dependency
// answered, the answer was just negative. A nil failed treats every error
// as a failure.
func (b *Breaker) Call(fn func() error, failed func(error) bool) error {
	if !b.admit() {
		return ErrCircuitOpen
	}
	err := fn()
	b.record(err != nil && (failed == nil || failed(err)))
	return err
}

// State reports the breaker's state. An open breaker whose reset timeout has
// elapsed reports half-open, since the next call will be let through.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cool()
	return b.state
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cool()
	return b.state != Open
}

func (b *Breaker) record(failure bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if failure {
		if b.state == HalfOpen {
			b.trip()
			return
		}
		if b.state == Closed {
			b.streak++
			if b.streak >= b.cfg.FailureThreshold {
				b.trip()
			}
		}
		return
	}

	switch b.state {
	case Closed:
		b.streak = 0
	case HalfOpen:
		b.streak++
		if b.streak >= b.cfg.SuccessThreshold {
			b.moveTo(Closed)
		}
	}
}

// cool moves an open breaker to half-open once the reset timeout is over.
func (b *Breaker) cool() {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.moveTo(HalfOpen)
	}
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.moveTo(Open)
}

func (b *Breaker) moveTo(to State) {
	from := b.state
	b.state = to
	b.streak = 0
	if b.onChange != nil && from != to {
		b.onChange(from, to)
	}
}
