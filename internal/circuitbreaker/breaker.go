// Package circuitbreaker stops calling a failing dependency for a while.
//
// Each key (a bond series, an RPC endpoint) has its own circuit that moves
// closed -> open after consecutive failures, open -> half-open after a
// cool-down, and back to closed when the half-open trial succeeds.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Execute while a circuit refuses calls.
var ErrOpen = errors.New("circuitbreaker: circuit open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "bondmarket",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitions)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker holds one circuit per key.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	coolDown  time.Duration
	now       func() time.Time

	// Trips decides which errors count as failures. Nil counts every error.
	Trips func(error) bool
}

// New returns a breaker that opens after threshold consecutive failures and
// admits a trial again after coolDown.
func New(threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if coolDown <= 0 {
		coolDown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		coolDown:  coolDown,
		now:       time.Now,
	}
}

// Execute runs fn unless key's circuit is open, and records its outcome.
func (b *Breaker) Execute(key string, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && (b.Trips == nil || b.Trips(err)) {
		b.RecordFailure(key)
	} else {
		b.RecordSuccess(key)
	}
	return err
}

// Allow reports whether a call for key may proceed. An open circuit whose
// cool-down elapsed admits exactly one trial.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) >= b.coolDown {
			b.transition(c, key, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	}
	return true
}

func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return
	}
	c.failures = 0
	b.transition(c, key, StateClosed)
}

func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++

	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		b.transition(c, key, StateOpen)
	}
}

// State returns key's state; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// caller holds b.mu
func (b *Breaker) transition(c *circuit, key string, to State) {
	if c.state == to {
		return
	}
	transitions.WithLabelValues(key, c.state.String(), to.String()).Inc()
	c.state = to
}
