// Package circuitbreaker guards chain backends with a per-chain circuit
// breaker (closed -> open -> half-open).
//
// Only transport-level failures count against a chain: timeouts and RPC
// errors. An explicit rejection by the chain (tecUNFUNDED, a reverted
// contract call) proves the backend is reachable and is recorded as healthy.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Guard while a chain's circuit is open.
var ErrOpen = errors.New("circuit open: chain backend temporarily unavailable")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal: calls flow through
	StateOpen                  // Tripped: calls fail fast
	StateHalfOpen              // Probing: one call allowed to test recovery
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	cbStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "luxescrow",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Chain circuit breaker transitions by chain, from-state, and to-state.",
	}, []string{"chain", "from_state", "to_state"})

	cbState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "luxescrow",
		Subsystem: "circuitbreaker",
		Name:      "state",
		Help:      "Current circuit state per chain (0=closed, 1=open, 2=half_open).",
	}, []string{"chain"})
)

func init() {
	prometheus.MustRegister(cbStateTransitions, cbState)
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive transport failures per chain and trips open
// when they reach the threshold. After openDuration the circuit moves to
// half-open and lets one probe call through.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	now          func() time.Time
	onTransition func(chain string, from, to State)
}

// New creates a breaker that opens after threshold consecutive failures and
// stays open for openDuration before probing.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// OnTransition sets a callback invoked on state changes.
func (b *Breaker) OnTransition(fn func(chain string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Guard returns ErrOpen when calls to chain must fail fast. An open circuit
// whose openDuration has elapsed moves to half-open and admits this call.
func (b *Breaker) Guard(chain string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[chain]
	if !ok {
		return nil
	}

	switch e.state {
	case StateOpen:
		if b.now().Sub(e.lastFailure) >= b.openDuration {
			b.transition(e, chain, StateHalfOpen)
			return nil
		}
		return ErrOpen
	case StateHalfOpen:
		return ErrOpen
	default:
		return nil
	}
}

// Record reports the result of a guarded call. healthy is true for success
// and for explicit chain rejections.
func (b *Breaker) Record(chain string, healthy bool) {
	if healthy {
		b.recordSuccess(chain)
		return
	}
	b.recordFailure(chain)
}

func (b *Breaker) recordSuccess(chain string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[chain]
	if !ok {
		return
	}
	if e.state != StateClosed {
		b.transition(e, chain, StateClosed)
	}
	e.failures = 0
}

func (b *Breaker) recordFailure(chain string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[chain]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[chain] = e
	}

	e.failures++
	e.lastFailure = b.now()

	switch {
	case e.state == StateHalfOpen:
		b.transition(e, chain, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.transition(e, chain, StateOpen)
	}
}

// State returns the current state for a chain. Unknown chains are closed.
func (b *Breaker) State(chain string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[chain]
	if !ok {
		return StateClosed
	}
	return e.state
}

// transition changes state and fires the callback. Caller must hold b.mu.
func (b *Breaker) transition(e *entry, chain string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	cbStateTransitions.WithLabelValues(chain, from.String(), to.String()).Inc()
	cbState.WithLabelValues(chain).Set(float64(to))
	if b.onTransition != nil {
		fn := b.onTransition
		go fn(chain, from, to)
	}
}
