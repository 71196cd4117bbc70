package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without touching the remote endpoint while the
// breaker is cooling down.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker guards one remote endpoint. It is shared by every caller that
// targets the endpoint and is safe for concurrent use.
//
// Closed: calls pass, consecutive failures are counted. Reaching the
// threshold opens the circuit. Open: calls are rejected until the cooldown
// elapses, then exactly one probe is allowed (half-open). The probe's
// outcome closes or re-opens the circuit.
type Breaker struct {
	mu            sync.Mutex
	threshold     int
	cooldown      time.Duration
	failures      int
	state         BreakerState
	openedAt      time.Time
	probeInFlight bool
	now           func() time.Time
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		now:       time.Now,
	}
}

// State reports the effective state, promoting Open to HalfOpen once the
// cooldown has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveState()
}

func (b *Breaker) effectiveState() BreakerState {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Allow reports whether a call may proceed right now. In the half-open
// window only a single probe is admitted; concurrent callers are rejected
// until the probe resolves.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.effectiveState() {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probeInFlight = true
		return nil
	default:
		return ErrCircuitOpen
	}
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probeInFlight = false
}

// RecordFailure counts a failure; at the threshold, or on a failed
// half-open probe, the circuit opens and the cooldown restarts.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trip()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = 0
	b.probeInFlight = false
}
