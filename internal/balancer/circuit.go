package balancer

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker trips after exactly failureThreshold consecutive
// failures (not a rolling failure rate), per-agent. The shape mirrors the
// teacher's adaptive breaker — mutex-guarded state machine, OTel
// transition counters, Allow()/RecordResult() — but the trip policy is a
// strict consecutive count so a breaker trips deterministically after N
// failures in a row regardless of how many successes preceded them.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	halfOpenAfter    time.Duration
	maxHalfOpenProbes int

	state             breakerState
	consecutiveFails  int
	openedAt          time.Time
	halfOpenProbes    int
}

// NewCircuitBreaker constructs a breaker that opens after exactly
// failureThreshold consecutive failures and probes again after halfOpenAfter.
func NewCircuitBreaker(failureThreshold int, halfOpenAfter time.Duration, maxHalfOpenProbes int) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if maxHalfOpenProbes <= 0 {
		maxHalfOpenProbes = 1
	}
	return &CircuitBreaker{
		failureThreshold:  failureThreshold,
		halfOpenAfter:     halfOpenAfter,
		maxHalfOpenProbes: maxHalfOpenProbes,
		state:             stateClosed,
	}
}

// Allow reports whether a dispatch attempt is currently permitted. The
// open->half-open transition falls through into the half-open probe check
// in the same call, so the transitioning call itself counts as a probe.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateOpen {
		if time.Since(c.openedAt) < c.halfOpenAfter {
			return false
		}
		c.state = stateHalfOpen
		c.halfOpenProbes = 0
	}
	if c.state == stateHalfOpen {
		if c.halfOpenProbes >= c.maxHalfOpenProbes {
			return false
		}
		c.halfOpenProbes++
	}
	return true
}

// RecordResult folds a dispatch outcome into the breaker.
func (c *CircuitBreaker) RecordResult(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateClosed:
		if success {
			c.consecutiveFails = 0
			return
		}
		c.consecutiveFails++
		if c.consecutiveFails >= c.failureThreshold {
			c.transitionToOpen()
		}
	case stateHalfOpen:
		if !success {
			c.transitionToOpen()
			return
		}
		if c.halfOpenProbes >= c.maxHalfOpenProbes {
			c.reset()
		}
	case stateOpen:
		// Allow() governs the open->half-open timing transition.
	}
}

// State reports the breaker's current state for observability.
func (c *CircuitBreaker) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateOpen:
		return "OPEN"
	case stateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

func (c *CircuitBreaker) transitionToOpen() {
	meter := otel.GetMeterProvider().Meter("taskcore")
	c.state = stateOpen
	c.openedAt = time.Now()
	counter, _ := meter.Int64Counter("taskcore_circuit_open_total")
	counter.Add(context.Background(), 1)
}

func (c *CircuitBreaker) reset() {
	meter := otel.GetMeterProvider().Meter("taskcore")
	c.state = stateClosed
	c.consecutiveFails = 0
	c.openedAt = time.Time{}
	counter, _ := meter.Int64Counter("taskcore_circuit_closed_total")
	counter.Add(context.Background(), 1)
}
