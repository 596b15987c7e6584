package channel

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerChannel decorates a Channel with circuit breaker logic on
// the publish path. A flapping transport then degrades to probe-less
// operation instead of stalling every heartbeat on a dead broker.
type CircuitBreakerChannel struct {
	ch        Channel
	mu        sync.RWMutex
	state     breakerState
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a new CircuitBreakerChannel. The circuit opens
// after threshold consecutive publish failures and allows a probe again
// once timeout has elapsed.
func NewCircuitBreaker(ch Channel, threshold int, timeout time.Duration) *CircuitBreakerChannel {
	return &CircuitBreakerChannel{
		ch:        ch,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed.
func (cb *CircuitBreakerChannel) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow checks if a publish should be attempted. It handles the transition
// from Open to Half-Open based on timeout.
func (cb *CircuitBreakerChannel) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false // Only allow one probe at a time
	}
	return false
}

func (cb *CircuitBreakerChannel) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateHalfOpen:
		cb.state = stateClosed
		cb.failures = 0
	case stateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreakerChannel) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateClosed && cb.failures >= cb.threshold {
		cb.state = stateOpen
	} else if cb.state == stateHalfOpen {
		cb.state = stateOpen
	}
}

// Publish implements Channel.Publish with circuit breaker logic.
func (cb *CircuitBreakerChannel) Publish(ctx context.Context, data []byte) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}

	err := cb.ch.Publish(ctx, data)
	if err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

// Subscribe implements Channel.Subscribe. Subscriptions pass through; the
// breaker only guards the publish path.
func (cb *CircuitBreakerChannel) Subscribe(ctx context.Context) (<-chan Message, error) {
	return cb.ch.Subscribe(ctx)
}

// Unsubscribe implements Channel.Unsubscribe.
func (cb *CircuitBreakerChannel) Unsubscribe(ctx context.Context, ch <-chan Message) error {
	return cb.ch.Unsubscribe(ctx, ch)
}

// Close implements Channel.Close.
func (cb *CircuitBreakerChannel) Close() error {
	return cb.ch.Close()
}
