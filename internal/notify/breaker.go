package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// ErrBreakerOpen is returned while a delivery channel is short-circuited.
var ErrBreakerOpen = errors.New("notify: circuit breaker is open")

// BreakerState is the state of a Breaker. The values match the
// intraflow_notifier_circuit_breaker_state gauge.
type BreakerState int

const (
	// BreakerClosed lets deliveries through and counts consecutive failures.
	BreakerClosed BreakerState = iota
	// BreakerHalfOpen lets probe deliveries through after the cooldown.
	BreakerHalfOpen
	// BreakerOpen rejects deliveries until the cooldown elapses.
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func stateFrom(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// rejectedError marks a call the remote side refused on its merits. It is
// returned to the caller but does not count against the channel's health.
type rejectedError struct {
	status int
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("webhook rejected message: %d", e.status)
}

// Breaker stops hammering a failing delivery channel. It opens after
// failureThreshold consecutive failures, waits cooldown, then needs
// successThreshold consecutive probe successes to close again.
type Breaker struct {
	cb *gobreaker.CircuitBreaker

	// OnStateChange, when set, is called with the new state. It runs under
	// the breaker's lock and must not call back into the Breaker.
	OnStateChange func(BreakerState)
}

// NewBreaker creates a Breaker. Non-positive arguments get defaults of 5
// failures, 1 success and 30s cooldown.
func NewBreaker(failureThreshold, successThreshold int, cooldown time.Duration) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 1
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}

	b := &Breaker{}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notify",
		MaxRequests: uint32(successThreshold),
		Timeout:     cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(failureThreshold)
		},
		IsSuccessful: func(err error) bool {
			var rejected *rejectedError
			return err == nil || errors.As(err, &rejected)
		},
		OnStateChange: func(_ string, _, to gobreaker.State) {
			if b.OnStateChange != nil {
				b.OnStateChange(stateFrom(to))
			}
		},
	})
	return b
}

// Do runs fn unless the breaker is open and records its outcome.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrBreakerOpen
	}
	return err
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	return stateFrom(b.cb.State())
}
