// Package libroutine provides a circuit breaker and managed background loops.
// The relay uses it to guard store connections at startup and to run the
// session sweep cycle without letting a failing dependency spin hot.
package libroutine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Execute when the breaker rejects the call.
var ErrCircuitOpen = errors.New("libroutine: circuit open")

// State is the circuit breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Routine is a circuit breaker around a recurring operation.
type Routine struct {
	mu               sync.Mutex
	state            State
	threshold        int
	resetTimeout     time.Duration
	failureCount     int
	openedAt         time.Time
	halfOpenInFlight bool
}

// NewRoutine creates a breaker that opens after threshold consecutive
// failures and probes again after resetTimeout.
func NewRoutine(threshold int, resetTimeout time.Duration) *Routine {
	return &Routine{
		state:        Closed,
		threshold:    threshold,
		resetTimeout: resetTimeout,
	}
}

// maybeHalfOpen transitions Open→HalfOpen once the reset timeout has elapsed.
// Caller must hold mu.
func (r *Routine) maybeHalfOpen() {
	if r.state == Open && time.Since(r.openedAt) >= r.resetTimeout {
		r.state = HalfOpen
		r.halfOpenInFlight = false
	}
}

// Allow reports whether a call may proceed. In half-open state exactly one
// probe call is let through at a time.
func (r *Routine) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeHalfOpen()
	switch r.state {
	case Closed:
		return true
	case HalfOpen:
		if r.halfOpenInFlight {
			return false
		}
		r.halfOpenInFlight = true
		return true
	default:
		return false
	}
}

// MarkSuccess records a successful call.
func (r *Routine) MarkSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == HalfOpen {
		log.Printf("libroutine: circuit recovered, closing")
	}
	r.state = Closed
	r.failureCount = 0
	r.halfOpenInFlight = false
}

// MarkFailure records a failed call, opening the circuit when the failure
// threshold is reached or a half-open probe fails.
func (r *Routine) MarkFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failureCount++
	if r.state == HalfOpen || r.failureCount >= r.threshold {
		if r.state != Open {
			log.Printf("libroutine: circuit opened after %d failures", r.failureCount)
		}
		r.state = Open
		r.openedAt = time.Now()
		r.halfOpenInFlight = false
	}
}

// Execute runs fn through the breaker.
func (r *Routine) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !r.Allow() {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	if err != nil {
		r.MarkFailure()
		return err
	}
	r.MarkSuccess()
	return nil
}

// ExecuteWithRetry runs fn up to attempts times, sleeping between attempts.
// An open circuit aborts immediately; context cancellation during the sleep
// is returned as the context error.
func (r *Routine) ExecuteWithRetry(ctx context.Context, sleep time.Duration, attempts int, fn func(ctx context.Context) error) error {
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := r.Execute(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCircuitOpen) {
			return err
		}
		lastErr = err
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
		}
	}
	return lastErr
}

// Loop runs fn immediately and then on every interval tick or trigger signal
// until ctx is canceled. Errors, including ErrCircuitOpen rejections, are
// passed to errFn.
func (r *Routine) Loop(ctx context.Context, interval time.Duration, trigger <-chan struct{}, fn func(ctx context.Context) error, errFn func(error)) {
	run := func() {
		if err := r.Execute(ctx, fn); err != nil {
			errFn(err)
		}
	}
	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
			run()
		case <-ticker.C:
			run()
		}
	}
}

// GetState returns the current state, accounting for reset-timeout expiry.
func (r *Routine) GetState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeHalfOpen()
	return r.state
}

// ForceOpen opens the circuit regardless of failure count.
func (r *Routine) ForceOpen() {
	r.mu.Lock()
	r.state = Open
	r.openedAt = time.Now()
	r.halfOpenInFlight = false
	r.mu.Unlock()
}

// ForceClose closes the circuit and clears failure history.
func (r *Routine) ForceClose() {
	r.mu.Lock()
	r.state = Closed
	r.failureCount = 0
	r.halfOpenInFlight = false
	r.mu.Unlock()
}

func (r *Routine) GetThreshold() int {
	return r.threshold
}

func (r *Routine) GetResetTimeout() time.Duration {
	return r.resetTimeout
}
