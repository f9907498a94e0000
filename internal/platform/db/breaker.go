package db

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/gocb/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned for every database call while the circuit is
// open, and wraps the underlying cause when a connectivity-class failure
// opens it. The HTTP boundary maps it to 503.
var ErrUnavailable = errors.New("database unavailable")

// Breaker is the process-wide circuit breaker guarding all database calls.
// It is shared by every tenant: one connectivity failure anywhere opens the
// circuit for the whole process.
//
// The state machine is delegated to sony/gobreaker configured to trip on the
// first connectivity-class error, stay open for the reset timeout, and allow
// a single half-open probe. Result-set errors (syntax, not-found, conflict)
// are reported to gobreaker as successes so they never open the circuit.
type Breaker struct {
	mu           sync.RWMutex
	cb           *gobreaker.CircuitBreaker
	resetTimeout time.Duration
	lastFailure  atomic.Int64 // unix nanos of the last connectivity failure
	log          zerolog.Logger
}

// NewBreaker creates a closed Breaker with the given reset timeout.
func NewBreaker(resetTimeout time.Duration, logger zerolog.Logger) *Breaker {
	b := &Breaker{
		resetTimeout: resetTimeout,
		log:          logger,
	}
	b.cb = b.newCircuitBreaker()
	return b
}

func (b *Breaker) newCircuitBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "database",
		MaxRequests: 1, // one probe while half-open
		Timeout:     b.resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		IsSuccessful: func(err error) bool {
			// Only connectivity-class errors count as failures.
			return !IsConnectivityError(err)
		},
		OnStateChange: b.onStateChange,
	})
}

func (b *Breaker) onStateChange(_ string, from gobreaker.State, to gobreaker.State) {
	switch to {
	case gobreaker.StateOpen:
		b.log.Warn().
			Str("transition", "OPEN").
			Time("last_failure", b.LastFailure()).
			Msg("database circuit opened")
	case gobreaker.StateClosed:
		if from != gobreaker.StateClosed {
			b.log.Info().
				Str("transition", "CLOSE").
				Msg("database circuit closed")
		}
	}
}

// Execute runs fn under circuit protection. While the circuit is open it
// returns ErrUnavailable without invoking fn. A connectivity-class error
// from fn records the failure time and opens (or keeps open) the circuit.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	b.mu.RLock()
	cb := b.cb
	b.mu.RUnlock()

	res, err := cb.Execute(fn)
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, ErrUnavailable
	case IsConnectivityError(err):
		b.lastFailure.Store(time.Now().UnixNano())
		return nil, errors.Join(ErrUnavailable, err)
	default:
		return nil, err
	}
}

// Do is the error-only convenience form of Execute.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// IsOpen reports whether the circuit currently rejects calls.
func (b *Breaker) IsOpen() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cb.State() == gobreaker.StateOpen
}

// LastFailure returns the time of the most recent connectivity failure, or
// the zero time if none has been recorded.
func (b *Breaker) LastFailure() time.Time {
	ns := b.lastFailure.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Reset forces the circuit closed. Operators call this through
// /health/circuit/reset after a known-good recovery; the replacement breaker
// starts from a clean closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.cb = b.newCircuitBreaker()
	b.mu.Unlock()
	b.log.Info().
		Str("transition", "MANUAL_RESET").
		Msg("database circuit reset")
}

// IsConnectivityError classifies an error as connectivity-class: lost
// connection, node or service unavailable, ambiguous timeout, or a request
// canceled after submit. These open the circuit; result-set errors do not.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, gocb.ErrTimeout),
		errors.Is(err, gocb.ErrAmbiguousTimeout),
		errors.Is(err, gocb.ErrUnambiguousTimeout),
		errors.Is(err, gocb.ErrRequestCanceled),
		errors.Is(err, gocb.ErrServiceNotAvailable),
		errors.Is(err, gocb.ErrTemporaryFailure),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}
