package clients

import (
	"context"
	"errors"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	consoleerrors "github.com/parkit/camera-console/internal/errors"
	"github.com/parkit/camera-console/internal/logging"
	"github.com/parkit/camera-console/internal/metrics"
)

// CircuitBreaker guards backend calls. Transport failures, timeouts and 5xx
// responses count as failures. 4xx responses and calls the caller abandoned
// do not.
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker[[]byte]
	name   string
	logger *logging.Logger
}

// NewCircuitBreaker creates a breaker that opens after 5 consecutive failures,
// or a 60% failure rate over at least 10 requests, and lets trial requests through again after 30s.
func NewCircuitBreaker(name string) *CircuitBreaker {
	logger := logging.NewLogger("CircuitBreaker")

	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 5 {
				return true
			}
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},

		IsSuccessful: isBreakerSuccess,

		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("State transition", "name", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	return &CircuitBreaker{cb: cb, name: name, logger: logger}
}

// Execute runs fn unless the circuit is open
func (b *CircuitBreaker) Execute(fn func() ([]byte, error), endpoint string) ([]byte, error) {
	body, err := b.cb.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "rejected").Inc()
			b.logger.Warn("Request rejected", "endpoint", endpoint, "state", b.cb.State().String())
			rejected := consoleerrors.NewAPICallFailedError(endpoint, 0, "ParkIt API unavailable (circuit "+b.cb.State().String()+")")
			rejected.Cause = err
			return nil, rejected
		}
		var ae *abandonedError
		if errors.As(err, &ae) {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "abandoned").Inc()
			return nil, ae.err
		}
		if isBreakerSuccess(err) {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
		} else {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
		}
		return nil, err
	}

	metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
	return body, nil
}

// State returns the current breaker state
func (b *CircuitBreaker) State() gobreaker.State {
	return b.cb.State()
}

// abandonedError marks a call that ended because of the caller's context or
// local pacing, not because of the backend
type abandonedError struct {
	err error
}

func (e *abandonedError) Error() string { return e.err.Error() }

func (e *abandonedError) Unwrap() error { return e.err }

func isBreakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var ae *abandonedError
	if errors.As(err, &ae) || errors.Is(err, context.Canceled) {
		return true
	}
	var ce *consoleerrors.ConsoleError
	if errors.As(err, &ce) {
		switch ce.Code {
		case consoleerrors.ErrorUnauthorized:
			return true
		case consoleerrors.ErrorAPICallFailed:
			status := ce.StatusCode()
			return status >= 400 && status < 500
		}
	}
	return false
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
