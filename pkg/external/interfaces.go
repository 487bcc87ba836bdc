package external

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/clinical-codes-finder/internal/domain"
)

// ServiceHealth represents the health status of an external dependency
type ServiceHealth struct {
	Service      string    `json:"service"`
	Healthy      bool      `json:"healthy"`
	BreakerState string    `json:"breaker_state,omitempty"`
	// Requests and Failures count calls in the breaker's current interval.
	Requests  uint32    `json:"requests"`
	Failures  uint32    `json:"failures"`
	LastCheck time.Time `json:"last_check"`
	Error     string    `json:"error,omitempty"`
}

// HealthChecker is implemented by clients that can report on their dependencies
type HealthChecker interface {
	HealthCheck(ctx context.Context) []ServiceHealth
}

// newCircuitBreaker builds a breaker for one coding system
func newCircuitBreaker(name string, config domain.CircuitBreakerConfig, logger *logrus.Logger) *gobreaker.CircuitBreaker {
	// Set default circuit breaker configuration
	if config.MaxRequests == 0 {
		config.MaxRequests = 5
	}
	if config.Interval == 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MinRequests == 0 {
		config.MinRequests = 3
	}
	if config.FailureRatio == 0 {
		config.FailureRatio = 0.6
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= config.MinRequests && failureRatio >= config.FailureRatio
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from_state":      from.String(),
				"to_state":        to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})
}

// countsAsSuccess keeps caller mistakes and cancellations from tripping a breaker.
func countsAsSuccess(err error) bool {
	if err == nil {
		return true
	}
	if domain.KindOf(err) == domain.ErrKindValidation {
		return true
	}
	return errors.Is(err, context.Canceled)
}
