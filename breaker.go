package perfsim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sony/gobreaker"
)

// UpstreamError is a non-2xx answer from the service behind a detector.
type UpstreamError struct {
	Service    string
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: upstream returned %d %s", e.Service, e.StatusCode, http.StatusText(e.StatusCode))
}

// Temporary reports whether retrying may succeed (5xx).
func (e *UpstreamError) Temporary() bool {
	return e.StatusCode >= 500
}

// CircuitBreakerDetector guards a remote Detector with a circuit breaker so a
// failing upstream fails runs fast instead of stalling every batch.
type CircuitBreakerDetector struct {
	next Detector
	cb   *gobreaker.CircuitBreaker
}

// DefaultBreakerFailures is the consecutive-failure count that opens the breaker.
const DefaultBreakerFailures = 3

// NewCircuitBreakerDetector wraps next in a breaker named name. The breaker
// opens after DefaultBreakerFailures consecutive failures. Context
// cancellation does not count as an upstream failure.
func NewCircuitBreakerDetector(name string, next Detector, logger *slog.Logger) *CircuitBreakerDetector {
	logger = loggerOrDiscard(logger)
	return &CircuitBreakerDetector{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: name,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= DefaultBreakerFailures
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("detector circuit breaker changed state",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Detect implements Detector.
func (d *CircuitBreakerDetector) Detect(ctx context.Context, text string) ([]DetectedElement, error) {
	out, err := d.cb.Execute(func() (interface{}, error) {
		return d.next.Detect(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	elems, _ := out.([]DetectedElement)
	return elems, nil
}

// State returns the breaker state ("closed", "half-open" or "open").
func (d *CircuitBreakerDetector) State() string {
	return d.cb.State().String()
}
