package perfsim

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpstreamError(t *testing.T) {
	err := &UpstreamError{Service: "detection-api", StatusCode: http.StatusServiceUnavailable}
	assert.Equal(t, "detection-api: upstream returned 503 Service Unavailable", err.Error())
	assert.True(t, err.Temporary())

	assert.False(t, (&UpstreamError{StatusCode: http.StatusBadRequest}).Temporary())
}

func TestCircuitBreakerDetector_PassesThrough(t *testing.T) {
	d := NewCircuitBreakerDetector("test", NewPatternDetector(), nil)

	elems, err := d.Detect(context.Background(), "mail jane@example.test")
	require.NoError(t, err)
	require.Len(t, elems, 1)
	assert.Equal(t, "email", elems[0].Type)
	assert.Equal(t, "closed", d.State())
}

func TestCircuitBreakerDetector_OpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	failing := DetectorFunc(func(context.Context, string) ([]DetectedElement, error) {
		calls++
		return nil, &UpstreamError{Service: "detection-api", StatusCode: http.StatusBadGateway}
	})
	d := NewCircuitBreakerDetector("test", failing, nil)

	for i := 0; i < DefaultBreakerFailures; i++ {
		_, err := d.Detect(context.Background(), "x")
		var ue *UpstreamError
		assert.ErrorAs(t, err, &ue)
	}
	assert.Equal(t, "open", d.State())

	_, err := d.Detect(context.Background(), "x")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, DefaultBreakerFailures, calls, "an open breaker does not call the upstream")
}

func TestCircuitBreakerDetector_CancellationIsNotAFailure(t *testing.T) {
	canceled := DetectorFunc(func(context.Context, string) ([]DetectedElement, error) {
		return nil, context.Canceled
	})
	d := NewCircuitBreakerDetector("test", canceled, nil)

	for i := 0; i < 2*DefaultBreakerFailures; i++ {
		_, err := d.Detect(context.Background(), "x")
		assert.True(t, errors.Is(err, context.Canceled))
	}
	assert.Equal(t, "closed", d.State())
}
