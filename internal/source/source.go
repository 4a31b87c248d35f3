// Package source adapts heterogeneous weather upstreams (a local CSV table,
// OpenWeatherMap, WeatherAPI.com) to the one normalized record shape the
// rest of the pipeline consumes.
package source

import (
	"context"
	"errors"
	"net"

	"github.com/sony/gobreaker"

	"github.com/halcyon-data/weather-relay/internal/model"
	"github.com/halcyon-data/weather-relay/internal/resilience"
)

// Adapter is a single upstream that answers one city at a time. Errors
// returned from Fetch are always *model.FetchFailure. Implementations are
// safe for concurrent use.
type Adapter interface {
	Kind() model.SourceKind
	Fetch(ctx context.Context, city string) (model.ObservationRecord, error)
}

// classifyTransport maps transport-level errors to a failure kind. Returns
// the empty kind when the error is not transport-level.
func classifyTransport(err error) model.FailureKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return model.FailureTimeout
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return model.FailureUnavailable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.FailureTimeout
	}
	if resilience.IsTransient(err) {
		return model.FailureUnavailable
	}
	return ""
}
