package source

import (
	"context"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/halcyon-data/weather-relay/internal/model"
	"github.com/halcyon-data/weather-relay/pkg/openweather"
)

// OpenWeather adapts the OpenWeatherMap current weather API.
type OpenWeather struct {
	client  openweather.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewOpenWeather creates the adapter. A nil limiter disables rate limiting.
func NewOpenWeather(client openweather.Client, limiter *rate.Limiter) *OpenWeather {
	return &OpenWeather{
		client:  client,
		limiter: limiter,
		now:     time.Now,
	}
}

func (a *OpenWeather) Kind() model.SourceKind { return model.SourceOpenWeather }

func (a *OpenWeather) Fetch(ctx context.Context, city string) (model.ObservationRecord, error) {
	task := model.FetchTask{Source: model.SourceOpenWeather, City: city}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return model.ObservationRecord{}, model.NewFetchFailure(task, model.FailureTimeout, err)
		}
	}

	cw, err := a.client.CurrentWeather(ctx, city)
	if err != nil {
		return model.ObservationRecord{}, model.NewFetchFailure(task, classifyOpenWeather(err), err)
	}
	return normalizeOpenWeather(task, cw, a.now().UTC())
}

func classifyOpenWeather(err error) model.FailureKind {
	var apiErr *openweather.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			return model.FailureNotFound
		case apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden:
			return model.FailureUnauthorized
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return model.FailureRateLimited
		case apiErr.StatusCode >= 500:
			return model.FailureUnavailable
		default:
			return model.FailureMalformed
		}
	}
	if errors.Is(err, openweather.ErrMalformedPayload) {
		return model.FailureMalformed
	}
	if kind := classifyTransport(err); kind != "" {
		return kind
	}
	return model.FailureUnavailable
}

func normalizeOpenWeather(task model.FetchTask, cw *openweather.CurrentWeather, fetchedAt time.Time) (model.ObservationRecord, error) {
	if cw.Main.Temp == nil || math.IsNaN(*cw.Main.Temp) || math.IsInf(*cw.Main.Temp, 0) {
		return model.ObservationRecord{}, model.NewFetchFailure(task, model.FailureMalformed,
			eris.New("missing or non-finite temperature"))
	}

	rec := model.ObservationRecord{
		City:         task.City,
		Source:       model.SourceOpenWeather,
		TemperatureC: *cw.Main.Temp,
		ObservedAt:   fetchedAt,
		Raw:          cw.Raw,
	}
	if cw.Dt > 0 {
		rec.ObservedAt = time.Unix(cw.Dt, 0).UTC()
	}
	if h := cw.Main.Humidity; h != nil {
		if *h < 0 || *h > 100 {
			return model.ObservationRecord{}, model.NewFetchFailure(task, model.FailureMalformed,
				eris.Errorf("humidity %.1f outside [0,100]", *h))
		}
		hv := *h
		rec.HumidityPercent = &hv
	}
	if len(cw.Weather) > 0 {
		rec.Description = cw.Weather[0].Description
	}
	return rec, nil
}
