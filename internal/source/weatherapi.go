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
	"github.com/halcyon-data/weather-relay/pkg/weatherapi"
)

// WeatherAPI adapts the WeatherAPI.com realtime API.
type WeatherAPI struct {
	client  weatherapi.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewWeatherAPI creates the adapter. A nil limiter disables rate limiting.
func NewWeatherAPI(client weatherapi.Client, limiter *rate.Limiter) *WeatherAPI {
	return &WeatherAPI{
		client:  client,
		limiter: limiter,
		now:     time.Now,
	}
}

func (a *WeatherAPI) Kind() model.SourceKind { return model.SourceWeatherAPI }

func (a *WeatherAPI) Fetch(ctx context.Context, city string) (model.ObservationRecord, error) {
	task := model.FetchTask{Source: model.SourceWeatherAPI, City: city}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return model.ObservationRecord{}, model.NewFetchFailure(task, model.FailureTimeout, err)
		}
	}

	cr, err := a.client.Current(ctx, city)
	if err != nil {
		return model.ObservationRecord{}, model.NewFetchFailure(task, classifyWeatherAPI(err), err)
	}
	return normalizeWeatherAPI(task, cr, a.now().UTC())
}

// classifyWeatherAPI maps the provider's error reporting to failure kinds.
// Unknown locations come back as HTTP 400 with application code 1006, not 404.
func classifyWeatherAPI(err error) model.FailureKind {
	var apiErr *weatherapi.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusBadRequest && apiErr.Code == weatherapi.CodeNoLocation:
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
	if errors.Is(err, weatherapi.ErrMalformedPayload) {
		return model.FailureMalformed
	}
	if kind := classifyTransport(err); kind != "" {
		return kind
	}
	return model.FailureUnavailable
}

func normalizeWeatherAPI(task model.FetchTask, cr *weatherapi.CurrentResponse, fetchedAt time.Time) (model.ObservationRecord, error) {
	temp := cr.Current.TempC
	if temp == nil || math.IsNaN(*temp) || math.IsInf(*temp, 0) {
		return model.ObservationRecord{}, model.NewFetchFailure(task, model.FailureMalformed,
			eris.New("missing or non-finite temperature"))
	}

	rec := model.ObservationRecord{
		City:         task.City,
		Source:       model.SourceWeatherAPI,
		TemperatureC: *temp,
		ObservedAt:   fetchedAt,
		Raw:          cr.Raw,
	}
	switch {
	case cr.Current.LastUpdatedEpoch > 0:
		rec.ObservedAt = time.Unix(cr.Current.LastUpdatedEpoch, 0).UTC()
	case cr.Location.LocaltimeEpoch > 0:
		rec.ObservedAt = time.Unix(cr.Location.LocaltimeEpoch, 0).UTC()
	}
	if h := cr.Current.Humidity; h != nil {
		if *h < 0 || *h > 100 {
			return model.ObservationRecord{}, model.NewFetchFailure(task, model.FailureMalformed,
				eris.Errorf("humidity %.1f outside [0,100]", *h))
		}
		hv := *h
		rec.HumidityPercent = &hv
	}
	rec.Description = cr.Current.Condition.Text
	return rec, nil
}
