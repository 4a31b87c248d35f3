package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/halcyon-data/weather-relay/internal/config"
	"github.com/halcyon-data/weather-relay/internal/fetch"
	"github.com/halcyon-data/weather-relay/internal/resilience"
	"github.com/halcyon-data/weather-relay/internal/ship"
	"github.com/halcyon-data/weather-relay/internal/source"
	"github.com/halcyon-data/weather-relay/internal/store"
	"github.com/halcyon-data/weather-relay/pkg/logzio"
	"github.com/halcyon-data/weather-relay/pkg/openweather"
	"github.com/halcyon-data/weather-relay/pkg/weatherapi"
)

// relayEnv holds the journal, fetcher, and running shipper shared by the
// run and once commands.
type relayEnv struct {
	Journal *store.SQLiteJournal
	Fetcher *fetch.Fetcher
	Shipper *ship.Shipper
}

// Close drains the shipper under the configured grace period, then
// releases the journal.
func (re *relayEnv) Close() {
	grace := time.Duration(cfg.Ship.DrainGraceSecs) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := re.Shipper.Close(ctx); err != nil {
		zap.L().Warn("shipper drain incomplete", zap.Error(err))
	}
	if err := re.Journal.Close(); err != nil {
		zap.L().Warn("journal close failed", zap.Error(err))
	}
}

// initRelay opens the journal, builds one adapter per enabled source, and
// starts the shipper. Callers should defer env.Close().
func initRelay(ctx context.Context) (*relayEnv, error) {
	journal, err := store.NewSQLite(cfg.Journal.Path)
	if err != nil {
		return nil, err
	}
	if err := journal.Migrate(ctx); err != nil {
		_ = journal.Close()
		return nil, eris.Wrap(err, "migrate journal")
	}

	adapters, err := buildAdapters()
	if err != nil {
		_ = journal.Close()
		return nil, err
	}

	fetcher, err := fetch.New(adapters, fetch.Options{
		Concurrency: cfg.Fetch.Concurrency,
		TaskTimeout: time.Duration(cfg.Fetch.TaskTimeoutSecs) * time.Second,
	})
	if err != nil {
		_ = journal.Close()
		return nil, err
	}

	backoff := resilience.DefaultBackoff()
	backoff.Initial = time.Duration(cfg.Ship.BackoffInitialMs) * time.Millisecond
	backoff.Max = time.Duration(cfg.Ship.BackoffMaxSecs) * time.Second

	sink := logzio.NewClient(cfg.Sink.Token, cfg.Sink.Listener,
		logzio.WithGzipThreshold(cfg.Sink.GzipThreshold),
	)

	shipper := ship.NewShipper(sink, journal, ship.Options{
		MaxRetries: cfg.Ship.MaxRetries,
		QueueSize:  cfg.Ship.QueueSize,
		Backoff:    backoff,
	})
	shipper.Start()

	zap.L().Info("relay initialized",
		zap.Int("sources", len(adapters)),
		zap.Int("cities", len(cfg.Cities)),
	)

	return &relayEnv{
		Journal: journal,
		Fetcher: fetcher,
		Shipper: shipper,
	}, nil
}

// buildAdapters assembles one adapter per enabled source.
func buildAdapters() ([]source.Adapter, error) {
	var adapters []source.Adapter

	if cfg.Sources.File.Enabled {
		f, err := source.NewFile(cfg.Sources.File.Path, cfg.Sources.File.Encoding)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, f)
	}

	if cfg.Sources.OpenWeather.Enabled {
		client := openweather.NewClient(cfg.Sources.OpenWeather.Key,
			openweather.WithBaseURL(cfg.Sources.OpenWeather.BaseURL),
			openweather.WithBreaker(newBreaker("openweather")),
		)
		adapters = append(adapters, source.NewOpenWeather(client, newLimiter(cfg.Sources.OpenWeather)))
	}

	if cfg.Sources.WeatherAPI.Enabled {
		client := weatherapi.NewClient(cfg.Sources.WeatherAPI.Key,
			weatherapi.WithBaseURL(cfg.Sources.WeatherAPI.BaseURL),
			weatherapi.WithBreaker(newBreaker("weatherapi")),
		)
		adapters = append(adapters, source.NewWeatherAPI(client, newLimiter(cfg.Sources.WeatherAPI)))
	}

	return adapters, nil
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
	})
}

// newLimiter builds a provider rate limiter. A zero rate disables limiting.
func newLimiter(src config.ProviderSourceConfig) *rate.Limiter {
	if src.RatePerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(src.RatePerSec), src.Burst)
}
