// Package config loads relay settings from file and environment and
// installs the global logger.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full relay configuration.
type Config struct {
	Cities  []string      `yaml:"cities" mapstructure:"cities" validate:"min=1,dive,required"`
	Sources SourcesConfig `yaml:"sources" mapstructure:"sources"`
	Sink    SinkConfig    `yaml:"sink" mapstructure:"sink"`
	Poll    PollConfig    `yaml:"poll" mapstructure:"poll"`
	Fetch   FetchConfig   `yaml:"fetch" mapstructure:"fetch"`
	Ship    ShipConfig    `yaml:"ship" mapstructure:"ship"`
	Journal JournalConfig `yaml:"journal" mapstructure:"journal"`
	Ops     OpsConfig     `yaml:"ops" mapstructure:"ops"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// SourcesConfig enables and configures the observation sources.
type SourcesConfig struct {
	File        FileSourceConfig     `yaml:"file" mapstructure:"file"`
	OpenWeather ProviderSourceConfig `yaml:"openweather" mapstructure:"openweather"`
	WeatherAPI  ProviderSourceConfig `yaml:"weatherapi" mapstructure:"weatherapi"`
}

// FileSourceConfig configures the CSV-backed source.
type FileSourceConfig struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Path     string `yaml:"path" mapstructure:"path" validate:"required_if=Enabled true"`
	Encoding string `yaml:"encoding" mapstructure:"encoding"`
}

// ProviderSourceConfig configures an HTTP weather provider.
type ProviderSourceConfig struct {
	Enabled    bool    `yaml:"enabled" mapstructure:"enabled"`
	Key        string  `yaml:"key" mapstructure:"key" validate:"required_if=Enabled true"`
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url" validate:"required_if=Enabled true"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec" validate:"gte=0"`
	Burst      int     `yaml:"burst" mapstructure:"burst" validate:"gte=0"`
}

// SinkConfig configures the bulk NDJSON listener.
type SinkConfig struct {
	Listener      string `yaml:"listener" mapstructure:"listener" validate:"required"`
	Token         string `yaml:"token" mapstructure:"token" validate:"required"`
	GzipThreshold int    `yaml:"gzip_threshold" mapstructure:"gzip_threshold" validate:"gt=0"`
}

// PollConfig configures the cycle cadence.
type PollConfig struct {
	IntervalSecs int `yaml:"interval_secs" mapstructure:"interval_secs" validate:"gt=0"`
}

// FetchConfig configures cycle fan-out.
type FetchConfig struct {
	Concurrency     int `yaml:"concurrency" mapstructure:"concurrency" validate:"gt=0"`
	TaskTimeoutSecs int `yaml:"task_timeout_secs" mapstructure:"task_timeout_secs" validate:"gt=0"`
}

// ShipConfig configures batch delivery and retry behavior.
type ShipConfig struct {
	MaxRetries       int `yaml:"max_retries" mapstructure:"max_retries" validate:"gte=1"`
	QueueSize        int `yaml:"queue_size" mapstructure:"queue_size" validate:"gte=1"`
	BackoffInitialMs int `yaml:"backoff_initial_ms" mapstructure:"backoff_initial_ms" validate:"gt=0"`
	BackoffMaxSecs   int `yaml:"backoff_max_secs" mapstructure:"backoff_max_secs" validate:"gt=0"`
	DrainGraceSecs   int `yaml:"drain_grace_secs" mapstructure:"drain_grace_secs" validate:"gt=0"`
}

// JournalConfig configures the dead-letter journal.
type JournalConfig struct {
	Path string `yaml:"path" mapstructure:"path" validate:"required"`
}

// OpsConfig configures the operational HTTP endpoint.
type OpsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	Port    int  `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	// A .env file is optional and never overrides the real environment.
	_ = godotenv.Load()

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Credential fields get empty defaults so AutomaticEnv
	// can resolve them without a config file.
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("poll.interval_secs", 60)
	v.SetDefault("fetch.concurrency", 4)
	v.SetDefault("fetch.task_timeout_secs", 15)
	v.SetDefault("ship.max_retries", 5)
	v.SetDefault("ship.queue_size", 64)
	v.SetDefault("ship.backoff_initial_ms", 500)
	v.SetDefault("ship.backoff_max_secs", 30)
	v.SetDefault("ship.drain_grace_secs", 30)
	v.SetDefault("sink.listener", "")
	v.SetDefault("sink.token", "")
	v.SetDefault("sink.gzip_threshold", 64_000)
	v.SetDefault("journal.path", "weather-relay.db")
	v.SetDefault("ops.enabled", true)
	v.SetDefault("ops.port", 8080)
	v.SetDefault("sources.file.enabled", false)
	v.SetDefault("sources.file.path", "")
	v.SetDefault("sources.file.encoding", "")
	v.SetDefault("sources.openweather.enabled", false)
	v.SetDefault("sources.openweather.key", "")
	v.SetDefault("sources.openweather.base_url", "https://api.openweathermap.org")
	v.SetDefault("sources.openweather.rate_per_sec", 1.0)
	v.SetDefault("sources.openweather.burst", 1)
	v.SetDefault("sources.weatherapi.enabled", false)
	v.SetDefault("sources.weatherapi.key", "")
	v.SetDefault("sources.weatherapi.base_url", "https://api.weatherapi.com")
	v.SetDefault("sources.weatherapi.rate_per_sec", 1.0)
	v.SetDefault("sources.weatherapi.burst", 1)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their config key, not the Go field name.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate reports every startup-blocking problem in the configuration.
func (c *Config) Validate() error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var fields validator.ValidationErrors
		if !errors.As(err, &fields) {
			return eris.Wrap(err, "config: validate")
		}
		for _, fe := range fields {
			problems = append(problems, describeFieldError(fe))
		}
	}

	if !c.Sources.File.Enabled && !c.Sources.OpenWeather.Enabled && !c.Sources.WeatherAPI.Enabled {
		problems = append(problems, "at least one source must be enabled")
	}
	if c.Sources.OpenWeather.RatePerSec > 0 && c.Sources.OpenWeather.Burst < 1 {
		problems = append(problems, "sources.openweather.burst must be >= 1 when rate_per_sec is set")
	}
	if c.Sources.WeatherAPI.RatePerSec > 0 && c.Sources.WeatherAPI.Burst < 1 {
		problems = append(problems, "sources.weatherapi.burst must be >= 1 when rate_per_sec is set")
	}
	if c.Ops.Enabled && (c.Ops.Port < 1 || c.Ops.Port > 65535) {
		problems = append(problems, "ops.port must be between 1 and 65535")
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	path := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return path + " is required"
	case "required_if":
		return path + " is required when enabled is true"
	case "min":
		if fe.Kind() == reflect.Slice {
			return path + " must not be empty"
		}
		return fmt.Sprintf("%s must be >= %s", path, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be > %s", path, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", path, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid (%s)", path, fe.Tag())
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
