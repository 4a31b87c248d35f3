// Package openweather provides a client for the OpenWeatherMap current weather API.
package openweather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sony/gobreaker"
)

// Client defines the OpenWeatherMap operations.
type Client interface {
	// CurrentWeather returns the current conditions for a city. A non-2xx
	// response is returned as an *APIError.
	CurrentWeather(ctx context.Context, city string) (*CurrentWeather, error)
}

// CurrentWeather is the parsed current weather payload.
type CurrentWeather struct {
	Name    string      `json:"name"`
	Dt      int64       `json:"dt"`
	Main    Main        `json:"main"`
	Weather []Condition `json:"weather"`

	// Raw is the unparsed response body.
	Raw json.RawMessage `json:"-"`
}

// Main holds the core measurements.
type Main struct {
	Temp     *float64 `json:"temp"`
	Humidity *float64 `json:"humidity"`
}

// Condition describes the reported weather condition.
type Condition struct {
	ID          int    `json:"id"`
	Main        string `json:"main"`
	Description string `json:"description"`
}

// APIError is a non-success response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("openweather: status %d: %s", e.StatusCode, e.Message)
}

// ErrMalformedPayload marks a response body that could not be decoded.
var ErrMalformedPayload = eris.New("openweather: malformed payload")

// Option configures the OpenWeatherMap client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithBreaker sets a custom circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker) Option {
	return func(c *httpClient) {
		c.breaker = cb
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates a new OpenWeatherMap client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.openweathermap.org",
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "openweather",
			MaxRequests: 5,
			Interval:    1 * time.Minute,
			Timeout:     2 * time.Minute,
		})
	}
	return c
}

// apiResponse carries a response through the circuit breaker. Only transport
// failures, 429s, and 5xx count toward tripping it; a 404 for an unknown city
// is an ordinary answer, not a provider outage.
type apiResponse struct {
	status int
	body   []byte
}

func (c *httpClient) CurrentWeather(ctx context.Context, city string) (*CurrentWeather, error) {
	q := url.Values{}
	q.Set("q", city)
	q.Set("appid", c.apiKey)
	q.Set("units", "metric")
	reqURL := fmt.Sprintf("%s/data/2.5/weather?%s", c.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "openweather: create request")
	}
	req.Header.Set("Accept", "application/json")

	result, err := c.breaker.Execute(func() (any, error) {
		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, eris.Wrap(readErr, "openweather: read response body")
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
		}
		return &apiResponse{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "openweather: request failed")
	}

	ar := result.(*apiResponse)
	if ar.status != http.StatusOK {
		return nil, &APIError{StatusCode: ar.status, Message: errorMessage(ar.body)}
	}

	var cw CurrentWeather
	if err := json.Unmarshal(ar.body, &cw); err != nil {
		return nil, eris.Wrapf(ErrMalformedPayload, "unmarshal response: %v", err)
	}
	cw.Raw = json.RawMessage(ar.body)
	return &cw, nil
}

// errorMessage pulls the message out of an OpenWeatherMap error body,
// e.g. {"cod":"404","message":"city not found"}.
func errorMessage(body []byte) string {
	var envelope struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Message != "" {
		return envelope.Message
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
