// Package weatherapi provides a client for the WeatherAPI.com realtime API.
package weatherapi

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

// WeatherAPI.com application error codes carried in 4xx bodies.
const (
	CodeNoLocation  = 1006 // no matching location found
	CodeKeyMissing  = 1002 // API key not provided
	CodeKeyInvalid  = 2006 // API key invalid
	CodeQuota       = 2007 // key has exceeded monthly quota
	CodeKeyDisabled = 2008 // API key disabled
)

// Client defines the WeatherAPI.com operations.
type Client interface {
	// Current returns the realtime conditions for a location query. A non-2xx
	// response is returned as an *APIError carrying the application code.
	Current(ctx context.Context, query string) (*CurrentResponse, error)
}

// CurrentResponse is the parsed realtime conditions payload.
type CurrentResponse struct {
	Location Location    `json:"location"`
	Current  Observation `json:"current"`

	// Raw is the unparsed response body.
	Raw json.RawMessage `json:"-"`
}

// Location identifies the matched place.
type Location struct {
	Name           string `json:"name"`
	Region         string `json:"region"`
	Country        string `json:"country"`
	LocaltimeEpoch int64  `json:"localtime_epoch"`
}

// Observation holds the realtime measurements.
type Observation struct {
	LastUpdatedEpoch int64     `json:"last_updated_epoch"`
	TempC            *float64  `json:"temp_c"`
	Humidity         *float64  `json:"humidity"`
	Condition        Condition `json:"condition"`
}

// Condition describes the reported weather condition.
type Condition struct {
	Text string `json:"text"`
	Code int    `json:"code"`
}

// APIError is a non-success response from the API.
type APIError struct {
	StatusCode int
	Code       int // application error code, e.g. 1006 for no matching location
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("weatherapi: status %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// ErrMalformedPayload marks a response body that could not be decoded.
var ErrMalformedPayload = eris.New("weatherapi: malformed payload")

// Option configures the WeatherAPI client.
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

// NewClient creates a new WeatherAPI.com client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.weatherapi.com",
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
			Name:        "weatherapi",
			MaxRequests: 5,
			Interval:    1 * time.Minute,
			Timeout:     2 * time.Minute,
		})
	}
	return c
}

// apiResponse carries a response through the circuit breaker. Only transport
// failures, 429s, and 5xx count toward tripping it; an unknown-location
// answer must not open the circuit.
type apiResponse struct {
	status int
	body   []byte
}

func (c *httpClient) Current(ctx context.Context, query string) (*CurrentResponse, error) {
	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("q", query)
	reqURL := fmt.Sprintf("%s/v1/current.json?%s", c.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "weatherapi: create request")
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
			return nil, eris.Wrap(readErr, "weatherapi: read response body")
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, newAPIError(resp.StatusCode, body)
		}
		return &apiResponse{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "weatherapi: request failed")
	}

	ar := result.(*apiResponse)
	if ar.status != http.StatusOK {
		return nil, newAPIError(ar.status, ar.body)
	}

	var cr CurrentResponse
	if err := json.Unmarshal(ar.body, &cr); err != nil {
		return nil, eris.Wrapf(ErrMalformedPayload, "unmarshal response: %v", err)
	}
	cr.Raw = json.RawMessage(ar.body)
	return &cr, nil
}

// newAPIError parses the WeatherAPI error envelope,
// e.g. {"error":{"code":1006,"message":"No matching location found."}}.
func newAPIError(status int, body []byte) *APIError {
	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return &APIError{StatusCode: status, Code: envelope.Error.Code, Message: envelope.Error.Message}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return &APIError{StatusCode: status, Message: string(body)}
}
