// Package logzio provides a client for the Logz.io bulk HTTP listener.
package logzio

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// DefaultGzipThreshold is the payload size above which the body is
// gzip-compressed before posting. Measured on the uncompressed bytes.
const DefaultGzipThreshold = 64_000

// DefaultPort is appended to a listener host given without a port.
const DefaultPort = "8071"

// Client defines the bulk listener operations.
type Client interface {
	// Send posts documents to the bulk listener as newline-delimited JSON.
	// Each doc must be a single marshaled JSON object. A non-2xx response
	// is returned as a *SendError; the client itself never retries.
	Send(ctx context.Context, docs [][]byte) error
}

// SendError is a non-success response from the listener.
type SendError struct {
	StatusCode int
	Body       string

	// RetryAfter is the server's requested hold-off, zero when absent.
	RetryAfter time.Duration
}

func (e *SendError) Error() string {
	return fmt.Sprintf("logzio: status %d: %s", e.StatusCode, e.Body)
}

// TooLarge reports whether the listener rejected the payload as oversized.
func (e *SendError) TooLarge() bool {
	return e.StatusCode == http.StatusRequestEntityTooLarge
}

// AuthRejected reports whether the listener rejected the shipping token.
func (e *SendError) AuthRejected() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Transient reports whether a retry of the same payload could succeed.
func (e *SendError) Transient() bool {
	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		(e.StatusCode >= 500 && e.StatusCode <= 599)
}

// Permanent reports whether the listener will never accept this payload.
// Oversized payloads are excluded; callers can split and resend those.
func (e *SendError) Permanent() bool {
	return !e.Transient() && !e.TooLarge()
}

// Option configures the listener client.
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

// WithGzipThreshold overrides the compression threshold in bytes.
func WithGzipThreshold(n int) Option {
	return func(c *httpClient) {
		c.gzipMin = n
	}
}

type httpClient struct {
	token   string
	baseURL string
	gzipMin int
	http    *http.Client
}

// NewClient creates a client for the given shipping token and listener host.
// The listener may be host or host:port; the default port is 8071.
func NewClient(token, listener string, opts ...Option) Client {
	if listener != "" && !strings.Contains(listener, ":") {
		listener += ":" + DefaultPort
	}
	c := &httpClient{
		token:   token,
		baseURL: "https://" + listener,
		gzipMin: DefaultGzipThreshold,
		http: &http.Client{
			Timeout: 20 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Send(ctx context.Context, docs [][]byte) error {
	if len(docs) == 0 {
		return nil
	}

	payload := bytes.Join(docs, []byte("\n"))
	payload = append(payload, '\n')

	body := payload
	compressed := false
	if len(payload) > c.gzipMin {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(payload); err != nil {
			return eris.Wrap(err, "logzio: compress payload")
		}
		if err := gz.Close(); err != nil {
			return eris.Wrap(err, "logzio: compress payload")
		}
		body = buf.Bytes()
		compressed = true
	}

	reqURL := fmt.Sprintf("%s/?token=%s", c.baseURL, url.QueryEscape(c.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "logzio: create request")
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if compressed {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "logzio: post bulk")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &SendError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(respBody)),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// parseRetryAfter reads a Retry-After value in either the delay-seconds or
// the HTTP-date form. Absent, negative, or unparseable values are zero.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
