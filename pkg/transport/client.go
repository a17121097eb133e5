package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dmitrymomot/flagkit/pkg/events"
)

// Default API endpoints. Both can be overridden to point at a proxy.
const (
	DefaultAPIURL    = "https://sdk-api.flagkit.dev"
	DefaultEventsURL = "https://events.flagkit.dev"
)

// ConfigOptions decorate a config fetch with the optional query flags the
// API understands.
type ConfigOptions struct {
	// EnableEdgeDB asks the API to bucket with server-side stored user data.
	EnableEdgeDB bool
	// SSE marks a fetch triggered by a realtime-push message.
	SSE bool
	// LastModified is the config timestamp carried by the push message, unix
	// millis. Zero means not set.
	LastModified int64
	// ETag is the config etag carried by the push message.
	ETag string
}

// Option configures a Client.
type Option func(*Client)

// WithAPIURL overrides the config API base URL.
func WithAPIURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.apiURL = u
		}
	}
}

// WithEventsURL overrides the events API base URL.
func WithEventsURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.eventsURL = u
		}
	}
}

// WithHTTPClient replaces the default HTTP client, e.g. for tests or custom
// transports.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithMaxAttempts bounds the config fetch retry loop. Default is 5.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackoff replaces the retry delay schedule.
func WithBackoff(b Backoff) Option {
	return func(c *Client) {
		if b != nil {
			c.backoff = b
		}
	}
}

// WithLogger sets the logger for retry diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// Client performs the SDK's HTTP exchanges. All methods are safe for
// concurrent use.
type Client struct {
	sdkKey      string
	apiURL      string
	eventsURL   string
	http        *http.Client
	maxAttempts int
	backoff     Backoff
	log         *slog.Logger
}

// New creates a transport client authenticated with sdkKey.
func New(sdkKey string, opts ...Option) (*Client, error) {
	if sdkKey == "" {
		return nil, ErrEmptySDKKey
	}

	c := &Client{
		sdkKey:    sdkKey,
		apiURL:    DefaultAPIURL,
		eventsURL: DefaultEventsURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxAttempts: 5,
		backoff:     DefaultBackoff(),
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetConfig fetches the bucketed config for the user described by userQuery
// (the user's fields flattened into query parameters). Retryable failures
// are retried with exponential backoff up to the attempt ceiling; the last
// error is surfaced when the ceiling is exceeded.
func (c *Client) GetConfig(ctx context.Context, userQuery url.Values, opts ConfigOptions) (*BucketedConfig, error) {
	query := url.Values{}
	for k, vs := range userQuery {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	query.Set("envKey", c.sdkKey)
	if opts.EnableEdgeDB {
		query.Set("enableEdgeDB", "true")
	}
	if opts.SSE {
		query.Set("sse", "true")
	}
	if opts.LastModified > 0 {
		query.Set("sseLastModified", strconv.FormatInt(opts.LastModified, 10))
	}
	if opts.ETag != "" {
		query.Set("sseEtag", opts.ETag)
	}

	endpoint := c.apiURL + "/v1/mobileSDKConfig?" + query.Encode()

	var lastErr error
	for attempt := range c.maxAttempts {
		if attempt > 0 {
			delay := c.backoff.NextInterval(attempt)
			c.log.Warn("config request failed, retrying",
				"attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		config := &BucketedConfig{}
		err := c.do(ctx, http.MethodGet, endpoint, nil, config)
		if err == nil {
			return config, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// PublishEvents submits one event batch. It does not retry: the caller keeps
// retryable payloads pending and resubmits them on its next flush cycle.
func (c *Client) PublishEvents(ctx context.Context, payload events.Payload) error {
	return c.do(ctx, http.MethodPost, c.eventsURL+"/v1/events", payload, &Response{})
}

// SaveEntity mirrors the user's profile into server-side storage so later
// bucketing can use it. Best-effort by design: callers log failures instead
// of surfacing them.
func (c *Client) SaveEntity(ctx context.Context, userID string, user any) error {
	endpoint := c.apiURL + "/v1/edgeDB/" + url.PathEscape(userID)
	return c.do(ctx, http.MethodPatch, endpoint, user, &Response{})
}

// do performs one exchange and decodes the response into out. Non-2xx
// responses become a RequestError with the decoded error body.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("transport: marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Authorization", c.sdkKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("transport: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		reqErr := &RequestError{StatusCode: resp.StatusCode}
		if len(data) > 0 {
			if derr := json.Unmarshal(data, &reqErr.Response); derr != nil {
				reqErr.Response = ErrorResponse{Message: []string{string(data)}}
			}
		} else {
			reqErr.Response = ErrorResponse{Message: []string{"Unknown Error"}}
		}
		return reqErr
	}

	if len(data) == 0 {
		return ErrEmptyResponse
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Join(ErrEmptyResponse, err)
	}
	return nil
}
