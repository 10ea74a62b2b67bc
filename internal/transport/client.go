package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"modelq/internal/logging"
	"modelq/internal/metrics"
	"modelq/internal/notify"
)

const (
	defaultTimeout        = 10 * time.Second
	defaultMaxAttempts    = 3
	defaultBaseDelay      = 100 * time.Millisecond
	defaultMaxDelay       = 2 * time.Second
	defaultRetryAfter     = time.Second
	maxRetryAfterSeconds  = int64(math.MaxInt64 / time.Second)
	defaultUserAgent      = "modelq/0.1.0"
	maxErrorBodyBytes     = 64 << 10
	headerRequestID       = "X-Request-ID"
	headerRetryAfter      = "Retry-After"
	headerAuthorization   = "Authorization"
	contentTypeJSON       = "application/json"
	outcomeOK             = "ok"
	outcomeCanceled       = "canceled"
	retryReasonRateLimit  = "rate_limited"
	retryReasonTransient  = "transient"
	eventTransportFailure = "transport_failure"
)

// TokenSource supplies the bearer token. It is consulted on every request;
// an empty token omits the Authorization header.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) { return string(s), nil }

// Client issues backend requests with retry and error classification.
type Client struct {
	base        *url.URL
	httpClient  *http.Client
	tokens      TokenSource
	sink        notify.Sink
	logger      *slog.Logger
	metrics     *metrics.Metrics
	userAgent   string
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	sleeper     func(time.Duration)
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTokenSource sets where bearer tokens come from.
func WithTokenSource(tokens TokenSource) Option {
	return func(c *Client) { c.tokens = tokens }
}

// WithSink sets the notification sink for terminal failures.
func WithSink(sink notify.Sink) Option {
	return func(c *Client) {
		if sink != nil {
			c.sink = sink
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logging.NewComponentLogger(logger, "transport") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithUserAgent(agent string) Option {
	return func(c *Client) {
		if agent = strings.TrimSpace(agent); agent != "" {
			c.userAgent = agent
		}
	}
}

// WithTimeout sets the per-attempt deadline.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithMaxAttempts bounds attempts for transient failures. Rate-limited
// re-issues do not count against it.
func WithMaxAttempts(attempts int) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
	}
}

// WithRetryBackoff sets the transient retry base delay and cap.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		if baseDelay >= 0 {
			c.baseDelay = baseDelay
		}
		if maxDelay > 0 {
			c.maxDelay = maxDelay
		}
	}
}

// WithSleeper overrides how retry waits are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *Client) { c.sleeper = sleeper }
}

// New builds a client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errors.New("transport: base url is required")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	base, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("transport: parse base url: %w", err)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("transport: base url %q has no host", baseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	c := &Client{
		base:        base,
		httpClient:  &http.Client{},
		tokens:      StaticToken(""),
		sink:        notify.Discard,
		logger:      logging.NewComponentLogger(nil, "transport"),
		userAgent:   defaultUserAgent,
		timeout:     defaultTimeout,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.tokens == nil {
		c.tokens = StaticToken("")
	}
	return c, nil
}

// BaseURL returns a copy of the backend origin.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

// Sink returns the sink terminal failures are reported to.
func (c *Client) Sink() notify.Sink { return c.sink }

// Tokens returns the client's token source.
func (c *Client) Tokens() TokenSource { return c.tokens }

// Response is a completed backend exchange with a non-error status.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the body into v. Bodies are never decoded eagerly, so a
// caller that does not need structure can read Body as-is.
func (r *Response) JSON(v any) error {
	if r == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return errors.New("transport: empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("transport: decode response: %w", err)
	}
	return nil
}

type requestOptions struct {
	silent bool
	query  url.Values
	header http.Header
}

// RequestOption customizes one request.
type RequestOption func(*requestOptions)

// Silent suppresses the failure notification for callers that report failures themselves.
func Silent() RequestOption {
	return func(o *requestOptions) { o.silent = true }
}

// WithQuery adds query parameters.
func WithQuery(values url.Values) RequestOption {
	return func(o *requestOptions) {
		for key, vals := range values {
			for _, v := range vals {
				o.query.Add(key, v)
			}
		}
	}
}

// WithHeader sets a request header.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) { o.header.Set(key, value) }
}

func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil, opts...)
}

func (c *Client) Post(ctx context.Context, path string, body any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, body, opts...)
}

// Do sends method path with body JSON-encoded (nil for no body) and applies
// the retry policy. Waits happen on the calling goroutine only.
func (c *Client) Do(ctx context.Context, method, path string, body any, opts ...RequestOption) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ro := requestOptions{query: url.Values{}, header: http.Header{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&ro)
		}
	}

	target, err := c.resolve(path, ro.query)
	if err != nil {
		return nil, err
	}
	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("transport: encode request body: %w", err)
		}
	}

	requestID := uuid.NewString()
	logger := c.logger.With(
		logging.String(logging.FieldRequestID, requestID),
		logging.String("method", method),
		logging.String("path", path),
	)
	started := time.Now()
	transientAttempts := 0
	totalAttempts := 0

	for {
		totalAttempts++
		resp, sendErr := c.send(ctx, method, target, payload, requestID, ro.header)

		if sendErr != nil {
			if ctx.Err() != nil {
				c.metrics.ObserveRequest(method, outcomeCanceled, time.Since(started))
				return nil, ctx.Err()
			}
			transientAttempts++
			kind := Transient
			if isTimeout(sendErr) {
				kind = Timeout
			}
			if transientAttempts < c.maxAttempts {
				delay := c.backoffDelay(transientAttempts)
				logger.Debug("backend request failed; retrying",
					logging.Args(logging.Int("attempt", transientAttempts), logging.Duration("delay", delay), logging.Error(sendErr))...)
				c.metrics.IncRetry(retryReasonTransient)
				if err := c.sleep(ctx, delay); err != nil {
					c.metrics.ObserveRequest(method, outcomeCanceled, time.Since(started))
					return nil, err
				}
				continue
			}
			return nil, c.fail(logger, ro, started, &Error{
				Kind: kind, Method: method, Path: path, Attempts: totalAttempts, Err: sendErr,
			})
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			delay := parseRetryAfter(resp.Header.Get(headerRetryAfter))
			logger.Debug("backend rate limited; waiting",
				logging.Args(logging.Duration("delay", delay), logging.Int("attempt", totalAttempts))...)
			c.metrics.IncRetry(retryReasonRateLimit)
			if err := c.sleep(ctx, delay); err != nil {
				c.metrics.ObserveRequest(method, outcomeCanceled, time.Since(started))
				return nil, err
			}
			continue

		case resp.StatusCode >= 500:
			transientAttempts++
			if transientAttempts < c.maxAttempts {
				delay := c.backoffDelay(transientAttempts)
				logger.Debug("backend server error; retrying",
					logging.Args(logging.Int("status", resp.StatusCode), logging.Int("attempt", transientAttempts), logging.Duration("delay", delay))...)
				c.metrics.IncRetry(retryReasonTransient)
				if err := c.sleep(ctx, delay); err != nil {
					c.metrics.ObserveRequest(method, outcomeCanceled, time.Since(started))
					return nil, err
				}
				continue
			}
			return nil, c.fail(logger, ro, started, &Error{
				Kind: Transient, Method: method, Path: path, StatusCode: resp.StatusCode, Attempts: totalAttempts,
			})

		case resp.StatusCode == http.StatusNotFound:
			return nil, c.fail(logger, ro, started, &Error{
				Kind: NotFound, Method: method, Path: path, StatusCode: resp.StatusCode, Attempts: totalAttempts,
			})

		case resp.StatusCode >= 400:
			return nil, c.fail(logger, ro, started, &Error{
				Kind: ClientError, Method: method, Path: path, StatusCode: resp.StatusCode,
				Message: errorMessage(resp.Body), Attempts: totalAttempts,
			})
		}

		if totalAttempts > 1 {
			logger.Debug("backend request recovered", logging.Args(logging.Int("attempts", totalAttempts))...)
		}
		c.metrics.ObserveRequest(method, outcomeOK, time.Since(started))
		return resp, nil
	}
}

func (c *Client) fail(logger *slog.Logger, ro requestOptions, started time.Time, err *Error) error {
	c.metrics.ObserveRequest(err.Method, err.Kind.String(), time.Since(started))
	logger.Warn("backend request failed",
		logging.Args(
			logging.String(logging.FieldEventType, eventTransportFailure),
			logging.String("kind", err.Kind.String()),
			logging.Int("status", err.StatusCode),
			logging.Int("attempts", err.Attempts),
			logging.Error(err),
		)...)
	if !ro.silent {
		c.sink.Notify(notify.Error, err.userMessage())
	}
	return err
}

func (c *Client) resolve(path string, query url.Values) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimPrefix(path, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: parse path %q: %w", path, err)
	}
	target := c.base.ResolveReference(ref)
	if len(query) > 0 {
		merged := target.Query()
		for key, vals := range query {
			for _, v := range vals {
				merged.Add(key, v)
			}
		}
		target.RawQuery = merged.Encode()
	}
	return target, nil
}

// send performs one attempt and reads the whole body under the attempt deadline.
func (c *Client) send(ctx context.Context, method string, target *url.URL, payload []byte, requestID string, extra http.Header) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for key, vals := range extra {
		for _, v := range vals {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(headerRequestID, requestID)
	if payload != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		c.logger.Debug("token lookup failed; sending without credentials", logging.Args(logging.Error(err))...)
		token = ""
	}
	if token = strings.TrimSpace(token); token != "" {
		req.Header.Set(headerAuthorization, "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limit := int64(-1)
	if resp.StatusCode >= 400 {
		limit = maxErrorBodyBytes
	}
	var reader io.Reader = resp.Body
	if limit > 0 {
		reader = io.LimitReader(resp.Body, limit)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: data}, nil
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
}

func (c *Client) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if c.sleeper != nil {
		c.sleeper(delay)
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// parseRetryAfter reads a whole number of seconds. Anything else means one second.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultRetryAfter
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 || int64(seconds) > maxRetryAfterSeconds {
		return defaultRetryAfter
	}
	return time.Duration(seconds) * time.Second
}

func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.Message)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
