package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"modelq/internal/logging"
	"modelq/internal/metrics"
	"modelq/internal/notify"
	"modelq/internal/queue"
	"modelq/internal/transport"
)

const (
	defaultMinDelay         = time.Second
	defaultMaxDelay         = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	jitterFactor            = 0.5

	messageConnected    = "Connected to server"
	messageConnectError = "Failed to connect to server. Retrying..."
)

var (
	// ErrConnectRefused is returned when the server answers the namespace
	// connect with a connect_error packet.
	ErrConnectRefused = errors.New("connect refused")
	// ErrServerClosed is returned when the server ends the session.
	ErrServerClosed = errors.New("server closed session")
)

// Merger receives queue_update batches in arrival order.
type Merger interface {
	Merge(ctx context.Context, updates []queue.Update) error
}

// Channel is the auto-reconnecting push subscription.
type Channel struct {
	endpoint         *url.URL
	merger           Merger
	tokens           transport.TokenSource
	sink             notify.Sink
	logger           *slog.Logger
	metrics          *metrics.Metrics
	dialer           *websocket.Dialer
	minDelay         time.Duration
	maxDelay         time.Duration
	handshakeTimeout time.Duration
	random           func() float64

	connected atomic.Bool
}

// Option customizes a Channel.
type Option func(*Channel)

func WithTokenSource(tokens transport.TokenSource) Option {
	return func(c *Channel) { c.tokens = tokens }
}

func WithSink(sink notify.Sink) Option {
	return func(c *Channel) {
		if sink != nil {
			c.sink = sink
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) { c.logger = logging.NewComponentLogger(logger, "realtime") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Channel) { c.metrics = m }
}

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(c *Channel) {
		if minDelay > 0 {
			c.minDelay = minDelay
		}
		if maxDelay > 0 {
			c.maxDelay = maxDelay
		}
	}
}

// WithRandom overrides the jitter source; it must return values in [0, 1).
func WithRandom(random func() float64) Option {
	return func(c *Channel) {
		if random != nil {
			c.random = random
		}
	}
}

func WithDialer(dialer *websocket.Dialer) Option {
	return func(c *Channel) {
		if dialer != nil {
			c.dialer = dialer
		}
	}
}

func WithHandshakeTimeout(timeout time.Duration) Option {
	return func(c *Channel) {
		if timeout > 0 {
			c.handshakeTimeout = timeout
		}
	}
}

// New builds a channel for the backend origin. path is the Socket.IO mount point.
func New(origin *url.URL, path string, merger Merger, opts ...Option) (*Channel, error) {
	if merger == nil {
		return nil, errors.New("realtime: merger is required")
	}
	endpoint, err := Endpoint(origin, path)
	if err != nil {
		return nil, err
	}
	c := &Channel{
		endpoint:         endpoint,
		merger:           merger,
		tokens:           transport.StaticToken(""),
		sink:             notify.Discard,
		logger:           logging.NewComponentLogger(nil, "realtime"),
		dialer:           &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		minDelay:         defaultMinDelay,
		maxDelay:         defaultMaxDelay,
		handshakeTimeout: defaultHandshakeTimeout,
		random:           rand.Float64,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.maxDelay < c.minDelay {
		c.maxDelay = c.minDelay
	}
	return c, nil
}

// Endpoint returns the WebSocket URL the channel dials.
func (c *Channel) Endpoint() string { return c.endpoint.String() }

// Connected reports whether a session is currently established.
func (c *Channel) Connected() bool { return c.connected.Load() }

// Delay returns the wait before reconnect attempt n (1-based): the initial
// delay doubled per failure, capped, with ±50% jitter kept inside the bounds.
func (c *Channel) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	base := c.minDelay
	for i := 1; i < n && base < c.maxDelay; i++ {
		base *= 2
	}
	base = min(base, c.maxDelay)
	deviation := (c.random()*2 - 1) * jitterFactor * float64(base)
	delay := time.Duration(float64(base) + deviation)
	return min(max(delay, c.minDelay), c.maxDelay)
}

// Run keeps the subscription alive until ctx is cancelled. Connection
// failures never end the loop.
func (c *Channel) Run(ctx context.Context) error {
	failures := 0
	outage := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, open, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			c.metrics.RealtimeConnectError()
			if !outage {
				outage = true
				c.sink.Notify(notify.Warning, messageConnectError)
			}
			delay := c.Delay(failures)
			c.logger.Debug("push channel connect failed",
				logging.Args(logging.Int("attempt", failures), logging.Duration("retry_in", delay), logging.Error(err))...)
			if !wait(ctx, delay) {
				return nil
			}
			continue
		}

		failures = 0
		outage = false
		c.connected.Store(true)
		c.metrics.RealtimeConnected()
		c.sink.Notify(notify.Info, messageConnected)
		c.logger.Info("push channel connected", logging.Args(logging.String("sid", open.SID))...)

		err = c.serve(ctx, conn, open)
		c.connected.Store(false)
		c.metrics.RealtimeDisconnected()
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("push channel dropped; reconnecting",
			logging.Args(logging.String(logging.FieldEventType, "realtime_disconnect"), logging.Error(err))...)
		failures = 1
		if !wait(ctx, c.Delay(failures)) {
			return nil
		}
	}
}

func (c *Channel) connect(ctx context.Context) (*websocket.Conn, OpenPayload, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		c.logger.Debug("token lookup failed; connecting without credentials", logging.Args(logging.Error(err))...)
		token = ""
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.endpoint.String(), header)
	if err != nil {
		if resp != nil {
			return nil, OpenPayload{}, fmt.Errorf("dial %s: %w (status %d)", c.endpoint.Redacted(), err, resp.StatusCode)
		}
		return nil, OpenPayload{}, fmt.Errorf("dial %s: %w", c.endpoint.Redacted(), err)
	}

	// Closing the socket unblocks a handshake read when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	open, err := c.handshake(conn, token)
	if !stop() {
		_ = conn.Close()
		return nil, OpenPayload{}, fmt.Errorf("handshake interrupted: %w", ctx.Err())
	}
	if err != nil {
		_ = conn.Close()
		return nil, OpenPayload{}, err
	}
	return conn, open, nil
}

func (c *Channel) handshake(conn *websocket.Conn, token string) (OpenPayload, error) {
	_ = conn.SetReadDeadline(time.Now().Add(c.handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return OpenPayload{}, fmt.Errorf("read open packet: %w", err)
	}
	if len(msg) == 0 || msg[0] != EngineOpen {
		return OpenPayload{}, fmt.Errorf("unexpected first packet %q", truncate(msg))
	}
	var open OpenPayload
	if err := json.Unmarshal(msg[1:], &open); err != nil {
		return OpenPayload{}, fmt.Errorf("decode open packet: %w", err)
	}

	var auth any
	if token != "" {
		auth = ConnectAuth{Token: token}
	}
	packet, err := EncodeConnect(auth)
	if err != nil {
		return OpenPayload{}, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.handshakeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, packet); err != nil {
		return OpenPayload{}, fmt.Errorf("send connect packet: %w", err)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return OpenPayload{}, fmt.Errorf("await connect ack: %w", err)
		}
		if len(msg) == 0 {
			continue
		}
		switch msg[0] {
		case EnginePing:
			if err := conn.WriteMessage(websocket.TextMessage, []byte{EnginePong}); err != nil {
				return OpenPayload{}, fmt.Errorf("send pong: %w", err)
			}
			continue
		case EngineClose:
			return OpenPayload{}, ErrServerClosed
		case EngineMessage:
		default:
			continue
		}
		frame, err := DecodeSocket(msg[1:])
		if err != nil || frame.Namespace != "/" {
			continue
		}
		switch frame.Type {
		case SocketConnect:
			return open, nil
		case SocketConnectError:
			return OpenPayload{}, fmt.Errorf("%w: %s", ErrConnectRefused, ErrorMessage(frame.Data))
		}
	}
}

// serve runs the read loop. Batches are merged on this goroutine, so they
// reach the store strictly in arrival order.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn, open OpenPayload) error {
	var writeMu sync.Mutex
	write := func(data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(c.handshakeTimeout))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = write([]byte{EngineMessage, SocketDisconnect})
		_ = conn.Close()
	})
	defer func() {
		stop()
		_ = conn.Close()
	}()

	liveness := open.Liveness()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(liveness))
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if kind != websocket.TextMessage || len(msg) == 0 {
			continue
		}

		switch msg[0] {
		case EnginePing:
			if err := write([]byte{EnginePong}); err != nil {
				return fmt.Errorf("send pong: %w", err)
			}
		case EngineClose:
			return ErrServerClosed
		case EngineMessage:
			if err := c.handleSocket(ctx, msg[1:]); err != nil {
				return err
			}
		}
	}
}

func (c *Channel) handleSocket(ctx context.Context, packet []byte) error {
	frame, err := DecodeSocket(packet)
	if err != nil || frame.Namespace != "/" {
		return nil
	}
	switch frame.Type {
	case SocketDisconnect:
		return ErrServerClosed
	case SocketConnectError:
		return fmt.Errorf("%w: %s", ErrConnectRefused, ErrorMessage(frame.Data))
	case SocketEvent:
	default:
		return nil
	}

	name, payload, err := DecodeEvent(frame.Data)
	if err != nil {
		c.logger.Debug("ignoring malformed event", logging.Args(logging.Error(err))...)
		return nil
	}
	if name != EventQueueUpdate {
		c.logger.Debug("ignoring event", logging.Args(logging.String("event", name))...)
		return nil
	}

	updates, err := decodeBatch(payload)
	if err != nil {
		c.logger.Warn("malformed queue_update batch",
			logging.Args(logging.String(logging.FieldEventType, "bad_batch"), logging.Error(err))...)
		return nil
	}
	if len(updates) == 0 {
		return nil
	}
	if err := c.merger.Merge(ctx, updates); err != nil && ctx.Err() == nil {
		c.logger.Warn("merge queue_update failed",
			logging.Args(logging.Int("updates", len(updates)), logging.Error(err))...)
	}
	return nil
}

// decodeBatch accepts a list of updates or a single update object.
func decodeBatch(payload json.RawMessage) ([]queue.Update, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, nil
	}
	if payload[0] == '{' {
		var single queue.Update
		if err := json.Unmarshal(payload, &single); err != nil {
			return nil, err
		}
		return []queue.Update{single}, nil
	}
	var updates []queue.Update
	if err := json.Unmarshal(payload, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func wait(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func truncate(msg []byte) string {
	if len(msg) > 64 {
		return string(msg[:64]) + "..."
	}
	return string(msg)
}
