package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"modelq/internal/catalog"
	"modelq/internal/config"
	"modelq/internal/downloads"
	"modelq/internal/logging"
	"modelq/internal/metrics"
	"modelq/internal/notify"
	"modelq/internal/queue"
	"modelq/internal/realtime"
	"modelq/internal/state"
	"modelq/internal/transport"
)

const ntfyFlushTimeout = 3 * time.Second

type commandContext struct {
	configFlag *string

	configOnce   sync.Once
	config       *config.Config
	configPath   string
	configExists bool
	configErr    error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolved, exists, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
		c.configExists = exists
	})
	return c.config, c.configErr
}

// runtime holds the per-invocation service graph.
type runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	db         *state.DB
	tokens     *state.Credentials
	sink       notify.Sink
	client     *transport.Client
	store      *queue.Store
	controller *downloads.Controller
	catalog    *catalog.Client

	closers []func()
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// newRealtime builds the push channel that feeds r.store.
func (r *runtime) newRealtime() (*realtime.Channel, error) {
	origin, err := url.Parse(r.cfg.Backend.URL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	minDelay, maxDelay := r.cfg.ReconnectBounds()
	return realtime.New(origin, r.cfg.Realtime.Path, r.store,
		realtime.WithTokenSource(r.tokens),
		realtime.WithSink(r.sink),
		realtime.WithLogger(r.logger),
		realtime.WithMetrics(r.metrics),
		realtime.WithBackoff(minDelay, maxDelay),
	)
}

// withRuntime opens the state database, wires the service graph, and loads
// the queue before calling fn. Notifications are printed to stderr.
func (c *commandContext) withRuntime(cmd *cobra.Command, fn func(*runtime) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	rt, err := c.openRuntime(cmd.Context(), cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer rt.close()
	return fn(rt)
}

func (c *commandContext) openRuntime(ctx context.Context, cfg *config.Config, notices io.Writer) (*runtime, error) {
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	rt := &runtime{cfg: cfg, logger: logger, metrics: metrics.New()}

	db, err := state.Open(cfg.StatePath())
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}
	rt.db = db
	rt.closers = append(rt.closers, func() { _ = db.Close() })
	rt.tokens = state.NewCredentials(db, cfg.Backend.Token)

	sinks := []notify.Sink{newConsoleSink(notices), notify.SinkFunc(func(s notify.Severity, _ string) {
		rt.metrics.IncNotification(s.String())
	})}
	if topic := strings.TrimSpace(cfg.Notifications.NtfyTopic); topic != "" {
		minSeverity, err := notify.ParseSeverity(cfg.Notifications.MinSeverity)
		if err != nil {
			rt.close()
			return nil, err
		}
		ntfy := notify.NewNtfySink(topic, cfg.Backend.UserAgent, time.Duration(cfg.Notifications.RequestTimeout)*time.Second, logger)
		rt.closers = append(rt.closers, func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), ntfyFlushTimeout)
			defer cancel()
			_ = ntfy.Close(flushCtx)
		})
		sinks = append(sinks, notify.AtLeast(minSeverity, ntfy))
	}
	rt.sink = notify.Multi(sinks...)

	baseDelay, maxDelay := cfg.RetryBackoff()
	client, err := transport.New(cfg.Backend.URL,
		transport.WithTokenSource(rt.tokens),
		transport.WithSink(rt.sink),
		transport.WithLogger(logger),
		transport.WithMetrics(rt.metrics),
		transport.WithUserAgent(cfg.Backend.UserAgent),
		transport.WithTimeout(cfg.RequestTimeout()),
		transport.WithMaxAttempts(cfg.Backend.MaxAttempts),
		transport.WithRetryBackoff(baseDelay, maxDelay),
	)
	if err != nil {
		rt.close()
		return nil, err
	}
	rt.client = client

	rt.store = queue.NewStore(db.QueueSnapshot(), rt.sink, logger, queue.WithMetrics(rt.metrics))
	if err := rt.store.Load(ctx); err != nil {
		rt.close()
		return nil, fmt.Errorf("load queue: %w", err)
	}
	rt.controller = downloads.New(client, rt.store, rt.sink, logger,
		downloads.WithDownloadPath(db, cfg.Downloads.DefaultPath))
	rt.catalog = catalog.New(client)
	return rt, nil
}

// withState opens only the state database, for commands that never talk to
// the backend.
func (c *commandContext) withState(cmd *cobra.Command, fn func(*config.Config, *state.DB) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	db, err := state.Open(cfg.StatePath())
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer db.Close()
	return fn(cfg, db)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
