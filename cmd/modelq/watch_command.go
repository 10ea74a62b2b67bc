package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"modelq/internal/logging"
	"modelq/internal/queue"
)

const (
	refreshInterval        = 2 * time.Second
	metricsShutdownTimeout = 5 * time.Second
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow download progress until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				addr := strings.TrimSpace(metricsAddr)
				if addr == "" {
					addr = strings.TrimSpace(rt.cfg.Metrics.Bind)
				}
				return runWatch(cmd.Context(), rt, cmd.OutOrStdout(), addr)
			})
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides [metrics].bind)")
	return cmd
}

// runWatch connects the push channel and re-renders the queue on every
// change until ctx ends. Another modelq process may mutate the queue
// meanwhile; those writes are picked up by polling the snapshot revision.
func runWatch(ctx context.Context, rt *runtime, out io.Writer, metricsAddr string) error {
	channel, err := rt.newRealtime()
	if err != nil {
		return err
	}
	logger := logging.NewComponentLogger(rt.logger, "watch")
	updates, unsubscribe := rt.store.Subscribe()
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return channel.Run(gctx)
	})

	g.Go(func() error {
		render := newQueueRenderer(out)
		render(rt.store.Tasks())
		for {
			select {
			case <-gctx.Done():
				return nil
			case tasks, ok := <-updates:
				if !ok {
					return nil
				}
				render(tasks)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := rt.store.Refresh(gctx); err != nil && gctx.Err() == nil {
					logger.Warn("queue refresh failed", logging.Args(logging.Error(err))...)
				}
			}
		}
	})

	if metricsAddr != "" {
		server := &http.Server{
			Addr:              metricsAddr,
			Handler:           rt.metrics.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics listening", logging.Args(logging.String("address", metricsAddr))...)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// newQueueRenderer redraws a table on terminals and prints plain lines otherwise.
func newQueueRenderer(out io.Writer) func([]queue.Task) {
	if shouldColorize(out) {
		return func(tasks []queue.Task) {
			fmt.Fprint(out, ansiClear+renderTasks(tasks, time.Now()))
		}
	}
	return func(tasks []queue.Task) {
		fmt.Fprint(out, renderTaskLines(tasks))
	}
}
