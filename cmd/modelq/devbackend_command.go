package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"modelq/internal/devbackend"
	"modelq/internal/logging"
)

func newDevBackendCommand(ctx *commandContext) *cobra.Command {
	var opts devbackend.Options

	cmd := &cobra.Command{
		Use:   "dev-backend",
		Short: "Run a local backend that simulates downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := logging.NewFromConfig(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			if opts.FailRate < 0 || opts.FailRate > 1 {
				return errors.New("fail-rate must be between 0 and 1")
			}
			opts.Logger = logger
			server := devbackend.New(opts)
			fmt.Fprintf(cmd.OutOrStdout(), "Dev backend on http://%s (tick %s, step %.0f%%)\n", opts.Bind, opts.Interval, opts.Step)
			return server.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&opts.Bind, "bind", "127.0.0.1:5000", "Listen address")
	cmd.Flags().StringVar(&opts.Token, "token", "", "Require this bearer token")
	cmd.Flags().Float64Var(&opts.Step, "step", 10, "Progress percent added per tick")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 500*time.Millisecond, "Tick interval")
	cmd.Flags().Float64Var(&opts.FailRate, "fail-rate", 0, "Probability of answering an API request with 500")
	return cmd
}
