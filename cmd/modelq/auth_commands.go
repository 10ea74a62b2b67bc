package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"modelq/internal/config"
	"modelq/internal/state"
)

func newLoginCommand(ctx *commandContext) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the bearer token sent to the backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			token = strings.TrimSpace(token)
			if token == "" {
				return errors.New("token is required")
			}
			return ctx.withState(cmd, func(_ *config.Config, db *state.DB) error {
				if err := db.PutString(cmd.Context(), state.KeyToken, token); err != nil {
					return fmt.Errorf("store token: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Token saved")
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Bearer token")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newLogoutCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withState(cmd, func(_ *config.Config, db *state.DB) error {
				if err := db.Delete(cmd.Context(), state.KeyToken); err != nil {
					return fmt.Errorf("remove token: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Token removed")
				return nil
			})
		},
	}
}

func newSetPathCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "set-path <dir>",
		Short: "Set the default download destination on the backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := strings.TrimSpace(args[0])
			if path == "" {
				return errors.New("path is required")
			}
			return ctx.withState(cmd, func(_ *config.Config, db *state.DB) error {
				if err := db.PutString(cmd.Context(), state.KeyDownloadPath, path); err != nil {
					return fmt.Errorf("store download path: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Download path set to %s\n", path)
				return nil
			})
		},
	}
}
