package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"modelq/internal/downloads"
)

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var desc downloads.Descriptor

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Start a model download on the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				task, err := rt.controller.Enqueue(cmd.Context(), desc)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Queued %s as task %s\n", task.Label(), task.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&desc.Source, "source", "", "Catalog the model comes from (civitai or huggingface)")
	cmd.Flags().StringVar(&desc.URL, "url", "", "Download URL")
	cmd.Flags().StringVar(&desc.ModelID, "model-id", "", "Catalog model identifier (defaults to --name)")
	cmd.Flags().StringVar(&desc.ModelName, "name", "", "Display name of the model")
	cmd.Flags().StringVar(&desc.Path, "path", "", "Destination directory on the backend (defaults to the stored download path)")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <taskId>",
		Short: "Cancel a download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				return rt.controller.Cancel(cmd.Context(), args[0])
			})
		},
	}
}
