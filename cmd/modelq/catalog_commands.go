package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"modelq/internal/catalog"
)

func newModelsCommand(ctx *commandContext) *cobra.Command {
	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "Browse the backend's model catalogs",
	}

	modelsCmd.AddCommand(newCivitaiModelsCommand(ctx))
	modelsCmd.AddCommand(newCivitaiShowCommand(ctx))
	modelsCmd.AddCommand(newHuggingFaceModelsCommand(ctx))

	return modelsCmd
}

func newCivitaiModelsCommand(ctx *commandContext) *cobra.Command {
	var q catalog.CivitaiQuery
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "civitai",
		Short: "List Civitai models",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				page, err := rt.catalog.CivitaiModels(cmd.Context(), q)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, page)
				}
				out := cmd.OutOrStdout()
				if len(page.Items) == 0 {
					fmt.Fprintln(out, "No models found")
					return nil
				}
				fmt.Fprint(out, renderTable(
					[]string{"ID", "Name", "Type", "Base", "Downloads", "Rating"},
					buildCivitaiRows(page.Items),
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignRight},
				))
				if page.Metadata.HasMore() {
					next := max(page.Metadata.CurrentPage, 1) + 1
					fmt.Fprintf(out, "More results available: --page %d\n", next)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&q.Query, "query", "", "Search text")
	cmd.Flags().StringVar(&q.Sort, "sort", "", "Sort order (e.g. \"Most Downloaded\")")
	cmd.Flags().StringVar(&q.Tag, "tag", "", "Filter by tag")
	cmd.Flags().IntVar(&q.Limit, "limit", 20, "Results per page")
	cmd.Flags().IntVar(&q.Page, "page", 1, "Page number")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func buildCivitaiRows(models []catalog.CivitaiModel) [][]string {
	rows := make([][]string, 0, len(models))
	for _, m := range models {
		base := "-"
		if v, ok := m.Latest(); ok && v.BaseModel != "" {
			base = v.BaseModel
		}
		rating := "-"
		if m.Stats.Rating > 0 {
			rating = strconv.FormatFloat(m.Stats.Rating, 'f', 1, 64)
		}
		rows = append(rows, []string{
			strconv.FormatInt(m.ID, 10),
			m.Name,
			m.Type,
			base,
			humanize.Comma(m.Stats.DownloadCount),
			rating,
		})
	}
	return rows
}

func newCivitaiShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <modelId>",
		Short: "Show a Civitai model with its versions and files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid model id %q", args[0])
			}
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				model, err := rt.catalog.CivitaiModel(cmd.Context(), id)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, model)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%s (%s)\n", model.Name, model.Type)
				if len(model.Tags) > 0 {
					fmt.Fprintf(out, "Tags: %s\n", strings.Join(model.Tags, ", "))
				}
				rows := make([][]string, 0)
				for _, v := range model.Versions {
					for _, f := range v.Files {
						rows = append(rows, []string{v.Name, v.BaseModel, f.Name, humanize.IBytes(f.SizeBytes())})
					}
				}
				if len(rows) > 0 {
					fmt.Fprint(out, renderTable([]string{"Version", "Base", "File", "Size"}, rows,
						[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight}))
				}
				if url := model.DownloadURL(); url != "" {
					fmt.Fprintf(out, "Download: modelq enqueue --source civitai --model-id %d --name %q --url %s\n", model.ID, model.Name, url)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newHuggingFaceModelsCommand(ctx *commandContext) *cobra.Command {
	var q catalog.HuggingFaceQuery
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "huggingface",
		Short: "List Hugging Face models",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				models, err := rt.catalog.HuggingFaceModels(cmd.Context(), q)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, models)
				}
				if len(models) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No models found")
					return nil
				}
				rows := make([][]string, 0, len(models))
				for _, m := range models {
					rows = append(rows, []string{m.ID, m.DownloadURL()})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Model", "URL"}, rows, nil))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&q.Search, "search", "", "Search text")
	cmd.Flags().IntVar(&q.Limit, "limit", 20, "Maximum results")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}

func newDiskUsageCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "disk-usage",
		Short: "Show storage used by downloaded models",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd, func(rt *runtime) error {
				usage, err := rt.catalog.DiskUsage(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, usage)
				}
				rows := [][]string{
					{sourceLabel("civitai"), formatGB(usage.Civitai)},
					{sourceLabel("huggingface"), formatGB(usage.HuggingFace)},
					{"Other", formatGB(usage.Other)},
					{"Total", formatGB(usage.Total())},
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Source", "Used"}, rows,
					[]columnAlignment{alignLeft, alignRight}))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	return cmd
}
