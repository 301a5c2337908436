package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amankb/internal/kb"
	"github.com/Aman-CERP/amankb/internal/ui"
)

func newStatsCmd(g *globalOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show index, ingestion and cache statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withKB(cmd.Context(), func(k *kb.KB) error {
				ctx := cmd.Context()
				idx, err := k.IndexStats(ctx)
				if err != nil {
					return err
				}
				status, err := k.IngestStatus(ctx)
				if err != nil {
					return err
				}
				info := ui.StatsInfo{
					DataDir: k.Config().DataDir,
					Index:   idx,
					Ingest:  status,
					Cache:   k.CacheStats(),
					Model:   k.Model(),
				}

				r := ui.NewRenderer(cmd.OutOrStdout(), !ui.UseColor(cmd.OutOrStdout()))
				if jsonOutput {
					return r.RenderJSON(info)
				}
				return r.RenderStats(info)
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output statistics as JSON")

	return cmd
}
