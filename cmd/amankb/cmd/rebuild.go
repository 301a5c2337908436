package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amankb/internal/kb"
	"github.com/Aman-CERP/amankb/internal/ui"
)

func newRebuildCmd(g *globalOptions) *cobra.Command {
	var (
		full       bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Build a new index generation",
		Long: `Build a new index generation and switch readers to it atomically.

By default the staged changes are applied on top of the live generation.
With --full every active document is re-indexed from the metadata store.
Searches keep using the previous generation until the switch.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withKB(cmd.Context(), func(k *kb.KB) error {
				res, err := k.Rebuild(cmd.Context(), full)
				if err != nil {
					return err
				}
				r := ui.NewRenderer(cmd.OutOrStdout(), !ui.UseColor(cmd.OutOrStdout()))
				if jsonOutput {
					return r.RenderJSON(res)
				}
				return r.RenderBuild(res)
			})
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "Rebuild from scratch instead of applying staged changes")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the build result as JSON")

	return cmd
}
