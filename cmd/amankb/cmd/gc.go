package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amankb/internal/kb"
	"github.com/Aman-CERP/amankb/internal/output"
)

func newGCCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Drop cached embeddings of models no longer in use",
		Long: `Delete persisted embeddings whose model is neither the configured one nor
referenced by a live document. Run it after switching embedding models.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := output.New(cmd.OutOrStdout())
			return g.withKB(cmd.Context(), func(k *kb.KB) error {
				res, err := k.GC(cmd.Context())
				if err != nil {
					return err
				}
				out.Successf("Removed %d embeddings", res.Removed)
				out.Statusf("", "kept models: %s", strings.Join(res.KeptModels, ", "))
				return nil
			})
		},
	}
}
