package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amankb/internal/kb"
	"github.com/Aman-CERP/amankb/internal/output"
)

func newDeleteCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <doc-id...>",
		Short: "Remove documents from the knowledge base",
		Long: `Mark documents as removed and publish an index generation without them.
Their chunks stop appearing in search results once the new generation is live.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.New(cmd.OutOrStdout())
			return g.withKB(cmd.Context(), func(k *kb.KB) error {
				n, err := k.DeleteDocs(cmd.Context(), args)
				if err != nil {
					return err
				}
				if n < len(args) {
					out.Warningf("%d of %d documents were not found", len(args)-n, len(args))
				}
				out.Successf("Removed %d documents", n)
				return nil
			})
		},
	}

	return cmd
}
