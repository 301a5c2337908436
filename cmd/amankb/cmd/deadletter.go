package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amankb/internal/kb"
	"github.com/Aman-CERP/amankb/internal/output"
	"github.com/Aman-CERP/amankb/internal/ui"
)

func newDeadLetterCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletter",
		Aliases: []string{"dlq"},
		Short:   "Inspect and reprocess failed ingestion tasks",
		Long: `Tasks land in the dead-letter queue after a permanent failure or after
exhausting their retries. Reprocessing moves them back to pending with a fresh
retry budget; the next 'amankb ingest' picks them up.`,
	}

	cmd.AddCommand(newDeadLetterListCmd(g))
	cmd.AddCommand(newDeadLetterReprocessCmd(g))

	return cmd
}

func newDeadLetterListCmd(g *globalOptions) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withKB(cmd.Context(), func(k *kb.KB) error {
				tasks, err := k.DeadLetters(cmd.Context())
				if err != nil {
					return err
				}
				r := ui.NewRenderer(cmd.OutOrStdout(), !ui.UseColor(cmd.OutOrStdout()))
				if jsonOutput {
					return r.RenderJSON(tasks)
				}
				return r.RenderDeadLetters(tasks)
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output tasks as JSON")

	return cmd
}

func newDeadLetterReprocessCmd(g *globalOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "reprocess [task-id]",
		Short: "Move dead-letter tasks back to pending",
		Example: `  amankb deadletter reprocess 6f1c0e4a-2b7d-5c8e-9a01-3d4f5e6a7b8c
  amankb deadletter reprocess --all`,
		Args: func(_ *cobra.Command, args []string) error {
			switch {
			case all && len(args) > 0:
				return fmt.Errorf("a task id and --all are mutually exclusive")
			case !all && len(args) != 1:
				return fmt.Errorf("requires exactly one task id, or --all")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.New(cmd.OutOrStdout())
			return g.withKB(cmd.Context(), func(k *kb.KB) error {
				if all {
					n, err := k.ReprocessAll(cmd.Context())
					if err != nil {
						return err
					}
					out.Successf("Requeued %d tasks", n)
					return nil
				}
				if err := k.Reprocess(cmd.Context(), args[0]); err != nil {
					return err
				}
				out.Successf("Requeued %s", args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Reprocess every dead-letter task")

	return cmd
}
