package cmd

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amankb/internal/kb"
	"github.com/Aman-CERP/amankb/internal/output"
	"github.com/Aman-CERP/amankb/internal/watcher"
)

type ingestOptions struct {
	watch        bool
	forcePolling bool
	pollInterval time.Duration
}

func newIngestCmd(g *globalOptions) *cobra.Command {
	var opts ingestOptions

	cmd := &cobra.Command{
		Use:   "ingest [paths...]",
		Short: "Ingest files into the knowledge base",
		Long: `Queue files and directories for ingestion and process them until every
due task has succeeded, is waiting for a retry, or is in the dead-letter queue.

Text and markdown are read directly. Images and audio go to the configured OCR
and speech-to-text services. One incremental index build runs per round.

With --watch the inbox directory is watched and new files are ingested as they
arrive until interrupted.`,
		Example: `  # Ingest a folder of notes
  amankb ingest ~/notes

  # Retry anything due without queueing new files
  amankb ingest

  # Watch the inbox
  amankb ingest --watch`,
		Annotations: map[string]string{longRunning: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withKB(cmd.Context(), func(k *kb.KB) error {
				return runIngest(cmd.Context(), cmd, k, args, opts)
			})
		},
	}

	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "Watch the inbox and ingest new files until interrupted")
	cmd.Flags().BoolVar(&opts.forcePolling, "poll", false, "Use polling instead of filesystem notifications when watching")
	cmd.Flags().DurationVar(&opts.pollInterval, "poll-interval", 0, "Polling interval when watching (default: ingest.poll_interval)")

	return cmd
}

func runIngest(ctx context.Context, cmd *cobra.Command, k *kb.KB, paths []string, opts ingestOptions) error {
	out := output.New(cmd.OutOrStdout())

	if len(paths) > 0 || !opts.watch {
		res, err := k.Ingest(ctx, paths...)
		if res != nil {
			out.Successf("Processed %d tasks: %d succeeded, %d changed, %d retrying, %d dead-lettered",
				res.Claimed, res.Succeeded, res.Changed, res.Retried, res.DeadLettered)
			if res.Build != nil {
				out.Statusf("", "index generation %d (%d documents, %d chunks)",
					res.Build.Version, res.Build.Docs, res.Build.Chunks)
			}
			if res.DeadLettered > 0 {
				out.Warning("Run 'amankb deadletter list' to see failed items")
			}
		}
		if err != nil {
			return err
		}
	}

	if !opts.watch {
		return nil
	}

	wopts := watcher.Options{
		ForcePolling: opts.forcePolling,
		PollInterval: opts.pollInterval,
	}

	inbox := k.Config().Ingest.Inbox
	out.Statusf("*", "Watching %s (Ctrl+C to stop)", inbox)
	slog.Info("watch_started", slog.String("inbox", inbox))

	return k.Watch(ctx, wopts)
}
