package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amankb/internal/kb"
	"github.com/Aman-CERP/amankb/internal/mcp"
	"github.com/Aman-CERP/amankb/internal/watcher"
)

func newServeCmd(g *globalOptions) *cobra.Command {
	var (
		transport string
		watch     bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server",
		Long: `Start the Model Context Protocol server on stdio.

stdout carries JSON-RPC only; logs go to the log file and, when enabled, to
stderr. With --watch the inbox is ingested in the background while serving.`,
		Annotations: map[string]string{longRunning: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withKB(cmd.Context(), func(k *kb.KB) error {
				return runServe(cmd.Context(), g, k, transport, watch)
			})
		},
	}

	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport type (stdio)")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Ingest the inbox in the background while serving")

	return cmd
}

func runServe(ctx context.Context, g *globalOptions, k *kb.KB, transport string, watch bool) error {
	srv, err := mcp.NewServer(k, g.logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchDone := make(chan struct{})
	if watch {
		go func() {
			defer close(watchDone)
			if err := k.Watch(ctx, watcher.Options{}); err != nil {
				g.logger.Error("inbox_watch_failed", slog.String("error", err.Error()))
			}
		}()
	} else {
		close(watchDone)
	}

	err = srv.Serve(ctx, transport)
	cancel()
	<-watchDone
	return err
}
