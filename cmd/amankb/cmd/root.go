// Package cmd provides the CLI commands for amankb.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amankb/internal/config"
	kberrors "github.com/Aman-CERP/amankb/internal/errors"
	"github.com/Aman-CERP/amankb/internal/kb"
	"github.com/Aman-CERP/amankb/internal/logging"
	"github.com/Aman-CERP/amankb/pkg/version"
)

// longRunning marks commands whose logs are mirrored to stderr when
// logging.stderr is set. Short commands keep stderr for errors only.
const longRunning = "long_running"

// globalOptions holds the persistent flags and what PersistentPreRunE builds from them.
type globalOptions struct {
	configPath string
	debug      bool

	cfg     *config.Config
	logger  *slog.Logger
	cleanup func()
}

// NewRootCmd creates the root command for the amankb CLI.
func NewRootCmd() *cobra.Command {
	g := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "amankb",
		Short: "Personal knowledge base with hybrid search",
		Long: `amankb ingests notes, documents, images and voice memos into a local
knowledge base and answers queries with hybrid keyword and semantic search
fused by Reciprocal Rank Fusion.

The index is rebuilt blue-green: readers keep the live generation while a new
one is built, then switch atomically.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return g.setup(cmd)
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			g.teardown()
			return nil
		},
	}

	cmd.SetVersionTemplate("amankb version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Config file or directory (default: user and project config)")
	cmd.PersistentFlags().BoolVar(&g.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(newIngestCmd(g))
	cmd.AddCommand(newSearchCmd(g))
	cmd.AddCommand(newRebuildCmd(g))
	cmd.AddCommand(newStatsCmd(g))
	cmd.AddCommand(newDeadLetterCmd(g))
	cmd.AddCommand(newDeleteCmd(g))
	cmd.AddCommand(newGCCmd(g))
	cmd.AddCommand(newServeCmd(g))
	cmd.AddCommand(newConfigCmd(g))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command and prints a formatted error on failure.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprint(os.Stderr, kberrors.FormatForCLI(err))
	}
	return err
}

// setup loads the configuration and installs the structured logger.
func (g *globalOptions) setup(cmd *cobra.Command) error {
	if cmd.Annotations["skip_setup"] == "true" {
		return nil
	}

	var (
		cfg *config.Config
		err error
	)
	if g.configPath != "" {
		cfg, err = config.LoadPath(g.configPath)
	} else {
		cwd, werr := os.Getwd()
		if werr != nil {
			return fmt.Errorf("failed to get current directory: %w", werr)
		}
		cfg, err = config.Load(cwd)
	}
	if err != nil {
		return err
	}
	if g.debug {
		cfg.Logging.Level = "debug"
	}

	logger, cleanup, err := logging.Setup(logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.LogPath(),
		MaxSizeMB:     cfg.Logging.MaxSizeMB,
		MaxFiles:      cfg.Logging.MaxFiles,
		WriteToStderr: g.debug || (cfg.Logging.Stderr && cmd.Annotations[longRunning] == "true"),
	})
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	slog.SetDefault(logger)

	g.cfg = cfg
	g.logger = logger
	g.cleanup = cleanup
	logger.Debug("command_started",
		slog.String("command", cmd.CommandPath()),
		slog.String("data_dir", cfg.DataDir),
		slog.String("version", version.Version))
	return nil
}

func (g *globalOptions) teardown() {
	if g.cleanup != nil {
		g.cleanup()
		g.cleanup = nil
	}
}

// openKB opens the knowledge base for the loaded configuration. The caller closes it.
func (g *globalOptions) openKB(ctx context.Context) (*kb.KB, error) {
	if g.cfg == nil {
		return nil, kberrors.Internal("configuration not loaded", nil)
	}
	return kb.Open(ctx, g.cfg, kb.Options{Logger: g.logger})
}

// withKB opens the knowledge base, runs fn and closes it, joining close errors.
func (g *globalOptions) withKB(ctx context.Context, fn func(*kb.KB) error) (err error) {
	k, err := g.openKB(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := k.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(k)
}
