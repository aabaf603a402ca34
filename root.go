package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tonimelisma/sailsync/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// logFileMaxSizeMB caps one log file before lumberjack rotates it.
const logFileMaxSizeMB = 50

// CLIFlags holds the global persistent flags.
type CLIFlags struct {
	ConfigPath string
	Workspace  string
	BackendURL string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext is built once in PersistentPreRunE and shared by subcommands
// through the command context.
type CLIContext struct {
	Flags  CLIFlags
	Cfg    *config.Config
	Logger *slog.Logger

	logCloser io.Closer
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by the root pre-run. It
// panics when called outside a command, which is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("sailsync: CLI context missing")
	}

	return cc
}

// newRootCmd builds the fully assembled root command.
func newRootCmd() *cobra.Command {
	flags := &CLIFlags{}

	cmd := &cobra.Command{
		Use:   "sailsync",
		Short: "Mirror a remote manuscript tree locally and collaborate on it",
		Long: `sailsync keeps a local file replica of a remote document tree in sync,
records every change to authoritative data as a reviewable change set,
and runs collaboration sessions that mix human drafts with provider
suggestions.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := loadCLIContext(cmd, *flags)
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if cc, ok := cmd.Context().Value(cliContextKey{}).(*CLIContext); ok && cc.logCloser != nil {
				return cc.logCloser.Close()
			}

			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "config file path")
	pf.StringVar(&flags.Workspace, "workspace", "", "workspace directory (overrides workspace_dir)")
	pf.StringVar(&flags.BackendURL, "backend-url", "", "backend base URL (overrides backend_url)")
	pf.BoolVar(&flags.JSON, "json", false, "output in JSON format")
	pf.BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newPullCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConflictsCmd())
	cmd.AddCommand(newResolveCmd())
	cmd.AddCommand(newSessionCmd())
	cmd.AddCommand(newChangeSetCmd())
	cmd.AddCommand(newReviewCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newManifestCmd())

	return cmd
}

// loadCLIContext resolves the effective configuration from the four-layer
// override chain and builds the logger.
func loadCLIContext(cmd *cobra.Command, flags CLIFlags) (*CLIContext, error) {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}

	// Only pass flags the user explicitly set.
	if cmd.Flags().Changed("workspace") {
		cli.WorkspaceDir = &flags.Workspace
	}

	if cmd.Flags().Changed("backend-url") {
		cli.BackendURL = &flags.BackendURL
	}

	cfg, err := config.Resolve(config.ReadEnvOverrides(), cli)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, closer, err := buildLogger(cfg, flags, os.Stderr)
	if err != nil {
		return nil, err
	}

	return &CLIContext{Flags: flags, Cfg: cfg, Logger: logger, logCloser: closer}, nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it. With log_file set, output goes to a rotated file
// instead of stderr.
func buildLogger(cfg *config.Config, flags CLIFlags, stderr *os.File) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo

	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	var (
		out    io.Writer = stderr
		closer io.Closer
		tty    = isTerminal(stderr)
	)

	if cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename: config.ExpandHome(cfg.LogFile),
			MaxSize:  logFileMaxSizeMB,
			MaxAge:   cfg.LogRetentionDays,
			Compress: true,
		}

		out, closer, tty = lj, lj, false
	}

	opts := &slog.HandlerOptions{Level: level}

	switch cfg.LogFormat {
	case "json":
		return slog.New(slog.NewJSONHandler(out, opts)), closer, nil
	case "text":
		return slog.New(slog.NewTextHandler(out, opts)), closer, nil
	case "", "auto":
		if tty {
			return slog.New(slog.NewTextHandler(out, opts)), closer, nil
		}

		return slog.New(slog.NewJSONHandler(out, opts)), closer, nil
	default:
		return nil, nil, fmt.Errorf("log_format: unknown format %q", cfg.LogFormat)
	}
}

func isTerminal(f *os.File) bool {
	return f != nil && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}

// requireWorkspace fails commands that touch the replica when no workspace
// is configured.
func requireWorkspace(cfg *config.Config) error {
	if err := config.ValidateResolved(cfg); err != nil {
		return fmt.Errorf("workspace not configured: %w", err)
	}

	return nil
}

// exitCode maps an error onto the process exit status. Conflicts and
// exhausted retries exit 2 so scripts can tell them from hard failures.
func exitCode(err error) int {
	if errors.Is(err, errNeedsAttention) {
		return 2
	}

	return 1
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitCode(err))
}
