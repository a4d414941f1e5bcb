package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/C4ne/merge2users/internal/app"
	"github.com/C4ne/merge2users/internal/config"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=...".
	Version = "dev"
	Commit  = "none"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "merge2users",
		Short: "Merge two user accounts and every row that references them",
		Long: `merge2users repoints every reference to a merge user onto a base user in
one transaction, removing rows that would collide on a unique constraint.

Configuration comes from flags, M2U_* environment variables, a .env file and
merge2users.yaml, in that order of precedence.`,
		SilenceUsage: true,
		Version:      fmt.Sprintf("%s (%s)", Version, Commit),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	config.DefineFlags(root.PersistentFlags())

	root.AddCommand(newMergeCmd(), newInspectCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "merge2users %s (%s)\n", Version, Commit)
		},
	}
}

// startApp loads and validates configuration, then initializes the app. The
// caller owns the returned app and must shut it down.
func startApp(cmd *cobra.Command, opts ...app.Option) (*app.App, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = Version
	}

	validationResult := cfg.Validate()
	for _, warn := range validationResult.Warnings {
		slog.Warn("configuration warning",
			slog.String("field", warn.Field),
			slog.String("message", warn.Message),
			slog.String("hint", warn.Hint),
		)
	}
	if validationResult.HasErrors() {
		for _, err := range validationResult.Errors {
			slog.Error("configuration error",
				slog.String("field", err.Field),
				slog.String("message", err.Message),
				slog.String("hint", err.Hint),
			)
		}
		return nil, fmt.Errorf("configuration validation failed: %w", validationResult)
	}

	logger, loggerProvider, err := app.InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}

	a, err := app.New(cfg, logger, opts...)
	if err != nil {
		if loggerProvider != nil {
			_ = loggerProvider.Shutdown(context.Background(), logger.Logger)
		}
		return nil, err
	}
	a.AttachLoggerProvider(loggerProvider)

	if err := a.Init(cmd.Context()); err != nil {
		return nil, err
	}
	return a, nil
}

func shutdownApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = a.Shutdown(ctx)
}
