// Package cmd defines and implements the CLI commands for the listing-ingest
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-photo-ingest/internal/app"
	"github.com/JakeFAU/listing-photo-ingest/internal/config"
	"github.com/JakeFAU/listing-photo-ingest/internal/logging"
	"github.com/JakeFAU/listing-photo-ingest/internal/orchestrator"
	"github.com/JakeFAU/listing-photo-ingest/internal/state"
)

const closeTimeout = 15 * time.Second

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use.
type App interface {
	Close(ctx context.Context) error
	Logger() *zap.Logger
	Config() config.Config
	Orchestrator() *orchestrator.Orchestrator
	RecentRuns(ctx context.Context, n int) ([]state.RunLog, error)
}

// newApp is the application factory. It's a variable so tests can build the
// container against a private metrics registry.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	return buildApp(ctx, cfgPath, app.Options{})
}

func buildApp(ctx context.Context, cfgPath string, opts app.Options) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	opts.Logger = logger
	a, err := app.New(ctx, cfg, opts)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return a, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "listing-ingest",
		Short: "Collects, standardizes and deduplicates listing photos.",
		Long: `listing-ingest gathers photos for real-estate properties from configured
listing sources, normalizes them into a single image format, removes exact and
near-duplicate photos, and stores the result in a content-addressed store.
Progress is checkpointed so interrupted runs resume where they stopped.`,
		SilenceUsage: true,

		// Build the application before any subcommand runs and hand it down
		// through the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			if used := appInstance.Config().File; used != "" {
				appInstance.Logger().Info("using config file", zap.String("path", used))
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is ingest.yaml in ., /etc/listing-ingest or $HOME/.listing-ingest)")

	cmd.AddCommand(newExtractCmd())
	cmd.AddCommand(newImagesCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

// run executes the CLI with args and closes the application afterwards,
// whether or not the command succeeded.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	executed, err := root.ExecuteContextC(ctx)
	if executed != nil && executed.Context() != nil {
		if appInstance, ok := executed.Context().Value(appKey).(App); ok && appInstance != nil {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
			defer cancel()
			logger := appInstance.Logger()
			if cerr := appInstance.Close(closeCtx); cerr != nil {
				logger.Warn("error closing application services", zap.Error(cerr))
			}
			_ = logger.Sync()
		}
	}
	return err
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context so a running extraction checkpoints and returns.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
