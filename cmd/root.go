// Package cmd defines the CLI commands for the feed-ingestor executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/feed-ingestor/internal/app"
	"github.com/JakeFAU/feed-ingestor/internal/config"
	"github.com/JakeFAU/feed-ingestor/internal/dispatcher"
	"github.com/JakeFAU/feed-ingestor/internal/ingest"
	"github.com/JakeFAU/feed-ingestor/internal/logging"
)

type ctxKey string

const (
	appKey    ctxKey = "app"
	configKey ctxKey = "config"

	// skipAppAnnotation marks commands that do not need stores or queues.
	skipAppAnnotation = "skip-app"
)

// App is the slice of *app.App the commands use.
type App interface {
	Logger() *zap.Logger
	Store() ingest.Store
	RunOnce(ctx context.Context) (dispatcher.Result, error)
	Pruner() Pruner
	Serve(ctx context.Context) error
	Close(ctx context.Context) error
}

// Pruner runs one retention pass.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

type appAdapter struct {
	*app.App
}

func (a appAdapter) Pruner() Pruner { return a.App.Pruner() }

// newApp is the application factory. It is a variable so tests can swap it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return appAdapter{App: a}, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "feed-ingestor",
		Short: "Fetches, normalizes and deduplicates RSS, Atom and RDF feeds.",
		Long: `feed-ingestor keeps a catalogue of feed sources up to date. A dispatch enqueues one
unit of work per source; consumers fetch each feed conditionally, normalize its entries
and store the ones not seen before. A daily prune drops items past the retention window.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			if cmd.Annotations[skipAppAnnotation] == "true" {
				cmd.SetContext(ctx)
				return nil
			}

			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			appInstance, err := newApp(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(ctx, appKey, appInstance))
			return nil
		},

		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, ok := cmd.Context().Value(appKey).(App)
			if !ok || appInstance == nil {
				return nil
			}
			err := appInstance.Close(cmd.Context())
			_ = appInstance.Logger().Sync()
			return err
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML); INGESTOR_* env vars override it")

	cmd.AddCommand(
		newServeCmd(),
		newDispatchCmd(),
		newPruneCmd(),
		newInspectCmd(),
		newSourceCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}

func resolveConfig(ctx context.Context) (config.Config, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, errors.New("configuration not loaded")
	}
	return cfg, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
