// Package cmd defines and implements the CLI commands for the crawlwatch executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/config"
	"github.com/JakeFAU/crawlwatch/internal/monitor"
	"github.com/JakeFAU/crawlwatch/internal/server"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a fake app during tests.
type App interface {
	Logger() *zap.Logger
	Monitor() *monitor.Service
	Handler() http.Handler
	StartWorkers(ctx context.Context)
	Run(ctx context.Context) error
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, path string) (App, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		return nil, fmt.Errorf("build app: %w", err)
	}
	return app, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawlwatch",
		Short: "Job stats and alerting for Scrapyd crawl jobs.",
		Long: `crawlwatch resolves the statistics of running and finished Scrapyd jobs
from precomputed LogParser stats, raw logs or saved backups, and evaluates
threshold alerts that notify and stop misbehaving jobs.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the application before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				if err := appInstance.Close(context.WithoutCancel(cmd.Context())); err != nil {
					appInstance.Logger().Warn("close failed", zap.Error(err))
				}
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCheckCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
