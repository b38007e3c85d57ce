// Package cmd defines and implements the CLI commands for the serptracker
// executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/serp-rank-tracker/internal/app"
	"github.com/JakeFAU/serp-rank-tracker/internal/config"
	"github.com/JakeFAU/serp-rank-tracker/internal/dispatcher"
	"github.com/JakeFAU/serp-rank-tracker/internal/logging"
	"github.com/JakeFAU/serp-rank-tracker/internal/pool"
	"github.com/JakeFAU/serp-rank-tracker/internal/tracker"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the application surface commands use. Tests may inject their own.
type App interface {
	Logger() *zap.Logger
	Config() config.Config
	Pool() *pool.Manager
	Dispatcher() *dispatcher.Dispatcher
	Results() tracker.ResultStore
	Handler() http.Handler
	StartBackground()
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.New(ctx, cfg, logger, app.Options{})
}

type rootOptions struct {
	cfgFile string
	app     App
	cleanup func() error
}

// close flushes pending writes, closes storage and syncs the logger. It runs
// whether or not the subcommand succeeded.
func (o *rootOptions) close() error {
	var errs []error
	if o.app != nil {
		ctx, cancel := context.WithTimeout(context.Background(), o.app.Config().Server.ShutdownTimeout)
		defer cancel()
		errs = append(errs, o.app.Close(ctx))
		o.app = nil
	}
	if o.cleanup != nil {
		errs = append(errs, o.cleanup())
		o.cleanup = nil
	}
	return errors.Join(errs...)
}

// newRootCmd creates and configures the root command.
func newRootCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serptracker",
		Short: "Track where a domain ranks in search results.",
		Long: `serptracker looks up the organic rank of a domain for a keyword through a
search results API. Provider keys are pooled: each call picks a credential by
strategy, rotates away from exhausted or throttled keys, and counts usage
against daily and monthly limits.`,
		SilenceUsage: true,

		// Load configuration and build the application before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, cleanup, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				File:        cfg.Logging.File,
				MaxSizeMB:   cfg.Logging.MaxSizeMB,
				MaxBackups:  cfg.Logging.MaxBackups,
				MaxAgeDays:  cfg.Logging.MaxAgeDays,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			opts.cleanup = cleanup

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			opts.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "",
		"config file (default searches ./serptracker.yaml, /etc/serptracker, $HOME/.serptracker)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newTrackCmd())
	cmd.AddCommand(newBulkCmd())
	cmd.AddCommand(newResultsCmd())
	cmd.AddCommand(newKeysCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	opts := &rootOptions{}
	err := newRootCmd(opts).ExecuteContext(ctx)
	stop()
	err = errors.Join(err, opts.close())
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
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

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
