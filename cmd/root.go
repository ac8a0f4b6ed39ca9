// Package cmd defines the listingwatch CLI commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-monitor/internal/config"
	"github.com/JakeFAU/listing-monitor/internal/logging"
	"github.com/JakeFAU/listing-monitor/internal/monitor"
	"github.com/JakeFAU/listing-monitor/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the slice of server.App the commands drive. Tests swap in fakes.
type App interface {
	Run(ctx context.Context) error
	ScrapeOnce(ctx context.Context, itemID string) (server.ScrapeResult, error)
	Retrigger(ctx context.Context, taskID string) (monitor.ScrapeTask, error)
	Close() error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	app, err := server.Build(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build app: %w", err)
	}
	return app, nil
}

// NewRootCmd creates the root command with its subcommands attached.
func NewRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "listingwatch",
		Short: "Monitors tracked listings for price, stock and ranking changes.",
		Long: `listingwatch scrapes tracked product listings on a schedule, stores
every observation as a snapshot, and raises alerts when price, availability,
inventory or rank move between consecutive snapshots.`,
		SilenceUsage: true,

		// Builds the application once flags are parsed and stores it in the
		// command context for the subcommand.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml); LISTINGWATCH_* env vars override it")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newScrapeCmd())
	cmd.AddCommand(newRetriggerCmd())
	return cmd
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	ctx := context.Background()
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	if ctx == nil {
		return nil, errors.New("application services not initialized")
	}
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// withApp resolves the App from the command context and closes it once fn
// returns, including on error (cobra skips post-run hooks when RunE fails).
func withApp(cmd *cobra.Command, fn func(App) error) (err error) {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := appInstance.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()
	return fn(appInstance)
}

func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
