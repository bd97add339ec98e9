// Package cmd defines and implements the CLI commands for the
// mindshare-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/llmrank/mindshare-crawler/internal/app"
	"github.com/llmrank/mindshare-crawler/internal/config"
)

var cfgFile string

type appKeyType struct{}

var appKey appKeyType

// newApp is the container factory. It is a variable so tests can swap in a
// stub.
var newApp = func(ctx context.Context, cfg config.Config) (*app.App, error) {
	return app.New(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mindshare-crawler",
		Short: "Surveys LLM providers about a set of domains",
		Long: `mindshare-crawler asks a fixed prompt set about every configured domain
across multiple LLM providers, records each answer exactly once per batch,
and enforces per-provider rate limits, circuit breakers and batch SLAs.`,

		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			container, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, container))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if container, ok := cmd.Context().Value(appKey).(*app.App); ok && container != nil {
				container.Close(context.Background())
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (yaml)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

func resolveApp(ctx context.Context) (*app.App, error) {
	container, ok := ctx.Value(appKey).(*app.App)
	if !ok || container == nil {
		return nil, errors.New("application services not initialized")
	}
	return container, nil
}

// Execute is the main entry point. It cancels the command context on
// SIGINT/SIGTERM so a running batch drains instead of dying mid-write.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
