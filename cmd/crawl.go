package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/llmrank/mindshare-crawler/internal/api"
)

func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs one crawl batch to completion",
		Long: `Executes a single batch covering every active provider, domain and
prompt, then exits. The admin HTTP server runs alongside the batch so
operators can watch progress, inspect breaker state and request a drain.`,

		RunE: runCrawlCommand,
	}
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	container, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := container.Logger()
	cfg := container.Config()

	orch, err := container.NewOrchestrator()
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	srv := api.NewServer(
		api.Config{AuthEnabled: cfg.Auth.Enabled, APIKey: cfg.Auth.APIKey},
		logger,
		container.Batches(),
		orch,
		container.Breaker(),
		container.Limiter(),
		container.Registry(),
	)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("admin server listening", zap.String("addr", httpSrv.Addr))
		if serr := httpSrv.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			logger.Error("admin server failed", zap.Error(serr))
		}
	}()

	// A signal drains the batch rather than killing it outright; whatever
	// has not been recorded yet is marked skipped.
	go func() {
		<-cmd.Context().Done()
		orch.RequestDrain()
	}()

	snap, runErr := orch.Run(cmd.Context())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("admin server shutdown", zap.Error(serr))
	}

	if runErr != nil {
		return fmt.Errorf("run batch: %w", runErr)
	}

	logger.Info("batch finished",
		zap.String("batch_id", snap.BatchID),
		zap.String("status", string(snap.Status)),
		zap.Int("completed", snap.Counters.Completed),
		zap.Int("failed", snap.Counters.Failed),
		zap.Int("skipped", snap.Counters.Skipped))
	return nil
}
