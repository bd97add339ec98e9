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

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the admin HTTP server without starting a batch",
		Long: `Serves the health, metrics, batch lookup and provider state endpoints.
Batch lookups read from the store; drain requests are rejected because no
batch is live in this mode.`,

		RunE: runServeCommand,
	}
	return cmd
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	container, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := container.Logger()
	cfg := container.Config()

	srv := api.NewServer(
		api.Config{AuthEnabled: cfg.Auth.Enabled, APIKey: cfg.Auth.APIKey},
		logger,
		container.Batches(),
		nil,
		container.Breaker(),
		container.Limiter(),
		container.Registry(),
	)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", zap.String("addr", httpSrv.Addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-cmd.Context().Done():
	case serr := <-errCh:
		if serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", serr)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		return fmt.Errorf("admin server shutdown: %w", serr)
	}
	return nil
}
