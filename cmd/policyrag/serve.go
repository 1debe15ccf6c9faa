package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/upb/policy-rag/app"
	"github.com/upb/policy-rag/routes"
	"go.uber.org/zap"
)

// idle per-requester rate limiters are forgotten after this long
const limiterIdle = 30 * time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDependencies(cmd.Context(), func(deps *app.Dependencies) error {
			return serve(cmd.Context(), deps)
		})
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// serve runs the server until ctx is cancelled, then drains in-flight requests
func serve(ctx context.Context, deps *app.Dependencies) error {
	if err := deps.Start(); err != nil {
		return err
	}

	stopPruning := make(chan struct{})
	defer close(stopPruning)
	deps.QueryLimiter.StartPruning(time.Minute, limiterIdle, stopPruning)

	srv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           routes.SetupRoutes(deps),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			zap.String("address", srv.Addr),
			zap.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
