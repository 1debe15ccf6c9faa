package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/upb/policy-rag/app"
	"github.com/upb/policy-rag/config"
	"github.com/upb/policy-rag/internal/observability"
	"go.uber.org/zap"
)

var (
	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "policyrag",
	Short: "Answer staff questions from the organisation's policy documents",
	Long: `policyrag indexes policy documents and answers staff questions with
cited, confidence-scored answers grounded only in the active policy versions.
Every question is recorded in the audit log.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.New(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		l, err := observability.NewLogger(loaded.Observability)
		if err != nil {
			return err
		}
		cfg, logger = loaded, l
		return nil
	},
}

// withDependencies builds the application, runs fn and closes everything
func withDependencies(ctx context.Context, fn func(deps *app.Dependencies) error) error {
	deps, err := app.NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := deps.Close(context.Background()); cerr != nil {
			logger.Error("shutdown error", zap.Error(cerr))
		}
	}()
	return fn(deps)
}
