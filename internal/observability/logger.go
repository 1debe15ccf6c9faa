package observability

import (
	"context"
	"fmt"
	"strings"

	"github.com/upb/policy-rag/config"
	"github.com/upb/policy-rag/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger. LogFormat "console" selects the
// development encoder, anything else JSON.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	return zc.Build()
}

// WithRequest returns logger annotated with the request and requester carried by ctx
func WithRequest(ctx context.Context, logger *zap.Logger) *zap.Logger {
	fields := make([]zap.Field, 0, 2)
	if id := middleware.GetRequestIDFromContext(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if r := middleware.GetRequesterFromContext(ctx); r != nil {
		fields = append(fields, zap.String("requester_id", r.ID))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
