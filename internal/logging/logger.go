// Package logging builds the zap loggers used by gatewayctl.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger configured for development or production. Both
// write to stderr so command output on stdout stays clean for piping.
func New(development bool) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.OutputPaths = []string{"stderr"}
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = false
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

// OrNop returns logger, or a no-op logger when it is nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
