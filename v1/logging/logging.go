// Package logging builds the zap logger shared by every txflow component.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the logger settings.
type Config struct {
	// Level is a zap level name. Empty means info, or debug in development.
	Level string
	// Format is "json" or "console".
	Format      string
	Development bool
}

// New builds a logger and returns it with its runtime-adjustable level.
func New(cfg Config) (*zap.Logger, zap.AtomicLevel, error) {
	level, err := resolveLevel(cfg)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	base := zap.NewProductionConfig()
	if cfg.Development {
		base = zap.NewDevelopmentConfig()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		base.Encoding = "json"
		base.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	case "console":
		base.Encoding = "console"
		base.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid log format %q", cfg.Format)
	}
	base.EncoderConfig.TimeKey = "ts"
	base.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	base.Level = level
	base.DisableStacktrace = true

	logger, err := base.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Named("txflow"), level, nil
}

func resolveLevel(cfg Config) (zap.AtomicLevel, error) {
	if strings.TrimSpace(cfg.Level) != "" {
		var parsed zapcore.Level
		if err := parsed.Set(cfg.Level); err != nil {
			return zap.AtomicLevel{}, fmt.Errorf("invalid level %q: %w", cfg.Level, err)
		}
		return zap.NewAtomicLevelAt(parsed), nil
	}
	if cfg.Development {
		return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
	}
	return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
}
