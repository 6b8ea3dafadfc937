package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewDefaults(t *testing.T) {
	logger, level, err := New(Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer func() { _ = logger.Sync() }()
	if level.Level() != zapcore.InfoLevel {
		t.Fatalf("expected info level, got %s", level.Level())
	}
}

func TestNewDevelopmentDebug(t *testing.T) {
	_, level, err := New(Config{Development: true, Format: "console"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if level.Level() != zapcore.DebugLevel {
		t.Fatalf("expected debug level, got %s", level.Level())
	}
}

func TestNewExplicitLevelIsAdjustable(t *testing.T) {
	logger, level, err := New(Config{Level: "warn"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("info should be disabled at warn level")
	}
	level.SetLevel(zapcore.DebugLevel)
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("level change not applied")
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, _, err := New(Config{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}
