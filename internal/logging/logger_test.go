package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Development: true, Level: "debug"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug to be enabled")
	}
	logger.Debug("development logger ready")
}

func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug to be disabled at the default level")
	}
	logger.Info("production logger ready")
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
