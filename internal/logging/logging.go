// Package logging wires zap loggers for all tinker components and keeps the
// append-only audit trail of tool executions.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	root *zap.Logger
)

// Init builds the process-wide root logger. Verbose enables debug level.
// Safe to call more than once; later calls replace the root logger.
func Init(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	mu.Lock()
	root = logger
	mu.Unlock()
	return logger, nil
}

// Named returns a component-scoped child of the root logger.
// Before Init the returned logger discards everything, so packages can log
// unconditionally without nil checks.
func Named(component string) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if root == nil {
		return zap.NewNop()
	}
	return root.Named(component)
}

// Sync flushes buffered log entries. Called from the CLI on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}
