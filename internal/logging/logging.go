// Package logging builds the process logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Stderr selects standard error as the log destination.
const Stderr = "stderr"

// Config selects the log level and destination. An empty File means the
// default state file; Stderr logs to standard error.
type Config struct {
	Level string
	File  string
}

// DefaultLogPath returns ~/.local/state/kpmsink/kpmsink.log.
func DefaultLogPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "state", "kpmsink", "kpmsink.log"), nil
}

// ParseLevel parses debug, info, warn or error. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return lvl, fmt.Errorf("invalid log-level %q", s)
	}
	return lvl, nil
}

// New builds a JSON logger writing to the configured destination. If the log
// file cannot be opened the logger falls back to stderr. The returned func
// flushes and closes the destination.
func New(cfg Config) (*zap.Logger, func(), error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	sink, closeSink := openDestination(cfg.File)
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, zap.NewAtomicLevelAt(level))
	logger := zap.New(core, zap.AddCaller())

	cleanup := func() {
		_ = logger.Sync()
		closeSink()
	}
	return logger, cleanup, nil
}

func openDestination(path string) (zapcore.WriteSyncer, func()) {
	stderr := zapcore.Lock(os.Stderr)
	if path == Stderr {
		return stderr, func() {}
	}
	if path == "" {
		p, err := DefaultLogPath()
		if err != nil {
			return stderr, func() {}
		}
		path = p
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return stderr, func() {}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return stderr, func() {}
	}
	return zapcore.AddSync(f), func() { _ = f.Close() }
}
