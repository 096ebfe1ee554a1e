package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tinytelemetry/kpmsink/internal/feed"
	"go.uber.org/zap"
)

// InputSourcePlugin is a small plugin primitive for wiring feed inputs.
type InputSourcePlugin interface {
	Name() string
	Enabled() bool
	Build(ctx context.Context) (feed.Source, error)
}

// InputPluginConfig defines runtime input selection.
type InputPluginConfig struct {
	TCPEnabled bool
	TCPAddr    string
	Logger     *zap.Logger
}

func buildInputPlugins(cfg InputPluginConfig) []InputSourcePlugin {
	return []InputSourcePlugin{
		tcpInputPlugin{addr: cfg.TCPAddr, enabled: cfg.TCPEnabled, logger: cfg.Logger},
		stdinInputPlugin{logger: cfg.Logger},
	}
}

type tcpInputPlugin struct {
	addr    string
	enabled bool
	logger  *zap.Logger
}

func (p tcpInputPlugin) Name() string { return "tcp" }

func (p tcpInputPlugin) Enabled() bool { return p.enabled }

func (p tcpInputPlugin) Build(_ context.Context) (feed.Source, error) {
	server := feed.NewServer(p.addr, feed.ServerConfig{Logger: p.logger})
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("start feed tcp server: %w", err)
	}
	return server, nil
}

type stdinInputPlugin struct {
	logger *zap.Logger
}

func (p stdinInputPlugin) Name() string { return "stdin" }

// Enabled reports whether stdin is piped rather than a terminal.
func (p stdinInputPlugin) Enabled() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

func (p stdinInputPlugin) Build(ctx context.Context) (feed.Source, error) {
	return feed.NewStdinSource(ctx, feed.StdinConfig{Logger: p.logger}), nil
}
