package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tinytelemetry/tracepush/internal/input"
	"github.com/tinytelemetry/tracepush/internal/tcpserver"
)

// InputPlugin is a small plugin primitive for wiring trace line inputs.
type InputPlugin interface {
	Name() string
	Enabled() bool
	Build(ctx context.Context) (input.Input, error)
}

// InputPluginConfig defines runtime input selection.
type InputPluginConfig struct {
	TCPEnabled bool
	TCPAddr    string
	TCPServer  tcpserver.ServerConfig
}

func buildInputPlugins(cfg InputPluginConfig) []InputPlugin {
	return []InputPlugin{
		tcpInputPlugin{addr: cfg.TCPAddr, conf: cfg.TCPServer, enabled: cfg.TCPEnabled},
		stdinInputPlugin{},
	}
}

// buildInputs builds every enabled plugin. A plugin that fails to build is
// reported and skipped.
func buildInputs(ctx context.Context, plugins []InputPlugin, report func(name string, err error)) []input.Input {
	inputs := make([]input.Input, 0, len(plugins))
	for _, plugin := range plugins {
		if !plugin.Enabled() {
			continue
		}
		in, err := plugin.Build(ctx)
		if err != nil {
			report(plugin.Name(), err)
			continue
		}
		inputs = append(inputs, in)
	}
	return inputs
}

type tcpInputPlugin struct {
	addr    string
	conf    tcpserver.ServerConfig
	enabled bool
}

func (p tcpInputPlugin) Name() string { return "tcp" }

func (p tcpInputPlugin) Enabled() bool { return p.enabled }

func (p tcpInputPlugin) Build(_ context.Context) (input.Input, error) {
	server := tcpserver.NewServer(p.addr, p.conf)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("start tcp server: %w", err)
	}
	return input.NewTCPInput(server), nil
}

type stdinInputPlugin struct{}

func (p stdinInputPlugin) Name() string { return "stdin" }

func (p stdinInputPlugin) Enabled() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

func (p stdinInputPlugin) Build(ctx context.Context) (input.Input, error) {
	return input.NewStdinInput(ctx), nil
}
