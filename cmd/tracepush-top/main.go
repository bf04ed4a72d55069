package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/pflag"

	"github.com/tinytelemetry/tracepush/internal/socketrpc"
	"github.com/tinytelemetry/tracepush/internal/tui"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	fs := pflag.NewFlagSet("tracepush-top", pflag.ContinueOnError)
	configPath := fs.String("config", "", "config file (default is $HOME/.config/tracepush/config.yml)")
	socketPath := fs.String("socket", "", "override socket path to connect to the tracepush agent")
	showVersion := fs.Bool("version", false, "print version information")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if *showVersion {
		fmt.Printf("tracepush-top - Agent Status Console\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadTopConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}

	if err := runTop(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runTop(cfg topConfig) error {
	client, err := socketrpc.Dial(cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("cannot connect to tracepush agent at %s: %w\nIs the agent running? Start it with: tracepush", cfg.SocketPath, err)
	}
	defer client.Close()

	p := tea.NewProgram(tui.NewModel(client, cfg.UpdateInterval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		if strings.Contains(err.Error(), "TTY") || strings.Contains(err.Error(), "/dev/tty") {
			return fmt.Errorf("tracepush-top requires a real terminal")
		}
		return fmt.Errorf("error running console: %w", err)
	}
	return nil
}
