package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/tracepush/internal/batcher"
	"github.com/tinytelemetry/tracepush/internal/control"
	"github.com/tinytelemetry/tracepush/internal/duckdb"
	"github.com/tinytelemetry/tracepush/internal/httpserver"
	"github.com/tinytelemetry/tracepush/internal/input"
	"github.com/tinytelemetry/tracepush/internal/manager"
	"github.com/tinytelemetry/tracepush/internal/pipeline"
	"github.com/tinytelemetry/tracepush/internal/sink"
	"github.com/tinytelemetry/tracepush/internal/sink/filesink"
	"github.com/tinytelemetry/tracepush/internal/sink/otlpsink"
	"github.com/tinytelemetry/tracepush/internal/sink/searchsink"
	"github.com/tinytelemetry/tracepush/internal/socketrpc"
	"github.com/tinytelemetry/tracepush/internal/tcpserver"
	"github.com/tinytelemetry/tracepush/internal/tracesource"
)

// runServer starts the agent: trace inputs, the control machine and its
// HTTP and socket transports.
func runServer(cfg appConfig) error {
	cleanupLogger := configureRuntimeLogger()
	defer cleanupLogger()

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	registry, err := newSinkRegistry()
	if err != nil {
		return err
	}

	source := tracesource.New()
	pcfg, err := pipelineConfig(cfg, registry)
	if err != nil {
		return err
	}

	certPath := control.DefaultCertificatePath(cfg.DataDir)
	poster := manager.NewPoster(certPath)

	machine, err := control.New(control.Config{
		DataDir:  cfg.DataDir,
		SiteName: cfg.SiteName,
		Filters:  source,
		Registry: registry,
		NewPipeline: func() control.Pipeline {
			return pipeline.New(pcfg, source)
		},
		Publishers:       []control.Publisher{poster},
		Certificates:     control.FileInstaller{Path: certPath},
		OnControlOptions: poster.Apply,
		QueueSize:        cfg.ControlQueueSize,
		StateInterval:    cfg.StateInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize control: %w", err)
	}

	// Start HTTP API server if enabled
	if cfg.APIEnabled {
		apiServer := httpserver.NewServer(cfg.APIAddr, machine)
		machine.AddPublisher(apiServer)
		if err := apiServer.Start(); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer apiServer.Stop()
	}

	// Start socket RPC server for local control
	sockServer := socketrpc.NewServer(cfg.SocketPath, machine)
	if err := sockServer.Start(); err != nil {
		log.Printf("Warning: failed to start socket server: %v", err)
	} else {
		defer sockServer.Stop()
	}

	// Set up context and signal handling before errgroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully... (press Ctrl+C again to force)")
		cancel()

		// Undelivered records stay in the event log, so a forced exit loses
		// nothing that was appended.
		deadline := time.NewTimer(cfg.StopGrace + 10*time.Second)
		defer deadline.Stop()

		select {
		case <-sigCh:
			fmt.Println("\nForce shutdown.")
		case <-deadline.C:
			fmt.Println("Shutdown timed out, forcing exit.")
		}
		cleanupSocket(cfg.SocketPath)
		os.Exit(1)
	}()

	inputs := buildInputs(ctx, buildInputPlugins(InputPluginConfig{
		TCPEnabled: cfg.TCPEnabled,
		TCPAddr:    cfg.TCPAddr,
		TCPServer: tcpserver.ServerConfig{
			MaxConns:    cfg.TCPMaxConns,
			IdleTimeout: cfg.TCPIdleTimeout,
		},
	}), func(name string, err error) {
		log.Printf("Error initializing input plugin %q: %v", name, err)
	})

	mux := input.NewMultiplexer(ctx, inputs, cfg.MuxBufferSize)
	mux.Start()

	printStartupBanner(cfg, mux.Names(), registry.Types())

	if err := machine.Boot(); err != nil {
		return fmt.Errorf("failed to queue boot: %w", err)
	}

	// Use errgroup for concurrent goroutine lifecycle management.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		source.Run(gctx, mux.Lines())
		return nil
	})

	g.Go(func() error {
		return machine.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("server: errgroup exited with error: %v", err)
	}

	cancel()
	mux.Stop()

	// If we reach here, graceful shutdown succeeded within the deadline.
	// The signal goroutine (if active) dies with the process.
	signal.Stop(sigCh)

	return nil
}

// newSinkRegistry registers every sink type the agent can create.
func newSinkRegistry() (*sink.Registry, error) {
	registry := sink.NewRegistry()
	factories := []struct {
		name    string
		factory sink.Factory
	}{
		{filesink.Type, filesink.Factory()},
		{duckdb.SinkType, duckdb.SinkFactory()},
		{otlpsink.Type, otlpsink.Factory()},
		{searchsink.Type, searchsink.Factory()},
	}
	for _, f := range factories {
		if err := registry.Register(f.name, f.factory); err != nil {
			return nil, fmt.Errorf("failed to register sink %s: %w", f.name, err)
		}
	}
	return registry, nil
}

func pipelineConfig(cfg appConfig, registry *sink.Registry) (pipeline.Config, error) {
	queueFull, err := pipeline.ParseQueueFullPolicy(cfg.QueueFullPolicy)
	if err != nil {
		return pipeline.Config{}, err
	}
	success, err := sink.ParseSuccessPolicy(cfg.SuccessPolicy)
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{
		LogPath: cfg.LogPath,
		Batch: batcher.Config{
			BatchSize:     cfg.BatchSize,
			MaxWriteDelay: cfg.MaxWriteDelay,
		},
		StagingSize: cfg.StagingSize,
		MaxInFlight: cfg.MaxInFlight,
		QueueFull:   queueFull,
		StopGrace:   cfg.StopGrace,
		TrimRetry: sink.BackoffPolicy{
			Base:        100 * time.Millisecond,
			Multiplier:  2,
			MaxDelay:    5 * time.Second,
			MaxAttempts: cfg.TrimRetries,
		},
		Holder: sink.Config{
			Registry: registry,
			Backoff: sink.BackoffPolicy{
				Base:        cfg.RetryBase,
				Multiplier:  cfg.RetryMultiplier,
				MaxDelay:    cfg.RetryMaxDelay,
				MaxAttempts: cfg.RetryMaxAttempts,
			},
			WriteTimeout: cfg.SinkWriteTimeout,
			CloseTimeout: cfg.SinkCloseTimeout,
			Policy:       success,
		},
	}, nil
}

func cleanupSocket(path string) {
	if path != "" {
		os.Remove(path)
	}
}

func configureRuntimeLogger() func() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	home, err := os.UserHomeDir()
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logDir := filepath.Join(home, ".local", "state", "tracepush")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	logPath := filepath.Join(logDir, "tracepush.log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.SetOutput(os.Stderr)
		return func() {}
	}

	log.SetOutput(f)
	return func() {
		_ = f.Close()
	}
}

func printStartupBanner(cfg appConfig, inputs []string, sinkTypes []string) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔╦╗╦═╗╔═╗╔═╗╔═╗╔═╗╦ ╦╔═╗╦ ╦
     ║ ╠╦╝╠═╣║  ║╣ ╠═╝║ ║╚═╗╠═╣
     ╩ ╩╚═╩ ╩╚═╝╚═╝╩  ╚═╝╚═╝╩ ╩`)

	ver := dim.Render("v" + version)

	var lines []string
	lines = append(lines, "")
	lines = append(lines, logo)
	lines = append(lines, "    "+ver)
	lines = append(lines, "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator)
	lines = append(lines, "")

	// Control
	lines = append(lines, bold.Render("    Control"))
	lines = append(lines, "")

	if cfg.APIEnabled {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", check, cyan.Render(cfg.APIAddr)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  HTTP API       %s", dot, dim.Render("disabled")))
	}
	lines = append(lines, fmt.Sprintf("    %s  Unix Socket    %s", check, cyan.Render(shortenPath(cfg.SocketPath))))
	lines = append(lines, "")

	// Inputs
	lines = append(lines, bold.Render("    Inputs"))
	lines = append(lines, "")

	if cfg.TCPEnabled {
		lines = append(lines, fmt.Sprintf("    %s  TCP Traces     %s", check, cyan.Render(cfg.TCPAddr)))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  TCP Traces     %s", dot, dim.Render("disabled")))
	}
	if len(inputs) > 0 {
		lines = append(lines, fmt.Sprintf("    %s  Active         %s", check, dim.Render(strings.Join(inputs, ", "))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Active         %s", dot, dim.Render("none")))
	}
	lines = append(lines, "")

	// Storage
	lines = append(lines, bold.Render("    Storage"))
	lines = append(lines, "")

	lines = append(lines, fmt.Sprintf("    %s  Data Dir       %s", check, dim.Render(shortenPath(cfg.DataDir))))
	lines = append(lines, fmt.Sprintf("    %s  Event Log      %s", check, dim.Render(shortenPath(cfg.LogPath))))
	lines = append(lines, fmt.Sprintf("    %s  Sink Types     %s", check, dim.Render(strings.Join(sinkTypes, ", "))))
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"))
	lines = append(lines, "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", check, dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, fmt.Sprintf("    %s  Config File    %s", dot, dim.Render("default (no file)")))
	}

	lines = append(lines, "")
	lines = append(lines, separator)
	lines = append(lines, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"))
	lines = append(lines, "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
