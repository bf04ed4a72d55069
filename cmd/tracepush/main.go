package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tinytelemetry/tracepush/internal/pipeline"
	"github.com/tinytelemetry/tracepush/internal/sink"
	"github.com/tinytelemetry/tracepush/internal/socketrpc"
	"github.com/tinytelemetry/tracepush/internal/tcpserver"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	flags := newFlagSet()
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if showVersion, _ := flags.GetBool("version"); showVersion {
		fmt.Printf("tracepush - Trace Forwarding Agent\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	configPath, _ := flags.GetString("config")
	cfg, err := loadConfig(configPath, flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlagSet declares the command line flags. Every flag except config and
// version shares its name with a config key and overrides it when set.
func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("tracepush", pflag.ContinueOnError)
	fs.String("config", "", "config file (default is $HOME/.config/tracepush/config.yml)")
	fs.Bool("version", false, "print version information")
	fs.String("data-dir", "", "directory for the event log, session and certificates")
	fs.String("api-addr", "", "HTTP control API listen address")
	fs.String("tcp-addr", "", "TCP trace input listen address")
	fs.String("socket-path", "", "unix socket for local control")
	fs.String("site-name", "", "site name reported in state snapshots")
	fs.Int("batch-size", defaultBatchSize, "records per batch")
	fs.Duration("max-write-delay", defaultMaxWriteDelay, "longest a record waits for its batch")
	fs.String("success-policy", defaultSuccessPolicy, "delivery success policy: all or any")
	return fs
}

func loadConfig(configPath string, flags *pflag.FlagSet) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("TRACEPUSH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("data-dir", filepath.Join(home, ".local", "share", "tracepush"))
	v.SetDefault("log-path", "")
	v.SetDefault("batch-size", defaultBatchSize)
	v.SetDefault("max-write-delay", defaultMaxWriteDelay)
	v.SetDefault("staging-size", defaultStagingSize)
	v.SetDefault("max-in-flight", defaultMaxInFlight)
	v.SetDefault("queue-full-policy", defaultQueueFullPolicy)
	v.SetDefault("success-policy", defaultSuccessPolicy)
	v.SetDefault("stop-grace", defaultStopGrace)
	v.SetDefault("sink-write-timeout", defaultSinkWriteTimeout)
	v.SetDefault("sink-close-timeout", defaultSinkCloseTimeout)
	v.SetDefault("retry-base", defaultRetryBase)
	v.SetDefault("retry-multiplier", defaultRetryMultiplier)
	v.SetDefault("retry-max-delay", defaultRetryMaxDelay)
	v.SetDefault("retry-max-attempts", defaultRetryMaxAttempts)
	v.SetDefault("trim-retry-attempts", defaultTrimRetries)
	v.SetDefault("host", defaultBindHost)
	v.SetDefault("api-enabled", true)
	v.SetDefault("api-port", defaultAPIPort)
	v.SetDefault("socket-path", socketrpc.DefaultSocketPath())
	v.SetDefault("tcp-enabled", true)
	v.SetDefault("tcp-port", defaultTCPPort)
	v.SetDefault("tcp-max-conns", tcpserver.DefaultMaxConns)
	v.SetDefault("tcp-idle-timeout", time.Duration(0))
	v.SetDefault("mux-buffer-size", defaultMuxBufferSize)
	v.SetDefault("site-name", "")
	v.SetDefault("control-queue-size", defaultControlQueueSize)
	v.SetDefault("state-interval", defaultStateInterval)

	if flags != nil {
		// Only flags given on the command line override the file.
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Changed && f.Name != "config" && f.Name != "version" {
				_ = v.BindPFlag(f.Name, f)
			}
		})
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "tracepush", "config.yml"))
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	cfg.ConfigPath = v.ConfigFileUsed()
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		cfg.ConfigPath = ""
	}

	if err := validateConfig(&cfg); err != nil {
		return cfg, err
	}

	// Expand ~ in paths
	cfg.DataDir = expandHome(home, cfg.DataDir)
	cfg.LogPath = expandHome(home, cfg.LogPath)
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(cfg.DataDir, "events.log")
	}

	if cfg.TCPAddr == "" {
		cfg.TCPAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.TCPPort))
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.APIPort))
	}

	return cfg, nil
}

func validateConfig(cfg *appConfig) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data-dir is required")
	}
	if cfg.TCPPort <= 0 || cfg.TCPPort > 65535 {
		return fmt.Errorf("invalid tcp-port: %d", cfg.TCPPort)
	}
	if cfg.TCPMaxConns <= 0 {
		return fmt.Errorf("invalid tcp-max-conns: %d", cfg.TCPMaxConns)
	}
	if cfg.TCPIdleTimeout < 0 {
		return fmt.Errorf("invalid tcp-idle-timeout: %s", cfg.TCPIdleTimeout)
	}
	if cfg.APIPort <= 0 || cfg.APIPort > 65535 {
		return fmt.Errorf("invalid api-port: %d", cfg.APIPort)
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("invalid batch-size: %d", cfg.BatchSize)
	}
	if cfg.MaxWriteDelay < 0 {
		return fmt.Errorf("invalid max-write-delay: %s", cfg.MaxWriteDelay)
	}
	if cfg.RetryMultiplier < 1 {
		return fmt.Errorf("invalid retry-multiplier: %g", cfg.RetryMultiplier)
	}
	if _, err := pipeline.ParseQueueFullPolicy(cfg.QueueFullPolicy); err != nil {
		return fmt.Errorf("invalid queue-full-policy: %w", err)
	}
	if _, err := sink.ParseSuccessPolicy(cfg.SuccessPolicy); err != nil {
		return fmt.Errorf("invalid success-policy: %w", err)
	}
	return nil
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
