package main

import (
	"time"

	"github.com/tinytelemetry/tracepush/internal/input"
	"github.com/tinytelemetry/tracepush/internal/model"
)

const (
	defaultBindHost         = "127.0.0.1"
	defaultTCPPort          = 4700
	defaultAPIPort          = 3000
	defaultMuxBufferSize    = input.DefaultMuxBuffer
	defaultBatchSize        = model.DefaultBatchSize
	defaultMaxWriteDelay    = model.DefaultMaxWriteDelay
	defaultStagingSize      = model.DefaultStagingSize
	defaultMaxInFlight      = model.DefaultMaxInFlight
	defaultQueueFullPolicy  = "block"
	defaultSuccessPolicy    = "all"
	defaultStopGrace        = model.DefaultStopGrace
	defaultSinkWriteTimeout = model.DefaultSinkWriteTimeout
	defaultSinkCloseTimeout = model.DefaultSinkCloseTimeout
	defaultRetryBase        = model.DefaultRetryBase
	defaultRetryMultiplier  = model.DefaultRetryMultiplier
	defaultRetryMaxDelay    = model.DefaultRetryMaxDelay
	defaultRetryMaxAttempts = model.DefaultRetryMaxAttempts
	defaultTrimRetries      = model.DefaultTrimRetryAttempts
	defaultControlQueueSize = model.DefaultControlQueueSize
	defaultStateInterval    = model.DefaultStateInterval
)

// appConfig is internal runtime configuration.
// It is package-private to keep defaults and shape local to the CLI entrypoint.
type appConfig struct {
	DataDir          string        `mapstructure:"data-dir"`
	LogPath          string        `mapstructure:"log-path"`
	BatchSize        int           `mapstructure:"batch-size"`
	MaxWriteDelay    time.Duration `mapstructure:"max-write-delay"`
	StagingSize      int           `mapstructure:"staging-size"`
	MaxInFlight      int           `mapstructure:"max-in-flight"`
	QueueFullPolicy  string        `mapstructure:"queue-full-policy"`
	SuccessPolicy    string        `mapstructure:"success-policy"`
	StopGrace        time.Duration `mapstructure:"stop-grace"`
	SinkWriteTimeout time.Duration `mapstructure:"sink-write-timeout"`
	SinkCloseTimeout time.Duration `mapstructure:"sink-close-timeout"`
	RetryBase        time.Duration `mapstructure:"retry-base"`
	RetryMultiplier  float64       `mapstructure:"retry-multiplier"`
	RetryMaxDelay    time.Duration `mapstructure:"retry-max-delay"`
	RetryMaxAttempts int           `mapstructure:"retry-max-attempts"`
	TrimRetries      int           `mapstructure:"trim-retry-attempts"`
	Host             string        `mapstructure:"host"`
	APIEnabled       bool          `mapstructure:"api-enabled"`
	APIPort          int           `mapstructure:"api-port"`
	APIAddr          string        `mapstructure:"api-addr"`
	SocketPath       string        `mapstructure:"socket-path"`
	TCPEnabled       bool          `mapstructure:"tcp-enabled"`
	TCPPort          int           `mapstructure:"tcp-port"`
	TCPAddr          string        `mapstructure:"tcp-addr"`
	TCPMaxConns      int           `mapstructure:"tcp-max-conns"`
	TCPIdleTimeout   time.Duration `mapstructure:"tcp-idle-timeout"`
	MuxBufferSize    int           `mapstructure:"mux-buffer-size"`
	SiteName         string        `mapstructure:"site-name"`
	ControlQueueSize int           `mapstructure:"control-queue-size"`
	StateInterval    time.Duration `mapstructure:"state-interval"`
	ConfigPath       string        `mapstructure:"-"` // not from config file
}
