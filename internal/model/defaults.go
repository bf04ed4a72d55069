package model

import "time"

// Shared defaults used by both the agent and the status console.
const (
	DefaultBatchSize         = 100
	DefaultMaxWriteDelay     = time.Second
	DefaultStagingSize       = 4096
	DefaultStopGrace         = 5 * time.Second
	DefaultSinkWriteTimeout  = 30 * time.Second
	DefaultSinkCloseTimeout  = 5 * time.Second
	DefaultRetryBase         = 500 * time.Millisecond
	DefaultRetryMultiplier   = 2.0
	DefaultRetryMaxDelay     = 30 * time.Second
	DefaultRetryMaxAttempts  = 8
	DefaultTrimRetryAttempts = 5
	DefaultNoSinkRetry       = time.Second
	DefaultMaxInFlight       = 256
	DefaultStateInterval     = 10 * time.Second
	DefaultUpdateInterval    = 2 * time.Second
	DefaultControlQueueSize  = 64

	// LiveViewSinkName is the reserved sink name used by the manager live view.
	LiveViewSinkName = "live-view"
)

// LiveViewRetry is the retry policy applied to the live view sink.
var LiveViewRetry = RetrySettings{
	BaseDelayMS: 500,
	MaxDelayMS:  1000,
	MaxAttempts: 10,
	Multiplier:  2,
}
