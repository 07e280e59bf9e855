package constants

import (
	"time"
)

// Connections
const (
	// LocalConnectionID - sentinel connection id for the local filesystem of this host
	LocalConnectionID = "local"
)

// Speed estimation
const (
	// SpeedSampleInterval - minimum wall time between samples that feed the speed estimate (500ms)
	// Progress values are applied on every sample; only the speed time base is gated.
	SpeedSampleInterval = 500 * time.Millisecond

	// SpeedSmoothingWeight - EMA weight of the newest instantaneous rate (0.3)
	// The previous estimate keeps the remaining 0.7, a half-life of about two samples.
	SpeedSmoothingWeight = 0.3
)

// Event System
const (
	// EventBusDefaultBuffer - default buffer size for event channels (1000)
	// 1000 events is generous for typical transfer progress throughput
	EventBusDefaultBuffer = 1000

	// EventBusMaxBuffer - maximum buffer size for high-throughput scenarios (5000)
	EventBusMaxBuffer = 5000
)

// Listing refresh
const (
	// DefaultRefreshTimeout - upper bound for a single directory re-fetch (30 seconds)
	DefaultRefreshTimeout = 30 * time.Second
)

// UI Updates
const (
	// ProgressUpdateInterval - interval for progress bar redraws (250ms)
	ProgressUpdateInterval = 250 * time.Millisecond

	// ProgressReportChunk - bytes copied between progress samples sent to the registry (256 KiB)
	ProgressReportChunk = 256 * 1024
)

// SSH
const (
	// SSHDialTimeout - timeout for establishing the SSH connection (15 seconds)
	SSHDialTimeout = 15 * time.Second

	// DefaultSSHPort - port used when a connection does not set one
	DefaultSSHPort = 22

	// DialMaxAttempts - connection attempts before giving up on a flaky network
	DialMaxAttempts = 3

	// DialRetryInitialDelay - base backoff between connection attempts
	DialRetryInitialDelay = 500 * time.Millisecond

	// DialRetryMaxDelay - cap on the backoff between connection attempts
	DialRetryMaxDelay = 5 * time.Second
)

// HTTP (object-store listers)
const (
	// HTTPMaxRetries - retry attempts for transient HTTP failures
	HTTPMaxRetries = 4

	// HTTPRetryWaitMin - initial backoff between HTTP retries (200ms)
	HTTPRetryWaitMin = 200 * time.Millisecond

	// HTTPRetryWaitMax - maximum backoff between HTTP retries (15s)
	HTTPRetryWaitMax = 15 * time.Second

	// HTTPIdleConnTimeout - idle connection lifetime in the shared pool (90 seconds)
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - TLS handshake timeout (30 seconds)
	HTTPTLSHandshakeTimeout = 30 * time.Second

	// HTTPDialTimeout - TCP connect timeout (30 seconds)
	HTTPDialTimeout = 30 * time.Second

	// HTTPDialKeepAlive - TCP keep-alive period (30 seconds)
	HTTPDialKeepAlive = 30 * time.Second

	// HTTPExpectContinueTimeout - wait for 100-continue (1 second)
	HTTPExpectContinueTimeout = 1 * time.Second

	// DefaultProxyPort - proxy port used when none is configured
	DefaultProxyPort = 8080
)

// CLI Concurrency Limits
const (
	// DefaultMaxConcurrent - default concurrent file operations
	DefaultMaxConcurrent = 5

	// MinMaxConcurrent - minimum concurrent operations (sequential mode)
	MinMaxConcurrent = 1

	// MaxMaxConcurrent - maximum concurrent operations allowed
	MaxMaxConcurrent = 32
)
