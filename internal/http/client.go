// Package http builds the shared HTTP client used for object-store traffic:
// pooled HTTP/2 transport, optional proxy, and bounded retries.
package http

import (
	"crypto/tls"
	nethttp "net/http"
	"os"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/net/http2"

	"github.com/rescale/rescale-xfer/internal/constants"
	"github.com/rescale/rescale-xfer/internal/logging"
)

// retryLogger adapts the zerolog wrapper to retryablehttp.LeveledLogger.
type retryLogger struct {
	logger *logging.Logger
}

func (l retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}

// Info is logged at debug level; every request would otherwise be printed.
func (l retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

// NewClient creates the shared client for S3 and Azure listings.
//
// Key features:
//   - Connection pool shared across connections to the same endpoint
//   - HTTP/2 unless a proxy is active or DISABLE_HTTP2=true
//   - Proxy modes no-proxy, system, basic and ntlm
//   - Bounded retries with backoff for transient failures
func NewClient(proxy ProxyConfig, logger *logging.Logger) (*nethttp.Client, error) {
	logger = logging.OrDefault(logger).Named("http")

	tr := newBaseTransport()
	tr.DisableCompression = true
	tr.ForceAttemptHTTP2 = true
	_ = http2.ConfigureTransport(tr)

	// Proxies often mishandle HTTP/2 multiplexing; FORCE_HTTP2=true overrides
	disableHTTP2 := os.Getenv("DISABLE_HTTP2") == "true" ||
		(proxy.Active() && os.Getenv("FORCE_HTTP2") != "true")
	if disableHTTP2 {
		tr.ForceAttemptHTTP2 = false
		tr.TLSNextProto = make(map[string]func(string, *tls.Conn) nethttp.RoundTripper)
	}

	rt, err := configureProxy(tr, proxy, logger)
	if err != nil {
		return nil, err
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &nethttp.Client{Transport: rt}
	retryClient.RetryMax = constants.HTTPMaxRetries
	retryClient.RetryWaitMin = constants.HTTPRetryWaitMin
	retryClient.RetryWaitMax = constants.HTTPRetryWaitMax
	retryClient.Logger = retryLogger{logger: logger}

	return retryClient.StandardClient(), nil
}
