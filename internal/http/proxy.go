package http

import (
	"crypto/tls"
	"fmt"
	"net"
	nethttp "net/http"
	"net/url"
	"strings"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"golang.org/x/net/http/httpproxy"

	"github.com/rescale/rescale-xfer/internal/constants"
	"github.com/rescale/rescale-xfer/internal/logging"
)

// Proxy modes accepted in the [general] proxy_mode key.
const (
	ProxyModeNone   = "no-proxy"
	ProxyModeSystem = "system"
	ProxyModeBasic  = "basic"
	ProxyModeNTLM   = "ntlm"
)

// ProxyConfig describes the outbound proxy used for object-store traffic.
type ProxyConfig struct {
	Mode     string // no-proxy (default), system, basic, ntlm
	Host     string
	Port     int
	User     string
	Password string // from the environment
	NoProxy  string // comma-separated hosts, domains and CIDRs that bypass the proxy
}

// Active reports whether requests may go through a proxy.
func (p ProxyConfig) Active() bool {
	switch strings.ToLower(p.Mode) {
	case "", ProxyModeNone:
		return false
	case ProxyModeSystem:
		return httpproxy.FromEnvironment().HTTPSProxy != "" || httpproxy.FromEnvironment().HTTPProxy != ""
	default:
		return p.Host != ""
	}
}

// NeedsPassword returns true if an authenticating proxy has a user but no password.
func (p ProxyConfig) NeedsPassword() bool {
	mode := strings.ToLower(p.Mode)
	if mode != ProxyModeBasic && mode != ProxyModeNTLM {
		return false
	}
	return p.User != "" && p.Password == ""
}

// newBaseTransport returns the pooled transport shared by every client.
func newBaseTransport() *nethttp.Transport {
	return &nethttp.Transport{
		DialContext: (&net.Dialer{
			Timeout:   constants.HTTPDialTimeout,
			KeepAlive: constants.HTTPDialKeepAlive,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       100,
		IdleConnTimeout:       constants.HTTPIdleConnTimeout,
		TLSHandshakeTimeout:   constants.HTTPTLSHandshakeTimeout,
		ExpectContinueTimeout: constants.HTTPExpectContinueTimeout,
	}
}

// configureProxy sets the proxy function on tr and returns the round tripper to use.
// NTLM wraps the transport in a negotiator.
func configureProxy(tr *nethttp.Transport, p ProxyConfig, logger *logging.Logger) (nethttp.RoundTripper, error) {
	switch strings.ToLower(p.Mode) {
	case "", ProxyModeNone:
		tr.Proxy = nil
		return tr, nil

	case ProxyModeSystem:
		tr.Proxy = nethttp.ProxyFromEnvironment
		return tr, nil

	case ProxyModeBasic, ProxyModeNTLM:
		if p.Host == "" {
			logger.Warn().Str("mode", p.Mode).Msg("Proxy host missing, connecting directly")
			tr.Proxy = nil
			return tr, nil
		}
		if p.NeedsPassword() {
			logger.Warn().Str("user", p.User).Msg("Proxy user configured but password missing, proxy auth disabled")
		}
		tr.Proxy = proxyFuncWithBypass(buildProxyURL(p), p.NoProxy, logger)
		if strings.ToLower(p.Mode) == ProxyModeNTLM {
			return ntlmssp.Negotiator{RoundTripper: tr}, nil
		}
		return tr, nil

	default:
		return nil, fmt.Errorf("unsupported proxy mode: %s", p.Mode)
	}
}

// buildProxyURL constructs a proxy URL from config.
func buildProxyURL(p ProxyConfig) *url.URL {
	port := p.Port
	if port == 0 {
		port = constants.DefaultProxyPort
	}

	proxyURL := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(p.Host, fmt.Sprint(port)),
	}

	// Empty password in URL can cause auth failures with some proxies
	if p.User != "" && p.Password != "" {
		proxyURL.User = url.UserPassword(p.User, p.Password)
	}

	return proxyURL
}

// proxyFuncWithBypass returns a proxy function that respects the NoProxy bypass list.
// With an empty noProxy it behaves like nethttp.ProxyURL.
func proxyFuncWithBypass(proxyURL *url.URL, noProxy string, logger *logging.Logger) func(*nethttp.Request) (*url.URL, error) {
	if noProxy == "" {
		return nethttp.ProxyURL(proxyURL)
	}
	cfg := httpproxy.Config{
		HTTPProxy:  proxyURL.String(),
		HTTPSProxy: proxyURL.String(),
		NoProxy:    noProxy,
	}
	proxyFunc := cfg.ProxyFunc()
	return func(req *nethttp.Request) (*url.URL, error) {
		result, err := proxyFunc(req.URL)
		if result == nil {
			logger.Debug().Str("host", req.URL.Host).Msg("Proxy bypass")
		} else {
			logger.Debug().Str("host", req.URL.Host).Str("proxy", result.Host).Msg("Proxied")
		}
		return result, err
	}
}
