package pool

import (
	"net"
	"net/http"
	"net/http/cookiejar"
	"time"
)

// ClientConfig tunes the shared upstream transport
type ClientConfig struct {
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	DialTimeout         time.Duration
	// Timeout bounds a whole request; strategies usually set a shorter context deadline
	Timeout time.Duration
}

// DefaultClientConfig returns transport settings suited to many small JSON/HTML fetches
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     50,
		DialTimeout:         10 * time.Second,
		Timeout:             30 * time.Second,
	}
}

// HTTPClientPool provides an upstream HTTP client with connection pooling
type HTTPClientPool struct {
	client *http.Client
	cfg    ClientConfig
}

// NewHTTPClientPool creates a pooled client. Cookies are never persisted between
// requests: each request carries the credential it was given, or none.
func NewHTTPClientPool(cfg ClientConfig) *HTTPClientPool {
	def := DefaultClientConfig()
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = def.MaxConnsPerHost
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}

	return &HTTPClientPool{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
				MaxConnsPerHost:     cfg.MaxConnsPerHost,
				IdleConnTimeout:     90 * time.Second,

				DialContext: (&net.Dialer{
					Timeout:   cfg.DialTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,

				TLSHandshakeTimeout:   10 * time.Second,
				ForceAttemptHTTP2:     true,
				ResponseHeaderTimeout: cfg.Timeout,
				ExpectContinueTimeout: 1 * time.Second,
			},
			Timeout: cfg.Timeout,
		},
	}
}

// Client returns the underlying HTTP client
func (p *HTTPClientPool) Client() *http.Client {
	return p.client
}

// RedirectClient returns a client sharing the transport that follows at most
// maxRedirects hops. Redirect cookies are kept for the chain only, some
// short-link services set one before the final hop.
func (p *HTTPClientPool) RedirectClient(maxRedirects int) *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{
		Transport: p.client.Transport,
		Timeout:   p.client.Timeout,
		Jar:       jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

// Close closes all idle connections
func (p *HTTPClientPool) Close() {
	p.client.CloseIdleConnections()
}

// Stats returns the configured pool limits
func (p *HTTPClientPool) Stats() map[string]interface{} {
	return map[string]interface{}{
		"max_idle_conns":          100,
		"max_idle_conns_per_host": p.cfg.MaxIdleConnsPerHost,
		"max_conns_per_host":      p.cfg.MaxConnsPerHost,
		"timeout":                 p.cfg.Timeout.String(),
	}
}
