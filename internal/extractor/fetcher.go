package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/KeremKalyoncu/medresolve/internal/circuitbreaker"
	"github.com/KeremKalyoncu/medresolve/internal/fingerprint"
	"github.com/KeremKalyoncu/medresolve/internal/logger"
	"github.com/KeremKalyoncu/medresolve/internal/pool"
	"github.com/KeremKalyoncu/medresolve/internal/retry"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

const maxBodySize = 8 << 20

// Request describes one upstream call
type Request struct {
	Platform    types.Platform
	Method      string
	URL         string
	Body        []byte
	ContentType string
	Fingerprint types.Fingerprint
	Cookie      string
	Headers     map[string]string
}

// FetcherConfig tunes redirects and breakers
type FetcherConfig struct {
	MaxRedirects    int
	RedirectTimeout time.Duration
}

// Fetcher performs upstream requests with fingerprint headers, maps HTTP
// statuses onto strategy signals and guards each platform with a breaker
type Fetcher struct {
	clients  *pool.HTTPClientPool
	breakers *circuitbreaker.Group
	cfg      FetcherConfig
	logger   *zap.Logger
}

// NewFetcher creates a fetcher over a shared client pool
func NewFetcher(clients *pool.HTTPClientPool, breakers *circuitbreaker.Group, cfg FetcherConfig, logger *zap.Logger) *Fetcher {
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 5
	}
	if cfg.RedirectTimeout <= 0 {
		cfg.RedirectTimeout = 5 * time.Second
	}
	return &Fetcher{clients: clients, breakers: breakers, cfg: cfg, logger: logger}
}

// Do performs req and returns the body of a 2xx response
func (f *Fetcher) Do(ctx context.Context, req Request) ([]byte, error) {
	done, err := f.breakers.Get(string(req.Platform)).Allow()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	body, status, err := f.do(ctx, req)
	// Only upstream faults count against the breaker
	done(err == nil || !(errors.Is(err, ErrUpstream) || errors.Is(err, ErrTimeout)))

	if err != nil {
		f.logger.Debug("Upstream request failed",
			zap.String("platform", string(req.Platform)),
			logger.URL("url", req.URL),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	return body, err
}

func (f *Fetcher) do(ctx context.Context, req Request) ([]byte, int, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var reqBody io.Reader
	if req.Body != nil {
		reqBody = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: build request: %v", ErrUpstream, err)
	}
	applyHeaders(httpReq, req)

	resp, err := f.clients.Client().Do(httpReq)
	if err != nil {
		return nil, 0, transportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, resp.StatusCode, transportError(err)
	}

	if err := statusError(resp.StatusCode); err != nil {
		return body, resp.StatusCode, err
	}
	if isLoginRedirect(resp.Request.URL.String()) {
		return body, resp.StatusCode, fmt.Errorf("%w: redirected to login", ErrAccessRestricted)
	}
	return body, resp.StatusCode, nil
}

// GetJSON fetches req and decodes the body into v
func (f *Fetcher) GetJSON(ctx context.Context, req Request, v any) error {
	if req.Headers == nil {
		req.Headers = map[string]string{}
	}
	if _, ok := req.Headers["Accept"]; !ok {
		req.Headers["Accept"] = "application/json, text/plain, */*"
	}

	body, err := f.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		if looksLikeLoginPage(body) {
			return fmt.Errorf("%w: login page instead of JSON", ErrAccessRestricted)
		}
		return fmt.Errorf("%w: decode json: %v", ErrUpstream, err)
	}
	return nil
}

// GetHTML fetches req and parses the body. The raw body is returned too for
// regex scans of inline scripts.
func (f *Fetcher) GetHTML(ctx context.Context, req Request) (*goquery.Document, []byte, error) {
	if req.Headers == nil {
		req.Headers = map[string]string{}
	}
	if _, ok := req.Headers["Accept"]; !ok {
		req.Headers["Accept"] = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
	}

	body, err := f.Do(ctx, req)
	if err != nil {
		return nil, body, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, body, fmt.Errorf("%w: parse html: %v", ErrUpstream, err)
	}
	return doc, body, nil
}

// ResolveRedirect follows a short link to its destination with a bounded
// number of hops, retrying transient failures
func (f *Fetcher) ResolveRedirect(ctx context.Context, platform types.Platform, rawURL string, fp types.Fingerprint) (string, error) {
	client := f.clients.RedirectClient(f.cfg.MaxRedirects)

	var final string
	err := retry.Do(ctx, retry.Upstream(), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, f.cfg.RedirectTimeout)
		defer cancel()

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("%w: %v", ErrUpstream, err))
		}
		applyHeaders(httpReq, Request{Fingerprint: fp})

		resp, err := client.Do(httpReq)
		if err != nil {
			return transportError(err)
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			// Hop limit reached; the Location is the best we know
			if loc, err := resp.Location(); err == nil {
				final = loc.String()
				return nil
			}
		}
		if resp.StatusCode >= 500 {
			return statusError(resp.StatusCode)
		}
		if err := statusError(resp.StatusCode); err != nil {
			return retry.Permanent(err)
		}
		final = resp.Request.URL.String()
		return nil
	})
	if err != nil {
		return "", err
	}

	f.logger.Debug("Expanded short link",
		zap.String("platform", string(platform)),
		zap.String("from", rawURL),
		zap.String("to", final),
	)
	return final, nil
}

func applyHeaders(r *http.Request, req Request) {
	fp := req.Fingerprint
	if fp.UserAgent == "" {
		fp = fingerprint.Default
	}
	for k, v := range fp.Headers() {
		r.Header.Set(k, v)
	}
	if req.Cookie != "" {
		r.Header.Set("Cookie", req.Cookie)
	}
	if req.ContentType != "" {
		r.Header.Set("Content-Type", req.ContentType)
	}
	for k, v := range req.Headers {
		r.Header.Set(k, v)
	}
}

func statusError(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", ErrAccessRestricted, status)
	case status == http.StatusNotFound || status == http.StatusGone:
		return fmt.Errorf("%w: status %d", ErrNotFound, status)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrRateLimited, status)
	case status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: status %d", ErrTimeout, status)
	default:
		return fmt.Errorf("%w: status %d", ErrUpstream, status)
	}
}

func transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}

var loginPaths = []string{"/accounts/login", "/login.php", "/login/", "passport.weibo", "/i/flow/login", "/checkpoint/"}

func isLoginRedirect(u string) bool {
	for _, p := range loginPaths {
		if strings.Contains(u, p) {
			return true
		}
	}
	return false
}

func looksLikeLoginPage(body []byte) bool {
	head := body
	if len(head) > 4096 {
		head = head[:4096]
	}
	s := strings.ToLower(string(head))
	return strings.Contains(s, "<html") && (strings.Contains(s, "login") || strings.Contains(s, "log in"))
}
