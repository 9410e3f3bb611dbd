package extractor

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/KeremKalyoncu/medresolve/internal/credential"
	apperrors "github.com/KeremKalyoncu/medresolve/internal/errors"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// Platform is one supported site: URL handling, its strategy chain and a
// credential probe
type Platform interface {
	ID() types.Platform
	// Match reports whether a lower-cased host belongs to the platform
	Match(host string) bool
	// Normalize canonicalizes host aliases and strips tracking parameters
	Normalize(u *url.URL) string
	// IsShortLink reports whether u must be expanded before extraction
	IsShortLink(u *url.URL) bool
	// RequiresCredential reports content that never resolves anonymously
	RequiresCredential(normalized string) bool
	// DeviceType is the fingerprint device the chain's pages are built for
	DeviceType() string
	Strategies() []Strategy
	Probe(ctx context.Context, cred *types.Credential) error
}

// Endpoints are the upstream base URLs; tests point them at a fake server
type Endpoints struct {
	TwitterSyndication string
	TwitterAPI         string
	TwitterWeb         string
	InstagramWeb       string
	InstagramAPI       string
	TikTokAPI          string
	TikTokWeb          string
	FacebookWeb        string
	WeiboMobile        string
	WeiboWeb           string
}

// DefaultEndpoints returns the production upstreams
func DefaultEndpoints() Endpoints {
	return Endpoints{
		TwitterSyndication: "https://cdn.syndication.twimg.com",
		TwitterAPI:         "https://api.x.com",
		TwitterWeb:         "https://x.com",
		InstagramWeb:       "https://www.instagram.com",
		InstagramAPI:       "https://i.instagram.com",
		TikTokAPI:          "https://api16-normal-c-useast1a.tiktokv.com",
		TikTokWeb:          "https://www.tiktok.com",
		FacebookWeb:        "https://www.facebook.com",
		WeiboMobile:        "https://m.weibo.cn",
		WeiboWeb:           "https://weibo.com",
	}
}

// AllEndpoints points every upstream at one base URL
func AllEndpoints(base string) Endpoints {
	return Endpoints{
		TwitterSyndication: base,
		TwitterAPI:         base,
		TwitterWeb:         base,
		InstagramWeb:       base,
		InstagramAPI:       base,
		TikTokAPI:          base,
		TikTokWeb:          base,
		FacebookWeb:        base,
		WeiboMobile:        base,
		WeiboWeb:           base,
	}
}

// Registry holds the supported platforms in detection order
type Registry struct {
	fetcher   *Fetcher
	platforms []Platform
	timeouts  map[types.Platform]time.Duration
	observer  Observer
	logger    *zap.Logger
}

// NewRegistry registers the five platforms
func NewRegistry(fetcher *Fetcher, ep Endpoints, timeouts map[types.Platform]time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		fetcher: fetcher,
		platforms: []Platform{
			newTwitter(fetcher, ep),
			newInstagram(fetcher, ep),
			newTikTok(fetcher, ep),
			newFacebook(fetcher, ep),
			newWeibo(fetcher, ep),
		},
		timeouts: timeouts,
		logger:   logger,
	}
}

// SetObserver installs a strategy observer on every chain built afterwards
func (r *Registry) SetObserver(o Observer) {
	r.observer = o
}

// Get returns a platform by id
func (r *Registry) Get(id types.Platform) (Platform, bool) {
	for _, p := range r.platforms {
		if p.ID() == id {
			return p, true
		}
	}
	return nil, false
}

// Detect parses rawURL, finds its platform and returns the normalized URL.
// No network access happens here.
func (r *Registry) Detect(rawURL string) (Platform, string, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return nil, "", apperrors.ErrInvalidURL.WithCause(err)
	}

	host := strings.ToLower(u.Hostname())
	for _, p := range r.platforms {
		if p.Match(host) {
			return p, p.Normalize(u), nil
		}
	}
	return nil, "", apperrors.ErrUnsupportedPlatform
}

// Expand follows a short link and renormalizes the destination. Other URLs
// are returned unchanged.
func (r *Registry) Expand(ctx context.Context, p Platform, normalized string, fp types.Fingerprint) (string, error) {
	u, err := url.Parse(normalized)
	if err != nil || !p.IsShortLink(u) {
		return normalized, nil
	}

	final, err := r.fetcher.ResolveRedirect(ctx, p.ID(), normalized, fp)
	if err != nil {
		return "", err
	}
	fu, err := parseURL(final)
	if err != nil {
		return "", apperrors.ErrInvalidURL.WithCause(err)
	}
	return p.Normalize(fu), nil
}

// Chain builds the strategy chain of a platform
func (r *Registry) Chain(p Platform) *Chain {
	timeout := r.timeouts[p.ID()]
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Chain{
		Platform:   p.ID(),
		Strategies: p.Strategies(),
		Timeout:    timeout,
		Observer:   r.observer,
		Logger:     r.logger,
	}
}

// Probers exposes every platform as a credential prober
func (r *Registry) Probers() map[types.Platform]credential.Prober {
	out := make(map[types.Platform]credential.Prober, len(r.platforms))
	for _, p := range r.platforms {
		out[p.ID()] = p
	}
	return out
}

var (
	errEmptyURL  = errors.New("empty url")
	errBadScheme = errors.New("scheme must be http or https")
	errNoHost    = errors.New("missing host")
)

func parseURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errEmptyURL
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errBadScheme
	}
	if u.Hostname() == "" || !strings.Contains(u.Hostname(), ".") {
		return nil, errNoHost
	}
	return u, nil
}

// hostIs reports whether host equals one of domains or is a subdomain of one
func hostIs(host string, domains ...string) bool {
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// canonical rebuilds u on host keeping only the named query parameters
func canonical(u *url.URL, host string, keep ...string) string {
	out := url.URL{Scheme: "https", Host: host, Path: strings.TrimRight(u.Path, "/")}
	if out.Path == "" {
		out.Path = "/"
	}
	if len(keep) > 0 {
		q := url.Values{}
		src := u.Query()
		for _, k := range keep {
			if v := src.Get(k); v != "" {
				q.Set(k, v)
			}
		}
		out.RawQuery = q.Encode()
	}
	return out.String()
}
