package resolver

import (
	"context"
	"errors"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/KeremKalyoncu/medresolve/internal/cache"
	"github.com/KeremKalyoncu/medresolve/internal/credential"
	apperrors "github.com/KeremKalyoncu/medresolve/internal/errors"
	"github.com/KeremKalyoncu/medresolve/internal/extractor"
	"github.com/KeremKalyoncu/medresolve/internal/fingerprint"
	"github.com/KeremKalyoncu/medresolve/internal/governor"
	"github.com/KeremKalyoncu/medresolve/internal/logger"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// Observer is told about every finished resolution
type Observer interface {
	Resolution(result *types.ExtractionResult)
}

// Resolver turns a post URL into an ExtractionResult. It owns no state of
// its own; every collaborator is shared across concurrent resolutions.
type Resolver struct {
	registry     *extractor.Registry
	governor     *governor.Governor
	cache        *cache.ResultCache
	credentials  *credential.Pool
	fingerprints *fingerprint.Pool
	logger       *zap.Logger
	observer     Observer
	now          func() time.Time
}

// New creates a resolver
func New(
	registry *extractor.Registry,
	gov *governor.Governor,
	resultCache *cache.ResultCache,
	credentials *credential.Pool,
	fingerprints *fingerprint.Pool,
	logger *zap.Logger,
) *Resolver {
	return &Resolver{
		registry:     registry,
		governor:     gov,
		cache:        resultCache,
		credentials:  credentials,
		fingerprints: fingerprints,
		logger:       logger,
		now:          time.Now,
	}
}

// SetObserver attaches a telemetry observer
func (r *Resolver) SetObserver(o Observer) {
	r.observer = o
}

// Resolve resolves a URL anonymously
func (r *Resolver) Resolve(ctx context.Context, rawURL string) *types.ExtractionResult {
	return r.ResolveFor(ctx, rawURL, "")
}

// ResolveFor resolves a URL on behalf of a principal, whose private
// credentials are preferred when one is needed. It never panics and never
// returns nil: failures come back as a result with Success false and an
// error code.
func (r *Resolver) ResolveFor(ctx context.Context, rawURL, principal string) (result *types.ExtractionResult) {
	start := r.now()
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Resolution panicked",
				logger.URL("url", rawURL),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			result = failed(types.PlatformUnknown, rawURL, apperrors.ErrInternal)
		}
		result.ResponseTimeMs = r.now().Sub(start).Milliseconds()
		if r.observer != nil {
			r.observer.Resolution(result)
		}
	}()

	p, normalized, err := r.registry.Detect(rawURL)
	if err != nil {
		return failed(types.PlatformUnknown, rawURL, extractor.Classify(err))
	}
	platform := p.ID()
	log := r.logger.With(zap.String("platform", string(platform)), logger.URL("url", normalized))

	if err := r.governor.Admit(ctx, platform); err != nil {
		log.Info("Resolution denied", zap.Error(err))
		return failed(platform, normalized, extractor.Classify(err))
	}

	target, err := r.registry.Expand(ctx, p, normalized, fingerprint.Default)
	if err != nil {
		log.Warn("Short link expansion failed", zap.Error(err))
		r.governor.RecordOutcome(platform, false, r.elapsed(start))
		return failed(platform, normalized, extractor.Classify(err))
	}

	if cached, ok := r.cache.Get(ctx, platform, target); ok {
		cached.Cached = true
		r.governor.RecordOutcome(platform, true, r.elapsed(start))
		return cached
	}

	var cred *types.Credential
	if p.RequiresCredential(target) {
		cred = r.acquire(ctx, platform, principal)
		if cred == nil {
			r.governor.RecordOutcome(platform, false, r.elapsed(start))
			return failed(platform, target, apperrors.ErrCredentialRequired)
		}
	}

	fp := r.fingerprints.Pick(ctx, platform, p.DeviceType())
	chain := r.registry.Chain(p)
	in := extractor.Input{URL: target, Credential: cred, Fingerprint: fp}

	res, err := chain.Run(ctx, in)
	noCredential := false
	if err != nil && cred == nil && needsCredential(err) {
		if cred = r.acquire(ctx, platform, principal); cred != nil {
			log.Debug("Retrying with credential", zap.String("credential_id", cred.ID))
			in.Credential = cred
			anonErr := err
			res, err = chain.WithCredential().Run(ctx, in)
			if err != nil {
				err = extractor.JoinFailures(anonErr, err)
			}
		} else {
			noCredential = true
		}
	}

	if err != nil {
		return r.fail(ctx, log, platform, target, cred, fp, err, noCredential, start)
	}

	ttl := r.governor.CacheTTL(ctx, platform)
	if err := r.cache.Set(ctx, platform, target, res, ttl); err != nil {
		log.Warn("Failed to cache result", zap.Error(err))
	}
	if cred != nil && res.UsedCookie {
		r.credentials.ReportOutcome(ctx, cred, types.OutcomeSuccess, "")
	}
	r.fingerprints.ReportOutcome(ctx, fp.ID, true, "")
	r.governor.RecordOutcome(platform, true, r.elapsed(start))

	log.Info("Resolved",
		zap.String("strategy", res.Strategy),
		zap.Int("formats", len(res.Formats)),
		zap.Bool("used_cookie", res.UsedCookie),
	)
	return res
}

func (r *Resolver) fail(
	ctx context.Context,
	log *zap.Logger,
	platform types.Platform,
	target string,
	cred *types.Credential,
	fp types.Fingerprint,
	err error,
	noCredential bool,
	start time.Time,
) *types.ExtractionResult {
	ce := extractor.Classify(err)
	if noCredential && ce.Code == apperrors.CodeNoMediaFound && errors.Is(err, extractor.ErrAccessRestricted) {
		ce = apperrors.ErrNoCredentialAvailable
	}

	var failure *extractor.Failure
	if cred != nil && errors.As(err, &failure) {
		if outcome, ok := credentialOutcome(failure); ok {
			r.credentials.ReportOutcome(ctx, cred, outcome, truncate(failure.CookieErr().Error()))
		}
	}
	r.fingerprints.ReportOutcome(ctx, fp.ID, false, truncate(err.Error()))
	r.governor.RecordOutcome(platform, false, r.elapsed(start))

	log.Info("Resolution failed", zap.String("code", ce.Code), zap.Error(err))
	return failed(platform, target, ce)
}

// acquire degrades to anonymous access when the pool is unreachable
func (r *Resolver) acquire(ctx context.Context, platform types.Platform, principal string) *types.Credential {
	cred, err := r.credentials.Acquire(ctx, platform, principal)
	if err != nil {
		r.logger.Warn("Credential acquire failed", zap.String("platform", string(platform)), zap.Error(err))
		return nil
	}
	return cred
}

func (r *Resolver) elapsed(start time.Time) int64 {
	return r.now().Sub(start).Milliseconds()
}

// needsCredential reports whether an anonymous failure might succeed with a
// session
func needsCredential(err error) bool {
	return errors.Is(err, extractor.ErrAccessRestricted) || errors.Is(err, extractor.ErrAgeRestricted)
}

// credentialOutcome looks only at the attempts that sent the cookie. A 429
// cools the credential down and a login wall marks it expired.
func credentialOutcome(f *extractor.Failure) (types.CredentialOutcome, bool) {
	cerr := f.CookieErr()
	switch {
	case cerr == nil:
		return "", false
	case errors.Is(cerr, extractor.ErrRateLimited):
		return types.OutcomeRateLimited, true
	case errors.Is(cerr, extractor.ErrAccessRestricted):
		return types.OutcomeExpired, true
	default:
		return types.OutcomeOtherError, true
	}
}

func failed(platform types.Platform, rawURL string, ce *apperrors.CustomError) *types.ExtractionResult {
	return &types.ExtractionResult{
		Success:   false,
		Platform:  platform,
		URL:       rawURL,
		ErrorCode: ce.Code,
		Message:   ce.Message,
	}
}

func truncate(s string) string {
	const max = 500
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// Preview describes what a resolution of a URL would do, without admission
// or upstream access. Short links are keyed by their expanded target, which
// is unknown here, so their CacheKey is empty and Cached is false.
type Preview struct {
	Platform           types.Platform `json:"platform"`
	URL                string         `json:"url"`
	CacheKey           string         `json:"cacheKey,omitempty"`
	ShortLink          bool           `json:"shortLink"`
	RequiresCredential bool           `json:"requiresCredential"`
	Cached             bool           `json:"cached"`
}

// Detect normalizes a URL and reports its platform and cache key
func (r *Resolver) Detect(ctx context.Context, rawURL string) (*Preview, error) {
	p, normalized, err := r.registry.Detect(rawURL)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(normalized)
	if err != nil {
		return nil, apperrors.ErrInvalidURL.WithCause(err)
	}
	preview := &Preview{
		Platform:           p.ID(),
		URL:                normalized,
		ShortLink:          p.IsShortLink(u),
		RequiresCredential: p.RequiresCredential(normalized),
	}
	if !preview.ShortLink {
		preview.CacheKey = cache.Key(p.ID(), normalized)
		preview.Cached = r.cache.Has(ctx, p.ID(), normalized)
	}
	return preview, nil
}
