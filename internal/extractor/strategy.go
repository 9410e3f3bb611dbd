package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/KeremKalyoncu/medresolve/internal/errors"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// Signals a strategy reports about why it produced nothing. Strategies wrap
// them with context; the chain classifies the collection once exhausted.
var (
	ErrAccessRestricted = errors.New("content requires login or is private")
	ErrAgeRestricted    = errors.New("content is age restricted")
	ErrRateLimited      = errors.New("upstream rate limited")
	ErrNotFound         = errors.New("content not found")
	ErrNoMedia          = errors.New("no media in response")
	ErrTimeout          = errors.New("upstream timed out")
	ErrUpstream         = errors.New("upstream error")
	errSkipped          = errors.New("skipped: credential required")
)

// CredentialMode declares how a strategy uses the request credential
type CredentialMode int

const (
	// CredentialNone never sends the credential
	CredentialNone CredentialMode = iota
	// CredentialOptional sends the credential when one was acquired
	CredentialOptional
	// CredentialRequired is skipped unless a credential was acquired
	CredentialRequired
)

// Input is what a strategy receives
type Input struct {
	URL         string
	Credential  *types.Credential
	Fingerprint types.Fingerprint
}

// Cookie returns the credential secret or ""
func (in Input) Cookie() string {
	if in.Credential == nil {
		return ""
	}
	return in.Credential.Secret
}

// Strategy is one way of extracting a post
type Strategy struct {
	Name string
	Mode CredentialMode
	Run  func(ctx context.Context, in Input) (*types.ExtractionResult, error)
}

// Observer is told about every strategy attempt
type Observer interface {
	StrategyAttempt(platform types.Platform, strategy string, ok bool, elapsed time.Duration)
}

// Attempt records one strategy failure
type Attempt struct {
	Strategy   string
	Err        error
	UsedCookie bool
}

// Failure is returned when every strategy of a chain came back empty.
// errors.Is sees through it to the individual signals.
type Failure struct {
	Platform      types.Platform
	Attempts      []Attempt
	UsedCookie    bool
	HadCredential bool
}

func (f *Failure) Error() string {
	parts := make([]string, 0, len(f.Attempts))
	for _, a := range f.Attempts {
		parts = append(parts, a.Strategy+": "+a.Err.Error())
	}
	return fmt.Sprintf("%s: all strategies failed [%s]", f.Platform, strings.Join(parts, "; "))
}

// Unwrap exposes every attempt error
func (f *Failure) Unwrap() []error {
	errs := make([]error, 0, len(f.Attempts))
	for _, a := range f.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// CookieErr joins the errors of the attempts that sent the credential, nil
// when none did
func (f *Failure) CookieErr() error {
	var errs []error
	for _, a := range f.Attempts {
		if a.UsedCookie {
			errs = append(errs, a.Err)
		}
	}
	return errors.Join(errs...)
}

// AppError maps the collected signals onto the most specific error code:
// AGE_RESTRICTED, RATE_LIMITED, UPSTREAM_TIMEOUT, UPSTREAM_ERROR, then
// NO_MEDIA_FOUND.
func (f *Failure) AppError() *apperrors.CustomError {
	switch {
	case errors.Is(f, ErrAgeRestricted):
		return apperrors.ErrAgeRestricted.WithCause(f)
	case errors.Is(f, ErrRateLimited):
		return apperrors.ErrRateLimited.WithMessage("The platform is rate limiting requests, try again later").WithCause(f)
	case errors.Is(f, ErrTimeout):
		return apperrors.ErrUpstreamTimeout.WithCause(f)
	case errors.Is(f, ErrUpstream):
		return apperrors.ErrUpstreamError.WithCause(f)
	case errors.Is(f, ErrAccessRestricted):
		return apperrors.ErrNoMediaFound.WithMessage("The post is private or requires login").WithCause(f)
	default:
		return apperrors.ErrNoMediaFound.WithCause(f)
	}
}

// Classify maps any extraction error onto an error code. Short-link
// expansion errors arrive here as bare signals.
func Classify(err error) *apperrors.CustomError {
	var f *Failure
	if errors.As(err, &f) {
		return f.AppError()
	}
	var ce *apperrors.CustomError
	if errors.As(err, &ce) {
		return ce
	}
	switch {
	case errors.Is(err, ErrAgeRestricted):
		return apperrors.ErrAgeRestricted.WithCause(err)
	case errors.Is(err, ErrRateLimited):
		return apperrors.ErrRateLimited.WithCause(err)
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return apperrors.ErrUpstreamTimeout.WithCause(err)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoMedia), errors.Is(err, ErrAccessRestricted):
		return apperrors.ErrNoMediaFound.WithCause(err)
	default:
		return apperrors.ErrUpstreamError.WithCause(err)
	}
}

// Chain runs strategies in order until one yields at least one format
type Chain struct {
	Platform   types.Platform
	Strategies []Strategy
	// Timeout bounds each strategy separately
	Timeout  time.Duration
	Observer Observer
	Logger   *zap.Logger
}

// Run executes the chain. On success the result is post-processed and carries
// the winning strategy name; otherwise the error is a *Failure.
func (c *Chain) Run(ctx context.Context, in Input) (*types.ExtractionResult, error) {
	failure := &Failure{Platform: c.Platform, HadCredential: in.Credential != nil}

	for _, s := range c.Strategies {
		if err := ctx.Err(); err != nil {
			failure.Attempts = append(failure.Attempts, Attempt{Strategy: s.Name, Err: fmt.Errorf("%w: %v", ErrTimeout, err)})
			break
		}

		sin := in
		switch s.Mode {
		case CredentialNone:
			sin.Credential = nil
		case CredentialRequired:
			if in.Credential == nil {
				failure.Attempts = append(failure.Attempts, Attempt{Strategy: s.Name, Err: errSkipped})
				continue
			}
		}

		start := time.Now()
		result, err := c.runOne(ctx, s, sin)
		elapsed := time.Since(start)

		if err == nil && (result == nil || len(result.Formats) == 0) {
			err = ErrNoMedia
		}
		if c.Observer != nil {
			c.Observer.StrategyAttempt(c.Platform, s.Name, err == nil, elapsed)
		}

		if err != nil {
			c.log().Debug("Strategy failed",
				zap.String("platform", string(c.Platform)),
				zap.String("strategy", s.Name),
				zap.Duration("elapsed", elapsed),
				zap.Error(err),
			)
			failure.Attempts = append(failure.Attempts, Attempt{Strategy: s.Name, Err: err, UsedCookie: sin.Credential != nil})
			if sin.Credential != nil {
				failure.UsedCookie = true
			}
			continue
		}

		result.Success = true
		result.Platform = c.Platform
		result.Strategy = s.Name
		result.UsedCookie = sin.Credential != nil
		if result.URL == "" {
			result.URL = in.URL
		}
		Finalize(result)
		if len(result.Formats) == 0 {
			// Everything was filtered as non-content
			failure.Attempts = append(failure.Attempts, Attempt{Strategy: s.Name, Err: ErrNoMedia})
			continue
		}

		c.log().Info("Strategy succeeded",
			zap.String("platform", string(c.Platform)),
			zap.String("strategy", s.Name),
			zap.Int("formats", len(result.Formats)),
			zap.Duration("elapsed", elapsed),
		)
		return result, nil
	}

	return nil, failure
}

// WithCredential returns a copy of the chain holding only the strategies
// that send a credential. The anonymous ones already ran once for this URL.
func (c *Chain) WithCredential() *Chain {
	cp := *c
	cp.Strategies = make([]Strategy, 0, len(c.Strategies))
	for _, s := range c.Strategies {
		if s.Mode != CredentialNone {
			cp.Strategies = append(cp.Strategies, s)
		}
	}
	return &cp
}

// JoinFailures merges the failure of a credential rerun into the anonymous
// failure before it, so classification sees every attempt made for the URL.
// later is returned as is when either error is not a *Failure.
func JoinFailures(earlier, later error) error {
	var a, b *Failure
	if !errors.As(earlier, &a) || !errors.As(later, &b) {
		return later
	}
	attempts := make([]Attempt, 0, len(a.Attempts)+len(b.Attempts))
	attempts = append(attempts, a.Attempts...)
	attempts = append(attempts, b.Attempts...)
	return &Failure{
		Platform:      b.Platform,
		Attempts:      attempts,
		UsedCookie:    a.UsedCookie || b.UsedCookie,
		HadCredential: b.HadCredential,
	}
}

func (c *Chain) runOne(ctx context.Context, s Strategy, in Input) (result *types.ExtractionResult, err error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("%w: strategy panicked: %v", ErrUpstream, r)
		}
	}()

	result, err = s.Run(ctx, in)
	if err != nil && !isSignal(err) {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		} else {
			err = fmt.Errorf("%w: %v", ErrUpstream, err)
		}
	}
	return result, err
}

func (c *Chain) log() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func isSignal(err error) bool {
	for _, s := range []error{ErrAccessRestricted, ErrAgeRestricted, ErrRateLimited, ErrNotFound, ErrNoMedia, ErrTimeout, ErrUpstream} {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}
