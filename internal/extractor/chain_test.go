package extractor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/KeremKalyoncu/medresolve/internal/errors"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

type recordingObserver struct {
	mu       sync.Mutex
	attempts []string
}

func (o *recordingObserver) StrategyAttempt(_ types.Platform, strategy string, ok bool, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = append(o.attempts, fmt.Sprintf("%s:%v", strategy, ok))
}

func found(urls ...string) func(context.Context, Input) (*types.ExtractionResult, error) {
	return func(context.Context, Input) (*types.ExtractionResult, error) {
		res := &types.ExtractionResult{Title: "post"}
		for _, u := range urls {
			res.Formats = append(res.Formats, types.MediaFormat{Quality: "Original", Type: types.MediaVideo, URL: u})
		}
		return res, nil
	}
}

func failing(err error) func(context.Context, Input) (*types.ExtractionResult, error) {
	return func(context.Context, Input) (*types.ExtractionResult, error) {
		return nil, err
	}
}

func TestChainStopsAtFirstSuccess(t *testing.T) {
	var laterCalled bool
	obs := &recordingObserver{}
	c := &Chain{
		Platform: types.PlatformTwitter,
		Strategies: []Strategy{
			{Name: "empty", Run: found()},
			{Name: "broken", Run: failing(ErrUpstream)},
			{Name: "works", Run: found("https://cdn/v.mp4")},
			{Name: "later", Run: func(context.Context, Input) (*types.ExtractionResult, error) {
				laterCalled = true
				return nil, nil
			}},
		},
		Observer: obs,
	}

	res, err := c.Run(context.Background(), Input{URL: "https://x.com/a/status/1"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "works", res.Strategy)
	assert.Equal(t, types.PlatformTwitter, res.Platform)
	assert.Equal(t, "https://x.com/a/status/1", res.URL)
	assert.False(t, res.UsedCookie)
	assert.False(t, laterCalled)
	assert.Equal(t, []string{"empty:false", "broken:false", "works:true"}, obs.attempts)
}

func TestChainCredentialModes(t *testing.T) {
	var sawCredential []string
	record := func(name string) func(context.Context, Input) (*types.ExtractionResult, error) {
		return func(_ context.Context, in Input) (*types.ExtractionResult, error) {
			if in.Credential != nil {
				sawCredential = append(sawCredential, name)
			}
			return nil, ErrNoMedia
		}
	}
	c := &Chain{
		Platform: types.PlatformInstagram,
		Strategies: []Strategy{
			{Name: "anon", Mode: CredentialNone, Run: record("anon")},
			{Name: "auth", Mode: CredentialRequired, Run: record("auth")},
			{Name: "opt", Mode: CredentialOptional, Run: record("opt")},
		},
	}

	_, err := c.Run(context.Background(), Input{URL: "u"})
	require.Error(t, err)
	assert.Empty(t, sawCredential, "required strategy skipped without a credential")

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.ErrorIs(t, failure.Attempts[1].Err, errSkipped)
	assert.False(t, failure.UsedCookie)

	_, err = c.Run(context.Background(), Input{URL: "u", Credential: &types.Credential{ID: "c1", Secret: "sid=1"}})
	require.Error(t, err)
	assert.Equal(t, []string{"auth", "opt"}, sawCredential)
	require.ErrorAs(t, err, &failure)
	assert.True(t, failure.UsedCookie)
	assert.True(t, failure.HadCredential)
}

func TestChainUsedCookieOnSuccess(t *testing.T) {
	c := &Chain{
		Platform:   types.PlatformWeibo,
		Strategies: []Strategy{{Name: "auth", Mode: CredentialRequired, Run: found("https://cdn/v.mp4")}},
	}
	res, err := c.Run(context.Background(), Input{URL: "u", Credential: &types.Credential{ID: "c1"}})
	require.NoError(t, err)
	assert.True(t, res.UsedCookie)
}

func TestWithCredentialKeepsCookieStrategies(t *testing.T) {
	c := &Chain{
		Platform: types.PlatformTikTok,
		Timeout:  time.Second,
		Strategies: []Strategy{
			{Name: "feed", Mode: CredentialNone, Run: failing(ErrNoMedia)},
			{Name: "page", Mode: CredentialOptional, Run: failing(ErrAccessRestricted)},
			{Name: "page_cookie", Mode: CredentialRequired, Run: found("https://cdn/v.mp4")},
		},
	}

	retry := c.WithCredential()
	require.Len(t, retry.Strategies, 2)
	assert.Equal(t, "page", retry.Strategies[0].Name)
	assert.Equal(t, "page_cookie", retry.Strategies[1].Name)
	assert.Equal(t, time.Second, retry.Timeout)
	assert.Len(t, c.Strategies, 3, "the original chain is untouched")
}

func TestJoinFailuresKeepsEveryAttempt(t *testing.T) {
	anon := &Chain{Platform: types.PlatformTikTok, Strategies: []Strategy{
		{Name: "feed", Run: failing(fmt.Errorf("%w: banned", ErrAgeRestricted))},
	}}
	_, first := anon.Run(context.Background(), Input{URL: "u"})

	withCookie := &Chain{Platform: types.PlatformTikTok, Strategies: []Strategy{
		{Name: "page_cookie", Mode: CredentialRequired, Run: failing(ErrNoMedia)},
	}}
	_, second := withCookie.Run(context.Background(), Input{URL: "u", Credential: &types.Credential{ID: "c1"}})

	var joined *Failure
	require.ErrorAs(t, JoinFailures(first, second), &joined)
	require.Len(t, joined.Attempts, 2)
	assert.True(t, joined.UsedCookie)
	assert.True(t, joined.HadCredential)
	assert.Equal(t, apperrors.CodeAgeRestricted, joined.AppError().Code)
	assert.ErrorIs(t, joined.CookieErr(), ErrNoMedia)
	assert.NotErrorIs(t, joined.CookieErr(), ErrAgeRestricted)

	plain := errors.New("boom")
	assert.Equal(t, plain, JoinFailures(first, plain))
}

func TestFailureClassificationOrder(t *testing.T) {
	tests := []struct {
		name string
		errs []error
		want string
	}{
		{"nothing found", []error{ErrNoMedia, ErrNotFound}, apperrors.CodeNoMediaFound},
		{"upstream beats no media", []error{ErrNoMedia, ErrUpstream}, apperrors.CodeUpstreamError},
		{"timeout beats upstream", []error{ErrUpstream, ErrTimeout}, apperrors.CodeUpstreamTimeout},
		{"rate limit beats timeout", []error{ErrTimeout, ErrRateLimited, ErrUpstream}, apperrors.CodeRateLimited},
		{"age beats everything", []error{ErrRateLimited, ErrAgeRestricted, ErrTimeout}, apperrors.CodeAgeRestricted},
		{"login wall alone", []error{ErrAccessRestricted}, apperrors.CodeNoMediaFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Chain{Platform: types.PlatformTikTok}
			for i, e := range tt.errs {
				c.Strategies = append(c.Strategies, Strategy{Name: fmt.Sprintf("s%d", i), Run: failing(fmt.Errorf("%w: detail", e))})
			}
			_, err := c.Run(context.Background(), Input{URL: "u"})

			var failure *Failure
			require.ErrorAs(t, err, &failure)
			assert.Equal(t, tt.want, failure.AppError().Code)
		})
	}
}

func TestChainPerStrategyTimeout(t *testing.T) {
	c := &Chain{
		Platform: types.PlatformFacebook,
		Timeout:  20 * time.Millisecond,
		Strategies: []Strategy{
			{Name: "hangs", Run: func(ctx context.Context, _ Input) (*types.ExtractionResult, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}},
			{Name: "fast", Run: found("https://cdn/v.mp4")},
		},
	}

	res, err := c.Run(context.Background(), Input{URL: "u"})
	require.NoError(t, err)
	assert.Equal(t, "fast", res.Strategy)

	c.Strategies = c.Strategies[:1]
	_, err = c.Run(context.Background(), Input{URL: "u"})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestChainRecoversPanics(t *testing.T) {
	c := &Chain{
		Platform: types.PlatformWeibo,
		Strategies: []Strategy{{Name: "boom", Run: func(context.Context, Input) (*types.ExtractionResult, error) {
			panic("nil map")
		}}},
	}
	_, err := c.Run(context.Background(), Input{URL: "u"})
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestChainFiltersChromeOnlyResults(t *testing.T) {
	c := &Chain{
		Platform: types.PlatformFacebook,
		Strategies: []Strategy{
			{Name: "icons", Run: found("https://static.xx.fbcdn.net/rsrc.php/icon.png")},
			{Name: "real", Run: found("https://video.xx.fbcdn.net/v/clip.mp4")},
		},
	}
	res, err := c.Run(context.Background(), Input{URL: "u"})
	require.NoError(t, err)
	assert.Equal(t, "real", res.Strategy)
}

func TestUnclassifiedErrorsBecomeUpstream(t *testing.T) {
	c := &Chain{
		Platform:   types.PlatformTikTok,
		Strategies: []Strategy{{Name: "odd", Run: failing(errors.New("unexpected token"))}},
	}
	_, err := c.Run(context.Background(), Input{URL: "u"})
	assert.ErrorIs(t, err, ErrUpstream)
}
