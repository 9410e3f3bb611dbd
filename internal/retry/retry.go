package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy holds backoff settings
type Policy struct {
	// MaxAttempts includes the first attempt
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter spreads each delay by +/- Jitter*delay, 0.0 to 1.0
	Jitter float64
	// OnRetry is called before sleeping ahead of the next attempt
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Upstream is the policy for idempotent upstream requests such as
// short-link expansion
func Upstream() Policy {
	return Policy{
		MaxAttempts:  2,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Jitter:       0.3,
	}
}

// Persist is the policy for background writes such as stats flushing
func Persist() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		Jitter:       0.2,
	}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx ends. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	p.Jitter = math.Max(0, math.Min(1, p.Jitter))

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == p.MaxAttempts {
			break
		}

		delay := p.delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		}
	}
	return lastErr
}

// delay is InitialDelay * Multiplier^(attempt-1), capped and jittered
func (p Policy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d = d - spread + rand.Float64()*spread*2
	}
	return time.Duration(d)
}
