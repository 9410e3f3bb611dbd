package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/KeremKalyoncu/medresolve/internal/store"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// ErrUnknownCredential is returned by Test for a missing id
var ErrUnknownCredential = errors.New("credential: not found")

// Store is the persistence the pool needs
type Store interface {
	Get(ctx context.Context, id string) (*types.Credential, error)
	ListCandidates(ctx context.Context, platform types.Platform, tier types.Tier, ownerID string) ([]types.Credential, error)
	PromoteCooled(ctx context.Context, platform types.Platform, now time.Time) (int64, error)
	CountUsesSince(ctx context.Context, id string, since time.Time) (int, error)
	RecordUse(ctx context.Context, id string, at time.Time) error
	IncrementSuccess(ctx context.Context, id string, at time.Time) error
	IncrementError(ctx context.Context, id, lastErr string, at time.Time) error
	TransitionStatus(ctx context.Context, id string, from []types.CredentialStatus, to types.CredentialStatus, cooldownUntil *time.Time, lastErr string, at time.Time) (bool, error)
}

// Prober checks whether a credential still holds a logged-in session
type Prober interface {
	Probe(ctx context.Context, cred *types.Credential) error
}

// Observer receives pool transitions for telemetry
type Observer interface {
	CredentialOutcome(platform types.Platform, outcome types.CredentialOutcome)
}

// Config holds pool tuning
type Config struct {
	// Cooldown after a rate-limit signal, per platform
	Cooldown        map[types.Platform]time.Duration
	DefaultCooldown time.Duration
	// Hourly allowance of credentials that carry none; 0 is unlimited
	DefaultMaxUsesPerHour int
}

// Pool hands out cookie sessions and tracks their health
type Pool struct {
	store    Store
	probers  map[types.Platform]Prober
	cfg      Config
	logger   *zap.Logger
	observer Observer
	now      func() time.Time

	// Serializes eligibility check and use recording so two concurrent
	// acquisitions cannot both take the last slot of a quota
	mu sync.Mutex
}

// NewPool creates a credential pool
func NewPool(st Store, probers map[types.Platform]Prober, cfg Config, logger *zap.Logger) *Pool {
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = 30 * time.Minute
	}
	return &Pool{
		store:   st,
		probers: probers,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// SetObserver attaches a telemetry observer
func (p *Pool) SetObserver(o Observer) {
	p.observer = o
}

// Acquire returns the least recently used eligible credential, or nil when
// none is available. A non-empty principal tries its private credentials
// before the public ones.
func (p *Pool) Acquire(ctx context.Context, platform types.Platform, principal string) (*types.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if n, err := p.store.PromoteCooled(ctx, platform, now); err != nil {
		return nil, err
	} else if n > 0 {
		p.logger.Info("Credentials left cooldown", zap.String("platform", string(platform)), zap.Int64("count", n))
	}

	tiers := []types.Tier{types.TierPublic}
	if principal != "" {
		tiers = []types.Tier{types.TierPrivate, types.TierPublic}
	}

	for _, tier := range tiers {
		candidates, err := p.store.ListCandidates(ctx, platform, tier, principal)
		if err != nil {
			return nil, err
		}
		for i := range candidates {
			c := &candidates[i]
			ok, err := p.withinQuota(ctx, c, now)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if err := p.store.RecordUse(ctx, c.ID, now); err != nil {
				return nil, err
			}
			c.LastUsedAt = &now
			p.logger.Debug("Credential acquired",
				zap.String("platform", string(platform)),
				zap.String("credential_id", c.ID),
				zap.String("tier", string(tier)),
			)
			return c, nil
		}
	}

	p.logger.Debug("No credential available", zap.String("platform", string(platform)))
	return nil, nil
}

// withinQuota reports whether the credential has used fewer than its hourly
// allowance during the trailing hour
func (p *Pool) withinQuota(ctx context.Context, c *types.Credential, now time.Time) (bool, error) {
	limit := c.MaxUsesPerHour
	if limit <= 0 {
		limit = p.cfg.DefaultMaxUsesPerHour
	}
	if limit <= 0 {
		return true, nil
	}
	used, err := p.store.CountUsesSince(ctx, c.ID, now.Add(-time.Hour))
	if err != nil {
		return false, err
	}
	return used < limit, nil
}

// ReportOutcome applies the result of a resolution that used cred
func (p *Pool) ReportOutcome(ctx context.Context, cred *types.Credential, outcome types.CredentialOutcome, errMsg string) error {
	if cred == nil {
		return nil
	}
	now := p.now()
	log := p.logger.With(
		zap.String("platform", string(cred.Platform)),
		zap.String("credential_id", cred.ID),
		zap.String("outcome", string(outcome)),
	)

	var err error
	switch outcome {
	case types.OutcomeSuccess:
		err = p.store.IncrementSuccess(ctx, cred.ID, now)

	case types.OutcomeRateLimited:
		until := now.Add(p.cooldown(cred.Platform))
		var moved bool
		moved, err = p.store.TransitionStatus(ctx, cred.ID,
			[]types.CredentialStatus{types.StatusHealthy}, types.StatusCooldown, &until, errMsg, now)
		if err == nil && moved {
			log.Warn("Credential cooling down", zap.Time("cooldown_until", until))
		}

	case types.OutcomeExpired:
		var moved bool
		moved, err = p.store.TransitionStatus(ctx, cred.ID,
			[]types.CredentialStatus{types.StatusHealthy, types.StatusCooldown}, types.StatusExpired, nil, errMsg, now)
		if err == nil && moved {
			log.Warn("Credential expired")
		}

	case types.OutcomeOtherError:
		err = p.store.IncrementError(ctx, cred.ID, errMsg, now)

	default:
		return fmt.Errorf("credential: unknown outcome %q", outcome)
	}

	if err != nil {
		log.Error("Failed to record credential outcome", zap.Error(err))
		return err
	}
	if p.observer != nil {
		p.observer.CredentialOutcome(cred.Platform, outcome)
	}
	return nil
}

// Test probes a credential against its platform without touching counters
func (p *Pool) Test(ctx context.Context, id string) (bool, error) {
	cred, err := p.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("%w: %s", ErrUnknownCredential, id)
	}
	if err != nil {
		return false, err
	}

	prober, ok := p.probers[cred.Platform]
	if !ok {
		return false, fmt.Errorf("credential: no probe for platform %s", cred.Platform)
	}

	if err := prober.Probe(ctx, cred); err != nil {
		p.logger.Info("Credential probe failed",
			zap.String("credential_id", id),
			zap.String("platform", string(cred.Platform)),
			zap.Error(err),
		)
		return false, nil
	}
	return true, nil
}

func (p *Pool) cooldown(platform types.Platform) time.Duration {
	if d, ok := p.cfg.Cooldown[platform]; ok && d > 0 {
		return d
	}
	return p.cfg.DefaultCooldown
}
