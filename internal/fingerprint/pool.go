package fingerprint

import (
	"context"
	"math/rand"

	"go.uber.org/zap"

	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// Store is the persistence the pool needs
type Store interface {
	ListEnabled(ctx context.Context, platform types.Platform) ([]types.Fingerprint, error)
	IncrementUse(ctx context.Context, id string) error
	RecordOutcome(ctx context.Context, id string, success bool, lastErr string) error
}

// Default is the built-in desktop Chrome profile used when the pool is empty.
// Its empty ID marks it as untracked.
var Default = types.Fingerprint{
	Platform:        types.PlatformAll,
	UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	SecChUa:         `"Chromium";v="124", "Google Chrome";v="124", "Not-A.Brand";v="99"`,
	SecChUaPlatform: `"Windows"`,
	SecChUaMobile:   "?0",
	AcceptLanguage:  "en-US,en;q=0.9",
	Browser:         "chrome",
	DeviceType:      types.DeviceDesktop,
	Priority:        1,
	Enabled:         true,
}

// Pool rotates browser profiles by priority weight
type Pool struct {
	store  Store
	logger *zap.Logger
	intn   func(n int) int
}

// NewPool creates a fingerprint pool
func NewPool(store Store, logger *zap.Logger) *Pool {
	return &Pool{store: store, logger: logger, intn: rand.Intn}
}

// Pick selects an enabled profile for platform. A device hint narrows the
// choice when any candidate matches it. Store faults fall back to Default.
func (p *Pool) Pick(ctx context.Context, platform types.Platform, deviceHint string) types.Fingerprint {
	candidates, err := p.store.ListEnabled(ctx, platform)
	if err != nil {
		p.logger.Warn("Fingerprint lookup failed", zap.String("platform", string(platform)), zap.Error(err))
		return Default
	}

	if deviceHint != "" {
		var matched []types.Fingerprint
		for _, c := range candidates {
			if c.DeviceType == deviceHint {
				matched = append(matched, c)
			}
		}
		if len(matched) > 0 {
			candidates = matched
		}
	}

	if len(candidates) == 0 {
		return Default
	}

	picked := candidates[p.weightedIndex(candidates)]
	if err := p.store.IncrementUse(ctx, picked.ID); err != nil {
		p.logger.Warn("Failed to record fingerprint use", zap.String("fingerprint_id", picked.ID), zap.Error(err))
	}
	return picked
}

func (p *Pool) weightedIndex(candidates []types.Fingerprint) int {
	total := 0
	for _, c := range candidates {
		total += weight(c)
	}
	r := p.intn(total)
	for i, c := range candidates {
		r -= weight(c)
		if r < 0 {
			return i
		}
	}
	return len(candidates) - 1
}

func weight(f types.Fingerprint) int {
	if f.Priority <= 0 {
		return 1
	}
	return f.Priority
}

// ReportOutcome updates counters of a tracked profile
func (p *Pool) ReportOutcome(ctx context.Context, id string, success bool, errMsg string) {
	if id == "" {
		return
	}
	if err := p.store.RecordOutcome(ctx, id, success, errMsg); err != nil {
		p.logger.Warn("Failed to record fingerprint outcome", zap.String("fingerprint_id", id), zap.Error(err))
	}
}
