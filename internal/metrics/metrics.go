package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/KeremKalyoncu/medresolve/internal/circuitbreaker"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// Metrics collects resolution telemetry. It observes the resolver, the
// strategy chains, the credential pool and the upstream breakers.
type Metrics struct {
	// Request metrics
	TotalRequests atomic.Uint64
	Resolutions   atomic.Uint64
	Successful    atomic.Uint64
	Failed        atomic.Uint64
	CacheHits     atomic.Uint64

	// Batch metrics
	ActiveJobs    atomic.Int64
	CompletedJobs atomic.Uint64

	// Performance metrics
	LastResponseMs atomic.Int64 // Last uncached resolution
	BreakerTrips   atomic.Uint64

	Uptime time.Time

	platformStats sync.Map // types.Platform -> *PlatformStats
	strategies    sync.Map // "platform/strategy" -> *StrategyStats

	mu          sync.Mutex
	errorCodes  map[string]uint64
	credentials map[types.Platform]map[types.CredentialOutcome]uint64
}

// PlatformStats tracks resolutions per platform
type PlatformStats struct {
	Total      atomic.Uint64
	Successful atomic.Uint64
	Failed     atomic.Uint64
	Cached     atomic.Uint64
}

// StrategyStats tracks attempts of one extraction strategy
type StrategyStats struct {
	Attempts  atomic.Uint64
	Successes atomic.Uint64
	TotalMs   atomic.Int64
}

// New creates an empty metrics registry
func New() *Metrics {
	return &Metrics{
		Uptime:      time.Now(),
		errorCodes:  make(map[string]uint64),
		credentials: make(map[types.Platform]map[types.CredentialOutcome]uint64),
	}
}

// IncrementRequests increments total request counter
func (m *Metrics) IncrementRequests() {
	m.TotalRequests.Add(1)
}

// Resolution records one finished resolution
func (m *Metrics) Resolution(r *types.ExtractionResult) {
	m.Resolutions.Add(1)
	stats := m.platform(r.Platform)
	stats.Total.Add(1)

	switch {
	case r.Success && r.Cached:
		m.Successful.Add(1)
		m.CacheHits.Add(1)
		stats.Successful.Add(1)
		stats.Cached.Add(1)
	case r.Success:
		m.Successful.Add(1)
		stats.Successful.Add(1)
		m.LastResponseMs.Store(r.ResponseTimeMs)
	default:
		m.Failed.Add(1)
		stats.Failed.Add(1)
		m.mu.Lock()
		m.errorCodes[r.ErrorCode]++
		m.mu.Unlock()
	}
}

// StrategyAttempt records one strategy run
func (m *Metrics) StrategyAttempt(platform types.Platform, strategy string, ok bool, elapsed time.Duration) {
	v, _ := m.strategies.LoadOrStore(string(platform)+"/"+strategy, &StrategyStats{})
	s := v.(*StrategyStats)
	s.Attempts.Add(1)
	if ok {
		s.Successes.Add(1)
	}
	s.TotalMs.Add(elapsed.Milliseconds())
}

// CredentialOutcome records a credential pool outcome
func (m *Metrics) CredentialOutcome(platform types.Platform, outcome types.CredentialOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.credentials[platform] == nil {
		m.credentials[platform] = make(map[types.CredentialOutcome]uint64)
	}
	m.credentials[platform][outcome]++
}

// BreakerStateChange counts breakers opening
func (m *Metrics) BreakerStateChange(_ string, _, to circuitbreaker.State) {
	if to == circuitbreaker.StateOpen {
		m.BreakerTrips.Add(1)
	}
}

// RecordJobStart records a batch job being picked up
func (m *Metrics) RecordJobStart() {
	m.ActiveJobs.Add(1)
}

// RecordJobDone records a batch job finishing
func (m *Metrics) RecordJobDone() {
	m.ActiveJobs.Add(-1)
	m.CompletedJobs.Add(1)
}

func (m *Metrics) platform(p types.Platform) *PlatformStats {
	v, _ := m.platformStats.LoadOrStore(p, &PlatformStats{})
	return v.(*PlatformStats)
}

// GetSnapshot returns current metrics snapshot
func (m *Metrics) GetSnapshot() map[string]interface{} {
	uptime := time.Since(m.Uptime)

	total := m.Successful.Load() + m.Failed.Load()
	successRate := float64(0)
	if total > 0 {
		successRate = float64(m.Successful.Load()) / float64(total) * 100
	}

	m.mu.Lock()
	codes := make(map[string]uint64, len(m.errorCodes))
	for k, v := range m.errorCodes {
		codes[k] = v
	}
	creds := make(map[string]interface{}, len(m.credentials))
	for p, outcomes := range m.credentials {
		o := make(map[string]uint64, len(outcomes))
		for k, v := range outcomes {
			o[string(k)] = v
		}
		creds[string(p)] = o
	}
	m.mu.Unlock()

	return map[string]interface{}{
		"uptime_seconds":      int64(uptime.Seconds()),
		"total_requests":      m.TotalRequests.Load(),
		"resolutions":         m.Resolutions.Load(),
		"successful":          m.Successful.Load(),
		"failed":              m.Failed.Load(),
		"cache_hits":          m.CacheHits.Load(),
		"success_rate":        successRate,
		"last_response_ms":    m.LastResponseMs.Load(),
		"active_jobs":         m.ActiveJobs.Load(),
		"completed_jobs":      m.CompletedJobs.Load(),
		"breaker_trips":       m.BreakerTrips.Load(),
		"error_codes":         codes,
		"credential_outcomes": creds,
		"platforms":           m.getPlatformSnapshot(),
		"strategies":          m.getStrategySnapshot(),
	}
}

// getPlatformSnapshot returns platform-specific metrics
func (m *Metrics) getPlatformSnapshot() map[string]interface{} {
	platforms := make(map[string]interface{})

	m.platformStats.Range(func(key, value interface{}) bool {
		platform := key.(types.Platform)
		stats := value.(*PlatformStats)

		total := stats.Total.Load()
		successRate := float64(0)
		if total > 0 {
			successRate = float64(stats.Successful.Load()) / float64(total) * 100
		}

		platforms[string(platform)] = map[string]interface{}{
			"total":        total,
			"successful":   stats.Successful.Load(),
			"failed":       stats.Failed.Load(),
			"cached":       stats.Cached.Load(),
			"success_rate": successRate,
		}
		return true
	})

	return platforms
}

func (m *Metrics) getStrategySnapshot() map[string]interface{} {
	out := make(map[string]interface{})

	m.strategies.Range(func(key, value interface{}) bool {
		s := value.(*StrategyStats)
		attempts := s.Attempts.Load()
		avg := int64(0)
		if attempts > 0 {
			avg = s.TotalMs.Load() / int64(attempts)
		}
		out[key.(string)] = map[string]interface{}{
			"attempts":  attempts,
			"successes": s.Successes.Load(),
			"avg_ms":    avg,
		}
		return true
	})

	return out
}
