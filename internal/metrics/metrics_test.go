package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/KeremKalyoncu/medresolve/internal/circuitbreaker"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

func TestResolutionCounters(t *testing.T) {
	m := New()
	m.Resolution(&types.ExtractionResult{Success: true, Platform: types.PlatformTikTok, ResponseTimeMs: 420})
	m.Resolution(&types.ExtractionResult{Success: true, Platform: types.PlatformTikTok, Cached: true})
	m.Resolution(&types.ExtractionResult{Platform: types.PlatformWeibo, ErrorCode: "NO_MEDIA_FOUND"})

	snap := m.GetSnapshot()
	assert.Equal(t, uint64(3), snap["resolutions"])
	assert.Equal(t, uint64(2), snap["successful"])
	assert.Equal(t, uint64(1), snap["cache_hits"])
	assert.Equal(t, int64(420), snap["last_response_ms"])
	assert.Equal(t, map[string]uint64{"NO_MEDIA_FOUND": 1}, snap["error_codes"])

	platforms := snap["platforms"].(map[string]interface{})
	tiktok := platforms["tiktok"].(map[string]interface{})
	assert.Equal(t, uint64(2), tiktok["total"])
	assert.Equal(t, uint64(1), tiktok["cached"])
	assert.Equal(t, float64(100), tiktok["success_rate"])
}

func TestStrategyAndCredentialCounters(t *testing.T) {
	m := New()
	m.StrategyAttempt(types.PlatformTwitter, "syndication", false, 100*time.Millisecond)
	m.StrategyAttempt(types.PlatformTwitter, "syndication", true, 300*time.Millisecond)
	m.CredentialOutcome(types.PlatformInstagram, types.OutcomeRateLimited)
	m.CredentialOutcome(types.PlatformInstagram, types.OutcomeRateLimited)
	m.BreakerStateChange("tiktok", circuitbreaker.StateClosed, circuitbreaker.StateOpen)
	m.BreakerStateChange("tiktok", circuitbreaker.StateOpen, circuitbreaker.StateHalfOpen)

	snap := m.GetSnapshot()
	s := snap["strategies"].(map[string]interface{})["twitter/syndication"].(map[string]interface{})
	assert.Equal(t, uint64(2), s["attempts"])
	assert.Equal(t, uint64(1), s["successes"])
	assert.Equal(t, int64(200), s["avg_ms"])

	creds := snap["credential_outcomes"].(map[string]interface{})
	assert.Equal(t, map[string]uint64{"rate_limited": 2}, creds["instagram"])
	assert.Equal(t, uint64(1), snap["breaker_trips"])
}

func TestJobGauge(t *testing.T) {
	m := New()
	m.RecordJobStart()
	m.RecordJobStart()
	m.RecordJobDone()

	assert.Equal(t, int64(1), m.ActiveJobs.Load())
	assert.Equal(t, uint64(1), m.CompletedJobs.Load())
}
