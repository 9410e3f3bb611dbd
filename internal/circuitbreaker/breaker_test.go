package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAndRecovers(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var transitions []string
	g := NewGroup(Config{
		MaxFailures: 2,
		OpenPeriod:  10 * time.Second,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})
	g.now = func() time.Time { return now }
	b := g.Get("tiktok")

	for i := 0; i < 2; i++ {
		done, err := b.Allow()
		require.NoError(t, err)
		done(false)
	}
	assert.Equal(t, StateOpen, b.State())

	_, err := b.Allow()
	assert.ErrorIs(t, err, ErrOpen)

	now = now.Add(10 * time.Second)
	probe, err := b.Allow()
	require.NoError(t, err)

	// Only one probe while half-open
	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrOpen)

	probe(true)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{
		"tiktok:closed->open",
		"tiktok:open->half-open",
		"tiktok:half-open->closed",
	}, transitions)
}

func TestFailedProbeReopens(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewGroup(Config{MaxFailures: 1, OpenPeriod: time.Second})
	g.now = func() time.Time { return now }
	b := g.Get("weibo")

	done, _ := b.Allow()
	done(false)
	now = now.Add(time.Second)

	probe, err := b.Allow()
	require.NoError(t, err)
	probe(false)
	assert.Equal(t, StateOpen, b.State())
}

func TestStaleReportIgnored(t *testing.T) {
	g := NewGroup(Config{MaxFailures: 1, OpenPeriod: time.Hour})
	b := g.Get("instagram")

	slow, err := b.Allow()
	require.NoError(t, err)
	fast, err := b.Allow()
	require.NoError(t, err)

	fast(false)
	require.Equal(t, StateOpen, b.State())

	// Success from a request issued before the trip does not close it
	slow(true)
	assert.Equal(t, StateOpen, b.State())
}

func TestGroupStates(t *testing.T) {
	g := NewGroup(Config{})
	assert.Same(t, g.Get("twitter"), g.Get("twitter"))
	g.Get("facebook")
	assert.Equal(t, map[string]string{"twitter": "closed", "facebook": "closed"}, g.States())
}
