package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KeremKalyoncu/medresolve/internal/store"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

// NewTestDB opens a private migrated in-memory sqlite database
func NewTestDB(t testing.TB) *sqlx.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := store.Open(context.Background(), "sqlite", dsn, 1)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// NewTestRedis starts a miniredis server and returns a client bound to it
func NewTestRedis(t testing.TB) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

// Clock is a settable time source for components taking a now func
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at a fixed instant
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Upstream is a fake platform server counting hits per path
type Upstream struct {
	*httptest.Server

	mu     sync.Mutex
	routes map[string]http.HandlerFunc
	hits   map[string]int
}

// NewUpstream starts a fake upstream closed at test cleanup
func NewUpstream(t testing.TB) *Upstream {
	t.Helper()

	u := &Upstream{
		routes: make(map[string]http.HandlerFunc),
		hits:   make(map[string]int),
	}
	u.Server = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.Close)
	return u
}

// Handle registers a handler for an exact path
func (u *Upstream) Handle(path string, h http.HandlerFunc) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.routes[path] = h
}

// Respond registers a fixed status and body for a path
func (u *Upstream) Respond(path string, status int, contentType, body string) {
	u.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

// Hits returns how often a path was requested
func (u *Upstream) Hits(path string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[path]
}

// TotalHits returns the number of requests across every path
func (u *Upstream) TotalHits() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	total := 0
	for _, n := range u.hits {
		total += n
	}
	return total
}

func (u *Upstream) serve(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.hits[r.URL.Path]++
	h, ok := u.routes[r.URL.Path]
	u.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

// SampleResult returns a successful two-variant result for platform
func SampleResult(platform types.Platform, url string) *types.ExtractionResult {
	return &types.ExtractionResult{
		Success:  true,
		Platform: platform,
		URL:      url,
		Title:    "Test Post",
		Author:   "tester",
		Formats: []types.MediaFormat{
			{Quality: "HD 720p", Type: types.MediaVideo, URL: "https://cdn.example.com/v_720.mp4"},
			{Quality: "SD 480p", Type: types.MediaVideo, URL: "https://cdn.example.com/v_480.mp4"},
		},
	}
}

// Logger returns a no-op logger for tests
func Logger() *zap.Logger {
	return zap.NewNop()
}
