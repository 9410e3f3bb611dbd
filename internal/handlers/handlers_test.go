package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KeremKalyoncu/medresolve/internal/cache"
	"github.com/KeremKalyoncu/medresolve/internal/circuitbreaker"
	"github.com/KeremKalyoncu/medresolve/internal/credential"
	apperrors "github.com/KeremKalyoncu/medresolve/internal/errors"
	"github.com/KeremKalyoncu/medresolve/internal/metrics"
	"github.com/KeremKalyoncu/medresolve/internal/middleware"
	"github.com/KeremKalyoncu/medresolve/internal/pool"
	"github.com/KeremKalyoncu/medresolve/internal/queue"
	"github.com/KeremKalyoncu/medresolve/internal/resolver"
	"github.com/KeremKalyoncu/medresolve/internal/store"
	"github.com/KeremKalyoncu/medresolve/internal/testutil"
	"github.com/KeremKalyoncu/medresolve/internal/types"
)

const tiktokURL = "https://www.tiktok.com/@user/video/7234567890123456789"

type fakeResolver struct {
	principals []string
}

func (f *fakeResolver) ResolveFor(_ context.Context, rawURL, principal string) *types.ExtractionResult {
	f.principals = append(f.principals, principal)
	if strings.Contains(rawURL, "private") {
		return &types.ExtractionResult{
			Platform:  types.PlatformInstagram,
			URL:       rawURL,
			ErrorCode: apperrors.CodeNoMediaFound,
			Message:   "The post is private or requires login",
		}
	}
	return testutil.SampleResult(types.PlatformTikTok, rawURL)
}

func (f *fakeResolver) Detect(_ context.Context, rawURL string) (*resolver.Preview, error) {
	if !strings.Contains(rawURL, "tiktok.com") {
		return nil, apperrors.ErrUnsupportedPlatform
	}
	return &resolver.Preview{
		Platform: types.PlatformTikTok,
		URL:      rawURL,
		CacheKey: "tiktok:7234567890123456789",
	}, nil
}

type fakeQueue struct {
	jobs map[string]*types.ResolveJob
	fail bool
}

func (q *fakeQueue) EnqueueBatch(_ context.Context, urls []string, principal string) (string, []*types.ResolveJob, error) {
	if q.fail {
		return "", nil, errors.New("redis down")
	}
	var out []*types.ResolveJob
	for i, u := range urls {
		j := &types.ResolveJob{ID: fmt.Sprintf("job-%d", i), BatchID: "batch-1", URL: u, PrincipalID: principal, Status: types.JobPending}
		q.jobs[j.ID] = j
		out = append(out, j)
	}
	return "batch-1", out, nil
}

func (q *fakeQueue) GetJob(_ context.Context, id string) (*types.ResolveJob, error) {
	j, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrJobNotFound, id)
	}
	return j, nil
}

type fakeServices struct{}

func (fakeServices) Stats() map[types.Platform]types.ServiceStats {
	return map[types.Platform]types.ServiceStats{
		types.PlatformTikTok: {TotalRequests: 4, SuccessCount: 3, ErrorCount: 1, AvgResponseTimeMs: 120},
	}
}

func (fakeServices) ServiceConfig(_ context.Context, p types.Platform) types.PlatformServiceConfig {
	return types.PlatformServiceConfig{Platform: p, Enabled: p != types.PlatformWeibo}
}

type fakeTester struct{}

func (fakeTester) Test(_ context.Context, id string) (bool, error) {
	switch id {
	case "good":
		return true, nil
	case "stale":
		return false, nil
	}
	return false, fmt.Errorf("%w: %s", credential.ErrUnknownCredential, id)
}

type fixture struct {
	app      *fiber.App
	resolver *fakeResolver
	queue    *fakeQueue
	cache    *cache.ResultCache
	metrics  *metrics.Metrics
	creds    *store.CredentialRepository
}

func newFixture(t *testing.T, keys ...string) *fixture {
	t.Helper()
	logger := testutil.Logger()

	f := &fixture{
		resolver: &fakeResolver{},
		queue:    &fakeQueue{jobs: map[string]*types.ResolveJob{}},
		cache:    cache.NewResultCache(cache.NewMemoryBackend(0), nil, time.Hour, logger),
		metrics:  metrics.New(),
		creds:    store.NewCredentialRepository(testutil.NewTestDB(t)),
	}
	t.Cleanup(func() { _ = f.cache.Close() })

	breakers := circuitbreaker.NewGroup(circuitbreaker.Config{MaxFailures: 1, OpenPeriod: time.Minute})
	breakers.Get(string(types.PlatformTwitter))
	clients := pool.NewHTTPClientPool(pool.ClientConfig{})
	t.Cleanup(clients.Close)

	health := NewHealthHandler(logger)
	health.AddCheck("database", func(context.Context) error { return nil })

	f.app = fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler(logger)})
	Routes{
		Resolve:     NewResolveHandler(f.resolver, logger),
		Jobs:        NewJobHandler(f.queue, logger),
		Admin:       NewAdminHandler(f.cache, fakeServices{}, fakeTester{}, breakers, logger),
		Credentials: NewCredentialHandler(f.creds, logger),
		Health:      health,
		Metrics:     NewMetricsHandler(f.metrics, f.cache, breakers, clients, logger),
		Auth:        middleware.APIKeyAuth(middleware.ParseAPIKeys(keys)),
	}.Register(f.app)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) (int, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestResolveEndpoint(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/v1/resolve", `{"url":"`+tiktokURL+`"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Len(t, body["formats"], 2)
}

func TestResolveFailureKeepsResultBody(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/v1/resolve", `{"url":"https://www.instagram.com/p/private/"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, apperrors.CodeNoMediaFound, body["errorCode"])
	assert.Equal(t, "The post is private or requires login", body["message"])
}

func TestResolveRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/v1/resolve", `{"url":"  "}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, apperrors.CodeInvalidURL, body["errorCode"])

	status, body = f.do(t, http.MethodPost, "/api/v1/resolve", `{"url":"`+strings.Repeat("a", middleware.MaxURLLength+1)+`"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, apperrors.CodeInvalidURL, body["errorCode"])

	status, body = f.do(t, http.MethodPost, "/api/v1/resolve", `{"url":`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, apperrors.CodeInvalidRequest, body["errorCode"])

	assert.Empty(t, f.resolver.principals)
}

func TestRequireJSON(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/resolve", strings.NewReader("url="+tiktokURL))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthSetsPrincipal(t *testing.T) {
	f := newFixture(t, "alice=k-alice", "k-anon")

	status, body := f.do(t, http.MethodPost, "/api/v1/resolve", `{"url":"`+tiktokURL+`"}`)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, apperrors.CodeUnauthorized, body["errorCode"])

	status, _ = f.do(t, http.MethodPost, "/api/v1/resolve", `{"url":"`+tiktokURL+`"}`, "X-API-Key", "k-alice")
	assert.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodPost, "/api/v1/resolve?api_key=k-anon", `{"url":"`+tiktokURL+`"}`)
	assert.Equal(t, http.StatusOK, status)

	assert.Equal(t, []string{"alice", ""}, f.resolver.principals)

	// Health stays public
	status, _ = f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestDetectEndpoint(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/v1/detect", `{"url":"`+tiktokURL+`"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "tiktok", body["platform"])
	assert.Equal(t, "tiktok:7234567890123456789", body["cacheKey"])

	status, body = f.do(t, http.MethodPost, "/api/v1/detect", `{"url":"https://www.youtube.com/watch?v=1"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, apperrors.CodeUnsupportedPlatform, body["errorCode"])
}

func TestBatchAndJobEndpoints(t *testing.T) {
	f := newFixture(t, "bob=k-bob")

	status, body := f.do(t, http.MethodPost, "/api/v1/batch", `{"urls":[" `+tiktokURL+` ","https://x.com/a/status/1"]}`, "X-API-Key", "k-bob")
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "batch-1", body["batchId"])
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, float64(0), body["rejected"])
	assert.Equal(t, tiktokURL, f.queue.jobs["job-0"].URL)
	assert.Equal(t, "bob", f.queue.jobs["job-0"].PrincipalID)

	status, body = f.do(t, http.MethodGet, "/api/v1/jobs/job-1", "", "X-API-Key", "k-bob")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pending", body["status"])

	status, body = f.do(t, http.MethodGet, "/api/v1/jobs/nope", "", "X-API-Key", "k-bob")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, apperrors.CodeNotFound, body["errorCode"])
}

func TestBatchValidation(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/v1/batch", `{"urls":[]}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, apperrors.CodeInvalidRequest, body["errorCode"])

	urls := make([]string, middleware.MaxBatchSize+1)
	for i := range urls {
		urls[i] = `"` + tiktokURL + `"`
	}
	status, _ = f.do(t, http.MethodPost, "/api/v1/batch", `{"urls":[`+strings.Join(urls, ",")+`]}`)
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodPost, "/api/v1/batch", `{"urls":["`+tiktokURL+`",""]}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "urls[1]: URL is required", body["message"])

	f.queue.fail = true
	status, body = f.do(t, http.MethodPost, "/api/v1/batch", `{"urls":["`+tiktokURL+`"]}`)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, apperrors.CodeInternal, body["errorCode"])
}

func TestCacheEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.cache.Set(ctx, types.PlatformTikTok, tiktokURL, testutil.SampleResult(types.PlatformTikTok, tiktokURL), time.Hour))

	status, body := f.do(t, http.MethodGet, "/api/v1/cache/stats", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, map[string]interface{}{"tiktok": float64(1)}, body["sizeByPlatform"])

	status, body = f.do(t, http.MethodDelete, "/api/v1/cache?platform=myspace", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, apperrors.CodeUnsupportedPlatform, body["errorCode"])

	status, body = f.do(t, http.MethodDelete, "/api/v1/cache?platform=tiktok", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["removed"])
	assert.False(t, f.cache.Has(ctx, types.PlatformTikTok, tiktokURL))
}

func TestServiceStatsEndpoint(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/api/v1/services/stats", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body, len(types.SupportedPlatforms))

	tiktok := body["tiktok"].(map[string]interface{})
	assert.Equal(t, float64(4), tiktok["stats"].(map[string]interface{})["totalRequests"])
	assert.Equal(t, "closed", tiktok["breaker"])

	weibo := body["weibo"].(map[string]interface{})
	assert.Equal(t, false, weibo["config"].(map[string]interface{})["enabled"])
}

func TestCredentialTestEndpoint(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/v1/credentials/good/test", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["valid"])

	status, body = f.do(t, http.MethodPost, "/api/v1/credentials/stale/test", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["valid"])

	status, body = f.do(t, http.MethodPost, "/api/v1/credentials/missing/test", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, apperrors.CodeNotFound, body["errorCode"])
}

func TestCredentialAdminEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.creds.Create(ctx, &types.Credential{ID: "ig1", Platform: types.PlatformInstagram, Label: "main", Secret: "sessionid=secret"}))
	require.NoError(t, f.creds.Create(ctx, &types.Credential{ID: "tt1", Platform: types.PlatformTikTok, Secret: "sid=2"}))

	status, body := f.do(t, http.MethodGet, "/api/v1/credentials?platform=instagram", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["count"])
	listed := body["credentials"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "ig1", listed["id"])
	assert.NotContains(t, listed, "secret")

	status, body = f.do(t, http.MethodGet, "/api/v1/credentials", "")
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, apperrors.CodeInvalidRequest, body["errorCode"])

	status, _ = f.do(t, http.MethodPut, "/api/v1/credentials/ig1/status", `{"status":"disabled"}`)
	assert.Equal(t, http.StatusOK, status)
	c, err := f.creds.Get(ctx, "ig1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDisabled, c.Status)

	status, body = f.do(t, http.MethodPut, "/api/v1/credentials/ig1/status", `{"status":"cooldown"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, apperrors.CodeInvalidRequest, body["errorCode"])

	status, body = f.do(t, http.MethodPut, "/api/v1/credentials/nope/status", `{"status":"healthy"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, apperrors.CodeNotFound, body["errorCode"])

	status, _ = f.do(t, http.MethodDelete, "/api/v1/credentials/tt1", "")
	assert.Equal(t, http.StatusOK, status)
	_, err = f.creds.Get(ctx, "tt1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	status, _ = f.do(t, http.MethodDelete, "/api/v1/credentials/tt1", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["ready"])

	f.do(t, http.MethodPost, "/api/v1/resolve", `{"url":"`+tiktokURL+`"}`)

	status, body = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(3), body["total_requests"])
	assert.Equal(t, "closed", body["breakers"].(map[string]interface{})["twitter"])
	assert.Contains(t, body, "cache_stats")
	assert.Contains(t, body, "http_pool")
}

func TestReadinessReportsFailingCheck(t *testing.T) {
	app := fiber.New()
	h := NewHealthHandler(testutil.Logger())
	h.AddCheck("redis", func(context.Context) error { return errors.New("connection refused") })
	h.AddCheck("database", func(context.Context) error { return nil })
	app.Get("/health/ready", h.Readiness)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health/ready", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body struct {
		Ready  bool                         `json:"ready"`
		Checks map[string]map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Ready)
	assert.Equal(t, "unhealthy", body.Checks["redis"]["status"])
	assert.Equal(t, "healthy", body.Checks["database"]["status"])
}
