package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/modsync/pkg/clientcache"
	"github.com/openfroyo/modsync/pkg/csp"
	"github.com/openfroyo/modsync/pkg/engine"
	"github.com/openfroyo/modsync/pkg/manifest"
	"github.com/openfroyo/modsync/pkg/registry"
	"github.com/openfroyo/modsync/pkg/syncer"
	"github.com/openfroyo/modsync/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct{}

func (fakeStatus) Status() syncer.Status {
	return syncer.Status{State: engine.StateIdle, Generation: 3, Modules: []string{"some-root"}}
}

type fakeTrigger struct {
	allow bool
	calls atomic.Int32
}

func (f *fakeTrigger) Trigger() bool {
	f.calls.Add(1)
	return f.allow
}

func published(t *testing.T) *clientcache.Cache {
	t.Helper()
	m := manifest.New().With("some-root", manifest.ModuleEntry{
		manifest.EnvBrowser: {URL: "https://cdn.example.com/some-root/2.0.0/some-root.browser.js", Integrity: "sha256-abc"},
	})
	snap, err := clientcache.NewSnapshot(m, 1)
	require.NoError(t, err)

	cache := clientcache.New()
	cache.Store(snap)
	return cache
}

func newTestServer(t *testing.T, cfg Config, cache *clientcache.Cache, opts ...Option) *Server {
	t.Helper()
	s, err := New(cfg, cache, opts...)
	require.NoError(t, err)
	return s
}

func do(s *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresSnapshots(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	assert.Error(t, err)
}

func TestModuleMapBeforeFirstPublish(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), clientcache.New())

	rec := do(s, http.MethodGet, RouteModuleMap, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ErrCodeServiceUnavailable, body.Code)
	assert.True(t, body.Retryable)
	assert.NotEmpty(t, body.RequestID)
}

func TestModuleMapServesSnapshot(t *testing.T) {
	cache := published(t)
	s := newTestServer(t, DefaultConfig(), cache)

	rec := do(s, http.MethodGet, RouteModuleMap, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, cache.Load().ETag, rec.Header().Get("ETag"))
	assert.Equal(t, "1", rec.Header().Get("X-Module-Map-Generation"))
	assert.JSONEq(t, string(cache.Load().Body), rec.Body.String())

	var m manifest.Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Contains(t, m.Modules, "some-root")
}

func TestModuleMapConditionalGet(t *testing.T) {
	cache := published(t)
	s := newTestServer(t, DefaultConfig(), cache)
	etag := cache.Load().ETag

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "matching", header: etag, want: http.StatusNotModified},
		{name: "weak", header: "W/" + etag, want: http.StatusNotModified},
		{name: "list", header: `"other", ` + etag, want: http.StatusNotModified},
		{name: "wildcard", header: "*", want: http.StatusNotModified},
		{name: "stale", header: `"sha256:stale"`, want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(s, http.MethodGet, RouteModuleMap, http.Header{"If-None-Match": {tt.header}})
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusNotModified {
				assert.Empty(t, rec.Body.String())
			}
		})
	}
}

func TestModuleMapHead(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), published(t))
	rec := do(s, http.MethodHead, RouteModuleMap, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestModuleMapMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), published(t))
	rec := do(s, http.MethodDelete, RouteModuleMap, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestPolicyHeaders(t *testing.T) {
	store := csp.NewStore("default-src 'self'; script-src 'self'; frame-ancestors americanexpress.com;")
	s := newTestServer(t, DefaultConfig(), published(t), WithPolicyStore(store))

	rec := do(s, http.MethodGet, RouteModuleMap, http.Header{
		"Referer": {"https://americanexpress.com/testing"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	policy := rec.Header().Get(csp.HeaderPolicy)
	assert.Contains(t, policy, "default-src 'self'")
	assert.Contains(t, policy, "'nonce-")
	assert.Equal(t, "ALLOW-FROM https://americanexpress.com/testing", rec.Header().Get(csp.HeaderFrameOptions))

	// System endpoints carry no policy.
	rec = do(s, http.MethodGet, RouteHealth, nil)
	assert.Empty(t, rec.Header().Get(csp.HeaderPolicy))
}

func TestPolicyHeaderKillSwitch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CSP.Disabled = true
	store := csp.NewStore("default-src 'self';")
	s := newTestServer(t, cfg, published(t), WithPolicyStore(store))

	rec := do(s, http.MethodGet, RouteModuleMap, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(csp.HeaderPolicy))
}

func TestPolicyFollowsStoreUpdates(t *testing.T) {
	store := csp.NewStore(csp.DefaultPolicy)
	s := newTestServer(t, DefaultConfig(), published(t), WithPolicyStore(store))

	store.Update("default-src 'self' cdn.example.com;")
	rec := do(s, http.MethodGet, RouteModuleMap, nil)
	assert.Contains(t, rec.Header().Get(csp.HeaderPolicy), "cdn.example.com")
}

func TestRequestID(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), published(t))

	rec := do(s, http.MethodGet, RouteHealth, nil)
	generated := rec.Header().Get(HeaderRequestID)
	assert.Len(t, generated, 36)

	const supplied = "5f0c6c1e-8f55-4f40-9b9a-6c1f2b7d2a10"
	rec = do(s, http.MethodGet, RouteHealth, http.Header{HeaderRequestID: {supplied}})
	assert.Equal(t, supplied, rec.Header().Get(HeaderRequestID))

	rec = do(s, http.MethodGet, RouteHealth, http.Header{HeaderRequestID: {"not-a-uuid"}})
	assert.NotEqual(t, "not-a-uuid", rec.Header().Get(HeaderRequestID))
}

func TestRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 1
	cfg.RateBurst = 2
	s := newTestServer(t, cfg, published(t))

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, RouteModuleMap, nil).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, RouteModuleMap, nil).Code)

	rec := do(s, http.MethodGet, RouteModuleMap, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// Health checks are never limited.
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, RouteHealth, nil).Code)
}

func TestRecoverPanics(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), published(t))
	h := s.requestIDMiddleware(s.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrCodeInternalError)
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), published(t))
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodGet, RouteStatus, nil).Code)

	s = newTestServer(t, DefaultConfig(), published(t), WithStatus(fakeStatus{}))
	rec := do(s, http.MethodGet, RouteStatus, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status syncer.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, uint64(3), status.Generation)
	assert.Equal(t, []string{"some-root"}, status.Modules)
}

func TestSyncTrigger(t *testing.T) {
	s := newTestServer(t, DefaultConfig(), published(t))
	assert.Equal(t, http.StatusNotFound, do(s, http.MethodPost, RouteSync, nil).Code)

	trigger := &fakeTrigger{allow: true}
	s = newTestServer(t, DefaultConfig(), published(t), WithTrigger(trigger))

	rec := do(s, http.MethodPost, RouteSync, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var body SyncResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Accepted)
	assert.Equal(t, rec.Header().Get(HeaderRequestID), body.RequestID)

	trigger.allow = false
	assert.Equal(t, http.StatusTooManyRequests, do(s, http.MethodPost, RouteSync, nil).Code)
	assert.Equal(t, int32(2), trigger.calls.Load())

	assert.Equal(t, http.StatusMethodNotAllowed, do(s, http.MethodGet, RouteSync, nil).Code)
}

func TestHealthAndReady(t *testing.T) {
	cache := clientcache.New()
	s := newTestServer(t, DefaultConfig(), cache)

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, RouteHealth, nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, RouteReady, nil).Code)

	snap, err := clientcache.NewSnapshot(manifest.New(), 1)
	require.NoError(t, err)
	cache.Store(snap)

	rec := do(s, http.MethodGet, RouteReady, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, uint64(1), body.Generation)
}

func TestEmptyMapAtGenerationZeroIsServed(t *testing.T) {
	live := registry.NewLive(nil)
	cache := clientcache.New()
	s := newTestServer(t, DefaultConfig(), cache)

	ok, err := cache.PublishFor(live.Load, live.Load(), manifest.New())
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, RouteReady, nil).Code)

	rec := do(s, http.MethodGet, RouteModuleMap, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-Module-Map-Generation"))
	assert.JSONEq(t, `{"modules":{}}`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	metrics, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	require.NoError(t, err)
	s := newTestServer(t, DefaultConfig(), published(t), WithMetrics(metrics))

	do(s, http.MethodGet, RouteModuleMap, nil)
	rec := do(s, http.MethodGet, RouteMetrics, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "http_requests"))
}

func TestServeAndShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ShutdownTimeout = time.Second
	s := newTestServer(t, cfg, published(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + RouteReady
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.True(t, s.stopping.Load())
}
