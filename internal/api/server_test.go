package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookdeal/market-crawler/internal/browser"
	"github.com/bookdeal/market-crawler/internal/clock/system"
	"github.com/bookdeal/market-crawler/internal/config"
	"github.com/bookdeal/market-crawler/internal/driver/memory"
	"github.com/bookdeal/market-crawler/internal/policy/ratelimit"
	"github.com/bookdeal/market-crawler/internal/pool"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *pool.Pool) {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)
	if mutate != nil {
		mutate(&cfg)
	}

	clock := system.New()
	limiter := ratelimit.New(ratelimit.Config{}, clock, nil)
	p := pool.New(pool.Config{Size: 2}, memory.New(), limiter, clock, nil)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() { _ = p.Disconnect(context.Background()) })

	return NewServer(p, limiter, cfg, nil), p
}

func doRequest(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyzReflectsPoolState(t *testing.T) {
	s, p := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, p.CloseAllWindows(context.Background()))
	rec = doRequest(t, s, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPoolStatusEndpoint(t *testing.T) {
	s, p := newTestServer(t, nil)

	w, err := p.GetWindow(context.Background(), time.Second)
	require.NoError(t, err)
	defer func() { _ = p.ReturnWindow(w) }()

	rec := doRequest(t, s, http.MethodGet, "/v1/pool/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var status browser.PoolStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 2, status.TotalWindows)
	assert.Equal(t, 1, status.BusyCount)
	assert.Equal(t, w.ID, status.PreferredWindowID)
	require.Len(t, status.WindowDetails, 2)
}

func TestLimiterStatsEndpoint(t *testing.T) {
	s, p := newTestServer(t, nil)

	require.NoError(t, p.ApplyLoginRequired(1))

	rec := doRequest(t, s, http.MethodGet, "/v1/limiter/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var payload struct {
		Stats          ratelimit.Stats                 `json:"stats"`
		LimitedWindows map[int64]ratelimit.LimitStatus `json:"limited_windows"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, 1, payload.Stats.LimitedWindows)
	require.Contains(t, payload.LimitedWindows, int64(1))
	assert.Equal(t, ratelimit.KindLoginRequired, payload.LimitedWindows[1].Kind)
}

func TestApplyPenaltyRateLimit(t *testing.T) {
	s, p := newTestServer(t, nil)

	body := `{"kind":"rate_limit","duration_seconds":120}`
	rec := doRequest(t, s, http.MethodPost, "/v1/windows/1/penalty", body)
	require.Equal(t, http.StatusOK, rec.Code)

	status := p.Status()
	var found bool
	for _, d := range status.WindowDetails {
		if d.WindowID == 1 {
			found = true
			assert.True(t, d.IsRateLimited)
			assert.Equal(t, browser.StatusRateLimited, d.ActualStatus)
		}
	}
	require.True(t, found)
}

func TestApplyPenaltyLoginRequired(t *testing.T) {
	s, p := newTestServer(t, nil)

	body := `{"kind":"login_required"}`
	rec := doRequest(t, s, http.MethodPost, "/v1/windows/2/penalty", body)
	require.Equal(t, http.StatusOK, rec.Code)

	for _, d := range p.Status().WindowDetails {
		if d.WindowID == 2 {
			assert.True(t, d.IsLoginRequired)
		}
	}
}

func TestApplyPenaltyValidation(t *testing.T) {
	s, _ := newTestServer(t, nil)

	// Unknown kind.
	rec := doRequest(t, s, http.MethodPost, "/v1/windows/1/penalty", `{"kind":"banhammer"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Malformed body.
	rec = doRequest(t, s, http.MethodPost, "/v1/windows/1/penalty", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Non-numeric window id.
	rec = doRequest(t, s, http.MethodPost, "/v1/windows/abc/penalty", `{"kind":"rate_limit"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unmanaged window id maps to 404.
	rec = doRequest(t, s, http.MethodPost, "/v1/windows/99/penalty", `{"kind":"rate_limit"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestClearLimitEndpoint(t *testing.T) {
	s, p := newTestServer(t, nil)

	require.NoError(t, p.ApplyRateLimitPenalty(1, time.Hour))

	rec := doRequest(t, s, http.MethodPost, "/v1/windows/1/clear", "")
	require.Equal(t, http.StatusOK, rec.Code)

	for _, d := range p.Status().WindowDetails {
		if d.WindowID == 1 {
			assert.False(t, d.IsRateLimited)
			assert.Equal(t, browser.StatusAvailable, d.ActualStatus)
		}
	}

	rec = doRequest(t, s, http.MethodPost, "/v1/windows/99/clear", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "crawler_pool_windows")
}

func TestAPIKeyGate(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "sesame"
	})

	rec := doRequest(t, s, http.MethodGet, "/v1/pool/status", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/pool/status", nil)
	req.Header.Set("X-API-Key", "sesame")
	out := httptest.NewRecorder()
	s.Handler().ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)

	// The query-parameter fallback works too.
	rec = doRequest(t, s, http.MethodGet, "/v1/pool/status?api_key=sesame", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
