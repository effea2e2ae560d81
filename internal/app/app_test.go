package app

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forge-erp/forge-erp/internal/observability"
	_ "github.com/forge-erp/forge-erp/testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, 30*time.Second, cfg.LedgerLockTTL)
	require.Equal(t, 8, cfg.ReportConcurrency)
	require.True(t, cfg.LedgerSnapshots)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsBadConcurrency(t *testing.T) {
	t.Setenv("REPORT_CONCURRENCY", "0")
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&Config{AppEnv: "test", LogFormat: "json"}, &buf).Info("hello")
	require.True(t, strings.HasPrefix(buf.String(), "{"))
	require.Contains(t, buf.String(), `"env":"test"`)
}

func TestRouterServesHealthAndMetrics(t *testing.T) {
	cfg := &Config{AppEnv: "test", RateLimitPerMin: 100, AppRequestTimeout: time.Second}
	metrics := observability.NewMetrics()
	h := NewRouter(RouterParams{Config: cfg, Metrics: metrics})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "forge_http_requests_total")

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/production/grn", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}
