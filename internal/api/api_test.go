package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatvane/threatvane/internal/config"
	"github.com/threatvane/threatvane/internal/engine"
)

func newTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.DatabasePath = ""
	cfg.DataSources.IsBot.Enabled = false
	cfg.DataSources.Matomo.Enabled = false
	cfg.DataSources.CrawlerUserAgents.Enabled = false
	cfg.DataSources.AwsIpRanges.Enabled = false
	cfg.DataSources.GcpIpRanges.Enabled = false
	cfg.DataSources.CloudflareIpv4.Enabled = false
	cfg.DataSources.CloudflareIpv6.Enabled = false
	cfg.DataSources.ScannerUserAgents.Enabled = false
	cfg.DataSources.CoreRuleSetScanners.Enabled = false
	cfg.FastPath.SampleRate = 0

	eng, err := engine.New(cfg)
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)
	return NewServer(eng), eng
}

func TestMiddleware_BlocksSecurityTool(t *testing.T) {
	server, _ := newTestServer(t)
	var reached bool
	handler := server.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	r := httptest.NewRequest("GET", "/search", nil)
	r.Header.Set("User-Agent", "nikto/2.5.0")
	r.RemoteAddr = "198.51.100.20:1000"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, reached, "blocked requests must not reach the origin")
	assert.Equal(t, "MaliciousBot", w.Header().Get("X-Bot-Detection-Verdict"))
	assert.NotEmpty(t, w.Header().Get("X-Bot-Detection-Score"))
}

func TestMiddleware_PassesHumans(t *testing.T) {
	server, _ := newTestServer(t)
	var reached bool
	handler := server.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusNoContent)
	}))

	r := httptest.NewRequest("GET", "/pricing", nil)
	r.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36")
	r.RemoteAddr = "198.51.100.21:1000"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.True(t, reached)
	assert.Empty(t, w.Header().Get("X-Bot-Detection-Verdict"))
}

func TestAdmin_ManualBlockLifecycle(t *testing.T) {
	server, eng := newTestServer(t)
	mux := http.NewServeMux()
	server.Routes(mux)

	body := `{"patternId":"ua:bad","patternType":"UserAgent","pattern":"bad-ua","notes":"abuse"}`
	r := httptest.NewRequest("POST", "/api/reputation/block", strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	rep, ok := eng.Reputation().Get("ua:bad")
	require.True(t, ok)
	assert.True(t, rep.IsManual)
	assert.Equal(t, 1.0, rep.BotScore)

	r = httptest.NewRequest("POST", "/api/reputation/unlock", strings.NewReader(`{"patternId":"ua:bad"}`))
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	rep, ok = eng.Reputation().Get("ua:bad")
	require.True(t, ok)
	assert.False(t, rep.IsManual)
}

func TestAdmin_ValidationErrorsSurface(t *testing.T) {
	server, _ := newTestServer(t)
	mux := http.NewServeMux()
	server.Routes(mux)

	r := httptest.NewRequest("POST", "/api/reputation/block", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	r = httptest.NewRequest("POST", "/api/reputation/unlock", strings.NewReader(`{"patternId":"ua:ghost"}`))
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_HealthAndPolicies(t *testing.T) {
	server, _ := newTestServer(t)
	mux := http.NewServeMux()
	server.Routes(mux)

	r := httptest.NewRequest("GET", "/api/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Contains(t, health, "status")

	r = httptest.NewRequest("GET", "/api/policies", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)
	var policies map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &policies))
	assert.Contains(t, policies, "default")
	assert.Contains(t, policies, "static")
}

func TestAdmin_MetricsEndpoint(t *testing.T) {
	server, eng := newTestServer(t)
	mux := http.NewServeMux()
	server.Routes(mux)

	// Produce one classified request so counters exist.
	r := httptest.NewRequest("GET", "/page", nil)
	r.Header.Set("User-Agent", "curl/8.0")
	r.RemoteAddr = "198.51.100.22:1000"
	server.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(httptest.NewRecorder(), r)

	mr := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, mr)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "threatvane_requests_total")

	families, err := eng.Metrics().Registry().Gather()
	require.NoError(t, err)
	var requests *dto.MetricFamily
	for _, fam := range families {
		if fam.GetName() == "threatvane_requests_total" {
			requests = fam
		}
	}
	require.NotNil(t, requests)
	var total float64
	for _, m := range requests.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	assert.GreaterOrEqual(t, total, 1.0)
}
