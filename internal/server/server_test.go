package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/chain"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	seller = "0x00000000000000000000000000000000000000a1"
	buyer  = "0x00000000000000000000000000000000000000b2"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		ChainSubmitTimeout:  time.Second,
		ChainSubmitAttempts: 1,
		ReconcileInterval:   time.Minute,
		ReconcileAlertAfter: time.Minute,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *chain.Simulated) {
	t.Helper()
	sim := chain.NewSimulated()
	s, err := New(cfg, WithChain(sim))
	require.NoError(t, err)
	t.Cleanup(s.rateLimiter.Stop)
	return s, sim
}

func call(t *testing.T, s *Server, method, path, body string, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var out map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func TestHealthEndpoints(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w, body := call(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, version, body["version"])

	w, body = call(t, s, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alive", body["status"])

	w, _ = call(t, s, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready before Run")

	s.ready.Store(true)
	w, _ = call(t, s, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealth_DegradedWhenACheckFails(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	s.health.Register("reconciliation_sweeper", func(ctx context.Context) error {
		return errors.New("sweeper not running")
	})

	w, body := call(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].([]any)
	require.Len(t, checks, 1)
	assert.Equal(t, false, checks[0].(map[string]any)["healthy"])
}

func TestRequestID(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w, _ := call(t, s, http.MethodGet, "/health/live", "")
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)

	w, _ = call(t, s, http.MethodGet, "/health/live", "", "X-Request-ID", "lb-1234")
	assert.Equal(t, "lb-1234", w.Header().Get("X-Request-ID"))
}

func TestSecurityHeaders(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	w, _ := call(t, s, http.MethodGet, "/health/live", "")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnknownRoute(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	w, body := call(t, s, http.MethodGet, "/v1/nothing-here", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["error"])
}

func TestInvalidIDParam(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	w, body := call(t, s, http.MethodGet, "/v1/bonds/"+strings.Repeat("x", 200), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", body["error"])
}

func TestUpsertUser(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w, body := call(t, s, http.MethodPut, "/v1/users/0xABC", `{"displayName":"  Pema Dorji\u0007 "}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	user := body["user"].(map[string]any)
	assert.Equal(t, "0xabc", user["id"])
	assert.Equal(t, "Pema Dorji", user["displayName"])

	names, err := s.store.UserNames(t.Context(), []string{"0xabc"})
	require.NoError(t, err)
	assert.Equal(t, "Pema Dorji", names["0xabc"])

	w, body = call(t, s, http.MethodPut, "/v1/users/0xabc", `{"displayName":"   "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", body["error"])
}

func TestMarketFlow(t *testing.T) {
	s, sim := newTestServer(t, testConfig())
	maturesAt := time.Now().UTC().AddDate(1, 0, 0).Format(time.RFC3339)

	w, body := call(t, s, http.MethodPost, "/v1/bonds",
		`{"name":"RSEB 5% 2031","faceValue":"100.0","interestRateBps":500,"unitsOffered":"100.0","maturesAt":"`+maturesAt+`","seriesRef":"7"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	bondID := body["bond"].(map[string]any)["id"].(string)

	w, _ = call(t, s, http.MethodPost, "/v1/bonds/"+bondID+"/subscriptions", `{"userId":"`+seller+`","units":"10.0"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w, body = call(t, s, http.MethodPost, "/v1/listings", `{"sellerId":"`+seller+`","bondId":"`+bondID+`","units":"5.0"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	listingID := body["listing"].(map[string]any)["id"].(string)

	w, body = call(t, s, http.MethodPost, "/v1/offers", `{"listingId":"`+listingID+`","buyerId":"`+buyer+`","units":"2.5"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	offerID := body["offer"].(map[string]any)["id"].(string)

	w, body = call(t, s, http.MethodPost, "/v1/offers/"+offerID+"/accept", `{"actorId":"`+buyer+`"}`)
	assert.Equal(t, http.StatusForbidden, w.Code, "only the seller accepts")
	assert.Equal(t, "authorization_error", body["error"])

	w, body = call(t, s, http.MethodPost, "/v1/offers/"+offerID+"/accept", `{"actorId":"`+seller+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "250.0", body["settlementPrice"])
	assert.Equal(t, false, body["pending"])
	assert.Equal(t, 1, sim.Total())

	w, body = call(t, s, http.MethodGet, "/v1/bonds/"+bondID+"/holdings/"+buyer, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2.5", body["units"])

	w, body = call(t, s, http.MethodGet, "/v1/ledger?user="+buyer, "")
	require.Equal(t, http.StatusOK, w.Code)
	var kinds []any
	for _, r := range body["rows"].([]any) {
		kinds = append(kinds, r.(map[string]any)["kind"])
	}
	assert.Contains(t, kinds, "transfer")
	assert.Contains(t, kinds, "allocation")

	w, _ = call(t, s, http.MethodGet, "/v1/ledger/export", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "id,"))
}

func TestAdminRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.AdminSecret = "operator-secret"
	s, _ := newTestServer(t, cfg)

	w, _ := call(t, s, http.MethodGet, "/v1/admin/reconciliations", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, body := call(t, s, http.MethodGet, "/v1/admin/reconciliations", "", "X-Admin-Secret", "operator-secret")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 0, body["count"])

	w, body = call(t, s, http.MethodPost, "/v1/admin/reconciliations/sweep", "", "X-Admin-Secret", "operator-secret")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, body, "report")
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	call(t, s, http.MethodGet, "/health/live", "")

	w, _ := call(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://market:***@db:5432/bonds", maskDSN("postgres://market:hunter2@db:5432/bonds"))
	assert.Equal(t, "***", maskDSN("://bad"))
}
