package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/internal/config"
	"github.com/mihaimyh/goentitle/pkg/api"
	"github.com/mihaimyh/goentitle/pkg/entitle"
	entitlemetrics "github.com/mihaimyh/goentitle/pkg/entitle/metrics/prometheus"
	"github.com/mihaimyh/goentitle/storage/memory"
)

type testServer struct {
	*httptest.Server
	upstreamHits *atomic.Int32
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	hits := &atomic.Int32{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if strings.HasSuffix(r.URL.Path, "/fail") {
			http.Error(w, "model overloaded", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"project":"`+r.Header.Get("X-Entitle-Project")+`"}`)
	}))
	t.Cleanup(upstream.Close)

	cfg := &config.Config{
		Metrics: config.MetricsConfig{Enabled: true, Namespace: "goentitle", Path: "/metrics"},
		Gateway: config.GatewayConfig{Upstream: upstream.URL, CostHeader: "X-Entitle-Cost"},
	}
	if mutate != nil {
		mutate(cfg)
	}

	reg := prometheus.NewRegistry()
	manager, err := entitle.NewManager(memory.New(), entitle.Config{
		AutoRollover: true,
		Metrics:      entitlemetrics.NewMetrics(reg, cfg.Metrics.Namespace),
	})
	require.NoError(t, err)

	router, err := newRouter(routerDeps{
		cfg:      cfg,
		manager:  manager,
		logger:   zerolog.Nop(),
		registry: reg,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, upstreamHits: hits}
}

func (s *testServer) do(t *testing.T, method, path, body string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func cost(n string) http.Header {
	return http.Header{"X-Entitle-Cost": []string{n}}
}

func TestServer_ProjectLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, _ := srv.do(t, http.MethodPost, "/v1/projects", `{"id":"proj-1"}`, nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodPost, "/v1/projects", `{"id":"proj-1"}`, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body := srv.do(t, http.MethodGet, "/v1/projects/proj-1/usage", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var usage api.UsageResponse
	require.NoError(t, json.Unmarshal(body, &usage))
	assert.Equal(t, entitle.TierStarter, usage.Tier)
	assert.Equal(t, entitle.TierGrowth, usage.NextTier)
	assert.Equal(t, 50, usage.Limits.MaxMediaCredits)
	assert.True(t, usage.Cycle.End.After(usage.Cycle.Start))

	resp, _ = srv.do(t, http.MethodPut, "/v1/projects/proj-1/tier", `{"tier":"agency"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = srv.do(t, http.MethodGet, "/v1/projects/proj-1/check?resource=pro_call", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var check api.CheckResponse
	require.NoError(t, json.Unmarshal(body, &check))
	assert.True(t, check.Allowed)

	resp, _ = srv.do(t, http.MethodGet, "/v1/projects/missing/usage", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = srv.do(t, http.MethodGet, "/v1/tiers", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var tiers []entitle.TierDefinition
	require.NoError(t, json.Unmarshal(body, &tiers))
	assert.Len(t, tiers, 3)
}

func TestServer_GatewayChargesOnlySuccessfulCalls(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, _ := srv.do(t, http.MethodPost, "/v1/projects", `{"id":"proj-1"}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := srv.do(t, http.MethodPost, "/v1/projects/proj-1/actions/media_credit/images", "{}", cost("30"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"project":"proj-1"}`, string(body))

	// Upstream failures are not charged
	resp, _ = srv.do(t, http.MethodPost, "/v1/projects/proj-1/actions/media_credit/fail", "{}", cost("30"))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, body = srv.do(t, http.MethodPost, "/v1/projects/proj-1/actions/media_credit/images", "{}", cost("30"))
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	var denied map[string]string
	require.NoError(t, json.Unmarshal(body, &denied))
	assert.Equal(t, "Media credits exhausted (30/50).", denied["error"])
	assert.Equal(t, "media_credit", denied["resource"])
	assert.Equal(t, int32(2), srv.upstreamHits.Load(), "denied calls never reach upstream")

	resp, _ = srv.do(t, http.MethodPost, "/v1/projects/proj-1/actions/media_credit/images", "{}", cost("twenty"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodPost, "/v1/projects/proj-1/actions/media_credit/images", "{}", cost("9223372036854775807"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodPost, "/v1/projects/proj-1/actions/gold_bars", "{}", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = srv.do(t, http.MethodPost, "/v1/projects/ghost/actions/pro_call", "{}", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = srv.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "goentitle_entitlement_decisions_total")
	assert.Contains(t, string(body), "goentitle_usage_commit_total")
}

func TestServer_OptionalRoutes(t *testing.T) {
	t.Run("no gateway and no webhook by default", func(t *testing.T) {
		srv := newTestServer(t, func(c *config.Config) {
			c.Gateway.Upstream = ""
		})
		resp, _ := srv.do(t, http.MethodPost, "/v1/projects/proj-1/actions/pro_call", "{}", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		resp, _ = srv.do(t, http.MethodPost, "/webhooks/stripe", "{}", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("stripe webhook verifies signatures", func(t *testing.T) {
		srv := newTestServer(t, func(c *config.Config) {
			c.Stripe.APIKey = "sk_test_123"
			c.Stripe.WebhookSecret = "whsec_test"
			c.Stripe.Prices = []config.PriceMapping{{Price: "price_growth", Tier: "growth"}}
		})
		header := http.Header{"Stripe-Signature": []string{"t=1,v1=deadbeef"}}
		resp, _ := srv.do(t, http.MethodPost, "/webhooks/stripe", `{"id":"evt_1"}`, header)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("healthz", func(t *testing.T) {
		srv := newTestServer(t, nil)
		resp, _ := srv.do(t, http.MethodGet, "/healthz", "", nil)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})
}

func TestCostFromHeader(t *testing.T) {
	extract := costFromHeader("X-Cost")

	r := httptest.NewRequest(http.MethodPost, "/", nil)
	n, err := extract(r)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r.Header.Set("X-Cost", "7")
	n, err = extract(r)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	for _, raw := range []string{"7.5", "0", "-3", "1000001", "9223372036854775807"} {
		r.Header.Set("X-Cost", raw)
		_, err = extract(r)
		assert.Error(t, err, raw)
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := newLogger(config.LogConfig{Level: "warn"})
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())

	_, err = newLogger(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestOpenStorage_Memory(t *testing.T) {
	backend, err := openStorage(t.Context(), config.StorageConfig{Backend: config.BackendMemory}, zerolog.Nop())
	require.NoError(t, err)
	defer backend.close()
	assert.Nil(t, backend.locker)

	_, err = openStorage(t.Context(), config.StorageConfig{Backend: "cassandra"}, zerolog.Nop())
	assert.Error(t, err)
}
