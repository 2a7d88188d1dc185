package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentoven/newswire/internal/api"
	"github.com/agentoven/newswire/internal/api/handlers"
	"github.com/agentoven/newswire/internal/api/middleware"
	"github.com/agentoven/newswire/internal/channels"
	"github.com/agentoven/newswire/internal/config"
	"github.com/agentoven/newswire/internal/ledger"
	"github.com/agentoven/newswire/internal/payment"
	"github.com/agentoven/newswire/internal/store"
	"github.com/agentoven/newswire/internal/subscription"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiKey = "test-key"

type fixture struct {
	store   *store.MemoryStore
	reg     *subscription.Registry
	sandbox *ledger.Sandbox
	server  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStoreAt("")
	t.Cleanup(func() { s.Close() })

	sandbox := ledger.NewSandbox()
	reg := subscription.NewRegistry(s, payment.NewVerifier(sandbox, nil, s))

	h := handlers.New(s, reg)
	h.Sandbox = sandbox
	h.Version = "test"
	h.Hub = channels.NewHub()
	h.Hub.Register(channels.NewHTTPAdapter(s, nil))

	cfg := config.Defaults()
	cfg.Version = "test"
	router := api.NewRouter(cfg, h, api.Options{
		APIKeys: middleware.NewAPIKeyAuth([]string{apiKey}),
		A2A:     channels.NewHTTPAdapter(s, nil).Routes(),
		Ping:    s.Ping,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &fixture{store: s, reg: reg, sandbox: sandbox, server: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", apiKey)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func validPlan() map[string]interface{} {
	return map[string]interface{}{
		"id":          "ai-daily",
		"producer_id": "newsbot",
		"name":        "AI Daily",
		"price":       "5",
		"currency":    "USD",
		"duration":    "720h",
		"topics":      []string{"ai"},
		"schedule":    "0 8 * * *",
		"recipient":   "0xfeed",
	}
}

func TestPublicRoutesAndKeyGuard(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{"/health", "/version", "/a2a/.well-known/agent-card.json"} {
		resp, err := http.Get(f.server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := http.Get(f.server.URL + "/api/v1/plans")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/plans", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreatePlan(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/plans", validPlan())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var plan models.SubscriptionPlan
	require.NoError(t, json.Unmarshal(body, &plan))
	assert.Equal(t, 720*time.Hour, plan.Duration)
	assert.Equal(t, "24h", plan.Timespan)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/plans", validPlan())
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/plans/ai-daily", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/api/v1/plans/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	bad := validPlan()
	bad["id"] = "broken"
	bad["price"] = "five"
	bad["duration"] = "-1h"
	bad["schedule"] = "whenever"
	resp, body = f.do(t, http.MethodPost, "/api/v1/plans", bad)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "price must be a decimal")
	assert.Contains(t, string(body), "duration must be a positive duration")
	assert.Contains(t, string(body), "schedule is not a valid cron expression")
}

func TestSubscriptionAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp, _ := f.do(t, http.MethodPost, "/api/v1/plans", validPlan())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	thread, _, err := f.store.GetOrCreateThread(ctx, "alice", "newsbot")
	require.NoError(t, err)
	sub, err := f.reg.Subscribe(ctx, "alice", "ai-daily", thread.ID)
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, "/api/v1/subscriptions?subscriber=alice&state=requested", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var subs []models.Subscription
	require.NoError(t, json.Unmarshal(body, &subs))
	require.Len(t, subs, 1)
	assert.Equal(t, sub.ID, subs[0].ID)

	resp, body = f.do(t, http.MethodGet, "/api/v1/subscriptions?state=active", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	resp, body = f.do(t, http.MethodGet, "/api/v1/subscriptions/"+sub.ID+"/deliveries", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
	resp, _ = f.do(t, http.MethodGet, "/api/v1/subscriptions/missing/payments", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/v1/subscriptions/"+sub.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cancelled models.Subscription
	require.NoError(t, json.Unmarshal(body, &cancelled))
	assert.Equal(t, models.StateCancelled, cancelled.State)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/subscriptions/"+sub.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/v1/threads?participant=alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var threads []models.Thread
	require.NoError(t, json.Unmarshal(body, &threads))
	require.Len(t, threads, 1)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/threads/"+thread.ID+"/messages?from_seq=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEndpointSecretsMasked(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPut, "/api/v1/endpoints/alice", map[string]string{
		"url":    "https://alice.example/hook",
		"secret": "supersecret",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var ep models.AgentEndpoint
	require.NoError(t, json.Unmarshal(body, &ep))
	assert.Equal(t, "supe****", ep.Secret)
	assert.True(t, ep.Active)

	stored, err := f.store.GetEndpoint(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "supersecret", stored.Secret)

	resp, _ = f.do(t, http.MethodPut, "/api/v1/endpoints/bob", map[string]string{"url": "ftp://bob"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/endpoints/alice", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/api/v1/endpoints/alice", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSandboxTransactions(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/sandbox/transactions", map[string]interface{}{
		"hash": "0xABC", "amount": "5", "currency": "USD", "recipient": "0xfeed",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	tx, err := f.sandbox.QueryTransaction(context.Background(), "0xabc")
	require.NoError(t, err)
	assert.True(t, tx.Found)
	assert.False(t, tx.Finalized)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/sandbox/transactions/0xabc/finalize", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	tx, _ = f.sandbox.QueryTransaction(context.Background(), "0xabc")
	assert.True(t, tx.Finalized)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/sandbox/transactions/0xdead/finalize", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/sandbox/transactions", map[string]string{"hash": "0x1", "amount": "lots"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOperationsWithoutBackends(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/scheduler/tick", nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/retention/run", nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/v1/channels", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"adapters":["http"]}`, string(body))
}

func TestA2AMounted(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.store.GetOrCreateThread(context.Background(), "alice", "newsbot")
	require.NoError(t, err)

	resp, err := http.Get(f.server.URL + "/a2a/threads?participant=alice")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var threads []models.Thread
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&threads))
	assert.Len(t, threads, 1)
}
