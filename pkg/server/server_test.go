package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/agentoven/newswire/internal/config"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/agentoven/newswire/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Defaults()
	cfg.Retention.ArchivePath = t.TempDir()
	cfg.Scheduler.Interval = time.Hour
	cfg.Intake.RatePerSec = 0
	cfg.Producers = []config.ProducerConfig{{
		ID:     "newsbot",
		Wallet: "0xfeed",
		Plans: []models.SubscriptionPlan{{
			ID: "ai-daily", Name: "AI Daily", Price: "5", Currency: "USD",
			Duration: 30 * 24 * time.Hour, Topics: []string{"ai"}, Interval: 24 * time.Hour,
		}},
	}}
	return cfg
}

func post(t *testing.T, url string, body interface{}) int {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func thread(t *testing.T, base string) []models.Message {
	t.Helper()
	resp, err := http.Get(base + "/a2a/threads?participant=alice&with=newsbot")
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var threads []models.Thread
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&threads))

	resp2, err := http.Get(base + "/a2a/threads/" + threads[0].ID + "/messages")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var msgs []models.Message
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&msgs))
	return msgs
}

func last(t *testing.T, base, action string) *models.Message {
	msgs := thread(t, base)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Action() == action {
			return &msgs[i]
		}
	}
	return nil
}

func TestSubscribePayReceive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := server.NewWithConfig(ctx, testConfig(t))
	require.NoError(t, err)
	srv.Start(ctx)
	t.Cleanup(func() {
		cancel()
		srv.Wait()
		srv.Close()
	})

	hs := httptest.NewServer(srv.Handler)
	defer hs.Close()

	require.Equal(t, http.StatusAccepted, post(t, hs.URL+"/a2a/messages", map[string]interface{}{
		"from": "alice",
		"to":   "newsbot",
		"structured_data": map[string]interface{}{
			"action":  models.ActionSubscribe,
			"plan_id": "ai-daily",
		},
	}))

	var invoice *models.Message
	require.Eventually(t, func() bool {
		invoice = last(t, hs.URL, models.ActionPaymentRequired)
		return invoice != nil
	}, 5*time.Second, 20*time.Millisecond)
	subID := invoice.Field("subscription_id")
	require.NotEmpty(t, subID)
	assert.Len(t, invoice.Capabilities, 1)

	require.Equal(t, http.StatusCreated, post(t, hs.URL+"/api/v1/sandbox/transactions", map[string]interface{}{
		"hash": "0xpay", "amount": "5", "currency": "USD", "recipient": "0xfeed", "finalized": true,
	}))
	require.Equal(t, http.StatusAccepted, post(t, hs.URL+"/a2a/messages", map[string]interface{}{
		"from": "alice",
		"to":   "newsbot",
		"structured_data": map[string]interface{}{
			"action":           models.ActionConfirm,
			"transaction_hash": "0xpay",
			"subscription_id":  subID,
		},
	}))

	require.Eventually(t, func() bool {
		return last(t, hs.URL, models.ActionActive) != nil
	}, 5*time.Second, 20*time.Millisecond)

	// Activation kicks the scheduler, so the first digest follows at once.
	var news *models.Message
	require.Eventually(t, func() bool {
		news = last(t, hs.URL, models.ActionDeliverNews)
		return news != nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "newsbot", news.SenderID)
	assert.Equal(t, subID, news.Field("subscription_id"))

	resp, err := http.Get(hs.URL + "/api/v1/subscriptions/" + subID + "/deliveries")
	require.NoError(t, err)
	defer resp.Body.Close()
	var records []models.DeliveryRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	require.Len(t, records, 1)
	assert.Equal(t, models.DeliveryDelivered, records[0].Status)
}

func TestUnknownContentProviderRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.Content.Provider = "carrier-pigeon"
	_, err := server.NewWithConfig(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown content provider")
}
