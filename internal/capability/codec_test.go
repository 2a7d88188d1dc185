package capability_test

import (
	"encoding/json"
	"testing"

	"github.com/agentoven/newswire/internal/capability"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePaymentRequest(t *testing.T) {
	pr := models.PaymentRequest{SubscriptionID: "sub-1", Amount: "5", Currency: "USD", Description: "Daily AI digest"}

	env, err := capability.Encode(pr)
	require.NoError(t, err)
	assert.Equal(t, models.CapPaymentRequest, env.Type)
	assert.Equal(t, 1, env.Version)

	caps := capability.Decode(models.Message{Capabilities: []models.CapabilityEnvelope{env}})
	require.Len(t, caps, 1)
	assert.Equal(t, pr, caps[0])
}

func TestEncodeIsDeterministic(t *testing.T) {
	wa := models.WalletAction{TransactionHash: "0xabc", Recipient: "0xfeed", Amount: "5", Currency: "USD", Status: "confirmed"}

	a, err := capability.Marshal(wa)
	require.NoError(t, err)
	b, err := capability.Marshal(wa)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.JSONEq(t,
		`{"type":"wallet_action","version":1,"payload":{"transaction_hash":"0xabc","recipient":"0xfeed","amount":"5","currency":"USD","status":"confirmed"}}`,
		string(a))

	d1, _ := capability.Digest(wa)
	d2, _ := capability.Digest(&wa)
	assert.Equal(t, d1, d2)
}

func TestDecodeSkipsUnknownAndMalformed(t *testing.T) {
	good, _ := capability.Encode(models.WalletAction{TransactionHash: "0xabc"})
	msg := models.Message{Capabilities: []models.CapabilityEnvelope{
		{Type: "loyalty_points", Version: 1, Payload: json.RawMessage(`{"points":3}`)},
		{Type: models.CapPaymentRequest, Version: 1, Payload: json.RawMessage(`{"subscription_id":`)},
		{Type: models.CapPaymentRequest, Version: 1, Payload: json.RawMessage(`{"subscription_id":"s","amount":"five","currency":"USD"}`)},
		{Type: models.CapWalletAction, Version: 7, Payload: json.RawMessage(`{"transaction_hash":"0x1"}`)},
		good,
	}}

	rep := capability.DecodeReport(msg)
	require.Len(t, rep.Capabilities, 1)
	assert.Equal(t, "0xabc", rep.Capabilities[0].(models.WalletAction).TransactionHash)
	require.Len(t, rep.Skipped, 4)
	assert.Equal(t, []int{0, 1, 2, 3}, []int{rep.Skipped[0].Index, rep.Skipped[1].Index, rep.Skipped[2].Index, rep.Skipped[3].Index})
}

func TestDecodeEmpty(t *testing.T) {
	assert.Empty(t, capability.Decode(models.Message{}))
}

func TestWalletActionFromStructuredData(t *testing.T) {
	msg := models.Message{StructuredData: map[string]interface{}{
		"action":           models.ActionConfirm,
		"transaction_hash": " 0xABC ",
	}}
	wa, ok := capability.WalletActionFrom(msg)
	require.True(t, ok)
	assert.Equal(t, "0xABC", wa.TransactionHash)

	_, ok = capability.WalletActionFrom(models.Message{})
	assert.False(t, ok)
}

func TestAmountsEqual(t *testing.T) {
	assert.True(t, models.AmountsEqual("5", "5.00"))
	assert.True(t, models.AmountsEqual("0.0025", "0.00250"))
	assert.False(t, models.AmountsEqual("5", "5.01"))
	assert.False(t, models.AmountsEqual("5", "abc"))
	assert.False(t, models.AmountsEqual("1e3", "1000"))
}
