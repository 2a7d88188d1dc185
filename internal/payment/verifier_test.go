package payment_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/agentoven/newswire/internal/ledger"
	"github.com/agentoven/newswire/internal/payment"
	"github.com/agentoven/newswire/internal/store"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const recipient = "0xFEED"

func setup(t *testing.T) (*payment.Verifier, *ledger.Sandbox, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStoreAt("")
	t.Cleanup(func() { s.Close() })
	sb := ledger.NewSandbox()
	return payment.NewVerifier(sb, nil, s), sb, s
}

func paid(hash string, final bool) models.LedgerTransaction {
	return models.LedgerTransaction{Hash: hash, Finalized: final, Amount: "5.00", Currency: "usd", Recipient: "0xfeed"}
}

func req(hash, sub string) payment.VerifyRequest {
	return payment.VerifyRequest{TxHash: hash, SubscriptionID: sub, Recipient: recipient, Amount: "5", Currency: "USD"}
}

func TestVerifyOutcomes(t *testing.T) {
	ctx := context.Background()
	v, sb, s := setup(t)
	sb.Record(paid("0xok", true))
	sb.Record(paid("0xpending", false))
	wrongAmount := paid("0xcheap", true)
	wrongAmount.Amount = "4.99"
	sb.Record(wrongAmount)
	wrongTo := paid("0xelsewhere", true)
	wrongTo.Recipient = "0xbeef"
	sb.Record(wrongTo)
	wrongCurrency := paid("0xeur", true)
	wrongCurrency.Currency = "EUR"
	sb.Record(wrongCurrency)

	tests := []struct {
		hash string
		want models.PaymentOutcome
	}{
		{"0xmissing", models.OutcomeNotFound},
		{"", models.OutcomeNotFound},
		{"0xpending", models.OutcomeNotFinal},
		{"0xcheap", models.OutcomeAmountMismatch},
		{"0xeur", models.OutcomeAmountMismatch},
		{"0xelsewhere", models.OutcomeRecipientMismatch},
		{" 0xOK ", models.OutcomeConfirmed},
	}
	for _, tt := range tests {
		got, err := v.Verify(ctx, req(tt.hash, "sub-"+tt.hash))
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "hash %q", tt.hash)
	}

	owner, ok, _ := s.TransactionOwner(ctx, "0xok")
	assert.True(t, ok)
	assert.Equal(t, "sub- 0xOK ", owner)

	recs, _ := s.ListPaymentRecords(ctx, "")
	assert.Len(t, recs, len(tests))
}

func TestVerifyIsIdempotentForSameSubscription(t *testing.T) {
	ctx := context.Background()
	v, sb, s := setup(t)
	sb.Record(paid("0xabc", true))

	for i := 0; i < 3; i++ {
		got, err := v.Verify(ctx, req("0xABC", "sub-1"))
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeConfirmed, got)
	}
	recs, _ := s.ListPaymentRecords(ctx, "sub-1")
	assert.Len(t, recs, 1, "repeat verifications write nothing")
}

func TestVerifyRejectsReuseAcrossSubscriptions(t *testing.T) {
	ctx := context.Background()
	v, sb, _ := setup(t)
	sb.Record(paid("0xabc", true))

	got, err := v.Verify(ctx, req("0xabc", "sub-1"))
	require.NoError(t, err)
	require.Equal(t, models.OutcomeConfirmed, got)

	got, err = v.Verify(ctx, req("0xabc", "sub-2"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAlreadyConsumed, got)
}

func TestVerifyConcurrentClaimHasOneWinner(t *testing.T) {
	ctx := context.Background()
	v, sb, _ := setup(t)
	sb.Record(paid("0xrace", true))

	var confirmed, consumed int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := v.Verify(ctx, req("0xrace", "sub-"+string(rune('a'+i))))
			if err != nil {
				t.Errorf("Verify() error = %v", err)
				return
			}
			switch got {
			case models.OutcomeConfirmed:
				atomic.AddInt32(&confirmed, 1)
			case models.OutcomeAlreadyConsumed:
				atomic.AddInt32(&consumed, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, confirmed)
	assert.EqualValues(t, 15, consumed)
}

type downLedger struct{}

func (downLedger) Kind() string { return "down" }
func (downLedger) QueryTransaction(context.Context, string) (*models.LedgerTransaction, error) {
	return nil, errors.New("connection refused")
}

func TestVerifyLedgerErrorIsTransient(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStoreAt("")
	defer s.Close()
	v := payment.NewVerifier(downLedger{}, nil, s)

	_, err := v.Verify(ctx, req("0xabc", "sub-1"))
	require.Error(t, err)

	_, ok, _ := s.TransactionOwner(ctx, "0xabc")
	assert.False(t, ok)
	recs, _ := s.ListPaymentRecords(ctx, "")
	assert.Empty(t, recs)
}

func TestVerifySkipsRecipientWhenUnset(t *testing.T) {
	v, sb, _ := setup(t)
	sb.Record(paid("0xabc", true))
	r := req("0xabc", "sub-1")
	r.Recipient = ""
	got, err := v.Verify(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeConfirmed, got)
}
