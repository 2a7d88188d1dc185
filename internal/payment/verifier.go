// Package payment confirms that an on-ledger transaction pays for a
// subscription and binds each transaction hash to at most one subscription.
package payment

import (
	"context"
	"strings"
	"time"

	"github.com/agentoven/newswire/internal/store"
	"github.com/agentoven/newswire/internal/telemetry"
	"github.com/agentoven/newswire/pkg/contracts"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultTimeout bounds a single ledger query.
const DefaultTimeout = 10 * time.Second

// VerifyRequest describes the payment a subscription expects.
type VerifyRequest struct {
	TxHash         string
	SubscriptionID string
	Recipient      string // empty skips the recipient check
	Amount         string
	Currency       string
}

// Verifier checks transactions against a ledger and the consumption index.
type Verifier struct {
	ledger  contracts.Ledger
	claims  ClaimIndex
	records store.PaymentStore
	timeout time.Duration
	metrics *telemetry.Metrics
	now     func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a verifier. A nil claims index falls back to the
// payment store's own index.
func NewVerifier(ledger contracts.Ledger, claims ClaimIndex, records store.PaymentStore, opts ...Option) *Verifier {
	if claims == nil {
		claims = NewStoreClaims(records)
	}
	v := &Verifier{
		ledger:  ledger,
		claims:  claims,
		records: records,
		timeout: DefaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// NormalizeHash canonicalizes a transaction hash for indexing.
func NormalizeHash(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}

// Verify returns the outcome of checking req.TxHash. A non-nil error means
// the ledger could not be reached; the caller may retry and nothing was
// recorded. Re-verifying a hash already bound to the same subscription
// returns OutcomeConfirmed without side effects.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) (models.PaymentOutcome, error) {
	hash := NormalizeHash(req.TxHash)

	ctx, span := telemetry.Tracer("payment").Start(ctx, "payment.verify")
	defer span.End()
	span.SetAttributes(
		attribute.String("newswire.tx_hash", hash),
		attribute.String("newswire.subscription_id", req.SubscriptionID),
		attribute.String("newswire.ledger", v.ledger.Kind()),
	)

	if hash == "" {
		return v.finish(ctx, req, hash, models.OutcomeNotFound, nil)
	}

	owner, bound, err := v.claims.Owner(ctx, hash)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim lookup failed")
		return "", err
	}
	if bound {
		if owner == req.SubscriptionID {
			span.SetAttributes(attribute.Bool("newswire.idempotent", true))
			v.metrics.Verification(string(models.OutcomeConfirmed))
			return models.OutcomeConfirmed, nil
		}
		return v.finish(ctx, req, hash, models.OutcomeAlreadyConsumed, nil)
	}

	qctx, cancel := context.WithTimeout(ctx, v.timeout)
	tx, err := v.ledger.QueryTransaction(qctx, hash)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("tx", hash).Str("ledger", v.ledger.Kind()).Msg("Ledger query failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger unavailable")
		return "", err
	}

	if outcome := match(tx, req); outcome != models.OutcomeConfirmed {
		return v.finish(ctx, req, hash, outcome, tx)
	}

	owner, claimed, err := v.claims.Claim(ctx, hash, req.SubscriptionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return "", err
	}
	if !claimed && owner != req.SubscriptionID {
		return v.finish(ctx, req, hash, models.OutcomeAlreadyConsumed, tx)
	}
	return v.finish(ctx, req, hash, models.OutcomeConfirmed, tx)
}

// match compares a ledger transaction against the expected payment.
func match(tx *models.LedgerTransaction, req VerifyRequest) models.PaymentOutcome {
	switch {
	case tx == nil || !tx.Found:
		return models.OutcomeNotFound
	case !tx.Finalized:
		return models.OutcomeNotFinal
	case req.Recipient != "" && !strings.EqualFold(strings.TrimSpace(tx.Recipient), strings.TrimSpace(req.Recipient)):
		return models.OutcomeRecipientMismatch
	case !models.SameCurrency(tx.Currency, req.Currency) || !models.AmountsEqual(tx.Amount, req.Amount):
		return models.OutcomeAmountMismatch
	}
	return models.OutcomeConfirmed
}

func (v *Verifier) finish(ctx context.Context, req VerifyRequest, hash string, outcome models.PaymentOutcome, tx *models.LedgerTransaction) (models.PaymentOutcome, error) {
	rec := &models.PaymentVerificationRecord{
		ID:              uuid.NewString(),
		TransactionHash: hash,
		SubscriptionID:  req.SubscriptionID,
		VerifiedAt:      v.now().UTC(),
		Outcome:         outcome,
	}
	if tx != nil {
		rec.Amount = tx.Amount
		rec.Currency = tx.Currency
		rec.Recipient = tx.Recipient
	}
	if err := v.records.CreatePaymentRecord(ctx, rec); err != nil {
		log.Error().Err(err).Str("tx", hash).Msg("Failed to record payment verification")
	}

	v.metrics.Verification(string(outcome))
	log.Info().
		Str("tx", hash).
		Str("subscription", req.SubscriptionID).
		Str("outcome", string(outcome)).
		Msg("Payment verified")
	return outcome, nil
}
