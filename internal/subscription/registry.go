// Package subscription owns the subscription state machine. Every transition
// runs under a per-subscription lock; the one-open-subscription rule per
// (subscriber, plan) runs under a pair lock taken before it.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentoven/newswire/internal/events"
	"github.com/agentoven/newswire/internal/payment"
	"github.com/agentoven/newswire/internal/store"
	"github.com/agentoven/newswire/internal/telemetry"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRenewalWindow      = 72 * time.Hour
	DefaultMaxPaymentAttempts = 3
)

// Verifier confirms payments. *payment.Verifier implements it.
type Verifier interface {
	Verify(ctx context.Context, req payment.VerifyRequest) (models.PaymentOutcome, error)
}

// Outbox posts a message into a thread and pushes it to the recipient.
type Outbox interface {
	Post(ctx context.Context, threadID, senderID string, msg models.Message) (int64, error)
}

// Auditor records audit events.
type Auditor interface {
	Record(ctx context.Context, ev models.AuditEvent)
}

// Config tunes the registry.
type Config struct {
	RenewalWindow      time.Duration
	MaxPaymentAttempts int
}

// Registry holds subscription state machines.
type Registry struct {
	store    store.Store
	verifier Verifier
	bus      *events.Bus
	outbox   Outbox
	audit    Auditor
	metrics  *telemetry.Metrics
	cfg      Config
	now      func() time.Time

	subLocks  *keyedMutex
	pairLocks *keyedMutex
}

// Option configures a Registry.
type Option func(*Registry)

func WithBus(b *events.Bus) Option            { return func(r *Registry) { r.bus = b } }
func WithOutbox(o Outbox) Option              { return func(r *Registry) { r.outbox = o } }
func WithAuditor(a Auditor) Option            { return func(r *Registry) { r.audit = a } }
func WithMetrics(m *telemetry.Metrics) Option { return func(r *Registry) { r.metrics = m } }
func WithClock(now func() time.Time) Option   { return func(r *Registry) { r.now = now } }
func WithConfig(cfg Config) Option            { return func(r *Registry) { r.cfg = cfg } }

// NewRegistry creates a registry over s.
func NewRegistry(s store.Store, v Verifier, opts ...Option) *Registry {
	r := &Registry{
		store:     s,
		verifier:  v,
		now:       time.Now,
		subLocks:  newKeyedMutex(),
		pairLocks: newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cfg.RenewalWindow <= 0 {
		r.cfg.RenewalWindow = DefaultRenewalWindow
	}
	if r.cfg.MaxPaymentAttempts <= 0 {
		r.cfg.MaxPaymentAttempts = DefaultMaxPaymentAttempts
	}
	return r
}

// legal lists the transitions the state machine accepts.
var legal = map[models.SubscriptionState][]models.SubscriptionState{
	models.StateRequested:      {models.StatePendingPayment, models.StateCancelled, models.StateFailed},
	models.StatePendingPayment: {models.StateActive, models.StateCancelled, models.StateFailed},
	models.StateActive:         {models.StateRenewing, models.StateCancelled, models.StateFailed},
	models.StateRenewing:       {models.StateActive, models.StateExpired, models.StateCancelled, models.StateFailed},
}

func canTransition(from, to models.SubscriptionState) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

func pairKey(subscriberID, planID string) string {
	return subscriberID + "\x00" + planID
}

// ── Reads ────────────────────────────────────────────────────

func (r *Registry) Get(ctx context.Context, id string) (*models.Subscription, error) {
	return r.store.GetSubscription(ctx, id)
}

func (r *Registry) List(ctx context.Context, filter models.SubscriptionFilter) ([]models.Subscription, error) {
	return r.store.ListSubscriptions(ctx, filter)
}

// Deliverable reports whether content may still be sent: the subscription
// is Active or Renewing and now is inside the paid window.
func (r *Registry) Deliverable(ctx context.Context, id string, now time.Time) (bool, error) {
	sub, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		return false, err
	}
	return deliverable(sub, now), nil
}

func deliverable(sub *models.Subscription, now time.Time) bool {
	if sub.State != models.StateActive && sub.State != models.StateRenewing {
		return false
	}
	return sub.PaidThrough(now)
}

// ── Transitions ──────────────────────────────────────────────

// Subscribe records a subscribe intent as a Requested subscription.
func (r *Registry) Subscribe(ctx context.Context, subscriberID, planID, threadID string) (*models.Subscription, error) {
	plan, err := r.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if subscriberID == plan.ProducerID {
		return nil, &models.ProtocolError{Reason: "a producer cannot subscribe to its own plan"}
	}

	now := r.now().UTC()
	sub := &models.Subscription{
		ID:           uuid.NewString(),
		SubscriberID: subscriberID,
		ProducerID:   plan.ProducerID,
		PlanID:       plan.ID,
		ThreadID:     threadID,
		State:        models.StateRequested,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	log.Info().
		Str("subscription", sub.ID).
		Str("subscriber", subscriberID).
		Str("plan", plan.ID).
		Msg("Subscription requested")
	return sub, nil
}

// RequestPayment issues the PaymentRequest for a Requested subscription and
// moves it to PendingPayment. It fails with ErrDuplicateSubscription when
// the subscriber already has an open subscription to the plan; the rejected
// request is marked Failed so it never lingers.
func (r *Registry) RequestPayment(ctx context.Context, id string) (*models.Subscription, *models.PaymentRequest, error) {
	peek, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	unlockPair := r.pairLocks.Lock(pairKey(peek.SubscriberID, peek.PlanID))
	defer unlockPair()
	unlock := r.subLocks.Lock(id)
	defer unlock()

	sub, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if sub.State != models.StateRequested {
		return sub, nil, r.reject(sub, "request payment")
	}
	plan, err := r.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return sub, nil, err
	}

	open, err := r.store.ListSubscriptions(ctx, models.SubscriptionFilter{
		SubscriberID: sub.SubscriberID,
		PlanID:       sub.PlanID,
		States:       []models.SubscriptionState{models.StatePendingPayment, models.StateActive, models.StateRenewing},
	})
	if err != nil {
		return sub, nil, err
	}
	if len(open) > 0 {
		sub.FailureReason = models.ErrorCode(models.ErrDuplicateSubscription)
		if err := r.apply(ctx, sub, models.StateFailed, sub.SubscriberID); err != nil {
			return sub, nil, err
		}
		return sub, nil, fmt.Errorf("%w: %s already open for plan %s", models.ErrDuplicateSubscription, open[0].ID, plan.ID)
	}

	if err := r.apply(ctx, sub, models.StatePendingPayment, sub.ProducerID); err != nil {
		return sub, nil, err
	}
	return sub, paymentRequestFor(sub, plan, nil), nil
}

// ConfirmPayment verifies txHash for a PendingPayment or Renewing
// subscription. A non-Confirmed outcome is returned both as the outcome and
// as a *models.PaymentError. A non-nil error without an outcome means the
// ledger could not be consulted; nothing changed.
func (r *Registry) ConfirmPayment(ctx context.Context, id, txHash string) (*models.Subscription, models.PaymentOutcome, error) {
	hash := payment.NormalizeHash(txHash)
	unlock := r.subLocks.Lock(id)
	defer unlock()

	sub, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if hash != "" && sub.Owns(hash) && (sub.State == models.StateActive || sub.State == models.StateRenewing) {
		return sub, models.OutcomeConfirmed, nil
	}
	if sub.State != models.StatePendingPayment && sub.State != models.StateRenewing {
		return sub, "", r.reject(sub, "confirm payment")
	}
	plan, err := r.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return sub, "", err
	}

	outcome, err := r.verifier.Verify(ctx, payment.VerifyRequest{
		TxHash:         hash,
		SubscriptionID: sub.ID,
		Recipient:      plan.Recipient,
		Amount:         plan.Price,
		Currency:       plan.Currency,
	})
	if err != nil {
		return sub, "", fmt.Errorf("verify payment: %w", err)
	}

	if outcome != models.OutcomeConfirmed {
		return sub, outcome, r.paymentFailed(ctx, sub, hash, outcome)
	}

	now := r.now().UTC()
	sub.ConsumedTxHash = hash
	sub.TxHashes = append(sub.TxHashes, hash)
	sub.FailedAttempts = 0
	sub.FailureReason = ""

	if sub.State == models.StateRenewing {
		expires := sub.ExpiresAt.Add(plan.Duration)
		sub.ExpiresAt = &expires
		if err := r.apply(ctx, sub, models.StateActive, sub.SubscriberID); err != nil {
			return sub, "", err
		}
		r.publish(events.SubscriptionRenewed, sub, now)
		return sub, outcome, nil
	}

	expires := now.Add(plan.Duration)
	sub.ActivatedAt = &now
	sub.ExpiresAt = &expires
	sub.NextDeliveryAt = &now
	if err := r.apply(ctx, sub, models.StateActive, sub.SubscriberID); err != nil {
		return sub, "", err
	}
	r.publish(events.SubscriptionActivated, sub, now)
	return sub, outcome, nil
}

// paymentFailed counts a rejected payment. NotFinal does not count: the
// same hash may confirm later. PendingPayment subscriptions move to Failed
// at the ceiling; Renewing ones keep their paid window and expire instead.
func (r *Registry) paymentFailed(ctx context.Context, sub *models.Subscription, hash string, outcome models.PaymentOutcome) error {
	perr := &models.PaymentError{Outcome: outcome, TxHash: hash}
	if outcome == models.OutcomeNotFinal {
		return perr
	}
	sub.FailedAttempts++
	sub.FailureReason = string(outcome)
	sub.UpdatedAt = r.now().UTC()

	if sub.State == models.StatePendingPayment && sub.FailedAttempts >= r.cfg.MaxPaymentAttempts {
		if err := r.apply(ctx, sub, models.StateFailed, sub.SubscriberID); err != nil {
			return err
		}
		r.publish(events.SubscriptionFailed, sub, sub.UpdatedAt)
		return perr
	}
	if err := r.store.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	log.Warn().
		Str("subscription", sub.ID).
		Str("tx_hash", hash).
		Str("outcome", string(outcome)).
		Int("attempt", sub.FailedAttempts).
		Msg("Payment rejected")
	return perr
}

// Cancel moves any non-terminal subscription to Cancelled. The scheduler
// sees the new state before its next attempt and stops.
func (r *Registry) Cancel(ctx context.Context, id, actor string) (*models.Subscription, error) {
	unlock := r.subLocks.Lock(id)
	defer unlock()

	sub, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.State.Terminal() {
		return sub, r.reject(sub, "cancel")
	}
	sub.NextDeliveryAt = nil
	if err := r.apply(ctx, sub, models.StateCancelled, actor); err != nil {
		return sub, err
	}
	r.publish(events.SubscriptionCancelled, sub, sub.UpdatedAt)
	return sub, nil
}

// TickResult lists the subscriptions a Tick moved.
type TickResult struct {
	Renewing []string
	Expired  []string
}

// Tick starts renewals inside the renewal window and expires Renewing
// subscriptions whose paid window has closed. A subscription may pass
// through both in one call.
func (r *Registry) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	var res TickResult
	subs, err := r.store.ListSubscriptions(ctx, models.SubscriptionFilter{
		States: []models.SubscriptionState{models.StateActive, models.StateRenewing},
	})
	if err != nil {
		return res, err
	}

	var errs []error
	for _, s := range subs {
		renewed, expired, err := r.tickOne(ctx, s.ID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if renewed {
			res.Renewing = append(res.Renewing, s.ID)
		}
		if expired {
			res.Expired = append(res.Expired, s.ID)
		}
	}
	return res, errors.Join(errs...)
}

func (r *Registry) tickOne(ctx context.Context, id string, now time.Time) (renewed, expired bool, err error) {
	unlock := r.subLocks.Lock(id)
	defer unlock()

	sub, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		return false, false, err
	}
	if sub.ExpiresAt == nil {
		return false, false, nil
	}

	if sub.State == models.StateActive && !now.Before(sub.ExpiresAt.Add(-r.cfg.RenewalWindow)) {
		if err := r.apply(ctx, sub, models.StateRenewing, "scheduler"); err != nil {
			return false, false, err
		}
		renewed = true
		r.publish(events.SubscriptionRenewalRequested, sub, now)
		r.notifyRenewal(ctx, sub, now)
	}

	if sub.State == models.StateRenewing && !now.Before(*sub.ExpiresAt) {
		sub.NextDeliveryAt = nil
		if err := r.apply(ctx, sub, models.StateExpired, "scheduler"); err != nil {
			return renewed, false, err
		}
		expired = true
		r.publish(events.SubscriptionExpired, sub, now)
		r.notifyExpired(ctx, sub)
	}
	return renewed, expired, nil
}

// RecordDelivery stores a successful delivery and the next slot. Terminal
// subscriptions are left untouched.
func (r *Registry) RecordDelivery(ctx context.Context, id string, at, next time.Time) error {
	return r.schedule(ctx, id, &at, next)
}

// Reschedule moves the next delivery slot without recording a delivery.
func (r *Registry) Reschedule(ctx context.Context, id string, next time.Time) error {
	return r.schedule(ctx, id, nil, next)
}

func (r *Registry) schedule(ctx context.Context, id string, at *time.Time, next time.Time) error {
	unlock := r.subLocks.Lock(id)
	defer unlock()

	sub, err := r.store.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	if sub.State.Terminal() {
		return nil
	}
	if at != nil {
		t := at.UTC()
		sub.LastDeliveryAt = &t
	}
	n := next.UTC()
	sub.NextDeliveryAt = &n
	sub.UpdatedAt = r.now().UTC()
	return r.store.UpdateSubscription(ctx, sub)
}

// ── Helpers ──────────────────────────────────────────────────

// apply performs a checked transition and persists it. Callers hold the
// subscription lock.
func (r *Registry) apply(ctx context.Context, sub *models.Subscription, to models.SubscriptionState, actor string) error {
	from := sub.State
	if !canTransition(from, to) {
		return r.reject(sub, "move to "+string(to))
	}
	sub.State = to
	sub.UpdatedAt = r.now().UTC()
	if err := r.store.UpdateSubscription(ctx, sub); err != nil {
		sub.State = from
		return fmt.Errorf("update subscription: %w", err)
	}

	r.metrics.Transition(string(from), string(to))
	log.Info().
		Str("subscription", sub.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Subscription transition")

	severity := models.SeverityInfo
	if to == models.StateFailed {
		severity = models.SeverityWarning
	}
	if r.audit != nil {
		r.audit.Record(ctx, models.AuditEvent{
			Actor:      actor,
			Action:     "subscription." + string(to),
			Resource:   "subscription",
			ResourceID: sub.ID,
			Severity:   severity,
			Details: map[string]interface{}{
				"from":   string(from),
				"plan":   sub.PlanID,
				"reason": sub.FailureReason,
			},
		})
	}
	return nil
}

func (r *Registry) reject(sub *models.Subscription, event string) error {
	err := &models.StateError{SubscriptionID: sub.ID, From: sub.State, Event: event}
	log.Warn().Err(err).Str("subscription", sub.ID).Msg("Transition rejected")
	return err
}

func (r *Registry) publish(kind events.Kind, sub *models.Subscription, at time.Time) {
	r.bus.Publish(events.Event{
		Kind:           kind,
		SubscriptionID: sub.ID,
		SubscriberID:   sub.SubscriberID,
		ProducerID:     sub.ProducerID,
		PlanID:         sub.PlanID,
		At:             at,
	})
}
