// Package protocol turns inbound thread messages into subscription intents.
//
// A message addressed to a producer carries its intent in
// structured_data.action. The handler calls the registry and answers in the
// same thread as the producer. A plain-text message from a paying
// subscriber is answered with a one-off summary. Messages between two
// agents that are not producers are relayed unchanged.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentoven/newswire/internal/capability"
	"github.com/agentoven/newswire/internal/content"
	"github.com/agentoven/newswire/internal/payment"
	"github.com/agentoven/newswire/internal/store"
	"github.com/agentoven/newswire/internal/subscription"
	"github.com/agentoven/newswire/pkg/contracts"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/rs/zerolog/log"
)

// Subscriptions is the registry surface the handler drives.
// *subscription.Registry implements it.
type Subscriptions interface {
	Get(ctx context.Context, id string) (*models.Subscription, error)
	List(ctx context.Context, filter models.SubscriptionFilter) ([]models.Subscription, error)
	Subscribe(ctx context.Context, subscriberID, planID, threadID string) (*models.Subscription, error)
	RequestPayment(ctx context.Context, id string) (*models.Subscription, *models.PaymentRequest, error)
	ConfirmPayment(ctx context.Context, id, txHash string) (*models.Subscription, models.PaymentOutcome, error)
	Cancel(ctx context.Context, id, actor string) (*models.Subscription, error)
}

// Poster appends a message to a thread and pushes it to the recipient.
type Poster interface {
	Post(ctx context.Context, threadID, senderID string, msg models.Message) (int64, error)
}

// Relay pushes an already stored message to its recipient.
type Relay interface {
	Deliver(ctx context.Context, threadID, recipient string, msg models.Message) error
}

// DefaultQueryTimeout bounds an on-demand summary.
const DefaultQueryTimeout = 60 * time.Second

// Handler implements intake.Handler.
type Handler struct {
	subs         Subscriptions
	plans        store.PlanStore
	out          Poster
	relay        Relay
	gen          contracts.ContentGenerator
	queryTimeout time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithRelay pushes messages between non-producer agents to the recipient.
func WithRelay(r Relay) Option { return func(h *Handler) { h.relay = r } }

// WithGenerator answers plain-text requests from paying subscribers with a
// summary generated within timeout. Zero timeout uses DefaultQueryTimeout.
func WithGenerator(gen contracts.ContentGenerator, timeout time.Duration) Option {
	return func(h *Handler) { h.gen, h.queryTimeout = gen, timeout }
}

func NewHandler(subs Subscriptions, plans store.PlanStore, out Poster, opts ...Option) *Handler {
	h := &Handler{subs: subs, plans: plans, out: out}
	for _, opt := range opts {
		opt(h)
	}
	if h.queryTimeout <= 0 {
		h.queryTimeout = DefaultQueryTimeout
	}
	return h
}

// Handle acts on msg, already stored in thread. Failures are returned;
// all but protocol errors are also answered in the thread.
func (h *Handler) Handle(ctx context.Context, thread *models.Thread, msg models.Message, created bool) error {
	sender := msg.SenderID
	producer := thread.Peer(sender)

	catalog, err := h.plans.ListPlans(ctx, producer)
	if err != nil {
		return fmt.Errorf("list plans: %w", err)
	}
	if len(catalog) == 0 {
		return h.relayMessage(ctx, thread, producer, msg)
	}

	action := msg.Action()
	switch action {
	case "":
		if created {
			return h.reply(ctx, thread, producer, models.Message{
				Content:        content.WelcomeText(producer, catalog),
				StructuredData: map[string]interface{}{"action": models.ActionWelcome, "plans": planData(catalog)},
			})
		}
		err = h.query(ctx, thread, producer, msg)
	case models.ActionSubscribe:
		err = h.subscribe(ctx, thread, producer, catalog, msg)
	case models.ActionConfirm:
		err = h.confirm(ctx, thread, producer, msg)
	case models.ActionCancel:
		err = h.cancel(ctx, thread, producer, msg)
	case models.ActionListPlans:
		err = h.reply(ctx, thread, producer, models.Message{
			Content:        content.PlanList(catalog),
			StructuredData: map[string]interface{}{"action": models.ActionPlans, "plans": planData(catalog)},
		})
	case models.ActionDeliverNews:
		err = &models.ProtocolError{Reason: "deliver_news is sent by producers only"}
	default:
		err = &models.ProtocolError{Reason: fmt.Sprintf("unknown action %q", action)}
	}

	if err != nil {
		log.Warn().Err(err).
			Str("thread", thread.ID).
			Str("sender", sender).
			Str("action", action).
			Int64("seq", msg.Seq).
			Msg("Intent rejected")
		var pe *models.ProtocolError
		if !errors.As(err, &pe) {
			h.replyError(ctx, thread, producer, msg, err)
		}
	}
	return err
}

func (h *Handler) relayMessage(ctx context.Context, thread *models.Thread, recipient string, msg models.Message) error {
	if h.relay == nil {
		return nil
	}
	if err := h.relay.Deliver(ctx, thread.ID, recipient, msg); err != nil {
		log.Warn().Err(err).Str("thread", thread.ID).Str("recipient", recipient).Msg("Relay push failed")
	}
	return nil
}

// ── Intents ──────────────────────────────────────────────────

func (h *Handler) subscribe(ctx context.Context, thread *models.Thread, producer string, catalog []models.SubscriptionPlan, msg models.Message) error {
	plan, err := pickPlan(catalog, msg)
	if err != nil {
		return err
	}

	sub, err := h.subs.Subscribe(ctx, msg.SenderID, plan.ID, thread.ID)
	if err != nil {
		return err
	}
	sub, pr, err := h.subs.RequestPayment(ctx, sub.ID)
	if err != nil {
		return err
	}

	text := fmt.Sprintf("Subscription %s to %s requested. Pay %s %s to activate it.", sub.ID, planName(plan), pr.Amount, pr.Currency)
	reply, err := subscription.PaymentRequestMessage(sub, pr, text)
	if err != nil {
		return err
	}
	return h.reply(ctx, thread, producer, reply)
}

// pickPlan resolves structured_data.plan_id, or else the catalog plan
// covering most of the topics named in the text.
func pickPlan(catalog []models.SubscriptionPlan, msg models.Message) (*models.SubscriptionPlan, error) {
	if id := msg.Field("plan_id"); id != "" {
		for i := range catalog {
			if catalog[i].ID == id {
				return &catalog[i], nil
			}
		}
		return nil, fmt.Errorf("%w: %s", models.ErrPlanNotFound, id)
	}

	q := content.ParseQuery(msg.Content)
	if len(q.Topics) == 0 {
		return nil, &models.ProtocolError{Reason: "subscribe needs plan_id or topics"}
	}
	var best *models.SubscriptionPlan
	bestScore := 0
	for i := range catalog {
		if score := overlap(catalog[i].Topics, q.Topics); score > bestScore {
			best, bestScore = &catalog[i], score
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: no plan covers %s", models.ErrPlanNotFound, strings.Join(q.Topics, ", "))
	}
	return best, nil
}

func overlap(have, want []string) int {
	n := 0
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(h, w) {
				n++
				break
			}
		}
	}
	return n
}

func (h *Handler) confirm(ctx context.Context, thread *models.Thread, producer string, msg models.Message) error {
	wa, ok := capability.WalletActionFrom(msg)
	if !ok || strings.TrimSpace(wa.TransactionHash) == "" {
		return &models.ProtocolError{Reason: "confirm_subscription needs a transaction hash"}
	}
	sub, err := h.owner(ctx, thread, msg, wa.TransactionHash)
	if err != nil {
		return err
	}
	if sub == nil {
		sub, err = h.resolve(ctx, thread, msg, models.StatePendingPayment, models.StateRenewing)
		if err != nil {
			return err
		}
	}

	sub, _, err = h.subs.ConfirmPayment(ctx, sub.ID, wa.TransactionHash)
	if err != nil {
		return err
	}
	if sub.State == models.StateRenewing {
		return h.renewalDue(ctx, thread, producer, sub, wa.TransactionHash)
	}
	return h.reply(ctx, thread, producer, models.Message{
		Content: fmt.Sprintf("Subscription %s is active until %s.", sub.ID, sub.ExpiresAt.Format(time.RFC1123)),
		StructuredData: map[string]interface{}{
			"action":          models.ActionActive,
			"subscription_id": sub.ID,
			"plan_id":         sub.PlanID,
			"expires_at":      sub.ExpiresAt.Format(time.RFC3339),
		},
	})
}

// owner returns the sender's live subscription in this thread already paid
// with hash, so a repeated confirmation is answered idempotently. It is
// nil when a subscription_id is named or none matches.
func (h *Handler) owner(ctx context.Context, thread *models.Thread, msg models.Message, hash string) (*models.Subscription, error) {
	if msg.Field("subscription_id") != "" {
		return nil, nil
	}
	live, err := h.subs.List(ctx, models.SubscriptionFilter{
		SubscriberID: msg.SenderID,
		ThreadID:     thread.ID,
		States:       []models.SubscriptionState{models.StateActive, models.StateRenewing},
	})
	if err != nil {
		return nil, err
	}
	hash = payment.NormalizeHash(hash)
	for i := range live {
		if live[i].Owns(hash) {
			return &live[i], nil
		}
	}
	return nil, nil
}

// renewalDue answers a Renewing subscriber who presented a hash that paid
// for the current period: the renewal is still owed.
func (h *Handler) renewalDue(ctx context.Context, thread *models.Thread, producer string, sub *models.Subscription, hash string) error {
	plan, err := h.plans.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return err
	}
	pr := subscription.RenewalRequest(sub, plan)
	text := fmt.Sprintf("Transaction %s paid for the period ending %s. Pay %s %s to renew subscription %s.",
		hash, sub.ExpiresAt.Format(time.RFC1123), pr.Amount, pr.Currency, sub.ID)
	reply, err := subscription.PaymentRequestMessage(sub, pr, text)
	if err != nil {
		return err
	}
	reply.StructuredData["renewal"] = true
	reply.StructuredData["expires_at"] = sub.ExpiresAt.Format(time.RFC3339)
	return h.reply(ctx, thread, producer, reply)
}

func (h *Handler) cancel(ctx context.Context, thread *models.Thread, producer string, msg models.Message) error {
	sub, err := h.resolve(ctx, thread, msg,
		models.StateRequested, models.StatePendingPayment, models.StateActive, models.StateRenewing)
	if err != nil {
		return err
	}
	sub, err = h.subs.Cancel(ctx, sub.ID, msg.SenderID)
	if err != nil {
		return err
	}
	return h.reply(ctx, thread, producer, models.Message{
		Content: fmt.Sprintf("Subscription %s is cancelled. No further deliveries will be sent.", sub.ID),
		StructuredData: map[string]interface{}{
			"action":          models.ActionCancelled,
			"subscription_id": sub.ID,
			"plan_id":         sub.PlanID,
		},
	})
}

// query answers a plain-text request from a subscriber with a paid, live
// subscription in this thread. Topics and timespan come from the text,
// falling back to the plan's. Other plain messages are ignored.
func (h *Handler) query(ctx context.Context, thread *models.Thread, producer string, msg models.Message) error {
	if h.gen == nil || strings.TrimSpace(msg.Content) == "" {
		log.Debug().Str("thread", thread.ID).Int64("seq", msg.Seq).Msg("Message without action ignored")
		return nil
	}
	live, err := h.subs.List(ctx, models.SubscriptionFilter{
		SubscriberID: msg.SenderID,
		ThreadID:     thread.ID,
		States:       []models.SubscriptionState{models.StateActive, models.StateRenewing},
	})
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	var sub *models.Subscription
	for i := range live {
		if live[i].PaidThrough(now) {
			sub = &live[i]
			break
		}
	}
	if sub == nil {
		log.Debug().Str("thread", thread.ID).Str("sender", msg.SenderID).Msg("Query from non-subscriber ignored")
		return nil
	}
	plan, err := h.plans.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return err
	}

	q := content.ParseQuery(msg.Content)
	topics := q.Topics
	if len(topics) == 0 {
		topics = plan.Topics
	}
	timespan := q.Timespan
	if !strings.Contains(strings.ToLower(msg.Content), "timespan:") && plan.Timespan != "" {
		timespan = plan.Timespan
	}
	title := q.Text
	if title == "" {
		title = strings.Join(topics, ", ")
	}

	if err := h.reply(ctx, thread, producer, models.Message{
		Content:        fmt.Sprintf("Processing your request: %s (timespan %s)...", title, timespan),
		StructuredData: map[string]interface{}{"action": models.ActionProcessing, "in_reply_to": msg.Seq},
	}); err != nil {
		return err
	}

	gctx, cancel := context.WithTimeout(ctx, h.queryTimeout)
	c, err := h.gen.Generate(gctx, topics, timespan)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("thread", thread.ID).Str("generator", h.gen.Name()).Msg("On-demand summary failed")
		cause := err
		var de *models.DeliveryError
		if !errors.As(err, &de) {
			cause = &models.DeliveryError{Kind: models.DeliveryTransient, Err: err}
		}
		h.replyError(ctx, thread, producer, msg, cause)
		return nil
	}

	tags := make([]interface{}, len(c.Topics))
	for i, t := range c.Topics {
		tags[i] = t
	}
	return h.reply(ctx, thread, producer, models.Message{
		Content: content.FormatSummary(title, c),
		StructuredData: map[string]interface{}{
			"action":          models.ActionDeliverNews,
			"subscription_id": sub.ID,
			"plan_id":         plan.ID,
			"content_id":      c.ID,
			"topics":          tags,
			"on_demand":       true,
			"in_reply_to":     msg.Seq,
		},
	})
}

// resolve finds the subscription a message refers to: the one named in
// structured_data.subscription_id, or else the sender's only subscription
// in this thread that is in one of states.
func (h *Handler) resolve(ctx context.Context, thread *models.Thread, msg models.Message, states ...models.SubscriptionState) (*models.Subscription, error) {
	if id := msg.Field("subscription_id"); id != "" {
		sub, err := h.subs.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sub.SubscriberID != msg.SenderID || sub.ThreadID != thread.ID {
			return nil, fmt.Errorf("%w: %s", models.ErrSubscriptionNotFound, id)
		}
		return sub, nil
	}

	open, err := h.subs.List(ctx, models.SubscriptionFilter{
		SubscriberID: msg.SenderID,
		ThreadID:     thread.ID,
		States:       states,
	})
	if err != nil {
		return nil, err
	}
	switch len(open) {
	case 0:
		return nil, fmt.Errorf("%w: none open in this thread", models.ErrSubscriptionNotFound)
	case 1:
		return &open[0], nil
	default:
		return nil, &models.ProtocolError{Reason: fmt.Sprintf("%d subscriptions match; name one with subscription_id", len(open))}
	}
}

// ── Replies ──────────────────────────────────────────────────

func (h *Handler) reply(ctx context.Context, thread *models.Thread, producer string, msg models.Message) error {
	if _, err := h.out.Post(ctx, thread.ID, producer, msg); err != nil {
		return fmt.Errorf("post reply: %w", err)
	}
	return nil
}

func (h *Handler) replyError(ctx context.Context, thread *models.Thread, producer string, msg models.Message, cause error) {
	reason := cause.Error()
	var pe *models.ProtocolError
	if errors.As(cause, &pe) {
		reason = pe.Reason
	}
	code := models.ErrorCode(cause)
	text := "Request failed: " + reason
	var de *models.DeliveryError
	if errors.As(cause, &de) {
		text = "Sorry, the summary could not be generated (" + reason + "). " +
			"The news source may be busy; try again shortly or narrow the request with topics: and timespan:."
	}
	reply := models.Message{
		Content: text,
		StructuredData: map[string]interface{}{
			"action":      models.ActionError,
			"error_code":  code,
			"reason":      reason,
			"in_reply_to": msg.Seq,
		},
	}
	if action := msg.Action(); action != "" {
		reply.StructuredData["request_action"] = action
	}
	if _, err := h.out.Post(ctx, thread.ID, producer, reply); err != nil {
		log.Warn().Err(err).Str("thread", thread.ID).Str("code", code).Msg("Failed to post error reply")
	}
}

func planData(plans []models.SubscriptionPlan) []interface{} {
	out := make([]interface{}, 0, len(plans))
	for _, p := range plans {
		topics := make([]interface{}, len(p.Topics))
		for i, t := range p.Topics {
			topics[i] = t
		}
		out = append(out, map[string]interface{}{
			"id":       p.ID,
			"name":     p.Name,
			"price":    p.Price,
			"currency": p.Currency,
			"duration": p.Duration.String(),
			"topics":   topics,
		})
	}
	return out
}

func planName(p *models.SubscriptionPlan) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
