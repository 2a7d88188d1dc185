package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/agentoven/newswire/internal/capability"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

func paymentRequestFor(sub *models.Subscription, plan *models.SubscriptionPlan, expiresAt *time.Time) *models.PaymentRequest {
	desc := plan.Description
	if desc == "" {
		desc = planTitle(plan) + " subscription"
	}
	return &models.PaymentRequest{
		SubscriptionID: sub.ID,
		Amount:         plan.Price,
		Currency:       plan.Currency,
		Description:    desc,
		Recipient:      plan.Recipient,
		ExpiresAt:      expiresAt,
	}
}

// RenewalRequest is the payment request that renews sub for another
// period of plan.
func RenewalRequest(sub *models.Subscription, plan *models.SubscriptionPlan) *models.PaymentRequest {
	return paymentRequestFor(sub, plan, sub.ExpiresAt)
}

func planTitle(plan *models.SubscriptionPlan) string {
	if plan.Name != "" {
		return plan.Name
	}
	return plan.ID
}

// PaymentRequestMessage renders a payment request as a thread message.
func PaymentRequestMessage(sub *models.Subscription, pr *models.PaymentRequest, text string) (models.Message, error) {
	env, err := capability.Encode(pr)
	if err != nil {
		return models.Message{}, err
	}
	return models.Message{
		Content: text,
		StructuredData: map[string]interface{}{
			"action":          models.ActionPaymentRequired,
			"subscription_id": sub.ID,
			"plan_id":         sub.PlanID,
			"amount":          pr.Amount,
			"currency":        pr.Currency,
		},
		Capabilities: []models.CapabilityEnvelope{env},
	}, nil
}

func (r *Registry) notifyRenewal(ctx context.Context, sub *models.Subscription, now time.Time) {
	if r.outbox == nil || sub.ThreadID == "" {
		return
	}
	plan, err := r.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		log.Warn().Err(err).Str("subscription", sub.ID).Msg("Renewal notice skipped")
		return
	}
	pr := RenewalRequest(sub, plan)
	text := fmt.Sprintf("Your %s subscription ends %s (%s). Pay %s %s to renew.",
		planTitle(plan),
		humanize.RelTime(*sub.ExpiresAt, now, "ago", "from now"),
		sub.ExpiresAt.Format("Jan 2 15:04 MST"),
		pr.Amount, pr.Currency)
	msg, err := PaymentRequestMessage(sub, pr, text)
	if err != nil {
		log.Warn().Err(err).Str("subscription", sub.ID).Msg("Renewal notice skipped")
		return
	}
	msg.StructuredData["renewal"] = true
	r.post(ctx, sub, msg)
}

func (r *Registry) notifyExpired(ctx context.Context, sub *models.Subscription) {
	if r.outbox == nil || sub.ThreadID == "" {
		return
	}
	r.post(ctx, sub, models.Message{
		Content: fmt.Sprintf("Your subscription %s to plan %s has expired. Send subscribe to start a new one.", sub.ID, sub.PlanID),
		StructuredData: map[string]interface{}{
			"action":          models.ActionExpired,
			"subscription_id": sub.ID,
			"plan_id":         sub.PlanID,
		},
	})
}

func (r *Registry) post(ctx context.Context, sub *models.Subscription, msg models.Message) {
	if _, err := r.outbox.Post(ctx, sub.ThreadID, sub.ProducerID, msg); err != nil {
		log.Warn().Err(err).Str("subscription", sub.ID).Str("thread", sub.ThreadID).Msg("Failed to post notice")
	}
}
