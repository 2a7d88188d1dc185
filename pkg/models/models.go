package models

import (
	"strings"
	"time"
)

// ── Threads & Messages ───────────────────────────────────────

// SenderRole identifies which side of a thread sent a message.
type SenderRole string

const (
	RoleInitiator SenderRole = "initiator"
	RoleResponder SenderRole = "responder"
)

// Thread is the conversation between exactly two participants. There is at
// most one thread per unordered participant pair.
type Thread struct {
	ID           string    `json:"id" db:"id"`
	ParticipantA string    `json:"participant_a" db:"participant_a"` // initiator
	ParticipantB string    `json:"participant_b" db:"participant_b"`
	LastSeq      int64     `json:"last_seq" db:"last_seq"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// RoleOf returns the role a participant plays in the thread.
func (t *Thread) RoleOf(participant string) SenderRole {
	if participant == t.ParticipantA {
		return RoleInitiator
	}
	return RoleResponder
}

// Peer returns the other participant.
func (t *Thread) Peer(participant string) string {
	if participant == t.ParticipantA {
		return t.ParticipantB
	}
	return t.ParticipantA
}

// Has reports whether participant is one of the two sides of the thread.
func (t *Thread) Has(participant string) bool {
	return participant == t.ParticipantA || participant == t.ParticipantB
}

// PairKey returns the canonical key for an unordered participant pair.
func PairKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + "|" + b
}

// Message is one immutable entry in a thread. Seq is assigned on append.
type Message struct {
	ID             string                 `json:"id" db:"id"`
	ThreadID       string                 `json:"thread_id" db:"thread_id"`
	Seq            int64                  `json:"seq" db:"seq"`
	SenderID       string                 `json:"sender_id" db:"sender_id"`
	SenderRole     SenderRole             `json:"sender_role" db:"sender_role"`
	Timestamp      time.Time              `json:"timestamp" db:"timestamp"`
	Content        string                 `json:"content" db:"content"`
	StructuredData map[string]interface{} `json:"structured_data,omitempty"`
	Capabilities   []CapabilityEnvelope   `json:"capabilities,omitempty"`
}

// Action returns structured_data.action, or "" when absent.
func (m *Message) Action() string {
	if m.StructuredData == nil {
		return ""
	}
	a, _ := m.StructuredData["action"].(string)
	return a
}

// Field returns a string field from structured_data.
func (m *Message) Field(name string) string {
	if m.StructuredData == nil {
		return ""
	}
	v, _ := m.StructuredData[name].(string)
	return strings.TrimSpace(v)
}

// Clone returns a deep copy so stored messages cannot be mutated by callers.
func (m Message) Clone() Message {
	out := m
	if m.StructuredData != nil {
		out.StructuredData = cloneMap(m.StructuredData)
	}
	if m.Capabilities != nil {
		out.Capabilities = make([]CapabilityEnvelope, len(m.Capabilities))
		for i, c := range m.Capabilities {
			out.Capabilities[i] = c
			if c.Payload != nil {
				out.Capabilities[i].Payload = append([]byte(nil), c.Payload...)
			}
		}
	}
	return out
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		switch tv := v.(type) {
		case map[string]interface{}:
			out[k] = cloneMap(tv)
		case []interface{}:
			cp := make([]interface{}, len(tv))
			for i, e := range tv {
				if m, ok := e.(map[string]interface{}); ok {
					cp[i] = cloneMap(m)
				} else {
					cp[i] = e
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// Message actions carried in structured_data.action.
const (
	ActionSubscribe       = "subscribe"
	ActionConfirm         = "confirm_subscription"
	ActionCancel          = "cancel_subscription"
	ActionDeliverNews     = "deliver_news"
	ActionListPlans       = "list_plans"
	ActionPaymentRequired = "payment_required"
	ActionActive          = "subscription_active"
	ActionCancelled       = "subscription_cancelled"
	ActionExpired         = "subscription_expired"
	ActionPlans           = "plans"
	ActionWelcome         = "welcome"
	ActionProcessing      = "processing"
	ActionError           = "error"
)

// InboundMessage is what a channel adapter hands to intake. Adapters never
// see thread or subscription state.
type InboundMessage struct {
	Channel        string                 `json:"channel"`
	From           string                 `json:"from"`
	To             string                 `json:"to"`
	Content        string                 `json:"content"`
	StructuredData map[string]interface{} `json:"structured_data,omitempty"`
	Capabilities   []CapabilityEnvelope   `json:"capabilities,omitempty"`
	ReceivedAt     time.Time              `json:"received_at"`
}

// ── Plans ────────────────────────────────────────────────────

// SubscriptionPlan is an immutable catalog entry offered by a producer.
type SubscriptionPlan struct {
	ID          string        `json:"id" yaml:"id" db:"id"`
	ProducerID  string        `json:"producer_id" yaml:"producer_id" db:"producer_id"`
	Name        string        `json:"name,omitempty" yaml:"name"`
	Price       string        `json:"price" yaml:"price" db:"price"` // decimal string, e.g. "5" or "0.002"
	Currency    string        `json:"currency" yaml:"currency" db:"currency"`
	Duration    time.Duration `json:"duration" yaml:"duration" db:"duration"`
	Topics      []string      `json:"topics" yaml:"topics"`
	Timespan    string        `json:"timespan,omitempty" yaml:"timespan"`       // look-back window handed to the generator
	Schedule    string        `json:"schedule,omitempty" yaml:"schedule"`       // cron expression for delivery cadence
	Interval    time.Duration `json:"interval,omitempty" yaml:"interval"`       // fixed cadence when Schedule is empty
	Recipient   string        `json:"recipient,omitempty" yaml:"recipient"`     // wallet address payments must go to
	Description string        `json:"description,omitempty" yaml:"description"` // shown in payment requests
	CreatedAt   time.Time     `json:"created_at" yaml:"-" db:"created_at"`
}

// ── Subscriptions ────────────────────────────────────────────

// SubscriptionState is the lifecycle state of a subscription.
type SubscriptionState string

const (
	StateRequested      SubscriptionState = "requested"
	StatePendingPayment SubscriptionState = "pending_payment"
	StateActive         SubscriptionState = "active"
	StateRenewing       SubscriptionState = "renewing"
	StateExpired        SubscriptionState = "expired"
	StateCancelled      SubscriptionState = "cancelled"
	StateFailed         SubscriptionState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s SubscriptionState) Terminal() bool {
	return s == StateExpired || s == StateCancelled || s == StateFailed
}

// Occupies reports whether the state counts toward the one-per-(subscriber, plan) limit.
func (s SubscriptionState) Occupies() bool {
	return s == StatePendingPayment || s == StateActive || s == StateRenewing
}

// Subscription binds a subscriber to a producer plan.
type Subscription struct {
	ID             string            `json:"id" db:"id"`
	SubscriberID   string            `json:"subscriber_id" db:"subscriber_id"`
	ProducerID     string            `json:"producer_id" db:"producer_id"`
	PlanID         string            `json:"plan_id" db:"plan_id"`
	ThreadID       string            `json:"thread_id" db:"thread_id"`
	State          SubscriptionState `json:"state" db:"state"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
	ActivatedAt    *time.Time        `json:"activated_at,omitempty" db:"activated_at"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty" db:"expires_at"`
	ConsumedTxHash string            `json:"consumed_tx_hash,omitempty" db:"consumed_tx_hash"`
	TxHashes       []string          `json:"tx_hashes,omitempty"` // every hash bound to this subscription, activation + renewals
	FailedAttempts int               `json:"failed_attempts" db:"failed_attempts"`
	FailureReason  string            `json:"failure_reason,omitempty" db:"failure_reason"`
	NextDeliveryAt *time.Time        `json:"next_delivery_at,omitempty" db:"next_delivery_at"`
	LastDeliveryAt *time.Time        `json:"last_delivery_at,omitempty" db:"last_delivery_at"`
}

// Owns reports whether hash is already bound to this subscription.
func (s *Subscription) Owns(hash string) bool {
	for _, h := range s.TxHashes {
		if h == hash {
			return true
		}
	}
	return false
}

// PaidThrough reports whether now falls inside the paid window.
func (s *Subscription) PaidThrough(now time.Time) bool {
	return s.ExpiresAt != nil && now.Before(*s.ExpiresAt)
}

// SubscriptionFilter provides query options for listing subscriptions.
type SubscriptionFilter struct {
	States       []SubscriptionState
	SubscriberID string
	ProducerID   string
	PlanID       string
	ThreadID     string
	Limit        int
}

// Matches reports whether sub satisfies the filter.
func (f SubscriptionFilter) Matches(sub *Subscription) bool {
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if sub.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.SubscriberID != "" && sub.SubscriberID != f.SubscriberID {
		return false
	}
	if f.ProducerID != "" && sub.ProducerID != f.ProducerID {
		return false
	}
	if f.PlanID != "" && sub.PlanID != f.PlanID {
		return false
	}
	if f.ThreadID != "" && sub.ThreadID != f.ThreadID {
		return false
	}
	return true
}

// ── Payments ─────────────────────────────────────────────────

// PaymentOutcome is the result of verifying a transaction against the ledger.
type PaymentOutcome string

const (
	OutcomeConfirmed         PaymentOutcome = "confirmed"
	OutcomeNotFound          PaymentOutcome = "not_found"
	OutcomeAmountMismatch    PaymentOutcome = "amount_mismatch"
	OutcomeRecipientMismatch PaymentOutcome = "recipient_mismatch"
	OutcomeNotFinal          PaymentOutcome = "not_final"
	OutcomeAlreadyConsumed   PaymentOutcome = "already_consumed"
)

// PaymentVerificationRecord is the durable trace of one verification.
type PaymentVerificationRecord struct {
	ID              string         `json:"id" db:"id"`
	TransactionHash string         `json:"transaction_hash" db:"transaction_hash"`
	SubscriptionID  string         `json:"subscription_id" db:"subscription_id"`
	VerifiedAt      time.Time      `json:"verified_at" db:"verified_at"`
	Outcome         PaymentOutcome `json:"outcome" db:"outcome"`
	Amount          string         `json:"amount,omitempty" db:"amount"`
	Currency        string         `json:"currency,omitempty" db:"currency"`
	Recipient       string         `json:"recipient,omitempty" db:"recipient"`
}

// LedgerTransaction is what a ledger reports about a transaction hash.
type LedgerTransaction struct {
	Hash      string `json:"hash"`
	Found     bool   `json:"found"`
	Finalized bool   `json:"finalized"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Recipient string `json:"recipient"`
}

// ── Delivery ─────────────────────────────────────────────────

// DeliveryStatus is the result of one delivery attempt.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRetrying  DeliveryStatus = "retrying"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryRecord tracks an attempt to deliver content to one subscriber.
type DeliveryRecord struct {
	ID             string         `json:"id" db:"id"`
	SubscriptionID string         `json:"subscription_id" db:"subscription_id"`
	ContentID      string         `json:"content_id,omitempty" db:"content_id"`
	AttemptedAt    time.Time      `json:"attempted_at" db:"attempted_at"`
	Status         DeliveryStatus `json:"status" db:"status"`
	AttemptCount   int            `json:"attempt_count" db:"attempt_count"`
	MessageSeq     int64          `json:"message_seq,omitempty" db:"message_seq"`
	Error          string         `json:"error,omitempty" db:"error"`
}

// Source is one citation attached to generated content.
type Source struct {
	URL        string  `json:"source_url"`
	Confidence float64 `json:"confidence"`
}

// Content is one generated summary ready for delivery.
type Content struct {
	ID          string    `json:"id"`
	Summary     string    `json:"summary"`
	Sources     []Source  `json:"sources,omitempty"`
	Topics      []string  `json:"topics,omitempty"`
	Timespan    string    `json:"timespan,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// ── Agent Endpoints ──────────────────────────────────────────

// AgentEndpoint is a registered push target for an external agent.
type AgentEndpoint struct {
	ParticipantID string    `json:"participant_id" db:"participant_id"`
	URL           string    `json:"url" db:"url"`
	Secret        string    `json:"secret,omitempty" db:"secret"` // HMAC signing secret
	Active        bool      `json:"active" db:"active"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// ── Audit ────────────────────────────────────────────────────

// AuditSeverity ranks audit events.
type AuditSeverity string

const (
	SeverityInfo    AuditSeverity = "info"
	SeverityWarning AuditSeverity = "warning"
	SeverityError   AuditSeverity = "error"
)

// AuditEvent represents an auditable action.
type AuditEvent struct {
	ID         string                 `json:"id" db:"id"`
	Timestamp  time.Time              `json:"timestamp" db:"timestamp"`
	Actor      string                 `json:"actor" db:"actor"`
	Action     string                 `json:"action" db:"action"`
	Resource   string                 `json:"resource" db:"resource"`
	ResourceID string                 `json:"resource_id,omitempty" db:"resource_id"`
	Severity   AuditSeverity          `json:"severity" db:"severity"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// AuditFilter provides query options for listing audit events.
type AuditFilter struct {
	Actor      string
	Action     string
	Resource   string
	ResourceID string
	Since      *time.Time
	Until      *time.Time
	Limit      int
	Offset     int
}

// ── Archive ──────────────────────────────────────────────────

// ArchiveMode controls what happens to expired data during retention cleanup.
type ArchiveMode string

const (
	ArchiveModeNone            ArchiveMode = "none"
	ArchiveModeArchiveAndPurge ArchiveMode = "archive-and-purge"
	ArchiveModeArchiveOnly     ArchiveMode = "archive-only"
)

// ArchiveRecord tracks one batch written to an archive backend.
type ArchiveRecord struct {
	ID          string    `json:"id"`
	DataKind    string    `json:"data_kind"` // "delivery_records" or "audit_events"
	RecordCount int       `json:"record_count"`
	Backend     string    `json:"backend"`
	URI         string    `json:"uri"`
	Compressed  bool      `json:"compressed"`
	CreatedAt   time.Time `json:"created_at"`
}
