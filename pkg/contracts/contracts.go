// Package contracts defines the collaborator interfaces of the newswire
// control plane.
//
// Everything outside the subscription core talks to it through these
// interfaces: the ledger that proves payments, the generator that produces
// content, the channel adapters that carry messages to external surfaces,
// and the sinks that receive audit and archive data. Wiring in pkg/server
// picks the concrete implementation for each.
package contracts

import (
	"context"

	"github.com/agentoven/newswire/internal/store"
	"github.com/agentoven/newswire/pkg/models"
)

// Store is a type alias for the internal Store interface.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Ledger ───────────────────────────────────────────────────

// Ledger answers questions about transactions on an external ledger.
// Implementations: internal/ledger.Ethereum, internal/ledger.Sandbox
type Ledger interface {
	// Kind returns the ledger identifier ("ethereum", "sandbox").
	Kind() string

	// QueryTransaction looks up a transaction by hash. A hash the ledger has
	// never seen is reported with Found=false, not as an error. Errors are
	// reserved for transport failures.
	QueryTransaction(ctx context.Context, hash string) (*models.LedgerTransaction, error)
}

// ── Content Generator ────────────────────────────────────────

// ContentGenerator produces a summary for a set of topics over a timespan.
// Implementations: internal/content.OpenAIGenerator, AnthropicGenerator, StaticGenerator
type ContentGenerator interface {
	Name() string
	Generate(ctx context.Context, topics []string, timespan string) (*models.Content, error)
}

// ── Channel Adapters ─────────────────────────────────────────

// InboundHandler receives messages translated by a channel adapter.
type InboundHandler func(ctx context.Context, msg models.InboundMessage) error

// ChannelAdapter translates between an external surface and thread messages.
// Adapters only push: they never read subscription or thread state.
// Implementations: internal/channels.HTTPAdapter, WebhookAdapter, TelegramAdapter
type ChannelAdapter interface {
	// Kind returns the adapter identifier ("http", "webhook", "telegram").
	Kind() string

	// Handles reports whether this adapter can reach the participant.
	Handles(participant string) bool

	// Send delivers an outbound thread message to the participant.
	Send(ctx context.Context, threadID, recipient string, msg models.Message) error

	// OnInboundMessage registers the handler inbound traffic is pushed to.
	OnInboundMessage(handler InboundHandler)
}

// ── Audit Sink ───────────────────────────────────────────────

// AuditSink forwards audit events to an external system.
// Implementation: internal/audit.KafkaSink
type AuditSink interface {
	Publish(ctx context.Context, event models.AuditEvent) error
	Close() error
}

// ── Archive Driver ───────────────────────────────────────────

// ArchiveDriver writes expired records to durable storage before purge.
// Implementation: internal/retention.LocalFileArchiver
type ArchiveDriver interface {
	Kind() string
	ArchiveDeliveryRecords(ctx context.Context, records []models.DeliveryRecord) (string, error)
	ArchiveAuditEvents(ctx context.Context, events []models.AuditEvent) (string, error)
	HealthCheck(ctx context.Context) error
}
