// Package store provides the storage interfaces and implementations for the
// newswire control plane. The memory store keeps everything in maps with
// JSON snapshot persistence; the pebble store is a durable thread log that
// can be layered over it.
package store

import (
	"context"
	"time"

	"github.com/agentoven/newswire/pkg/models"
)

// Store is the primary storage interface for the control plane.
// Components receive it explicitly; nothing reaches for a global.
type Store interface {
	ThreadStore
	PlanStore
	SubscriptionStore
	PaymentStore
	DeliveryStore
	EndpointStore
	AuditStore

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Thread Store ────────────────────────────────────────────

// ThreadStore is the append-only, per-pair message log.
type ThreadStore interface {
	// GetOrCreateThread returns the thread for the unordered pair (a, b),
	// creating it with a as the initiator when none exists. created reports
	// whether this call created it.
	GetOrCreateThread(ctx context.Context, a, b string) (thread *models.Thread, created bool, err error)
	GetThread(ctx context.Context, id string) (*models.Thread, error)
	FindThread(ctx context.Context, a, b string) (*models.Thread, error)
	ListThreads(ctx context.Context, participant string) ([]models.Thread, error)

	// AppendMessage assigns the next sequence number and stores a copy of msg.
	// Appends to one thread are serialized; unknown threads fail with ErrNotFound.
	AppendMessage(ctx context.Context, threadID string, msg *models.Message) (int64, error)

	// ReadMessages opens a cursor at fromSeq (inclusive). The cursor ends at
	// the last message visible when it was opened.
	ReadMessages(ctx context.Context, threadID string, fromSeq int64) (MessageCursor, error)
}

// MessageCursor yields thread messages lazily in sequence order.
type MessageCursor interface {
	Next() (models.Message, bool)
	Err() error
	Close() error
}

// ── Plan Store ──────────────────────────────────────────────

type PlanStore interface {
	ListPlans(ctx context.Context, producerID string) ([]models.SubscriptionPlan, error)
	GetPlan(ctx context.Context, id string) (*models.SubscriptionPlan, error)
	CreatePlan(ctx context.Context, plan *models.SubscriptionPlan) error
}

// ── Subscription Store ──────────────────────────────────────

type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *models.Subscription) error
	ListSubscriptions(ctx context.Context, filter models.SubscriptionFilter) ([]models.Subscription, error)
}

// ── Payment Store ───────────────────────────────────────────

// PaymentStore holds verification records and the in-process consumption
// index of transaction hashes.
type PaymentStore interface {
	// ClaimTransaction atomically binds hash to subscriptionID if unbound.
	// It returns the owning subscription and whether this call made the claim.
	ClaimTransaction(ctx context.Context, hash, subscriptionID string) (owner string, claimed bool, err error)
	TransactionOwner(ctx context.Context, hash string) (owner string, ok bool, err error)
	CreatePaymentRecord(ctx context.Context, record *models.PaymentVerificationRecord) error
	ListPaymentRecords(ctx context.Context, subscriptionID string) ([]models.PaymentVerificationRecord, error)
}

// ── Delivery Store ──────────────────────────────────────────

type DeliveryStore interface {
	CreateDeliveryRecord(ctx context.Context, record *models.DeliveryRecord) error
	// ListDeliveryRecords returns records for a subscription, oldest first.
	ListDeliveryRecords(ctx context.Context, subscriptionID string) ([]models.DeliveryRecord, error)
	// ListDeliveryRecordsBefore returns records attempted before cutoff, oldest first.
	ListDeliveryRecordsBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.DeliveryRecord, error)
	DeleteDeliveryRecord(ctx context.Context, id string) error
}

// ── Endpoint Store ──────────────────────────────────────────

// EndpointStore manages push targets for agents reached over webhooks.
type EndpointStore interface {
	ListEndpoints(ctx context.Context) ([]models.AgentEndpoint, error)
	GetEndpoint(ctx context.Context, participantID string) (*models.AgentEndpoint, error)
	UpsertEndpoint(ctx context.Context, endpoint *models.AgentEndpoint) error
	DeleteEndpoint(ctx context.Context, participantID string) error
}

// ── Audit Store ─────────────────────────────────────────────

type AuditStore interface {
	CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error
	ListAuditEvents(ctx context.Context, filter models.AuditFilter) ([]models.AuditEvent, error)
	CountAuditEvents(ctx context.Context, filter models.AuditFilter) (int64, error)
	DeleteAuditEvent(ctx context.Context, id string) error
}

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// Unwrap maps the entity onto its domain sentinel so callers can use errors.Is.
func (e *ErrNotFound) Unwrap() error {
	switch e.Entity {
	case "thread":
		return models.ErrThreadNotFound
	case "plan":
		return models.ErrPlanNotFound
	case "subscription":
		return models.ErrSubscriptionNotFound
	}
	return nil
}

// ErrConflict is returned when creating an entity whose key already exists.
type ErrConflict struct {
	Entity string
	Key    string
}

func (e *ErrConflict) Error() string {
	return e.Entity + " already exists: " + e.Key
}
