package models

import (
	"encoding/json"
	"time"
)

// ── Capabilities ─────────────────────────────────────────────

// CapabilityTag names a capability variant on the wire.
type CapabilityTag string

const (
	CapPaymentRequest CapabilityTag = "payment_request"
	CapWalletAction   CapabilityTag = "wallet_action"
)

// CapabilityEnvelope is the wire form of a capability attached to a message.
// Payload stays raw until the codec decodes it.
type CapabilityEnvelope struct {
	Type    CapabilityTag   `json:"type"`
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// Capability is the closed set of typed capability payloads.
type Capability interface {
	Tag() CapabilityTag
	Version() int
}

// PaymentRequest asks the subscriber to pay for a subscription.
type PaymentRequest struct {
	SubscriptionID string     `json:"subscription_id"`
	Amount         string     `json:"amount"`
	Currency       string     `json:"currency"`
	Description    string     `json:"description,omitempty"`
	Recipient      string     `json:"recipient,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

func (PaymentRequest) Tag() CapabilityTag { return CapPaymentRequest }
func (PaymentRequest) Version() int       { return 1 }

// WalletAction reports a payment the subscriber made on the ledger.
type WalletAction struct {
	TransactionHash string `json:"transaction_hash"`
	Recipient       string `json:"recipient,omitempty"`
	Amount          string `json:"amount,omitempty"`
	Currency        string `json:"currency,omitempty"`
	Status          string `json:"status,omitempty"`
}

func (WalletAction) Tag() CapabilityTag { return CapWalletAction }
func (WalletAction) Version() int       { return 1 }
