package payment

import (
	"context"

	"github.com/agentoven/newswire/internal/store"
)

// ClaimIndex is the global transaction-hash consumption index. Claim must be
// a single atomic check-and-set: exactly one caller ever wins a hash.
type ClaimIndex interface {
	Kind() string
	Claim(ctx context.Context, hash, subscriptionID string) (owner string, claimed bool, err error)
	Owner(ctx context.Context, hash string) (owner string, ok bool, err error)
}

// StoreClaims keeps the index in the control plane's own store.
type StoreClaims struct {
	store store.PaymentStore
}

func NewStoreClaims(s store.PaymentStore) *StoreClaims {
	return &StoreClaims{store: s}
}

func (c *StoreClaims) Kind() string { return "memory" }

func (c *StoreClaims) Claim(ctx context.Context, hash, subscriptionID string) (string, bool, error) {
	return c.store.ClaimTransaction(ctx, hash, subscriptionID)
}

func (c *StoreClaims) Owner(ctx context.Context, hash string) (string, bool, error) {
	return c.store.TransactionOwner(ctx, hash)
}
