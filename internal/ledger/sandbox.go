package ledger

import (
	"context"
	"strings"
	"sync"

	"github.com/agentoven/newswire/pkg/models"
)

// Sandbox is an in-memory ledger for local development and tests.
// Transactions are registered through the admin API.
type Sandbox struct {
	mu  sync.RWMutex
	txs map[string]models.LedgerTransaction
}

func NewSandbox() *Sandbox {
	return &Sandbox{txs: make(map[string]models.LedgerTransaction)}
}

func (s *Sandbox) Kind() string { return "sandbox" }

// Record adds or replaces a transaction. Found is always set.
func (s *Sandbox) Record(tx models.LedgerTransaction) {
	tx.Hash = normalize(tx.Hash)
	tx.Found = true
	s.mu.Lock()
	s.txs[tx.Hash] = tx
	s.mu.Unlock()
}

// Finalize marks a recorded transaction final. It reports whether it existed.
func (s *Sandbox) Finalize(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[normalize(hash)]
	if !ok {
		return false
	}
	tx.Finalized = true
	s.txs[tx.Hash] = tx
	return true
}

// List returns every recorded transaction.
func (s *Sandbox) List() []models.LedgerTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.LedgerTransaction, 0, len(s.txs))
	for _, tx := range s.txs {
		out = append(out, tx)
	}
	return out
}

func (s *Sandbox) QueryTransaction(ctx context.Context, hash string) (*models.LedgerTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	tx, ok := s.txs[normalize(hash)]
	s.mu.RUnlock()
	if !ok {
		return &models.LedgerTransaction{Hash: hash}, nil
	}
	return &tx, nil
}

func normalize(hash string) string {
	return strings.ToLower(strings.TrimSpace(hash))
}
