package ledger_test

import (
	"context"
	"math/big"
	"testing"

	"github.com/agentoven/newswire/internal/ledger"
	"github.com/agentoven/newswire/pkg/contracts"
	"github.com/agentoven/newswire/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ contracts.Ledger = (*ledger.Sandbox)(nil)
	_ contracts.Ledger = (*ledger.Ethereum)(nil)
)

func TestSandboxLifecycle(t *testing.T) {
	s := ledger.NewSandbox()
	ctx := context.Background()

	tx, err := s.QueryTransaction(ctx, "0xABC")
	require.NoError(t, err)
	assert.False(t, tx.Found)

	s.Record(models.LedgerTransaction{Hash: "0xABC", Amount: "5", Currency: "USD", Recipient: "0xfeed"})
	tx, err = s.QueryTransaction(ctx, "0xabc")
	require.NoError(t, err)
	assert.True(t, tx.Found)
	assert.False(t, tx.Finalized)

	require.True(t, s.Finalize("0xAbC"))
	tx, _ = s.QueryTransaction(ctx, "0xabc")
	assert.True(t, tx.Finalized)
	assert.False(t, s.Finalize("0xmissing"))
}

func TestSandboxHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ledger.NewSandbox().QueryTransaction(ctx, "0x1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWeiToEther(t *testing.T) {
	oneEth, _ := new(big.Int).SetString("1000000000000000000", 10)
	assert.Equal(t, "1", ledger.WeiToEther(oneEth))
	assert.Equal(t, "0.0025", ledger.WeiToEther(big.NewInt(2500000000000000)))
	assert.Equal(t, "0", ledger.WeiToEther(big.NewInt(0)))
	assert.Equal(t, "0", ledger.WeiToEther(nil))
}
