// Package ledger implements contracts.Ledger against real and simulated
// ledgers. The verifier only needs to know whether a transaction exists,
// whether it is final, and where the value went.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/agentoven/newswire/pkg/models"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
)

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// EthereumConfig configures the Ethereum ledger.
type EthereumConfig struct {
	RPCURL           string
	MinConfirmations int
	Currency         string // reported currency code, "ETH" unless a testnet label is wanted
}

// Ethereum queries an Ethereum JSON-RPC node for native value transfers.
type Ethereum struct {
	client *ethclient.Client
	cfg    EthereumConfig
}

// DialEthereum connects to the node at cfg.RPCURL.
func DialEthereum(ctx context.Context, cfg EthereumConfig) (*Ethereum, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum node: %w", err)
	}
	if cfg.MinConfirmations < 1 {
		cfg.MinConfirmations = 1
	}
	if cfg.Currency == "" {
		cfg.Currency = "ETH"
	}
	head, err := client.BlockNumber(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ethereum node unreachable: %w", err)
	}
	log.Info().
		Uint64("head", head).
		Int("min_confirmations", cfg.MinConfirmations).
		Msg("Ethereum ledger connected")
	return &Ethereum{client: client, cfg: cfg}, nil
}

func (e *Ethereum) Kind() string { return "ethereum" }

// Close releases the RPC connection.
func (e *Ethereum) Close() { e.client.Close() }

func (e *Ethereum) QueryTransaction(ctx context.Context, hash string) (*models.LedgerTransaction, error) {
	out := &models.LedgerTransaction{Hash: hash, Currency: e.cfg.Currency}
	if !isTxHash(hash) {
		return out, nil
	}
	h := common.HexToHash(hash)

	tx, pending, err := e.client.TransactionByHash(ctx, h)
	if errors.Is(err, ethereum.NotFound) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transaction by hash: %w", err)
	}

	out.Found = true
	out.Amount = WeiToEther(tx.Value())
	if to := tx.To(); to != nil {
		out.Recipient = to.Hex()
	}
	if pending {
		return out, nil
	}

	receipt, err := e.client.TransactionReceipt(ctx, h)
	if errors.Is(err, ethereum.NotFound) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transaction receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		// A reverted transaction moved no value.
		log.Warn().Str("tx_hash", hash).Msg("Transaction reverted on chain")
		out.Found = false
		return out, nil
	}

	head, err := e.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("block number: %w", err)
	}
	included := receipt.BlockNumber.Uint64()
	var confirmations uint64
	if head >= included {
		confirmations = head - included + 1
	}
	out.Finalized = confirmations >= uint64(e.cfg.MinConfirmations)
	return out, nil
}

// WeiToEther renders a wei amount as a trimmed decimal ether string.
func WeiToEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	r := new(big.Rat).SetFrac(wei, weiPerEther)
	s := r.FloatString(18)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

func isTxHash(s string) bool {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
