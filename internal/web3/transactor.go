package web3

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
)

const (
	defaultGasLimit            = 500000
	defaultConfirmationTimeout = 60 * time.Second
	defaultReceiptPoll         = 2 * time.Second
)

// TransactionFailedError reports a transaction that was mined with a
// non-success status.
type TransactionFailedError struct {
	Hash    common.Hash
	GasUsed uint64
}

func (e *TransactionFailedError) Error() string {
	return fmt.Sprintf("transaction %s reverted (gas used %d)", e.Hash.Hex(), e.GasUsed)
}

// Unwrap exposes the coded error so callers can match on the code.
func (e *TransactionFailedError) Unwrap() error {
	return xerrors.New(xerrors.CodeTransactionFailed, "",
		xerrors.WithMetadata("tx_hash", e.Hash.Hex()),
		xerrors.WithMetadata("gas_used", fmt.Sprintf("%d", e.GasUsed)))
}

// TransactorOption customises a Transactor.
type TransactorOption func(*Transactor)

// WithGasLimit overrides the fixed gas limit attached to every transaction.
func WithGasLimit(limit uint64) TransactorOption {
	return func(t *Transactor) {
		if limit > 0 {
			t.gasLimit = limit
		}
	}
}

// WithConfirmationTimeout bounds how long Send waits for a receipt.
func WithConfirmationTimeout(d time.Duration) TransactorOption {
	return func(t *Transactor) {
		if d > 0 {
			t.confirmTimeout = d
		}
	}
}

// WithReceiptPollInterval sets the delay between receipt lookups.
func WithReceiptPollInterval(d time.Duration) TransactorOption {
	return func(t *Transactor) {
		if d > 0 {
			t.pollInterval = d
		}
	}
}

// WithTransactorLogger attaches an audit logger that records every broadcast.
func WithTransactorLogger(logger *slog.Logger) TransactorOption {
	return func(t *Transactor) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Transactor signs legacy transactions with a single key and waits for them
// to be mined.
type Transactor struct {
	backend        Backend
	key            *ecdsa.PrivateKey
	from           common.Address
	gasLimit       uint64
	confirmTimeout time.Duration
	pollInterval   time.Duration
	logger         *slog.Logger
}

// NewTransactor builds a transactor bound to backend and key.
func NewTransactor(backend Backend, key *ecdsa.PrivateKey, opts ...TransactorOption) (*Transactor, error) {
	if backend == nil {
		return nil, errors.New("web3 backend is required")
	}
	if key == nil {
		return nil, errors.New("private key is required")
	}
	t := &Transactor{
		backend:        backend,
		key:            key,
		from:           crypto.PubkeyToAddress(key.PublicKey),
		gasLimit:       defaultGasLimit,
		confirmTimeout: defaultConfirmationTimeout,
		pollInterval:   defaultReceiptPoll,
		logger:         slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// ParsePrivateKey decodes a hex private key with or without the 0x prefix.
func ParsePrivateKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, errors.New("private key is empty")
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// From returns the address that signs every transaction.
func (t *Transactor) From() common.Address {
	return t.from
}

// Send signs a transaction calling to with data and value, broadcasts it and
// blocks until the receipt is available or the confirmation timeout expires.
func (t *Transactor) Send(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Receipt, error) {
	if value == nil {
		value = new(big.Int)
	}
	chainID, err := t.backend.ChainID(ctx)
	if err != nil {
		return nil, Wrap(err, "fetch chain id")
	}
	nonce, err := t.backend.PendingNonceAt(ctx, t.from)
	if err != nil {
		return nil, Wrap(err, "fetch nonce")
	}
	gasPrice, err := t.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, Wrap(err, "fetch gas price")
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      t.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), t.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := t.backend.SendTransaction(ctx, signed); err != nil {
		return nil, Wrap(err, "broadcast transaction")
	}
	t.logger.Info("transaction broadcast",
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.String("to", to.Hex()),
		slog.Uint64("nonce", nonce),
		slog.String("value", value.String()))

	receipt, err := t.WaitForReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		t.logger.Warn("transaction reverted",
			slog.String("tx_hash", signed.Hash().Hex()),
			slog.Uint64("gas_used", receipt.GasUsed))
		return receipt, &TransactionFailedError{Hash: signed.Hash(), GasUsed: receipt.GasUsed}
	}
	t.logger.Info("transaction confirmed",
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.Uint64("gas_used", receipt.GasUsed))
	return receipt, nil
}

// WaitForReceipt polls for the receipt of hash until it is mined or the
// confirmation timeout elapses.
func (t *Transactor) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, t.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := t.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			// A deadline that expires mid-RPC is a timeout, not an unreachable node.
			if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
				return nil, receiptTimeout(hash, err)
			}
			return nil, Wrap(err, "fetch receipt", xerrors.WithMetadata("tx_hash", hash.Hex()))
		}

		select {
		case <-ctx.Done():
			return nil, receiptTimeout(hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

func receiptTimeout(hash common.Hash, cause error) error {
	return xerrors.Wrap(xerrors.CodeTimeout, cause, "timed out waiting for receipt",
		xerrors.WithMetadata("tx_hash", hash.Hex()))
}

var _ Sender = (*Transactor)(nil)
