// Package ledgertest provides an in-memory contract backend for tests. It
// decodes calls and transactions with the real contract ABIs and dispatches
// them to per-method handlers.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/verkhohliad/chaos-oracle/internal/ledger"
)

// ViewHandler answers a read-only call with the values to ABI-encode.
type ViewHandler func(args []any) ([]any, error)

// TxHandler applies a mined transaction. It returns the receipt status and
// any logs to attach to the receipt.
type TxHandler func(from common.Address, value *big.Int, args []any) (uint64, []*types.Log)

type methodKey struct {
	addr   common.Address
	method string
}

// Chain is a fake web3.Backend.
type Chain struct {
	mu sync.Mutex

	chainID   *big.Int
	gasPrice  *big.Int
	abis      map[common.Address]abi.ABI
	fallback  abi.ABI
	views     map[methodKey]ViewHandler
	txs       map[methodKey]TxHandler
	nonces    map[common.Address]uint64
	receipts  map[common.Hash]*types.Receipt
	calls     map[string]int
	sent      map[string]int
	callErr   error
	sendErr   error
	blockBase uint64
}

// New returns a chain where registry answers with the registry ABI and every
// other address with the market ABI.
func New(registry common.Address) *Chain {
	contracts := ledger.DefaultContracts()
	return &Chain{
		chainID:  big.NewInt(31337),
		gasPrice: big.NewInt(1_000_000_000),
		abis:     map[common.Address]abi.ABI{registry: contracts.Registry},
		fallback: contracts.Studio,
		views:    make(map[methodKey]ViewHandler),
		txs:      make(map[methodKey]TxHandler),
		nonces:   make(map[common.Address]uint64),
		receipts: make(map[common.Hash]*types.Receipt),
		calls:    make(map[string]int),
		sent:     make(map[string]int),
	}
}

// Bind makes addr decode calls with contract.
func (c *Chain) Bind(addr common.Address, contract abi.ABI) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abis[addr] = contract
}

// Handle registers a view handler.
func (c *Chain) Handle(addr common.Address, method string, h ViewHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views[methodKey{addr, method}] = h
}

// Return registers a view handler that always answers values.
func (c *Chain) Return(addr common.Address, method string, values ...any) {
	c.Handle(addr, method, func([]any) ([]any, error) { return values, nil })
}

// Fail registers a view handler that always fails with err.
func (c *Chain) Fail(addr common.Address, method string, err error) {
	c.Handle(addr, method, func([]any) ([]any, error) { return nil, err })
}

// OnTransaction registers a transaction handler.
func (c *Chain) OnTransaction(addr common.Address, method string, h TxHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txs[methodKey{addr, method}] = h
}

// FailCalls makes every CallContract fail with err; nil clears it.
func (c *Chain) FailCalls(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callErr = err
}

// FailSends makes every SendTransaction fail with err; nil clears it.
func (c *Chain) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Calls returns how many times method was called read-only.
func (c *Chain) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

// Sent returns how many transactions invoked method.
func (c *Chain) Sent(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[method]
}

func (c *Chain) contractFor(addr common.Address) abi.ABI {
	if contract, ok := c.abis[addr]; ok {
		return contract
	}
	return c.fallback
}

func decode(contract abi.ABI, data []byte) (*abi.Method, []any, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("calldata too short")
	}
	method, err := contract.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, err
	}
	return method, args, nil
}

// CallContract implements web3.Caller.
func (c *Chain) CallContract(_ context.Context, call gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	if c.callErr != nil {
		err := c.callErr
		c.mu.Unlock()
		return nil, err
	}
	if call.To == nil {
		c.mu.Unlock()
		return nil, errors.New("missing call target")
	}
	contract := c.contractFor(*call.To)
	method, args, err := decode(contract, call.Data)
	if err != nil {
		c.mu.Unlock()
		return nil, RevertError{Message: err.Error()}
	}
	c.calls[method.Name]++
	handler, ok := c.views[methodKey{*call.To, method.Name}]
	c.mu.Unlock()

	if !ok {
		// Unconfigured views behave like an empty contract and return no data.
		return nil, nil
	}
	values, err := handler(args)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(values...)
}

// ChainID implements web3.Backend.
func (c *Chain) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

// PendingNonceAt implements web3.Backend.
func (c *Chain) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[account], nil
}

// SuggestGasPrice implements web3.Backend.
func (c *Chain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.gasPrice), nil
}

// SendTransaction decodes tx, applies its handler and mines it immediately.
func (c *Chain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return fmt.Errorf("recover sender: %w", err)
	}
	if tx.To() == nil {
		return errors.New("contract creation is not supported")
	}
	if tx.Nonce() != c.nonces[from] {
		return fmt.Errorf("nonce too low: have %d want %d", tx.Nonce(), c.nonces[from])
	}
	c.nonces[from]++

	method, args, err := decode(c.contractFor(*tx.To()), tx.Data())
	if err != nil {
		return RevertError{Message: err.Error()}
	}
	c.sent[method.Name]++

	status := types.ReceiptStatusSuccessful
	var logs []*types.Log
	if handler, ok := c.txs[methodKey{*tx.To(), method.Name}]; ok {
		// Handlers run with the lock released so they may register new views.
		c.mu.Unlock()
		status, logs = handler(from, tx.Value(), args)
		c.mu.Lock()
	}
	c.blockBase++
	for _, l := range logs {
		l.TxHash = tx.Hash()
		l.BlockNumber = c.blockBase
	}
	c.receipts[tx.Hash()] = &types.Receipt{
		Status:      status,
		TxHash:      tx.Hash(),
		GasUsed:     tx.Gas() / 2,
		Logs:        logs,
		BlockNumber: new(big.Int).SetUint64(c.blockBase),
	}
	return nil
}

// TransactionReceipt implements web3.Backend.
func (c *Chain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	receipt, ok := c.receipts[hash]
	if !ok {
		return nil, gethcore.NotFound
	}
	return receipt, nil
}

// RevertError mimics a JSON-RPC execution error returned by a node.
type RevertError struct {
	Message string
}

func (e RevertError) Error() string  { return "execution reverted: " + e.Message }
func (e RevertError) ErrorCode() int { return 3 }
