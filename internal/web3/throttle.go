package web3

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/time/rate"
)

// throttledClient spaces out RPC requests so that public endpoints with
// request quotas are not exhausted by the per-unit reads of a poll cycle.
type throttledClient struct {
	Client
	limiter *rate.Limiter
}

// Throttle wraps client so that every RPC waits on a token bucket allowing
// perSecond calls with the given burst. A non-positive rate disables it.
func Throttle(client Client, perSecond float64, burst int) Client {
	if client == nil || perSecond <= 0 {
		return client
	}
	if burst <= 0 {
		burst = 1
	}
	return &throttledClient{Client: client, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (t *throttledClient) wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return Wrap(err, "rate limiter")
	}
	return nil
}

func (t *throttledClient) CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.Client.CallContract(ctx, call, blockNumber)
}

func (t *throttledClient) ChainID(ctx context.Context) (*big.Int, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.Client.ChainID(ctx)
}

func (t *throttledClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := t.wait(ctx); err != nil {
		return 0, err
	}
	return t.Client.PendingNonceAt(ctx, account)
}

func (t *throttledClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.Client.SuggestGasPrice(ctx)
}

func (t *throttledClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	return t.Client.SendTransaction(ctx, tx)
}

func (t *throttledClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.Client.TransactionReceipt(ctx, txHash)
}
