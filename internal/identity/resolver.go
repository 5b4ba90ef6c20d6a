// Package identity 解析并按需注册 agent 的链上身份。
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
	"github.com/verkhohliad/chaos-oracle/internal/ledger"
	"github.com/verkhohliad/chaos-oracle/internal/web3"
)

// TokenURI 返回 domain 对应的身份元数据地址。
func TokenURI(domain string) string {
	return fmt.Sprintf("https://%s/.well-known/agent.json", domain)
}

// Option 定义 Resolver 的可选配置。
type Option func(*Resolver)

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithContract 使用自定义的身份注册表 ABI。
func WithContract(contract abi.ABI) Option {
	return func(r *Resolver) {
		if len(contract.Methods) > 0 {
			r.contract = contract
		}
	}
}

// Resolver 以“缓存 → 链上查询 → 注册”的顺序解析身份 ID，未命中时回写缓存。
// 缓存与链上状态之间不做校对：缓存命中即直接返回。
type Resolver struct {
	caller   web3.Caller
	sender   web3.Sender
	registry common.Address
	contract abi.ABI
	cache    Cache
	domain   string
	logger   *slog.Logger

	mu       sync.Mutex
	resolved *uint64
}

// NewResolver 创建 Resolver。
func NewResolver(caller web3.Caller, sender web3.Sender, registry common.Address, cache Cache, domain string, opts ...Option) (*Resolver, error) {
	if caller == nil || sender == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "身份解析需要链访问后端与交易发送者")
	}
	if registry == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "身份注册表地址不能为空")
	}
	if cache == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "身份缓存不能为空")
	}
	r := &Resolver{
		caller:   caller,
		sender:   sender,
		registry: registry,
		contract: ledger.DefaultContracts().Identity,
		cache:    cache,
		domain:   domain,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Resolve 返回当前钱包的身份 ID，必要时发起注册交易。
func (r *Resolver) Resolve(ctx context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved != nil {
		return *r.resolved, nil
	}

	wallet := r.sender.From()
	key := wallet.Hex()

	id, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		r.logger.Warn("读取身份缓存失败，按未命中处理", slog.Any("error", err))
	}
	if ok {
		r.logger.Info("身份缓存命中", slog.Uint64("agent_id", id))
		return r.remember(id), nil
	}

	id, found, err := r.lookup(ctx, wallet)
	if err != nil {
		return 0, err
	}
	if found {
		r.logger.Info("链上已存在身份", slog.Uint64("agent_id", id))
		r.store(ctx, key, id)
		return r.remember(id), nil
	}

	id, err = r.register(ctx, wallet)
	if err != nil {
		return 0, err
	}
	r.store(ctx, key, id)
	return r.remember(id), nil
}

func (r *Resolver) remember(id uint64) uint64 {
	r.resolved = &id
	return id
}

func (r *Resolver) store(ctx context.Context, wallet string, id uint64) {
	if err := r.cache.Put(ctx, wallet, id); err != nil {
		r.logger.Warn("写入身份缓存失败", slog.Any("error", err))
	}
}

func (r *Resolver) lookup(ctx context.Context, wallet common.Address) (uint64, bool, error) {
	balance, err := r.callBig(ctx, "balanceOf", wallet)
	if err != nil {
		return 0, false, err
	}
	if balance.Sign() == 0 {
		return 0, false, nil
	}
	token, err := r.callBig(ctx, "tokenOfOwnerByIndex", wallet, big.NewInt(0))
	if err != nil {
		return 0, false, err
	}
	id, err := tokenID(token)
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// tokenID 把链上的 token ID 转为 uint64，超出范围时返回 CodeLedgerLogic。
func tokenID(token *big.Int) (uint64, error) {
	if token == nil || !token.IsUint64() {
		return 0, xerrors.New(xerrors.CodeLedgerLogic, fmt.Sprintf("身份 ID 超出 uint64 范围: %v", token))
	}
	return token.Uint64(), nil
}

func (r *Resolver) register(ctx context.Context, wallet common.Address) (uint64, error) {
	uri := TokenURI(r.domain)
	data, err := r.contract.Pack("register", uri)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeLedgerLogic, err, "编码身份注册调用失败")
	}
	r.logger.Info("注册链上身份", slog.String("token_uri", uri))
	receipt, err := r.sender.Send(ctx, r.registry, nil, data)
	if err != nil {
		return 0, err
	}
	token, ok := r.agentIDFromLogs(receipt.Logs, wallet)
	if !ok {
		return 0, xerrors.New(xerrors.CodeLedgerLogic, "注册回执中没有身份 ID",
			xerrors.WithMetadata("tx_hash", receipt.TxHash.Hex()))
	}
	id, err := tokenID(token)
	if err != nil {
		return 0, err
	}
	r.logger.Info("链上身份注册成功", slog.Uint64("agent_id", id), slog.String("tx", receipt.TxHash.Hex()))
	return id, nil
}

// agentIDFromLogs 优先读取铸造给 wallet 的 Transfer 事件，其次读取 Registered 事件。
func (r *Resolver) agentIDFromLogs(logs []*types.Log, wallet common.Address) (*big.Int, bool) {
	transfer := r.contract.Events["Transfer"].ID
	registered := r.contract.Events["Registered"].ID
	for _, l := range logs {
		if l.Address != r.registry || len(l.Topics) < 4 || l.Topics[0] != transfer {
			continue
		}
		if common.BytesToAddress(l.Topics[2].Bytes()) == wallet {
			return new(big.Int).SetBytes(l.Topics[3].Bytes()), true
		}
	}
	for _, l := range logs {
		if l.Address == r.registry && len(l.Topics) >= 2 && l.Topics[0] == registered {
			return new(big.Int).SetBytes(l.Topics[1].Bytes()), true
		}
	}
	return nil, false
}

func (r *Resolver) callBig(ctx context.Context, method string, args ...any) (*big.Int, error) {
	data, err := r.contract.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerLogic, err, "编码合约调用失败", xerrors.WithMetadata("method", method))
	}
	out, err := r.caller.CallContract(ctx, gethcore.CallMsg{To: &r.registry, Data: data}, nil)
	if err != nil {
		return nil, web3.Wrap(err, "身份注册表调用失败", xerrors.WithMetadata("method", method))
	}
	values, err := r.contract.Unpack(method, out)
	if err != nil || len(values) == 0 {
		return nil, xerrors.Wrap(xerrors.CodeLedgerLogic, err, "解码身份注册表返回值失败", xerrors.WithMetadata("method", method))
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, xerrors.New(xerrors.CodeLedgerLogic, fmt.Sprintf("%s 返回值类型为 %T", method, values[0]))
	}
	return value, nil
}
