// Package backend 定义 agent 向账本提交结果的统一接口，
// 并提供直连（自行签名交易）与委托（经由远程编排服务）两种实现。
// 实现在启动时选定一次，轮询循环不感知具体模式。
package backend

import (
	"context"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/verkhohliad/chaos-oracle/internal/config"
	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
	"github.com/verkhohliad/chaos-oracle/internal/gateway"
	"github.com/verkhohliad/chaos-oracle/internal/ledger"
	"github.com/verkhohliad/chaos-oracle/internal/web3"
)

// Receipt 描述一次提交动作的结果。直连模式填写交易哈希与 gas，
// 委托模式填写工作流 ID 与终态。
type Receipt struct {
	TxHash     string `json:"tx_hash,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	State      string `json:"state,omitempty"`
	GasUsed    uint64 `json:"gas_used,omitempty"`
}

// Backend 是轮询循环唯一依赖的提交接口。
type Backend interface {
	// Mode 返回 direct 或 delegated。
	Mode() string
	// Address 返回提交方的钱包地址。
	Address() common.Address
	// RegisterIdentity 返回 agent 的身份 ID，未配置身份注册表时返回 0。
	RegisterIdentity(ctx context.Context) (uint64, error)
	// SubmitWork 提交 worker 的预测结果与证据引用。
	SubmitWork(ctx context.Context, unit common.Address, outcome int, ref string) (Receipt, error)
	// SubmitScores 提交 verifier 对 worker 的评分。
	SubmitScores(ctx context.Context, unit, worker common.Address, scores ledger.ScoreVector) (Receipt, error)
}

// IdentityResolver 解析 agent 身份，由 identity.Resolver 实现。
type IdentityResolver interface {
	Resolve(ctx context.Context) (uint64, error)
}

// Registrations 查询市场中的注册状态，由 ledger.Reader 实现。
type Registrations interface {
	IsWorkerRegistered(ctx context.Context, unit, account common.Address) (bool, error)
	IsVerifierRegistered(ctx context.Context, unit, account common.Address) (bool, error)
	Contracts() ledger.Contracts
}

// Deps 汇总构建 Backend 所需的外部依赖。直连模式需要 Ledger 与 Sender，
// 委托模式需要 Gateway 与 Signer；Identity 可选。
type Deps struct {
	Ledger   Registrations
	Sender   web3.Sender
	Gateway  *gateway.Client
	Signer   common.Address
	Identity IdentityResolver
	Logger   *slog.Logger
}

// New 根据运行模式创建 Backend。
func New(cfg *config.Config, deps Deps) (Backend, error) {
	if cfg == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置不能为空")
	}
	workerStake, err := cfg.Staking.WorkerStake()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "")
	}
	verifierStake, err := cfg.Staking.VerifierStake()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "")
	}
	stakes := Stakes{Worker: workerStake, Verifier: verifierStake}
	opts := []Option{WithLogger(deps.Logger)}
	if deps.Identity != nil {
		opts = append(opts, WithIdentity(deps.Identity))
	}

	switch cfg.Agent.Mode {
	case config.ModeDirect, "":
		return NewDirect(deps.Ledger, deps.Sender, stakes, opts...)
	case config.ModeDelegated:
		settings := DelegatedSettings{
			Network:      cfg.Gateway.Network,
			Epoch:        cfg.Gateway.Epoch,
			WorkTimeout:  seconds(cfg.Gateway.WorkTimeoutSeconds),
			ScoreTimeout: seconds(cfg.Gateway.ScoreTimeoutSeconds),
		}
		return NewDelegated(deps.Gateway, deps.Signer, stakes, settings, opts...)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的运行模式: "+cfg.Agent.Mode)
	}
}

// Stakes 是注册时附带的质押金额。
type Stakes struct {
	Worker   *big.Int
	Verifier *big.Int
}

func (s Stakes) normalized() Stakes {
	if s.Worker == nil {
		s.Worker = new(big.Int)
	}
	if s.Verifier == nil {
		s.Verifier = new(big.Int)
	}
	return s
}

// Option 定义 Backend 的可选配置。
type Option func(*options)

type options struct {
	identity IdentityResolver
	logger   *slog.Logger
}

// WithIdentity 设置身份解析器。
func WithIdentity(identity IdentityResolver) Option {
	return func(o *options) {
		o.identity = identity
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func resolveIdentity(ctx context.Context, identity IdentityResolver) (uint64, error) {
	if identity == nil {
		return 0, nil
	}
	return identity.Resolve(ctx)
}

func outcomeIndex(outcome int) (uint8, error) {
	if outcome < 0 || outcome > 255 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "选项下标超出 uint8 范围")
	}
	return uint8(outcome), nil
}
