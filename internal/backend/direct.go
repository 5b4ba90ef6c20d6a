package backend

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/verkhohliad/chaos-oracle/internal/config"
	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
	"github.com/verkhohliad/chaos-oracle/internal/ledger"
	"github.com/verkhohliad/chaos-oracle/internal/web3"
)

// Direct 使用本地私钥签名交易，直接与市场合约交互。
//
// 每次提交前先查询注册状态，未注册时发送附带质押的注册交易。
// 注册与提交是两笔独立交易，中间失败不会回滚已完成的注册。
type Direct struct {
	ledger   Registrations
	sender   web3.Sender
	studio   abi.ABI
	stakes   Stakes
	identity IdentityResolver
	logger   *slog.Logger
}

// NewDirect 创建直连模式的 Backend。
func NewDirect(registrations Registrations, sender web3.Sender, stakes Stakes, opts ...Option) (*Direct, error) {
	if registrations == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "直连模式需要账本读取器")
	}
	if sender == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "直连模式需要交易发送者")
	}
	o := applyOptions(opts)
	studio := registrations.Contracts().Studio
	if len(studio.Methods) == 0 {
		studio = ledger.DefaultContracts().Studio
	}
	return &Direct{
		ledger:   registrations,
		sender:   sender,
		studio:   studio,
		stakes:   stakes.normalized(),
		identity: o.identity,
		logger:   o.logger,
	}, nil
}

// Mode 实现 Backend。
func (d *Direct) Mode() string { return config.ModeDirect }

// Address 实现 Backend。
func (d *Direct) Address() common.Address { return d.sender.From() }

// RegisterIdentity 实现 Backend。
func (d *Direct) RegisterIdentity(ctx context.Context) (uint64, error) {
	return resolveIdentity(ctx, d.identity)
}

// SubmitWork 确保以 worker 身份注册后提交 submitWork 交易。
func (d *Direct) SubmitWork(ctx context.Context, unit common.Address, outcome int, ref string) (Receipt, error) {
	index, err := outcomeIndex(outcome)
	if err != nil {
		return Receipt{}, err
	}
	if err := d.ensureRegistered(ctx, unit, roleWorker); err != nil {
		return Receipt{}, err
	}
	data, err := d.studio.Pack("submitWork", index, ref)
	if err != nil {
		return Receipt{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 submitWork 失败")
	}
	receipt, err := d.sender.Send(ctx, unit, nil, data)
	if err != nil {
		return receiptOf(receipt), err
	}
	d.logger.Info("已提交预测结果",
		slog.String("unit", unit.Hex()),
		slog.Int("outcome", outcome),
		slog.String("tx_hash", receipt.TxHash.Hex()))
	return receiptOf(receipt), nil
}

// SubmitScores 确保以 verifier 身份注册后提交 submitScores 交易。
func (d *Direct) SubmitScores(ctx context.Context, unit, worker common.Address, scores ledger.ScoreVector) (Receipt, error) {
	if err := d.ensureRegistered(ctx, unit, roleVerifier); err != nil {
		return Receipt{}, err
	}
	data, err := d.studio.Pack("submitScores", worker, [4]uint8(scores))
	if err != nil {
		return Receipt{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 submitScores 失败")
	}
	receipt, err := d.sender.Send(ctx, unit, nil, data)
	if err != nil {
		return receiptOf(receipt), err
	}
	d.logger.Info("已提交评分",
		slog.String("unit", unit.Hex()),
		slog.String("worker", worker.Hex()),
		slog.Any("scores", scores.Ints()),
		slog.String("tx_hash", receipt.TxHash.Hex()))
	return receiptOf(receipt), nil
}

type role struct {
	name     string
	register string
}

var (
	roleWorker   = role{name: "worker", register: "registerAsWorker"}
	roleVerifier = role{name: "verifier", register: "registerAsVerifier"}
)

func (d *Direct) ensureRegistered(ctx context.Context, unit common.Address, r role) error {
	account := d.sender.From()
	var (
		registered bool
		err        error
		stake      *big.Int
	)
	if r == roleWorker {
		registered, err = d.ledger.IsWorkerRegistered(ctx, unit, account)
		stake = d.stakes.Worker
	} else {
		registered, err = d.ledger.IsVerifierRegistered(ctx, unit, account)
		stake = d.stakes.Verifier
	}
	if err != nil {
		return err
	}
	if registered {
		return nil
	}

	data, err := d.studio.Pack(r.register)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码注册调用失败")
	}
	d.logger.Info("注册到市场",
		slog.String("unit", unit.Hex()),
		slog.String("role", r.name),
		slog.String("stake_wei", stake.String()))
	if _, err := d.sender.Send(ctx, unit, stake, data); err != nil {
		return fmt.Errorf("以 %s 身份注册失败: %w", r.name, err)
	}
	return nil
}

func receiptOf(receipt *types.Receipt) Receipt {
	if receipt == nil {
		return Receipt{}
	}
	state := "confirmed"
	if receipt.Status != types.ReceiptStatusSuccessful {
		state = "reverted"
	}
	return Receipt{TxHash: receipt.TxHash.Hex(), GasUsed: receipt.GasUsed, State: state}
}

var _ Backend = (*Direct)(nil)
