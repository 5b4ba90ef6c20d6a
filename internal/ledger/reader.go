package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
	"github.com/verkhohliad/chaos-oracle/internal/web3"
)

// Option 定义 Reader 的可选配置。
type Option func(*Reader)

// WithContracts 使用自定义 ABI。
func WithContracts(contracts Contracts) Option {
	return func(r *Reader) {
		r.contracts = contracts
	}
}

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reader) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Reader 对注册表合约和各个市场合约执行只读查询。
//
// 连接类错误（节点不可达、超时）原样向上返回，由调用方决定如何处理；
// 逻辑类错误（回滚、ABI 解码失败）在 ActiveUnits 与 UnscoredSubmissions
// 中被降级为空结果，避免单个异常市场阻塞整轮读取。
type Reader struct {
	caller    web3.Caller
	registry  common.Address
	contracts Contracts
	logger    *slog.Logger
}

// NewReader 创建 Reader。
func NewReader(caller web3.Caller, registry common.Address, opts ...Option) (*Reader, error) {
	if caller == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "链访问后端不能为空")
	}
	if registry == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "注册表合约地址不能为空")
	}
	r := &Reader{
		caller:   caller,
		registry: registry,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if len(r.contracts.Registry.Methods) == 0 || len(r.contracts.Studio.Methods) == 0 {
		r.contracts = DefaultContracts()
	}
	return r, nil
}

// Registry 返回注册表合约地址。
func (r *Reader) Registry() common.Address {
	return r.registry
}

// Contracts 返回当前使用的 ABI。
func (r *Reader) Contracts() Contracts {
	return r.contracts
}

// ActiveUnits 返回尚未结算的市场地址，顺序与合约返回一致。
func (r *Reader) ActiveUnits(ctx context.Context) ([]common.Address, error) {
	units, err := callOne[[]common.Address](ctx, r, r.registry, r.contracts.Registry, "getActiveStudios")
	if err != nil {
		if web3.IsConnectivity(err) {
			r.logger.Error("读取活跃市场时节点不可达", slog.Any("error", err))
			return nil, err
		}
		r.logger.Warn("读取活跃市场失败，按空列表处理", slog.Any("error", err))
		return []common.Address{}, nil
	}
	r.logger.Debug("读取活跃市场", slog.Int("count", len(units)))
	return units, nil
}

// CanCloseUnit 判断市场是否满足关闭条件，任何错误都视为不可关闭。
func (r *Reader) CanCloseUnit(ctx context.Context, unit common.Address) bool {
	ok, err := callOne[bool](ctx, r, r.registry, r.contracts.Registry, "canCloseStudio", unit)
	if err != nil {
		r.logger.Warn("查询市场可关闭状态失败", slog.String("unit", unit.Hex()), slog.Any("error", err))
		return false
	}
	return ok
}

// UnitDetails 读取单个市场的问题、选项、参与人数与关闭状态。
// 选项最多读取 MaxOptions 个。错误不做降级，由调用方在单个市场的粒度处理。
func (r *Reader) UnitDetails(ctx context.Context, unit common.Address) (Unit, error) {
	studio := r.contracts.Studio

	question, err := callOne[string](ctx, r, unit, studio, "question")
	if err != nil {
		return Unit{}, err
	}
	optionCount, err := callOne[*big.Int](ctx, r, unit, studio, "getOptionCount")
	if err != nil {
		return Unit{}, err
	}
	count := MaxOptions
	if optionCount.IsInt64() && optionCount.Int64() < int64(MaxOptions) {
		count = int(optionCount.Int64())
	}
	options := make([]string, 0, count)
	for i := 0; i < count; i++ {
		option, err := callOne[string](ctx, r, unit, studio, "getOption", big.NewInt(int64(i)))
		if err != nil {
			return Unit{}, err
		}
		options = append(options, option)
	}
	workers, err := callOne[*big.Int](ctx, r, unit, studio, "getWorkerCount")
	if err != nil {
		return Unit{}, err
	}
	verifiers, err := callOne[*big.Int](ctx, r, unit, studio, "getVerifierCount")
	if err != nil {
		return Unit{}, err
	}
	closed, err := callOne[bool](ctx, r, unit, studio, "epochClosed")
	if err != nil {
		return Unit{}, err
	}

	details := Unit{
		Address:       unit,
		Question:      question,
		Options:       options,
		WorkerCount:   workers.Uint64(),
		VerifierCount: verifiers.Uint64(),
		Closed:        closed,
	}
	r.logger.Debug("读取市场详情",
		slog.String("unit", unit.Hex()),
		slog.String("question", truncate(question, 80)),
		slog.Int("options", len(options)),
		slog.Uint64("workers", details.WorkerCount),
		slog.Uint64("verifiers", details.VerifierCount),
		slog.Bool("closed", closed))
	return details, nil
}

// UnscoredSubmissions 返回 scorer 尚未评分的提交。时间戳为 0 的 worker
// 表示已注册但尚未提交，会被跳过。任一评分槽位非零即视为已评分，
// 因此首个维度合法地评为 0 分与未评分无法区分。
func (r *Reader) UnscoredSubmissions(ctx context.Context, unit, scorer common.Address) ([]Submission, error) {
	submissions, err := r.unscoredSubmissions(ctx, unit, scorer)
	if err != nil {
		if web3.IsConnectivity(err) {
			return nil, err
		}
		r.logger.Warn("读取待评分提交失败，按空列表处理",
			slog.String("unit", unit.Hex()), slog.Any("error", err))
		return []Submission{}, nil
	}
	return submissions, nil
}

func (r *Reader) unscoredSubmissions(ctx context.Context, unit, scorer common.Address) ([]Submission, error) {
	studio := r.contracts.Studio
	workerCount, err := callOne[*big.Int](ctx, r, unit, studio, "getWorkerCount")
	if err != nil {
		return nil, err
	}

	total := workerCount.Uint64()
	unscored := make([]Submission, 0)
	for i := uint64(0); i < total; i++ {
		worker, err := callOne[common.Address](ctx, r, unit, studio, "workerList", new(big.Int).SetUint64(i))
		if err != nil {
			return nil, err
		}
		values, err := r.call(ctx, unit, studio, "submissions", worker)
		if err != nil {
			return nil, err
		}
		sub, err := decodeSubmission(unit, worker, values)
		if err != nil {
			return nil, err
		}
		if sub.Timestamp == 0 {
			continue
		}
		scored, err := r.alreadyScored(ctx, unit, scorer, worker)
		if err != nil {
			return nil, err
		}
		if scored {
			continue
		}
		unscored = append(unscored, sub)
	}

	r.logger.Debug("读取待评分提交",
		slog.String("unit", unit.Hex()),
		slog.String("scorer", scorer.Hex()),
		slog.Uint64("workers", total),
		slog.Int("unscored", len(unscored)))
	return unscored, nil
}

// alreadyScored 查询 4 个评分槽位，逻辑错误视为未评分。
func (r *Reader) alreadyScored(ctx context.Context, unit, scorer, worker common.Address) (bool, error) {
	for slot := int64(0); slot < int64(len(ScoreVector{})); slot++ {
		score, err := callOne[uint8](ctx, r, unit, r.contracts.Studio, "verifierScores", scorer, worker, big.NewInt(slot))
		if err != nil {
			if web3.IsConnectivity(err) {
				return false, err
			}
			return false, nil
		}
		if score > 0 {
			return true, nil
		}
	}
	return false, nil
}

// IsWorkerRegistered 查询 account 是否已在市场中注册为 worker。
func (r *Reader) IsWorkerRegistered(ctx context.Context, unit, account common.Address) (bool, error) {
	return callOne[bool](ctx, r, unit, r.contracts.Studio, "isWorkerRegistered", account)
}

// IsVerifierRegistered 查询 account 是否已在市场中注册为 verifier。
func (r *Reader) IsVerifierRegistered(ctx context.Context, unit, account common.Address) (bool, error) {
	return callOne[bool](ctx, r, unit, r.contracts.Studio, "isVerifierRegistered", account)
}

func (r *Reader) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerLogic, err, "编码合约调用失败", xerrors.WithMetadata("method", method))
	}
	out, err := r.caller.CallContract(ctx, gethcore.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, web3.Wrap(err, "合约调用失败",
			xerrors.WithMetadata("method", method), xerrors.WithMetadata("contract", to.Hex()))
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeLedgerLogic, err, "解码合约返回值失败",
			xerrors.WithMetadata("method", method), xerrors.WithMetadata("contract", to.Hex()))
	}
	return values, nil
}

func callOne[T any](ctx context.Context, r *Reader, to common.Address, contract abi.ABI, method string, args ...any) (T, error) {
	var zero T
	values, err := r.call(ctx, to, contract, method, args...)
	if err != nil {
		return zero, err
	}
	if len(values) == 0 {
		return zero, xerrors.New(xerrors.CodeLedgerLogic, fmt.Sprintf("%s 没有返回值", method))
	}
	value, ok := values[0].(T)
	if !ok {
		return zero, xerrors.New(xerrors.CodeLedgerLogic, fmt.Sprintf("%s 返回值类型为 %T", method, values[0]))
	}
	return value, nil
}

func decodeSubmission(unit, worker common.Address, values []any) (Submission, error) {
	if len(values) != 3 {
		return Submission{}, xerrors.New(xerrors.CodeLedgerLogic, fmt.Sprintf("submissions 返回了 %d 个值", len(values)))
	}
	outcome, ok1 := values[0].(uint8)
	cid, ok2 := values[1].(string)
	timestamp, ok3 := values[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return Submission{}, xerrors.New(xerrors.CodeLedgerLogic, "submissions 返回值类型不匹配")
	}
	return Submission{
		Unit:        unit,
		Worker:      worker,
		Outcome:     outcome,
		EvidenceRef: cid,
		Timestamp:   timestamp.Uint64(),
	}, nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
