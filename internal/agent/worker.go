package agent

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/verkhohliad/chaos-oracle/internal/archive"
	"github.com/verkhohliad/chaos-oracle/internal/backend"
	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
	"github.com/verkhohliad/chaos-oracle/internal/events"
	"github.com/verkhohliad/chaos-oracle/internal/evidence"
	"github.com/verkhohliad/chaos-oracle/internal/observability/metrics"
	"github.com/verkhohliad/chaos-oracle/internal/progress"
	"github.com/verkhohliad/chaos-oracle/internal/strategy"
)

// Worker 为每个活跃市场完成 研究 → 生成证据包 → 归档 → 提交 的流水线，
// 每个市场在进程生命周期内最多成功提交一次。
type Worker struct {
	*loop
	ledger     Ledger
	backend    backend.Backend
	researcher strategy.Researcher
	builder    *evidence.Builder
	archive    archive.Store
}

// NewWorker 创建 Worker。
func NewWorker(reader Ledger, be backend.Backend, researcher strategy.Researcher, builder *evidence.Builder, store archive.Store, opts ...Option) (*Worker, error) {
	if reader == nil || be == nil || researcher == nil || builder == nil || store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "worker 依赖不完整")
	}
	return &Worker{
		loop:       newLoop(RoleWorker, be.Mode(), be.Address(), opts),
		ledger:     reader,
		backend:    be,
		researcher: researcher,
		builder:    builder,
		archive:    store,
	}, nil
}

// Run 注册身份后进入轮询循环，直到 ctx 取消。
func (w *Worker) Run(ctx context.Context) error {
	if err := w.registerIdentity(ctx, w.backend.RegisterIdentity); err != nil {
		return err
	}
	return w.run(ctx, w.Tick)
}

// Tick 执行一轮轮询。读取活跃市场失败（节点不可达）时返回错误；
// 单个市场的失败在市场粒度内处理，不会返回。
func (w *Worker) Tick(ctx context.Context) error {
	units, err := w.ledger.ActiveUnits(ctx)
	if err != nil {
		return err
	}
	w.logger.Debug("开始处理活跃市场", slog.Int("count", len(units)))
	for _, unit := range units {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.processUnit(ctx, unit); err != nil {
			w.fail(ctx, progress.WorkKey(w.address, unit), err, unit.Hex(), "")
		}
	}
	return nil
}

func (w *Worker) processUnit(ctx context.Context, unit common.Address) error {
	key := progress.WorkKey(w.address, unit)
	record, err := w.progress.Get(ctx, key)
	if err != nil {
		return err
	}
	if !record.Retryable() {
		return nil
	}
	logger := w.logger.With(slog.String("unit", unit.Hex()))
	logger.Info("发现新市场", slog.String("state", string(record.State)), slog.Int("attempts", record.Attempts))

	details, err := w.ledger.UnitDetails(ctx, unit)
	if err != nil {
		return err
	}
	if details.Closed {
		logger.Info("市场已关闭，跳过")
		w.metrics.IncUnit(string(RoleWorker), metrics.UnitSkipped)
		return w.progress.MarkDone(ctx, key)
	}
	// CanCloseUnit 每次都是一次 RPC，结果只用于调试日志。
	if logger.Enabled(ctx, slog.LevelDebug) && w.ledger.CanCloseUnit(ctx, unit) {
		logger.Debug("市场已满足关闭条件，仍继续提交")
	}

	if _, err := w.progress.Claim(ctx, key); err != nil {
		if errors.Is(err, progress.ErrAlreadyDone) {
			return nil
		}
		return err
	}

	research, err := w.researcher.Research(ctx, details.Question, details.Options)
	if err != nil {
		return err
	}
	pkg, err := w.builder.Build(details.Question, research.Outcome, research.Confidence, research.Sources, research.Reasoning)
	if err != nil {
		return err
	}
	ref, err := w.archive.Store(ctx, pkg)
	if err != nil {
		return err
	}
	logger.Info("证据包已归档", slog.String("ref", ref))

	receipt, err := w.backend.SubmitWork(ctx, unit, research.Outcome, ref)
	w.metrics.ObserveSubmission(backend.ActionSubmitWork, w.mode, backend.SubmissionStatus(err))
	if err != nil {
		return err
	}
	if err := w.progress.MarkDone(context.WithoutCancel(ctx), key); err != nil {
		// 提交已上链，进度写入失败只会导致下一轮重复提交，由账本拒绝。
		logger.Warn("记录完成状态失败", slog.Any("error", err))
	}
	w.metrics.IncUnit(string(RoleWorker), metrics.UnitCompleted)

	logger.Info("预测已提交",
		slog.Int("outcome", research.Outcome),
		slog.Float64("confidence", pkg.Confidence),
		slog.String("tx_hash", receipt.TxHash),
		slog.String("workflow_id", receipt.WorkflowID))
	w.audit.Info("submit_work",
		slog.String("unit", unit.Hex()),
		slog.Int("outcome", research.Outcome),
		slog.String("evidence_ref", ref),
		slog.String("tx_hash", receipt.TxHash),
		slog.String("workflow_id", receipt.WorkflowID))

	event := events.New(events.TypeWorkSubmitted)
	event.Unit = unit.Hex()
	event.Worker = w.address.Hex()
	outcome := research.Outcome
	event.Outcome = &outcome
	event.EvidenceRef = ref
	event.TxHash = receipt.TxHash
	event.WorkflowID = receipt.WorkflowID
	w.publish(ctx, event)
	return nil
}
