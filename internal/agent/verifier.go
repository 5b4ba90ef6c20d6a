package agent

import (
	"context"
	"errors"
	"log/slog"

	"github.com/verkhohliad/chaos-oracle/internal/archive"
	"github.com/verkhohliad/chaos-oracle/internal/backend"
	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
	"github.com/verkhohliad/chaos-oracle/internal/events"
	"github.com/verkhohliad/chaos-oracle/internal/ledger"
	"github.com/verkhohliad/chaos-oracle/internal/observability/metrics"
	"github.com/verkhohliad/chaos-oracle/internal/progress"
	"github.com/verkhohliad/chaos-oracle/internal/strategy"
)

// Verifier 为每个尚未评分的 worker 提交取回证据、审计并提交评分。
type Verifier struct {
	*loop
	ledger  Ledger
	backend backend.Backend
	scorer  strategy.Scorer
	archive archive.Store
}

// NewVerifier 创建 Verifier。
func NewVerifier(reader Ledger, be backend.Backend, scorer strategy.Scorer, store archive.Store, opts ...Option) (*Verifier, error) {
	if reader == nil || be == nil || scorer == nil || store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "verifier 依赖不完整")
	}
	return &Verifier{
		loop:    newLoop(RoleVerifier, be.Mode(), be.Address(), opts),
		ledger:  reader,
		backend: be,
		scorer:  scorer,
		archive: store,
	}, nil
}

// Run 注册身份后进入轮询循环，直到 ctx 取消。
func (v *Verifier) Run(ctx context.Context) error {
	if err := v.registerIdentity(ctx, v.backend.RegisterIdentity); err != nil {
		return err
	}
	return v.run(ctx, v.Tick)
}

// Tick 执行一轮轮询。已关闭或没有 worker 的市场直接跳过，
// 不会触发任何评分调用。
func (v *Verifier) Tick(ctx context.Context) error {
	units, err := v.ledger.ActiveUnits(ctx)
	if err != nil {
		return err
	}
	for _, unit := range units {
		if err := ctx.Err(); err != nil {
			return err
		}
		details, err := v.ledger.UnitDetails(ctx, unit)
		if err != nil {
			v.fail(ctx, "", err, unit.Hex(), "")
			continue
		}
		if details.Closed || details.WorkerCount == 0 {
			v.logger.Debug("跳过市场",
				slog.String("unit", unit.Hex()),
				slog.Bool("closed", details.Closed),
				slog.Uint64("workers", details.WorkerCount))
			continue
		}
		submissions, err := v.ledger.UnscoredSubmissions(ctx, unit, v.address)
		if err != nil {
			v.fail(ctx, "", err, unit.Hex(), "")
			continue
		}
		for _, sub := range submissions {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := v.processSubmission(ctx, details, sub); err != nil {
				v.fail(ctx, progress.ScoreKey(v.address, sub.Unit, sub.Worker), err, sub.Unit.Hex(), sub.Worker.Hex())
			}
		}
	}
	return nil
}

func (v *Verifier) processSubmission(ctx context.Context, unit ledger.Unit, sub ledger.Submission) error {
	key := progress.ScoreKey(v.address, sub.Unit, sub.Worker)
	record, err := v.progress.Get(ctx, key)
	if err != nil {
		return err
	}
	if !record.Retryable() {
		return nil
	}
	if _, err := v.progress.Claim(ctx, key); err != nil {
		if errors.Is(err, progress.ErrAlreadyDone) {
			return nil
		}
		return err
	}

	logger := v.logger.With(slog.String("unit", sub.Unit.Hex()), slog.String("worker", sub.Worker.Hex()))
	logger.Info("开始审计提交", slog.String("evidence_ref", sub.EvidenceRef))

	pkg, err := v.archive.Retrieve(ctx, sub.EvidenceRef)
	if err != nil {
		return err
	}
	scores, err := v.scorer.Score(ctx, pkg, unit.Question, unit.Options)
	if err != nil {
		return err
	}
	receipt, err := v.backend.SubmitScores(ctx, sub.Unit, sub.Worker, scores)
	v.metrics.ObserveSubmission(backend.ActionSubmitScores, v.mode, backend.SubmissionStatus(err))
	if err != nil {
		return err
	}
	if err := v.progress.MarkDone(context.WithoutCancel(ctx), key); err != nil {
		logger.Warn("记录完成状态失败", slog.Any("error", err))
	}
	v.metrics.IncUnit(string(RoleVerifier), metrics.UnitCompleted)

	logger.Info("评分已提交",
		slog.Any("scores", scores.Ints()),
		slog.String("tx_hash", receipt.TxHash),
		slog.String("workflow_id", receipt.WorkflowID))
	v.audit.Info("submit_scores",
		slog.String("unit", sub.Unit.Hex()),
		slog.String("worker", sub.Worker.Hex()),
		slog.Any("scores", scores.Ints()),
		slog.String("tx_hash", receipt.TxHash),
		slog.String("workflow_id", receipt.WorkflowID))

	event := events.New(events.TypeScoresSubmitted)
	event.Unit = sub.Unit.Hex()
	event.Worker = sub.Worker.Hex()
	event.EvidenceRef = sub.EvidenceRef
	event.Scores = scores.Ints()
	event.TxHash = receipt.TxHash
	event.WorkflowID = receipt.WorkflowID
	v.publish(ctx, event)
	return nil
}
