package backend

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/verkhohliad/chaos-oracle/internal/ledger"
	"github.com/verkhohliad/chaos-oracle/internal/storage/mysql"
)

// 提交日志中的动作与结果。
const (
	ActionSubmitWork   = "submit_work"
	ActionSubmitScores = "submit_scores"

	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// SubmissionStatus 把提交结果映射为日志与指标中的状态。
func SubmissionStatus(err error) string {
	if err != nil {
		return StatusFailed
	}
	return StatusSucceeded
}

// Journal 接收每一次提交尝试的记录。
type Journal interface {
	Append(ctx context.Context, entry mysql.JournalEntry) error
}

// WithJournal 返回一个把每次提交结果写入 journal 的 Backend。
// journal 为 nil 时原样返回 b。写入失败只记录日志，不影响提交结果。
func WithJournal(b Backend, journal Journal, logger *slog.Logger) Backend {
	if journal == nil {
		return b
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &journaled{Backend: b, journal: journal, logger: logger, now: time.Now}
}

type journaled struct {
	Backend
	journal Journal
	logger  *slog.Logger
	now     func() time.Time
}

func (j *journaled) SubmitWork(ctx context.Context, unit common.Address, outcome int, ref string) (Receipt, error) {
	receipt, err := j.Backend.SubmitWork(ctx, unit, outcome, ref)
	j.record(ctx, mysql.JournalEntry{
		Action:      ActionSubmitWork,
		Unit:        unit.Hex(),
		Worker:      j.Address().Hex(),
		Outcome:     &outcome,
		EvidenceRef: ref,
	}, receipt, err)
	return receipt, err
}

func (j *journaled) SubmitScores(ctx context.Context, unit, worker common.Address, scores ledger.ScoreVector) (Receipt, error) {
	receipt, err := j.Backend.SubmitScores(ctx, unit, worker, scores)
	j.record(ctx, mysql.JournalEntry{
		Action: ActionSubmitScores,
		Unit:   unit.Hex(),
		Worker: worker.Hex(),
		Scores: scores.Ints(),
	}, receipt, err)
	return receipt, err
}

func (j *journaled) record(ctx context.Context, entry mysql.JournalEntry, receipt Receipt, err error) {
	entry.Mode = j.Mode()
	entry.TxHash = receipt.TxHash
	entry.WorkflowID = receipt.WorkflowID
	entry.CreatedAt = j.now().Unix()
	entry.Status = SubmissionStatus(err)
	if err != nil {
		entry.Error = err.Error()
	}
	// 关闭信号不应阻止记录已经发生的提交。
	if appendErr := j.journal.Append(context.WithoutCancel(ctx), entry); appendErr != nil {
		j.logger.Warn("写入提交日志失败",
			slog.String("action", entry.Action),
			slog.String("unit", entry.Unit),
			slog.Any("error", appendErr))
	}
}
