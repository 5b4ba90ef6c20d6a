package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
	"github.com/verkhohliad/chaos-oracle/internal/progress"
)

const upsertProgressSQL = `INSERT INTO agent_progress (progress_key, state, attempts, last_error, updated_at)
    VALUES (?, ?, ?, ?, ?)
    ON DUPLICATE KEY UPDATE state = VALUES(state), attempts = attempts + VALUES(attempts),
    last_error = VALUES(last_error), updated_at = VALUES(updated_at)`

// ProgressRepository 使用 agent_progress 表实现 progress.Store。
type ProgressRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewProgressRepository 使用已完成迁移的连接池创建仓库。
func NewProgressRepository(db *sql.DB) (*ProgressRepository, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL 连接不能为空")
	}
	return &ProgressRepository{db: db, now: time.Now}, nil
}

// Get 查询条目，不存在时返回 StateUnseen。
func (p *ProgressRepository) Get(ctx context.Context, key string) (progress.Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT state, attempts, last_error, updated_at FROM agent_progress WHERE progress_key = ?`, key)

	record := progress.Record{Key: key}
	var (
		state     string
		lastError sql.NullString
	)
	if err := row.Scan(&state, &record.Attempts, &lastError, &record.UpdatedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			record.State = progress.StateUnseen
			return record, nil
		}
		return progress.Record{}, storageError(err, "查询进度失败")
	}
	record.State = progress.State(state)
	record.LastError = lastError.String
	return record, nil
}

// Claim 将条目标记为处理中并累加尝试次数。
func (p *ProgressRepository) Claim(ctx context.Context, key string) (progress.Record, error) {
	record, err := p.Get(ctx, key)
	if err != nil {
		return progress.Record{}, err
	}
	if record.State == progress.StateDone {
		return record, progress.ErrAlreadyDone
	}
	now := p.now().Unix()
	if err := p.upsert(ctx, key, progress.StateInProgress, 1, "", now); err != nil {
		return progress.Record{}, err
	}
	record.State = progress.StateInProgress
	record.Attempts++
	record.LastError = ""
	record.UpdatedAt = now
	return record, nil
}

// MarkDone 实现 progress.Store。
func (p *ProgressRepository) MarkDone(ctx context.Context, key string) error {
	return p.upsert(ctx, key, progress.StateDone, 0, "", p.now().Unix())
}

// MarkFailed 实现 progress.Store。
func (p *ProgressRepository) MarkFailed(ctx context.Context, key string, lastError string) error {
	return p.upsert(ctx, key, progress.StateFailed, 0, lastError, p.now().Unix())
}

// Stats 统计各状态的条目数量。
func (p *ProgressRepository) Stats(ctx context.Context) (progress.Stats, error) {
	const query = `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0) AS in_progress,
        COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0) AS done,
        COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0) AS failed
        FROM agent_progress`

	row := p.db.QueryRowContext(ctx, query,
		string(progress.StateInProgress),
		string(progress.StateDone),
		string(progress.StateFailed),
	)
	var stats progress.Stats
	if err := row.Scan(&stats.Total, &stats.InProgress, &stats.Done, &stats.Failed); err != nil {
		return progress.Stats{}, storageError(err, "查询进度统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (p *ProgressRepository) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *ProgressRepository) upsert(ctx context.Context, key string, state progress.State, attempts int, lastError string, now int64) error {
	if _, err := p.db.ExecContext(ctx, upsertProgressSQL, key, string(state), attempts, lastError, now); err != nil {
		return storageError(err, "写入进度失败")
	}
	return nil
}

var _ progress.Store = (*ProgressRepository)(nil)
