// Package progress 记录 worker 与 verifier 已经处理过的市场和提交。
//
// 默认的内存实现只在进程生命周期内有效，重启后所有市场重新处理；
// redis 与 mysql 实现将状态持久化，重启后 done 的条目被跳过，
// in_progress 与 failed 的条目视为可重试。
package progress

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
)

// State 表示单个条目的处理状态。
type State string

const (
	StateUnseen     State = "unseen"
	StateInProgress State = "in_progress"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Record 是单个条目的处理记录。
type Record struct {
	Key       string `json:"key"`
	State     State  `json:"state"`
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

// Retryable 判断条目是否需要再次处理。
func (r Record) Retryable() bool {
	return r.State != StateDone
}

// Stats 汇总各状态的条目数量。
type Stats struct {
	Total      int `json:"total"`
	InProgress int `json:"in_progress"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
}

// ErrAlreadyDone 表示条目已经处理完成，不应再次认领。
var ErrAlreadyDone = xerrors.New(xerrors.CodeAlreadyCompleted, "progress entry already done")

// Store 抽象处理状态的持久化接口。Get 对未知条目返回 StateUnseen。
type Store interface {
	Get(ctx context.Context, key string) (Record, error)
	Claim(ctx context.Context, key string) (Record, error)
	MarkDone(ctx context.Context, key string) error
	MarkFailed(ctx context.Context, key string, lastError string) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// 条目键以 agent 钱包地址开头，多个钱包共用同一个 redis 或 mysql
// 存储时互不影响。

// WorkKey 返回钱包为 agent 的 worker 在 unit 上的条目键。
func WorkKey(agent, unit common.Address) string {
	return "work:" + hexKey(agent) + ":" + hexKey(unit)
}

// ScoreKey 返回钱包为 agent 的 verifier 为 unit 中 worker 的提交评分的条目键。
func ScoreKey(agent, unit, worker common.Address) string {
	return "score:" + hexKey(agent) + ":" + hexKey(unit) + ":" + hexKey(worker)
}

func hexKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}
