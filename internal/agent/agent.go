package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
	"github.com/verkhohliad/chaos-oracle/internal/events"
	"github.com/verkhohliad/chaos-oracle/internal/ledger"
	"github.com/verkhohliad/chaos-oracle/internal/observability/alerting"
	"github.com/verkhohliad/chaos-oracle/internal/observability/metrics"
	"github.com/verkhohliad/chaos-oracle/internal/progress"
)

// Role 标识循环类型。
type Role string

const (
	RoleWorker   Role = "worker"
	RoleVerifier Role = "verifier"
)

// defaultPollInterval 与配置的默认值保持一致。
const defaultPollInterval = 30 * time.Second

// Ledger 是循环需要的只读账本接口，由 ledger.Reader 实现。
type Ledger interface {
	ActiveUnits(ctx context.Context) ([]common.Address, error)
	UnitDetails(ctx context.Context, unit common.Address) (ledger.Unit, error)
	CanCloseUnit(ctx context.Context, unit common.Address) bool
	UnscoredSubmissions(ctx context.Context, unit, scorer common.Address) ([]ledger.Submission, error)
}

// Status 是循环运行状态的快照，供运维接口展示。
type Status struct {
	Role           Role           `json:"role"`
	Mode           string         `json:"mode"`
	Address        string         `json:"address"`
	AgentID        uint64         `json:"agent_id"`
	Running        bool           `json:"running"`
	Ticks          uint64         `json:"ticks"`
	LastTickAt     time.Time      `json:"last_tick_at,omitempty"`
	LastTickMillis int64          `json:"last_tick_ms"`
	LastError      string         `json:"last_error,omitempty"`
	Progress       progress.Stats `json:"progress"`
}

// Option 定义循环的可选配置。
type Option func(*loop)

// WithLogger 设置日志记录器。
func WithLogger(logger *slog.Logger) Option {
	return func(l *loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithAuditLogger 设置审计日志，记录每一次成功的提交。
func WithAuditLogger(logger *slog.Logger) Option {
	return func(l *loop) {
		if logger != nil {
			l.audit = logger
		}
	}
}

// WithPollInterval 设置两轮之间的休眠时间。
func WithPollInterval(d time.Duration) Option {
	return func(l *loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

// WithProgress 使用持久化的进度存储，默认使用内存。
func WithProgress(store progress.Store) Option {
	return func(l *loop) {
		if store != nil {
			l.progress = store
		}
	}
}

// WithEvents 设置提交成功后的事件发布器。
func WithEvents(publisher events.Publisher) Option {
	return func(l *loop) {
		if publisher != nil {
			l.events = publisher
		}
	}
}

// WithAlerts 设置告警分发器。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(l *loop) {
		if dispatcher != nil {
			l.alerts = dispatcher
		}
	}
}

// WithMetrics 设置指标记录器。
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(l *loop) {
		l.metrics = recorder
	}
}

// loop 是 worker 与 verifier 共用的轮询骨架。
type loop struct {
	role     Role
	mode     string
	address  common.Address
	interval time.Duration
	progress progress.Store
	events   events.Publisher
	alerts   alerting.Dispatcher
	metrics  *metrics.Recorder
	logger   *slog.Logger
	audit    *slog.Logger

	mu     sync.RWMutex
	status Status
}

func newLoop(role Role, mode string, address common.Address, opts []Option) *loop {
	discard := slog.New(slog.DiscardHandler)
	l := &loop{
		role:     role,
		mode:     mode,
		address:  address,
		interval: defaultPollInterval,
		events:   events.NopPublisher{},
		logger:   discard,
		audit:    discard,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.progress == nil {
		l.progress = progress.NewMemoryStore()
	}
	l.status = Status{Role: role, Mode: mode, Address: address.Hex()}
	return l
}

// Status 返回当前运行状态，进度统计读取失败时保留空值。
func (l *loop) Status(ctx context.Context) Status {
	l.mu.RLock()
	snapshot := l.status
	l.mu.RUnlock()
	if stats, err := l.progress.Stats(ctx); err == nil {
		snapshot.Progress = stats
	} else {
		l.logger.Warn("读取进度统计失败", slog.Any("error", err))
	}
	return snapshot
}

// run 在 ctx 取消前反复执行 tick，每轮之间休眠 interval。
// 返回值只可能是 ctx 的错误。
func (l *loop) run(ctx context.Context, tick func(context.Context) error) error {
	l.setRunning(true)
	defer l.setRunning(false)
	l.logger.Info("轮询循环启动", slog.Duration("poll_interval", l.interval))

	for {
		start := time.Now()
		err := l.safeTick(ctx, tick)
		l.finishTick(start, err)
		if ctx.Err() != nil {
			l.logger.Info("收到关闭信号，轮询循环退出")
			return ctx.Err()
		}

		timer := time.NewTimer(l.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.logger.Info("收到关闭信号，轮询循环退出")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// safeTick 是轮次顶层的兜底，panic 也被转换为错误。
func (l *loop) safeTick(ctx context.Context, tick func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeUnknown, fmt.Sprintf("轮次 panic: %v", r))
			l.logger.Error("轮次发生 panic", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
	}()
	return tick(ctx)
}

func (l *loop) finishTick(start time.Time, err error) {
	elapsed := time.Since(start)
	l.metrics.ObserveTick(string(l.role), elapsed, err)

	l.mu.Lock()
	l.status.Ticks++
	l.status.LastTickAt = time.Now().UTC()
	l.status.LastTickMillis = elapsed.Milliseconds()
	l.status.LastError = ""
	if err != nil {
		l.status.LastError = err.Error()
	}
	l.mu.Unlock()

	if errors.Is(err, context.Canceled) {
		return
	}
	if err != nil {
		l.logger.Error("本轮轮询失败", slog.Any("error", err), slog.Duration("elapsed", elapsed))
		l.metrics.IncFailure(string(l.role), err)
		return
	}
	l.logger.Debug("本轮轮询完成", slog.Duration("elapsed", elapsed))
}

func (l *loop) setRunning(running bool) {
	l.mu.Lock()
	l.status.Running = running
	l.mu.Unlock()
}

func (l *loop) setAgentID(id uint64) {
	l.mu.Lock()
	l.status.AgentID = id
	l.mu.Unlock()
}

// registerIdentity 在循环启动前解析身份，失败时直接返回，由调用方决定是否退出。
func (l *loop) registerIdentity(ctx context.Context, register func(context.Context) (uint64, error)) error {
	id, err := register(ctx)
	if err != nil {
		l.logger.Error("身份注册失败", slog.Any("error", err))
		return err
	}
	l.setAgentID(id)
	l.logger.Info("身份已就绪", slog.Uint64("agent_id", id), slog.String("wallet", l.address.Hex()))
	return nil
}

// fail 处理单个条目的失败：记录进度、日志、指标与告警。
func (l *loop) fail(ctx context.Context, key string, err error, unit, worker string) {
	if ctx.Err() != nil {
		return
	}
	attrs := []any{slog.String("unit", unit), slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err)}
	if worker != "" {
		attrs = append(attrs, slog.String("worker", worker))
	}
	l.logger.Error("处理失败，下一轮重试", attrs...)
	l.metrics.IncUnit(string(l.role), metrics.UnitFailed)
	l.metrics.IncFailure(string(l.role), err)
	if key != "" {
		if markErr := l.progress.MarkFailed(context.WithoutCancel(ctx), key, err.Error()); markErr != nil {
			l.logger.Warn("记录失败状态出错", slog.String("key", key), slog.Any("error", markErr))
		}
	}
	alerting.Report(context.WithoutCancel(ctx), l.alerts, l.logger, err, string(l.role), unit, worker)
}

// publish 发布事件，失败只记录日志。
func (l *loop) publish(ctx context.Context, event events.Event) {
	event.Mode = l.mode
	event.Agent = l.address.Hex()
	if err := l.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		l.logger.Warn("发布事件失败",
			slog.String("type", string(event.Type)),
			slog.String("unit", event.Unit),
			slog.Any("error", err))
	}
}
