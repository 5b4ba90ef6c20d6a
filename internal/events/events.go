// Package events 在提交成功后对外发布事件。发布失败只记录日志，
// 不影响市场本身的处理结果。
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/verkhohliad/chaos-oracle/internal/config"
)

// Type 表示事件类型。
type Type string

const (
	TypeWorkSubmitted   Type = "work_submitted"
	TypeScoresSubmitted Type = "scores_submitted"
)

// Event 描述一次成功的提交。
type Event struct {
	ID          string    `json:"id"`
	Type        Type      `json:"type"`
	Mode        string    `json:"mode"`
	Agent       string    `json:"agent"`
	Unit        string    `json:"unit"`
	Worker      string    `json:"worker,omitempty"`
	Outcome     *int      `json:"outcome,omitempty"`
	EvidenceRef string    `json:"evidence_ref,omitempty"`
	Scores      []int     `json:"scores,omitempty"`
	TxHash      string    `json:"tx_hash,omitempty"`
	WorkflowID  string    `json:"workflow_id,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// New 创建带唯一 ID 与当前时间的事件。
func New(typ Type) Event {
	return Event{ID: uuid.NewString(), Type: typ, OccurredAt: time.Now().UTC()}
}

// Publisher 负责投递事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Open 根据配置创建 Publisher。redis 驱动复用传入的客户端。
func Open(cfg config.EventsConfig, redisClient goredis.Cmdable) (Publisher, error) {
	switch cfg.Driver {
	case "", "none":
		return NopPublisher{}, nil
	case "memory":
		return NewMemoryPublisher(), nil
	case "redis":
		if redisClient == nil {
			return nil, errors.New("redis 事件驱动需要 Redis 客户端")
		}
		return NewRedisPublisher(redisClient, cfg.Redis.List), nil
	case "rabbitmq":
		publisher, err := NewRabbitMQPublisher(cfg.RabbitMQ)
		if err != nil {
			return nil, err
		}
		return publisher, nil
	default:
		return nil, fmt.Errorf("不支持的事件驱动: %s", cfg.Driver)
	}
}

// NopPublisher 丢弃所有事件。
type NopPublisher struct{}

// Publish 实现 Publisher。
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Close 实现 Publisher。
func (NopPublisher) Close() error { return nil }

// MemoryPublisher 在内存中保存事件，主要用于测试与本地调试。
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

// NewMemoryPublisher 创建 MemoryPublisher。
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish 实现 Publisher。
func (m *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("事件发布器已关闭")
	}
	m.events = append(m.events, event)
	return nil
}

// Events 返回已发布事件的副本。
func (m *MemoryPublisher) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Close 实现 Publisher。
func (m *MemoryPublisher) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// RedisPublisher 将事件以 JSON 形式 LPUSH 到 Redis list。
type RedisPublisher struct {
	client goredis.Cmdable
	list   string
}

// NewRedisPublisher 创建 RedisPublisher。
func NewRedisPublisher(client goredis.Cmdable, list string) *RedisPublisher {
	if list == "" {
		list = "chaosoracle:events"
	}
	return &RedisPublisher{client: client, list: list}
}

// Publish 实现 Publisher。
func (r *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	if err := r.client.LPush(ctx, r.list, payload).Err(); err != nil {
		return fmt.Errorf("Redis 发布事件失败: %w", err)
	}
	return nil
}

// Close 不关闭共享的 Redis 客户端。
func (r *RedisPublisher) Close() error { return nil }

var (
	_ Publisher = NopPublisher{}
	_ Publisher = (*MemoryPublisher)(nil)
	_ Publisher = (*RedisPublisher)(nil)
)
