package progress

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
)

// RedisStore 将所有条目保存在一个 Redis hash 中，字段为条目键，值为 JSON 记录。
type RedisStore struct {
	client goredis.Cmdable
	key    string
	closer func() error
}

// NewRedisStore 创建 RedisStore。client 若实现 Close，Close 时一并关闭。
func NewRedisStore(client goredis.Cmdable, key string) (*RedisStore, error) {
	if client == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 客户端不能为空")
	}
	if key == "" {
		key = "chaosoracle:progress"
	}
	store := &RedisStore{client: client, key: key}
	if c, ok := client.(interface{ Close() error }); ok {
		store.closer = c.Close
	}
	return store, nil
}

// Get 实现 Store 接口。
func (r *RedisStore) Get(ctx context.Context, key string) (Record, error) {
	raw, err := r.client.HGet(ctx, r.key, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return Record{Key: key, State: StateUnseen}, nil
	}
	if err != nil {
		return Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 进度失败")
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		// 无法解析的记录按未处理对待，下一次写入会覆盖它。
		return Record{Key: key, State: StateUnseen}, nil
	}
	return record, nil
}

// Claim 实现 Store 接口。
func (r *RedisStore) Claim(ctx context.Context, key string) (Record, error) {
	record, err := r.Get(ctx, key)
	if err != nil {
		return Record{}, err
	}
	if record.State == StateDone {
		return record, ErrAlreadyDone
	}
	record.State = StateInProgress
	record.Attempts++
	record.LastError = ""
	if err := r.put(ctx, record); err != nil {
		return Record{}, err
	}
	return record, nil
}

// MarkDone 实现 Store 接口。
func (r *RedisStore) MarkDone(ctx context.Context, key string) error {
	record, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	record.State = StateDone
	record.LastError = ""
	return r.put(ctx, record)
}

// MarkFailed 实现 Store 接口。
func (r *RedisStore) MarkFailed(ctx context.Context, key string, lastError string) error {
	record, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	record.State = StateFailed
	record.LastError = lastError
	return r.put(ctx, record)
}

// Stats 遍历 hash 统计各状态数量。
func (r *RedisStore) Stats(ctx context.Context) (Stats, error) {
	values, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取 Redis 进度失败")
	}
	var stats Stats
	for _, raw := range values {
		var record Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			continue
		}
		stats.add(record.State)
	}
	return stats, nil
}

// Close 关闭 Redis 连接。
func (r *RedisStore) Close() error {
	if r == nil || r.closer == nil {
		return nil
	}
	return r.closer()
}

func (r *RedisStore) put(ctx context.Context, record Record) error {
	record.UpdatedAt = time.Now().Unix()
	encoded, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化进度失败")
	}
	if err := r.client.HSet(ctx, r.key, record.Key, encoded).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 Redis 进度失败")
	}
	return nil
}

var _ Store = (*RedisStore)(nil)
