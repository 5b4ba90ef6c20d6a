package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	goredis "github.com/redis/go-redis/v9"
)

// Cache 按钱包地址保存已知的身份 ID。
type Cache interface {
	Get(ctx context.Context, wallet string) (uint64, bool, error)
	Put(ctx context.Context, wallet string, id uint64) error
}

// FileCache 把 {wallet: id} 映射保存为本地 JSON 文件。
// 文件不存在或内容损坏都按未命中处理。
type FileCache struct {
	path string
	mu   sync.Mutex
}

// NewFileCache 创建文件缓存。
func NewFileCache(path string) *FileCache {
	return &FileCache{path: path}
}

// Get 实现 Cache。
func (c *FileCache) Get(_ context.Context, wallet string) (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.read()
	if err != nil {
		return 0, false, err
	}
	id, ok := entries[wallet]
	return id, ok, nil
}

// Put 实现 Cache，保留文件中其他钱包的记录。
func (c *FileCache) Put(_ context.Context, wallet string, id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.read()
	if err != nil {
		return err
	}
	entries[wallet] = id
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("编码身份缓存失败: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("创建身份缓存目录失败: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("写入身份缓存失败: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("替换身份缓存失败: %w", err)
	}
	return nil
}

func (c *FileCache) read() (map[string]uint64, error) {
	entries := make(map[string]uint64)
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return entries, nil
		}
		return nil, fmt.Errorf("读取身份缓存失败: %w", err)
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return make(map[string]uint64), nil
	}
	return entries, nil
}

// RedisCache 把身份 ID 保存在一个 Redis hash 中。
type RedisCache struct {
	client goredis.Cmdable
	key    string
}

// NewRedisCache 创建 Redis 缓存。
func NewRedisCache(client goredis.Cmdable, key string) *RedisCache {
	return &RedisCache{client: client, key: key}
}

// Get 实现 Cache。
func (c *RedisCache) Get(ctx context.Context, wallet string) (uint64, bool, error) {
	raw, err := c.client.HGet(ctx, c.key, wallet).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("读取 Redis 身份缓存失败: %w", err)
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return id, true, nil
}

// Put 实现 Cache。
func (c *RedisCache) Put(ctx context.Context, wallet string, id uint64) error {
	if err := c.client.HSet(ctx, c.key, wallet, strconv.FormatUint(id, 10)).Err(); err != nil {
		return fmt.Errorf("写入 Redis 身份缓存失败: %w", err)
	}
	return nil
}
