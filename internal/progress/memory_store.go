package progress

import (
	"context"
	"sync"
	"time"
)

// MemoryStore 在内存中保存处理状态，进程退出后丢失。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), now: time.Now}
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, key string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[key]
	if !ok {
		return Record{Key: key, State: StateUnseen}, nil
	}
	return record, nil
}

// Claim 将条目标记为处理中。已完成的条目返回 ErrAlreadyDone。
func (m *MemoryStore) Claim(_ context.Context, key string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[key]
	if !ok {
		record = Record{Key: key}
	}
	if record.State == StateDone {
		return record, ErrAlreadyDone
	}
	record.State = StateInProgress
	record.Attempts++
	record.LastError = ""
	record.UpdatedAt = m.now().Unix()
	m.records[key] = record
	return record, nil
}

// MarkDone 将条目标记为已完成，未认领的条目也会直接写入。
func (m *MemoryStore) MarkDone(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record := m.records[key]
	record.Key = key
	record.State = StateDone
	record.LastError = ""
	record.UpdatedAt = m.now().Unix()
	m.records[key] = record
	return nil
}

// MarkFailed 记录失败原因，条目在下一轮仍可认领。
func (m *MemoryStore) MarkFailed(_ context.Context, key string, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record := m.records[key]
	record.Key = key
	record.State = StateFailed
	record.LastError = lastError
	record.UpdatedAt = m.now().Unix()
	m.records[key] = record
	return nil
}

// Stats 实现 Store 接口。
func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats Stats
	for _, record := range m.records {
		stats.add(record.State)
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func (s *Stats) add(state State) {
	s.Total++
	switch state {
	case StateInProgress:
		s.InProgress++
	case StateDone:
		s.Done++
	case StateFailed:
		s.Failed++
	}
}

var _ Store = (*MemoryStore)(nil)
