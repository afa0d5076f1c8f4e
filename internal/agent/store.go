package agent

import (
	"context"
	"sync"

	xerrors "OpenLP-Agent/internal/errors"
)

var (
	// ErrStatusNotFound 表示存储中没有该智能体的记录。
	ErrStatusNotFound = xerrors.New(xerrors.CodeNotFound, "agent status not found")
	// ErrStaleStatus 表示写入的记录比已存储的旧。
	ErrStaleStatus = xerrors.New(xerrors.CodeConflict, "stale agent status")
)

// StateStore 按智能体 ID 保存 Status。实现必须拒绝 UpdatedAt 早于
// 已存储记录的写入（返回 ErrStaleStatus）。
type StateStore interface {
	SaveState(ctx context.Context, agentID string, status Status) error
	LoadState(ctx context.Context, agentID string) (Status, error)
}

// MemoryStateStore 是默认的内存实现。
type MemoryStateStore struct {
	mu      sync.RWMutex
	records map[string]Status
}

// NewMemoryStateStore 创建内存存储。
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{records: make(map[string]Status)}
}

func (s *MemoryStateStore) SaveState(_ context.Context, agentID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.records[agentID]; ok && status.UpdatedAt.Before(prev.UpdatedAt) {
		return ErrStaleStatus
	}
	s.records[agentID] = status.Clone()
	return nil
}

func (s *MemoryStateStore) LoadState(_ context.Context, agentID string) (Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.records[agentID]
	if !ok {
		return Status{}, ErrStatusNotFound
	}
	return status.Clone(), nil
}

// Agents 返回已保存的智能体 ID。
func (s *MemoryStateStore) Agents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	return ids
}
