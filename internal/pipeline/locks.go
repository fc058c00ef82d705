package pipeline

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
)

// LockManager provides cross-worker mutual exclusion per (document, stage).
// The Postgres advisory-lock implementation lives in the storage package;
// MemoryLockManager covers single-process runs and tests.
type LockManager interface {
	TryAcquire(ctx context.Context, key int64) (bool, error)
	Release(ctx context.Context, key int64) error
}

// LockKey derives the advisory lock key for a (document, stage) pair.
func LockKey(documentID uuid.UUID, stage Stage) int64 {
	h := fnv.New64a()
	h.Write([]byte(documentID.String()))
	h.Write([]byte(":"))
	h.Write([]byte(stage))
	return int64(h.Sum64())
}

// MemoryLockManager is an in-process LockManager.
type MemoryLockManager struct {
	mu   sync.Mutex
	held map[int64]bool
}

// NewMemoryLockManager creates an empty in-process lock manager.
func NewMemoryLockManager() *MemoryLockManager {
	return &MemoryLockManager{held: make(map[int64]bool)}
}

func (m *MemoryLockManager) TryAcquire(_ context.Context, key int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return false, nil
	}
	m.held[key] = true
	return true, nil
}

func (m *MemoryLockManager) Release(_ context.Context, key int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, key)
	return nil
}
