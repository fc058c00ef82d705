package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// AdvisoryLocks implements cross-process mutual exclusion with Postgres
// session advisory locks. Each held lock pins its own connection: session
// locks die with the session, so the connection must stay open until
// release. A crashed process therefore frees its locks automatically.
type AdvisoryLocks struct {
	db *sql.DB

	mu   sync.Mutex
	held map[int64]*sql.Conn
}

// NewAdvisoryLocks creates an advisory lock manager over the pool.
func NewAdvisoryLocks(db *sql.DB) *AdvisoryLocks {
	return &AdvisoryLocks{db: db, held: make(map[int64]*sql.Conn)}
}

// TryAcquire attempts to take the lock without blocking. Returns false when
// another session, or this process, already holds it.
func (l *AdvisoryLocks) TryAcquire(ctx context.Context, key int64) (bool, error) {
	l.mu.Lock()
	if _, ok := l.held[key]; ok {
		l.mu.Unlock()
		return false, nil
	}
	l.mu.Unlock()

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	l.mu.Lock()
	if _, ok := l.held[key]; ok {
		// Lost the in-process race. Unlock on our session and back off.
		l.mu.Unlock()
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
			conn.Close()
			return false, fmt.Errorf("release duplicate lock: %w", err)
		}
		conn.Close()
		return false, nil
	}
	l.held[key] = conn
	l.mu.Unlock()
	return true, nil
}

// Release unlocks and returns the pinned connection to the pool. Releasing
// a key this process does not hold is a no-op.
func (l *AdvisoryLocks) Release(ctx context.Context, key int64) error {
	l.mu.Lock()
	conn, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	var released bool
	err := conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&released)
	conn.Close()
	if err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	if !released {
		return fmt.Errorf("advisory lock %d was not held by this session", key)
	}
	return nil
}

// Close releases every lock still held. Called on shutdown.
func (l *AdvisoryLocks) Close(ctx context.Context) error {
	l.mu.Lock()
	keys := make([]int64, 0, len(l.held))
	for key := range l.held {
		keys = append(keys, key)
	}
	l.mu.Unlock()

	var firstErr error
	for _, key := range keys {
		if err := l.Release(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
