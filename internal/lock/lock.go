// Package lock provides short-lived named locks with TTL expiry. The engine
// takes one per driver while accepting a ride so the same driver cannot hold
// two active rides.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager hands out tokens for held locks. Release only succeeds for the
// token that currently owns the key, so a lock that expired and was taken by
// someone else is never released by the previous holder.
type Manager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

type lockEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryManager is an in-process Manager. A background sweep drops expired
// entries until Stop is called.
type MemoryManager struct {
	mu    sync.Mutex
	locks map[string]lockEntry
	now   func() time.Time
	stop  chan struct{}
	once  sync.Once
}

func NewMemoryManager() *MemoryManager {
	m := &MemoryManager{
		locks: make(map[string]lockEntry),
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	go m.sweep(time.Second)
	return m
}

func (m *MemoryManager) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if cur, held := m.locks[key]; held && now.Before(cur.expiresAt) {
		return "", false, nil
	}
	tok := uuid.NewString()
	m.locks[key] = lockEntry{token: tok, expiresAt: now.Add(ttl)}
	return tok, true, nil
}

func (m *MemoryManager) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, held := m.locks[key]; held && cur.token == token {
		delete(m.locks, key)
	}
	return nil
}

// Held reports whether key is locked and not yet expired.
func (m *MemoryManager) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, held := m.locks[key]
	return held && m.now().Before(cur.expiresAt)
}

func (m *MemoryManager) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.mu.Lock()
			now := m.now()
			for k, e := range m.locks {
				if !now.Before(e.expiresAt) {
					delete(m.locks, k)
				}
			}
			m.mu.Unlock()
		case <-m.stop:
			return
		}
	}
}

func (m *MemoryManager) Stop() {
	m.once.Do(func() { close(m.stop) })
}
