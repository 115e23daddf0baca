package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yourusername/session-gate/internal/clock"
)

const maxIDAttempts = 4

// MemoryStore はプロセス内のマップでセッションを保持します。
type MemoryStore struct {
	clock    clock.Clock
	limits   Limits
	lock     sync.Mutex
	sessions map[string]*Session
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore(c clock.Clock, limits Limits) *MemoryStore {
	if c == nil {
		c = clock.System{}
	}
	return &MemoryStore{
		clock:    c,
		limits:   limits,
		sessions: make(map[string]*Session),
	}
}

// Create はセッションを作成します。
func (m *MemoryStore) Create(ctx context.Context, subject string, persistent bool, ttl time.Duration) (*Session, error) {
	if ttl <= 0 {
		return nil, errors.New("session: ttl must be positive")
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.clock.Now()
	if m.limits.MaxSessions > 0 && len(m.sessions) >= m.limits.MaxSessions {
		m.purgeLocked(now)
		if len(m.sessions) >= m.limits.MaxSessions {
			return nil, ErrCapacityExceeded
		}
	}

	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := GenerateID()
		if err != nil {
			return nil, err
		}
		if existing, ok := m.sessions[id]; ok && !existing.Expired(now) {
			continue
		}
		s := newSession(id, subject, persistent, now, ttl, m.limits)
		m.sessions[id] = s
		copied := *s
		return &copied, nil
	}
	return nil, fmt.Errorf("session: could not allocate a unique id after %d attempts", maxIDAttempts)
}

// ValidateAndTouch は有効なセッションを返します。期限切れはその場で削除します。
func (m *MemoryStore) ValidateAndTouch(ctx context.Context, id string, slidingTTL time.Duration) (*Session, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	now := m.clock.Now()
	if s.Expired(now) {
		delete(m.sessions, id)
		return nil, ErrSessionNotFound
	}
	if slidingTTL > 0 {
		s.touch(now, slidingTTL)
	}
	copied := *s
	return &copied, nil
}

// Revoke はセッションを削除します。
func (m *MemoryStore) Revoke(ctx context.Context, id string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.sessions, id)
	return nil
}

// Sweep は期限切れセッションを削除します。
func (m *MemoryStore) Sweep(ctx context.Context) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.purgeLocked(m.clock.Now()), nil
}

// Count は有効なセッション数を返します。
func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	now := m.clock.Now()
	live := 0
	for _, s := range m.sessions {
		if !s.Expired(now) {
			live++
		}
	}
	return live, nil
}

func (m *MemoryStore) purgeLocked(now time.Time) int {
	removed := 0
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}
