package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemorySessionStore keeps sessions in process memory. Used in development
// when REDIS_URL is empty and in tests. Expired entries are swept every
// minute until Close is called.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	done     chan struct{}
	once     sync.Once
}

func NewMemorySessionStore() *MemorySessionStore {
	s := &MemorySessionStore{
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (m *MemorySessionStore) Create(_ context.Context, s *Session) error {
	cp := *s
	m.mu.Lock()
	m.sessions[s.ID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || s.Expired(time.Now()) {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemorySessionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *MemorySessionStore) DeleteUser(_ context.Context, userID uuid.UUID) (int, error) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, s := range m.sessions {
		if s.UserID != userID {
			continue
		}
		if !s.Expired(now) {
			n++
		}
		delete(m.sessions, id)
	}
	return n, nil
}

func (m *MemorySessionStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *MemorySessionStore) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *MemorySessionStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.cleanup(time.Now())
		}
	}
}

func (m *MemorySessionStore) cleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
		}
	}
}
