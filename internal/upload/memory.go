package upload

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps sessions in process memory. Suitable for a single-node
// deployment or tests; sessions older than the TTL are dropped lazily.
type MemoryStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[uuid.UUID]*memorySession
}

type memorySession struct {
	meta   Session
	chunks map[int][]byte
}

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryStore{
		ttl:      ttl,
		sessions: make(map[uuid.UUID]*memorySession),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	m.sessions[s.ID] = &memorySession{
		meta:   *s,
		chunks: make(map[int][]byte),
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked()
	ms, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	meta := ms.meta
	return &meta, nil
}

func (m *MemoryStore) PutChunk(_ context.Context, id uuid.UUID, index int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	ms.chunks[index] = buf
	return nil
}

func (m *MemoryStore) GetChunk(_ context.Context, id uuid.UUID, index int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	chunk, ok := ms.chunks[index]
	if !ok {
		return nil, ErrIncomplete
	}
	return chunk, nil
}

func (m *MemoryStore) ReceivedIndexes(_ context.Context, id uuid.UUID) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	indexes := make([]int, 0, len(ms.chunks))
	for i := range ms.chunks {
		indexes = append(indexes, i)
	}
	return indexes, nil
}

func (m *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// expireLocked drops timed-out sessions. Caller holds the mutex.
func (m *MemoryStore) expireLocked() {
	cutoff := time.Now().Add(-m.ttl)
	for id, ms := range m.sessions {
		if ms.meta.CreatedAt.Before(cutoff) {
			delete(m.sessions, id)
		}
	}
}
