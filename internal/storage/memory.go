package storage

import (
	"sort"
	"sync"

	"lumina-backend/internal/model"
)

type MemoryStorage struct {
	sessions map[string]*model.ChatSession
	activeID string
	mu       sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		sessions: make(map[string]*model.ChatSession),
	}
}

func (m *MemoryStorage) Init() error {
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func (m *MemoryStorage) Backup() error {
	return nil
}

func (m *MemoryStorage) CreateSession(session *model.ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[session.ID] = session
	return nil
}

func (m *MemoryStorage) GetSession(sessionID string) (*model.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}

	return session, nil
}

func (m *MemoryStorage) UpdateSession(session *model.ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ID]; !exists {
		return ErrSessionNotFound
	}

	m.sessions[session.ID] = session
	return nil
}

func (m *MemoryStorage) DeleteSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sessionID]; !exists {
		return ErrSessionNotFound
	}

	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStorage) ListSessions() ([]*model.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*model.ChatSession, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}

	// 与磁盘实现保持一致：最近活动优先
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Timestamp.After(sessions[j].Timestamp.Time)
	})

	return sessions, nil
}

func (m *MemoryStorage) SaveActiveSession(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.activeID = sessionID
	return nil
}

func (m *MemoryStorage) LoadActiveSession() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.activeID, nil
}
