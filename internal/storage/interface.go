package storage

import (
	"lumina-backend/internal/model"
)

type Storage interface {
	// 会话注册表
	CreateSession(session *model.ChatSession) error
	GetSession(sessionID string) (*model.ChatSession, error)
	UpdateSession(session *model.ChatSession) error
	DeleteSession(sessionID string) error
	ListSessions() ([]*model.ChatSession, error)

	// 活跃会话指针（单独的键值项）
	SaveActiveSession(sessionID string) error
	LoadActiveSession() (string, error)

	// 存储管理
	Init() error
	Close() error
	Backup() error
}
