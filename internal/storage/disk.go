package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"lumina-backend/internal/model"
	"lumina-backend/pkg/logger"
)

type DiskStorage struct {
	dataDir   string
	mu        sync.RWMutex
	cache     map[string]*model.ChatSession
	cacheSize int
}

type SessionIndex struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Model     string         `json:"model"`
	Timestamp model.FlexTime `json:"timestamp"`
}

func NewDiskStorage(dataDir string, cacheSize int) *DiskStorage {
	return &DiskStorage{
		dataDir:   dataDir,
		cache:     make(map[string]*model.ChatSession),
		cacheSize: cacheSize,
	}
}

func (d *DiskStorage) Init() error {
	if err := d.createDirectories(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	if err := d.loadSessions(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	logger.WithField("dataDir", d.dataDir).Info("Disk storage initialized")
	return nil
}

func (d *DiskStorage) Close() error {
	return nil
}

func (d *DiskStorage) createDirectories() error {
	dirs := []string{
		d.dataDir,
		filepath.Join(d.dataDir, "sessions"),
		filepath.Join(d.dataDir, "backup"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}

func (d *DiskStorage) loadSessions() error {
	indexPath := filepath.Join(d.dataDir, "sessions.json")

	if _, err := os.Stat(indexPath); os.IsNotExist(err) {
		return d.saveSessionIndex([]*SessionIndex{})
	}

	data, err := os.ReadFile(indexPath)
	if err != nil {
		return err
	}

	var indexes []*SessionIndex
	if err := json.Unmarshal(data, &indexes); err != nil {
		return err
	}

	for _, index := range indexes {
		if len(d.cache) >= d.cacheSize {
			break
		}

		session, err := d.loadSessionFromFile(index.ID)
		if err != nil {
			// 损坏的会话文件只跳过，不让整个注册表初始化失败
			logger.Errorf("Failed to load session %s: %v", index.ID, err)
			continue
		}

		d.cache[index.ID] = session
	}

	return nil
}

func (d *DiskStorage) loadSessionFromFile(sessionID string) (*model.ChatSession, error) {
	sessionPath := filepath.Join(d.dataDir, "sessions", sessionID+".json")

	data, err := os.ReadFile(sessionPath)
	if err != nil {
		return nil, err
	}

	// 时间戳字段经 model.FlexTime 修复为时间类型（兼容字符串与epoch数字）
	var session model.ChatSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	return &session, nil
}

func (d *DiskStorage) saveSessionIndex(indexes []*SessionIndex) error {
	indexPath := filepath.Join(d.dataDir, "sessions.json")
	tempPath := indexPath + ".tmp"

	data, err := json.MarshalIndent(indexes, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempPath, indexPath)
}

func (d *DiskStorage) saveSessionToFile(session *model.ChatSession) error {
	sessionPath := filepath.Join(d.dataDir, "sessions", session.ID+".json")
	tempPath := sessionPath + ".tmp"

	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempPath, sessionPath)
}

func (d *DiskStorage) CreateSession(session *model.ChatSession) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.saveSessionToFile(session); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if err := d.updateSessionIndex(); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	d.cache[session.ID] = session
	d.evictCache()

	return nil
}

func (d *DiskStorage) GetSession(sessionID string) (*model.ChatSession, error) {
	d.mu.RLock()
	if session, exists := d.cache[sessionID]; exists {
		d.mu.RUnlock()
		return session, nil
	}
	d.mu.RUnlock()

	session, err := d.loadSessionFromFile(sessionID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	d.mu.Lock()
	d.cache[sessionID] = session
	d.evictCache()
	d.mu.Unlock()

	return session, nil
}

func (d *DiskStorage) UpdateSession(session *model.ChatSession) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sessionPath := filepath.Join(d.dataDir, "sessions", session.ID+".json")
	if _, err := os.Stat(sessionPath); os.IsNotExist(err) {
		return ErrSessionNotFound
	}

	if err := d.saveSessionToFile(session); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if err := d.updateSessionIndex(); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	d.cache[session.ID] = session

	return nil
}

func (d *DiskStorage) DeleteSession(sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sessionPath := filepath.Join(d.dataDir, "sessions", sessionID+".json")

	if _, err := os.Stat(sessionPath); os.IsNotExist(err) {
		return ErrSessionNotFound
	}

	if err := os.Remove(sessionPath); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	delete(d.cache, sessionID)

	return d.updateSessionIndex()
}

func (d *DiskStorage) ListSessions() ([]*model.ChatSession, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sessionsDir := filepath.Join(d.dataDir, "sessions")

	files, err := os.ReadDir(sessionsDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	sessions := make([]*model.ChatSession, 0, len(files))
	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}

		sessionID := strings.TrimSuffix(file.Name(), ".json")
		session, exists := d.cache[sessionID]
		if !exists {
			var loadErr error
			session, loadErr = d.loadSessionFromFile(sessionID)
			if loadErr != nil {
				logger.Errorf("Failed to load session %s for listing: %v", sessionID, loadErr)
				continue
			}
		}
		sessions = append(sessions, session)
	}

	// 最近活动优先
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Timestamp.After(sessions[j].Timestamp.Time)
	})

	return sessions, nil
}

func (d *DiskStorage) SaveActiveSession(sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	activePath := filepath.Join(d.dataDir, "active_session")
	tempPath := activePath + ".tmp"

	if err := os.WriteFile(tempPath, []byte(sessionID), 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	return os.Rename(tempPath, activePath)
}

func (d *DiskStorage) LoadActiveSession() (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	activePath := filepath.Join(d.dataDir, "active_session")

	data, err := os.ReadFile(activePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	return strings.TrimSpace(string(data)), nil
}

func (d *DiskStorage) updateSessionIndex() error {
	sessionsDir := filepath.Join(d.dataDir, "sessions")

	files, err := os.ReadDir(sessionsDir)
	if err != nil {
		return err
	}

	var indexes []*SessionIndex
	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}

		sessionID := strings.TrimSuffix(file.Name(), ".json")
		session, err := d.loadSessionFromFile(sessionID)
		if err != nil {
			logger.Errorf("Failed to load session %s for index update: %v", sessionID, err)
			continue
		}

		indexes = append(indexes, &SessionIndex{
			ID:        session.ID,
			Title:     session.Title,
			Model:     string(session.Model),
			Timestamp: session.Timestamp,
		})
	}

	return d.saveSessionIndex(indexes)
}

func (d *DiskStorage) evictCache() {
	if len(d.cache) <= d.cacheSize {
		return
	}

	type cacheEntry struct {
		id        string
		timestamp time.Time
	}

	var entries []cacheEntry
	for id, session := range d.cache {
		entries = append(entries, cacheEntry{
			id:        id,
			timestamp: session.Timestamp.Time,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].timestamp.Before(entries[j].timestamp)
	})

	// 逐出最久未活动的会话，直到回到容量以内
	for _, entry := range entries {
		if len(d.cache) <= d.cacheSize {
			break
		}
		delete(d.cache, entry.id)
	}
}

func (d *DiskStorage) Backup() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	backupDir := filepath.Join(d.dataDir, "backup", time.Now().Format("20060102-150405"))
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	sessionsDir := filepath.Join(d.dataDir, "sessions")
	files, err := os.ReadDir(sessionsDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(sessionsDir, file.Name()))
		if err != nil {
			logger.Errorf("Failed to read session %s for backup: %v", file.Name(), err)
			continue
		}

		if err := os.WriteFile(filepath.Join(backupDir, file.Name()), data, 0644); err != nil {
			return fmt.Errorf("%w: %v", ErrFileOperation, err)
		}
	}

	logger.Infof("Backup completed: %s", backupDir)
	return nil
}
