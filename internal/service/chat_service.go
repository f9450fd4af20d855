package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"lumina-backend/internal/auth"
	"lumina-backend/internal/config"
	"lumina-backend/internal/llm"
	"lumina-backend/internal/model"
	"lumina-backend/internal/quota"
	"lumina-backend/internal/storage"
	"lumina-backend/pkg/logger"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultImagePrompt 附带图片但没有文字说明时使用的固定提示词
const DefaultImagePrompt = "请描述这张图片"

// conversation 活跃会话持有的远端绑定。抽成接口便于测试替换。
type conversation interface {
	SendStream(ctx context.Context, content llm.Content) (*schema.StreamReader[*schema.Message], error)
	RecordReply(text string)
	Variant() model.ModelVariant
}

// bindFunc 重建远端绑定的工厂
type bindFunc func(ctx context.Context, cfg *config.Config, variant model.ModelVariant, instruction string, history []model.ChatMessage) (conversation, error)

func defaultBind(ctx context.Context, cfg *config.Config, variant model.ModelVariant, instruction string, history []model.ChatMessage) (conversation, error) {
	return llm.Bind(ctx, cfg, variant, instruction, history)
}

// SessionSeed 恢复会话时的可选初始值
type SessionSeed struct {
	ID       string
	Title    string
	Messages []model.ChatMessage
}

type ChatService struct {
	storage  storage.Storage
	cfg      *config.Config
	tracker  *quota.Tracker
	authProv auth.Provider
	imageGen *llm.ImageGenerator
	bind     bindFunc

	mu          sync.RWMutex
	activeID    string
	conv        conversation // 无凭证时为nil，会话降级为本地只读
	generation  uint64       // 每次重绑定递增，过期流的写入据此丢弃
	initialized bool         // 初始化落定前不向存储刷写，避免写入撕裂状态
	inflight    map[string]bool
	currentUser *model.User
	unsubAuth   func()
	initErr     error // 初始化错误只报告一次
}

func NewChatService(cfg *config.Config, authProv auth.Provider, tracker *quota.Tracker) *ChatService {
	var store storage.Storage

	if cfg.Storage.Type == "disk" {
		store = storage.NewDiskStorage(cfg.Storage.DataDir, cfg.Storage.CacheSize)
	} else {
		store = storage.NewMemoryStorage()
	}

	if err := store.Init(); err != nil {
		logger.Errorf("Failed to initialize storage: %v", err)
		store = storage.NewMemoryStorage()
		store.Init()
	}

	cs := &ChatService{
		storage:  store,
		cfg:      cfg,
		tracker:  tracker,
		authProv: authProv,
		bind:     defaultBind,
		inflight: make(map[string]bool),
	}

	if gen, err := llm.NewImageGenerator(cfg); err == nil {
		cs.imageGen = gen
	} else {
		logger.Warnf("Image generation disabled: %v", err)
	}

	if authProv != nil {
		cs.unsubAuth = authProv.OnAuthStateChanged(cs.onAuthState)
	}

	if cfg.Session.CleanupInterval > 0 && cfg.Session.TTL > 0 {
		go cs.cleanupOldSessions()
	}

	return cs
}

// onAuthState 认证状态回调：记录当前用户，登录时刷新配额缓存
func (s *ChatService) onAuthState(user *model.User) {
	s.mu.Lock()
	s.currentUser = user
	s.mu.Unlock()

	if user != nil && s.tracker != nil {
		if err := s.tracker.Refresh(context.Background(), user.ID); err != nil {
			logger.Warnf("Failed to refresh quota cache for user %s: %v", user.ID, err)
		}
	}
}

// CreateSession 构建一个新会话。从不失败：存储写入出错只记日志，
// 会话本身照常返回（内存注册表始终一致）。
func (s *ChatService) CreateSession(variant model.ModelVariant, seed *SessionSeed) *model.ChatSession {
	if !variant.Valid() {
		variant = model.ModelGeneral
	}

	id := uuid.New().String()
	if seed != nil && seed.ID != "" {
		id = seed.ID
	}

	session := &model.ChatSession{
		ID:                id,
		Title:             model.DefaultTitle,
		Model:             variant,
		Timestamp:         model.NewFlexTime(time.Now()),
		SystemInstruction: variant.SystemInstruction(),
	}

	if seed != nil && len(seed.Messages) > 0 {
		session.Messages = seed.Messages
	} else {
		session.Messages = []model.ChatMessage{model.NewWelcomeMessage(id)}
	}
	if seed != nil && seed.Title != "" {
		session.Title = seed.Title
	}

	if err := s.storage.CreateSession(session); err != nil {
		logger.Errorf("Failed to persist new session %s: %v", id, err)
	}

	return session
}

// LoadAll 从持久存储恢复注册表并解析活跃会话指针。
// 返回后注册表必然恰好有一个可解析的活跃会话：
// 指针失效时回退到最近活动的会话，注册表为空时合成新会话。
// 损坏状态被丢弃并作为一次性初始化错误记录，用户永远有可用会话。
func (s *ChatService) LoadAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.storage.ListSessions()
	if err != nil {
		logger.Errorf("Failed to restore session registry: %v", err)
		s.initErr = fmt.Errorf("%w: %v", ErrInitialization, err)
		sessions = nil
	}

	// 补齐缺失的标题（历史数据兼容）
	for _, session := range sessions {
		if session.Title == "" {
			if first := session.FirstUserText(); first != "" {
				session.Title = model.DeriveTitle(first)
			} else {
				session.Title = model.DefaultTitle
			}
		}
	}

	activeID, err := s.storage.LoadActiveSession()
	if err != nil {
		logger.Warnf("Failed to load active session pointer: %v", err)
		activeID = ""
	}

	// 指针必须指向已知会话
	resolved := ""
	for _, session := range sessions {
		if session.ID == activeID {
			resolved = activeID
			break
		}
	}

	// 回退：最近活动优先（ListSessions已按时间降序）
	if resolved == "" && len(sessions) > 0 {
		resolved = sessions[0].ID
	}

	// 注册表为空：合成一个全新会话
	if resolved == "" {
		fresh := s.CreateSession(model.ModelGeneral, nil)
		resolved = fresh.ID
	}

	s.activeID = resolved
	s.initialized = true

	if err := s.storage.SaveActiveSession(resolved); err != nil {
		logger.Warnf("Failed to persist active session pointer: %v", err)
	}

	// 为活跃会话重建远端绑定
	if session, err := s.storage.GetSession(resolved); err == nil {
		s.rebindLocked(session)
	}

	logger.WithFields(logrus.Fields{
		"sessions": len(sessions),
		"active":   resolved,
	}).Info("Registry restored")
	return nil
}

// InitError 返回初始化期间记录的一次性错误并清除它
func (s *ChatService) InitError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.initErr
	s.initErr = nil
	return err
}

// rebindLocked 整体重建远端绑定并递增代数。调用方持有s.mu。
// 旧句柄直接丢弃；仍在消费旧流的回调因代数不匹配被拒绝写入。
func (s *ChatService) rebindLocked(session *model.ChatSession) {
	s.generation++

	conv, err := s.bind(context.Background(), s.cfg, session.Model, session.SystemInstruction, session.Messages)
	if err != nil {
		s.conv = nil
		if errors.Is(err, llm.ErrMissingCredential) {
			logger.Warn("No API credential configured; session is local-only")
		} else {
			logger.Errorf("Failed to bind conversation for session %s: %v", session.ID, err)
		}
		return
	}

	s.conv = conv
}

// ActiveSessionID 当前活跃会话ID
func (s *ChatService) ActiveSessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// SelectSession 切换活跃会话。已是活跃会话时为无操作；
// 否则更新指针并用目标会话的完整历史重建绑定。
func (s *ChatService) SelectSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID == s.activeID {
		return nil
	}

	session, err := s.storage.GetSession(sessionID)
	if err != nil {
		return err
	}

	s.activeID = sessionID
	if err := s.storage.SaveActiveSession(sessionID); err != nil {
		logger.Warnf("Failed to persist active session pointer: %v", err)
	}

	s.rebindLocked(session)
	return nil
}

// StartNewChat 总是新建会话、设为活跃并以空历史重建绑定
func (s *ChatService) StartNewChat(variant model.ModelVariant) *model.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.CreateSession(variant, nil)
	s.activeID = session.ID
	if err := s.storage.SaveActiveSession(session.ID); err != nil {
		logger.Warnf("Failed to persist active session pointer: %v", err)
	}

	s.rebindLocked(session)
	return session
}

// Mutate 注册表唯一的写入口：对指定会话的消息序列应用变换，
// 刷新活动时间戳，按规则重算标题，并在落定后刷写到持久存储。
// 会话不存在时静默无操作（防御过期引用）。
func (s *ChatService) Mutate(sessionID string, transform func(*model.ChatSession), titleOverride ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutateLocked(sessionID, transform, titleOverride...)
}

func (s *ChatService) mutateLocked(sessionID string, transform func(*model.ChatSession), titleOverride ...string) {
	session, err := s.storage.GetSession(sessionID)
	if err != nil {
		logger.Debugf("Mutate on unknown session %s ignored", sessionID)
		return
	}

	transform(session)
	session.Timestamp = model.NewFlexTime(time.Now())

	if len(titleOverride) > 0 && titleOverride[0] != "" {
		session.Title = titleOverride[0]
	} else if session.HasDefaultTitle() {
		// 标题一旦由首条用户消息推导就不再被改写
		if first := session.FirstUserText(); first != "" {
			session.Title = model.DeriveTitle(first)
		}
	}

	// 初始化未落定前不刷盘，避免持久化撕裂的注册表
	if !s.initialized {
		return
	}

	if err := s.storage.UpdateSession(session); err != nil {
		logger.Errorf("Failed to flush session %s: %v", sessionID, err)
	}
}

// StreamChat 一轮外发用户消息的完整状态机：
// 追加用户消息 -> 追加空的AI占位消息 -> 逐片折叠流式响应 ->
// 正常结束时盖章模型变体，失败时用错误文案改写占位消息。
func (s *ChatService) StreamChat(sessionID, message, imageDataURI string) (<-chan model.ChatResponse, <-chan error) {
	respChan := make(chan model.ChatResponse, 100)
	errChan := make(chan error, 1)

	// 附带图片且没有文字时使用固定提示词
	message = strings.TrimSpace(message)
	if message == "" && imageDataURI != "" {
		message = DefaultImagePrompt
	}

	if message == "" {
		errChan <- ErrEmptyMessage
		close(respChan)
		close(errChan)
		return respChan, errChan
	}

	s.mu.Lock()
	if sessionID != s.activeID {
		s.mu.Unlock()
		errChan <- ErrSessionInactive
		close(respChan)
		close(errChan)
		return respChan, errChan
	}
	// 每会话同一时刻至多一轮在途交换
	if s.inflight[sessionID] {
		s.mu.Unlock()
		errChan <- ErrSessionBusy
		close(respChan)
		close(errChan)
		return respChan, errChan
	}
	s.inflight[sessionID] = true
	conv := s.conv
	gen := s.generation
	s.mu.Unlock()

	go func() {
		defer close(respChan)
		defer close(errChan)
		defer func() {
			s.mu.Lock()
			delete(s.inflight, sessionID)
			s.mu.Unlock()
		}()

		now := time.Now()

		// 用户消息先乐观落地（总是成功）
		userMsg := model.ChatMessage{
			ID:        uuid.New().String(),
			Text:      message,
			Sender:    model.SenderUser,
			Timestamp: model.NewFlexTime(now),
		}
		if imageDataURI != "" {
			userMsg.ImageURL = imageDataURI
		}
		s.Mutate(sessionID, func(session *model.ChatSession) {
			session.Messages = append(session.Messages, userMsg)
		})

		respChan <- model.ChatResponse{
			SessionID: sessionID,
			MessageID: userMsg.ID,
			Content:   userMsg.Text,
			Role:      string(model.SenderUser),
			Timestamp: now.Unix(),
			Phase:     "delta",
		}

		// 空的AI占位消息，流式片段按到达顺序追加进来
		placeholderID := uuid.New().String()
		s.Mutate(sessionID, func(session *model.ChatSession) {
			session.Messages = append(session.Messages, model.ChatMessage{
				ID:        placeholderID,
				Sender:    model.SenderAI,
				Timestamp: model.NewFlexTime(time.Now()),
			})
		})

		// 未配置凭证：不触发任何远端调用，占位消息改写为固定文案
		if conv == nil {
			s.failPlaceholder(sessionID, placeholderID, gen, llm.ErrMissingCredential)
			respChan <- s.errorResponse(sessionID, placeholderID, llm.ErrMissingCredential)
			errChan <- llm.ErrMissingCredential
			return
		}

		content := llm.Content{Text: message, ImageURL: imageDataURI}
		stream, err := conv.SendStream(context.Background(), content)
		if err != nil {
			s.failPlaceholder(sessionID, placeholderID, gen, err)
			respChan <- s.errorResponse(sessionID, placeholderID, err)
			errChan <- err
			return
		}
		defer stream.Close()

		var fullText strings.Builder
		stale := false

		for {
			chunk, recvErr := stream.Recv()
			if recvErr != nil {
				if recvErr == io.EOF {
					break
				}
				classified := classifyStreamErr(recvErr)
				// 失败时丢弃已累积的部分文本，占位消息只保留错误文案
				s.failPlaceholder(sessionID, placeholderID, gen, classified)
				respChan <- s.errorResponse(sessionID, placeholderID, classified)
				errChan <- classified
				return
			}

			if chunk == nil || chunk.Content == "" {
				continue
			}

			// 过期守卫：切换会话/重绑定之后到达的片段一律丢弃，
			// 绝不复活已经不属于活跃会话的占位消息
			if stale || !s.appendFragment(sessionID, placeholderID, gen, chunk.Content) {
				stale = true
				continue
			}

			fullText.WriteString(chunk.Content)

			respChan <- model.ChatResponse{
				SessionID: sessionID,
				MessageID: placeholderID,
				Content:   chunk.Content,
				Role:      string(model.SenderAI),
				Timestamp: time.Now().Unix(),
				Phase:     "delta",
			}
		}

		// 流正常结束：盖章模型变体完成终态（文本允许为空）
		if !stale {
			variant := conv.Variant()
			s.Mutate(sessionID, func(session *model.ChatSession) {
				for i := range session.Messages {
					if session.Messages[i].ID == placeholderID {
						session.Messages[i].ModelUsed = variant
						return
					}
				}
			})
			conv.RecordReply(fullText.String())

			respChan <- model.ChatResponse{
				SessionID: sessionID,
				MessageID: placeholderID,
				Role:      string(model.SenderAI),
				Timestamp: time.Now().Unix(),
				Phase:     "done",
				Model:     string(variant),
			}
		}
	}()

	return respChan, errChan
}

// appendFragment 把一个流式片段追加到占位消息上。
// 代数不匹配或占位消息已不存在时拒绝写入并返回false。
func (s *ChatService) appendFragment(sessionID, messageID string, gen uint64, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		return false
	}

	applied := false
	s.mutateLocked(sessionID, func(session *model.ChatSession) {
		for i := range session.Messages {
			if session.Messages[i].ID == messageID {
				session.Messages[i].Text += text
				applied = true
				return
			}
		}
	})

	return applied
}

// failPlaceholder 用错误文案整体改写占位消息（丢弃部分累积文本）
func (s *ChatService) failPlaceholder(sessionID, messageID string, gen uint64, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		return
	}

	text := UserMessage(cause)
	s.mutateLocked(sessionID, func(session *model.ChatSession) {
		for i := range session.Messages {
			if session.Messages[i].ID == messageID {
				session.Messages[i].Text = text
				return
			}
		}
	})
}

func (s *ChatService) errorResponse(sessionID, messageID string, cause error) model.ChatResponse {
	return model.ChatResponse{
		SessionID: sessionID,
		MessageID: messageID,
		Content:   UserMessage(cause),
		Role:      string(model.SenderAI),
		Timestamp: time.Now().Unix(),
		Phase:     "error",
		ErrorKind: ErrorKind(cause),
	}
}

func classifyStreamErr(err error) error {
	if errors.Is(err, llm.ErrInvalidCredential) || errors.Is(err, llm.ErrSendFailed) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") {
		return llm.ErrInvalidCredential
	}
	return fmt.Errorf("%w: %v", llm.ErrSendFailed, err)
}

// GenerateImage 图片生成通路：登录校验 -> 配额闸门 -> 远端生成 ->
// 成功后推进配额并合并写回外部存储。
func (s *ChatService) GenerateImage(ctx context.Context, sessionID, prompt string) (*model.ChatMessage, model.QuotaResponse, error) {
	s.mu.RLock()
	user := s.currentUser
	s.mu.RUnlock()

	quotaResp := model.QuotaResponse{Limit: s.tracker.Limit()}

	// 未登录直接拒绝，配额甚至不被查询
	if user == nil {
		return nil, quotaResp, ErrLoginRequired
	}

	now := time.Now()
	used := s.tracker.Current(user.ID, now)
	quotaResp.Used = used
	quotaResp.Remaining = s.tracker.Limit() - used

	if used >= s.tracker.Limit() {
		return nil, quotaResp, quota.ErrQuotaExceeded
	}

	if s.imageGen == nil {
		return nil, quotaResp, llm.ErrMissingCredential
	}

	// 用户的图片请求先落地
	userMsg := model.ChatMessage{
		ID:           uuid.New().String(),
		Text:         prompt,
		Sender:       model.SenderUser,
		Timestamp:    model.NewFlexTime(now),
		IsImageQuery: true,
	}
	placeholderID := uuid.New().String()
	s.Mutate(sessionID, func(session *model.ChatSession) {
		session.Messages = append(session.Messages, userMsg, model.ChatMessage{
			ID:        placeholderID,
			Sender:    model.SenderAI,
			Timestamp: model.NewFlexTime(time.Now()),
		})
	})

	payload, err := s.imageGen.Generate(ctx, prompt)
	if err != nil {
		// 失败记录留在历史里：占位消息改写为行内错误文案
		s.Mutate(sessionID, func(session *model.ChatSession) {
			for i := range session.Messages {
				if session.Messages[i].ID == placeholderID {
					session.Messages[i].Text = UserMessage(err)
					return
				}
			}
		})
		return nil, quotaResp, err
	}

	newRec, err := s.tracker.Consume(ctx, user.ID, now)
	if err != nil {
		// 并发Consume才会走到这里；生成已经发生，计数以存储为准
		logger.Warnf("Quota consume after successful generation failed: %v", err)
	} else {
		quotaResp.Used = newRec.Count
		quotaResp.Remaining = s.tracker.Limit() - newRec.Count
	}

	var result *model.ChatMessage
	s.Mutate(sessionID, func(session *model.ChatSession) {
		for i := range session.Messages {
			if session.Messages[i].ID == placeholderID {
				session.Messages[i].Text = prompt
				session.Messages[i].GeneratedImage = payload
				session.Messages[i].ModelUsed = session.Model
				msg := session.Messages[i]
				result = &msg
				return
			}
		}
	})

	if result == nil {
		return nil, quotaResp, storage.ErrSessionNotFound
	}
	return result, quotaResp, nil
}

// SignIn 登录。认证状态回调会刷新当前用户与配额缓存。
func (s *ChatService) SignIn(ctx context.Context) (*model.User, error) {
	if s.authProv == nil {
		return nil, auth.ErrSignInFailed
	}
	return s.authProv.SignIn(ctx)
}

func (s *ChatService) SignOut(ctx context.Context) error {
	if s.authProv == nil {
		return nil
	}
	return s.authProv.SignOut(ctx)
}

// CurrentUser 当前已登录用户，未登录时为nil
func (s *ChatService) CurrentUser() *model.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentUser
}

// QuotaStatus 当前用户的当日配额状态
func (s *ChatService) QuotaStatus() (model.QuotaResponse, error) {
	s.mu.RLock()
	user := s.currentUser
	s.mu.RUnlock()

	resp := model.QuotaResponse{Limit: s.tracker.Limit()}
	if user == nil {
		return resp, ErrLoginRequired
	}

	resp.Used = s.tracker.Current(user.ID, time.Now())
	resp.Remaining = resp.Limit - resp.Used
	return resp, nil
}

func (s *ChatService) GetSession(sessionID string) (*model.ChatSession, error) {
	session, err := s.storage.GetSession(sessionID)
	if err != nil {
		if err == storage.ErrSessionNotFound {
			return nil, fmt.Errorf("session not found: %s", sessionID)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

func (s *ChatService) GetAllSessions() ([]*model.ChatSession, error) {
	sessions, err := s.storage.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession 删除会话。删到活跃会话时重新解析活跃指针，
// 保持注册表恒有一个可用会话。
func (s *ChatService) DeleteSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.storage.DeleteSession(sessionID); err != nil {
		if err == storage.ErrSessionNotFound {
			return fmt.Errorf("session not found: %s", sessionID)
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if sessionID != s.activeID {
		return nil
	}

	sessions, err := s.storage.ListSessions()
	if err != nil || len(sessions) == 0 {
		fresh := s.CreateSession(model.ModelGeneral, nil)
		s.activeID = fresh.ID
		s.rebindLocked(fresh)
	} else {
		s.activeID = sessions[0].ID
		s.rebindLocked(sessions[0])
	}

	if err := s.storage.SaveActiveSession(s.activeID); err != nil {
		logger.Warnf("Failed to persist active session pointer: %v", err)
	}
	return nil
}

func (s *ChatService) ClearAllSessions() error {
	sessions, err := s.storage.ListSessions()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	for _, session := range sessions {
		if err := s.storage.DeleteSession(session.ID); err != nil {
			logger.Errorf("Failed to delete session %s: %v", session.ID, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := s.CreateSession(model.ModelGeneral, nil)
	s.activeID = fresh.ID
	s.rebindLocked(fresh)
	if err := s.storage.SaveActiveSession(fresh.ID); err != nil {
		logger.Warnf("Failed to persist active session pointer: %v", err)
	}
	return nil
}

func (s *ChatService) cleanupOldSessions() {
	ticker := time.NewTicker(s.cfg.Session.CleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		sessions, err := s.storage.ListSessions()
		if err != nil {
			logger.Errorf("Failed to list sessions for cleanup: %v", err)
			continue
		}

		cutoff := time.Now().Add(-s.cfg.Session.TTL)
		for _, session := range sessions {
			// 活跃会话不参与过期清理
			if session.ID == s.ActiveSessionID() {
				continue
			}
			if session.Timestamp.Before(cutoff) {
				if err := s.DeleteSession(session.ID); err != nil {
					logger.Errorf("Failed to delete expired session %s: %v", session.ID, err)
				} else {
					logger.Infof("Cleaned up expired session: %s", session.ID)
				}
			}
		}
	}
}

// Close 释放服务持有的资源
func (s *ChatService) Close() error {
	if s.unsubAuth != nil {
		s.unsubAuth()
	}
	return s.storage.Close()
}

// GetStorage 返回存储实例，供其他组件共享
func (s *ChatService) GetStorage() storage.Storage {
	return s.storage
}
