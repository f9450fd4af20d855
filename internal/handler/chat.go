package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"lumina-backend/internal/config"
	"lumina-backend/internal/model"
	"lumina-backend/internal/quota"
	"lumina-backend/internal/service"
	"lumina-backend/internal/utils"
	"lumina-backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

type ChatHandler struct {
	chatService *service.ChatService
	cfg         *config.Config
}

func NewChatHandler(chatService *service.ChatService, cfg *config.Config) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		cfg:         cfg,
	}
}

func (h *ChatHandler) StreamChat(c *gin.Context) {
	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// 附带图片先做客户端侧校验，不通过就不发起任何远端调用
	imageDataURI := ""
	if req.ImageData != "" {
		decoded, mime, err := utils.ValidateUpload(req.ImageData, req.ImageMime,
			h.cfg.Upload.MaxSizeBytes, h.cfg.Upload.AllowedTypes)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":      service.UserMessage(err),
				"error_kind": service.ErrorKind(err),
			})
			return
		}
		imageDataURI = utils.DataURI(mime, decoded)
	}

	sseWriter := utils.NewSSEWriter(c.Writer)

	respChan, errChan := h.chatService.StreamChat(req.SessionID, req.Message, imageDataURI)

	for {
		select {
		case resp, ok := <-respChan:
			if !ok {
				// 响应通道耗尽后才看错误通道，行内error事件先于终止事件送达
				if err := <-errChan; err != nil {
					errorData, _ := json.Marshal(gin.H{
						"error":      service.UserMessage(err),
						"error_kind": service.ErrorKind(err),
						"timestamp":  time.Now().Unix(),
					})
					sseWriter.Write("error", string(errorData))
				}
				sseWriter.Close()
				return
			}

			data, err := json.Marshal(resp)
			if err != nil {
				logger.Errorf("Failed to marshal response: %v", err)
				continue
			}

			if err := sseWriter.Write("message", string(data)); err != nil {
				logger.Errorf("Failed to write SSE: %v", err)
				return
			}

		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *ChatHandler) CreateSession(c *gin.Context) {
	var req model.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = model.CreateSessionRequest{}
	}

	variant := model.ModelVariant(req.Model)
	if !variant.Valid() {
		variant = model.ModelGeneral
	}

	var seed *service.SessionSeed
	if req.Title != "" {
		seed = &service.SessionSeed{Title: req.Title}
	}

	session := h.chatService.CreateSession(variant, seed)
	c.JSON(http.StatusOK, session)
}

func (h *ChatHandler) NewChat(c *gin.Context) {
	var req model.NewChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = model.NewChatRequest{}
	}

	variant := model.ModelVariant(req.Model)
	if !variant.Valid() {
		variant = model.ModelGeneral
	}

	session := h.chatService.StartNewChat(variant)
	c.JSON(http.StatusOK, session)
}

func (h *ChatHandler) SelectSession(c *gin.Context) {
	var req model.SelectSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.chatService.SelectSession(req.SessionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"active_session": req.SessionID})
}

func (h *ChatHandler) GetSession(c *gin.Context) {
	sessionID := c.Param("session_id")

	session, err := h.chatService.GetSession(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, model.SessionResponse{
		SessionID:    session.ID,
		Title:        session.Title,
		Model:        string(session.Model),
		Timestamp:    session.Timestamp,
		MessageCount: len(session.Messages),
		Active:       session.ID == h.chatService.ActiveSessionID(),
	})
}

func (h *ChatHandler) GetMessages(c *gin.Context) {
	sessionID := c.Param("session_id")

	session, err := h.chatService.GetSession(sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"messages":   session.Messages,
	})
}

func (h *ChatHandler) GetSessionList(c *gin.Context) {
	sessions, err := h.chatService.GetAllSessions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	activeID := h.chatService.ActiveSessionID()
	list := make([]model.SessionResponse, 0, len(sessions))
	for _, session := range sessions {
		list = append(list, model.SessionResponse{
			SessionID:    session.ID,
			Title:        session.Title,
			Model:        string(session.Model),
			Timestamp:    session.Timestamp,
			MessageCount: len(session.Messages),
			Active:       session.ID == activeID,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions":       list,
		"active_session": activeID,
	})
}

func (h *ChatHandler) DeleteSession(c *gin.Context) {
	sessionID := c.Param("session_id")

	if err := h.chatService.DeleteSession(sessionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Session deleted successfully"})
}

func (h *ChatHandler) ClearAllSessions(c *gin.Context) {
	if err := h.chatService.ClearAllSessions(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "All sessions cleared successfully"})
}

// GenerateImage 图片生成入口：登录与配额闸门都在服务层
func (h *ChatHandler) GenerateImage(c *gin.Context) {
	var req model.GenerateImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, quotaResp, err := h.chatService.GenerateImage(c.Request.Context(), req.SessionID, req.Prompt)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, service.ErrLoginRequired):
			status = http.StatusUnauthorized
		case errors.Is(err, quota.ErrQuotaExceeded):
			status = http.StatusTooManyRequests
		}
		c.JSON(status, gin.H{
			"error":      service.UserMessage(err),
			"error_kind": service.ErrorKind(err),
			"quota":      quotaResp,
		})
		return
	}

	c.JSON(http.StatusOK, model.ImageResponse{
		SessionID: req.SessionID,
		MessageID: msg.ID,
		Image:     msg.GeneratedImage,
		Quota:     quotaResp,
	})
}

func (h *ChatHandler) GetQuota(c *gin.Context) {
	resp, err := h.chatService.QuotaStatus()
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":      service.UserMessage(err),
			"error_kind": service.ErrorKind(err),
		})
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *ChatHandler) Login(c *gin.Context) {
	user, err := h.chatService.SignIn(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, model.AuthResponse{User: user})
}

func (h *ChatHandler) Logout(c *gin.Context) {
	if err := h.chatService.SignOut(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Signed out"})
}

func (h *ChatHandler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, model.AuthResponse{User: h.chatService.CurrentUser()})
}
