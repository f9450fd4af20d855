package service

import (
	"errors"

	"lumina-backend/internal/llm"
	"lumina-backend/internal/quota"
	"lumina-backend/internal/storage"
	"lumina-backend/internal/utils"
)

var (
	ErrInitialization  = errors.New("initialization failed")
	ErrLoginRequired   = errors.New("login required")
	ErrSessionBusy     = errors.New("another exchange is in flight for this session")
	ErrEmptyMessage    = errors.New("empty message")
	ErrSessionInactive = errors.New("session is not active")
)

// ErrorKind 错误分类标识，随SSE错误事件下发给前端
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, llm.ErrMissingCredential):
		return "missing_credential"
	case errors.Is(err, llm.ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, llm.ErrImageGeneration):
		return "image_generation_error"
	case errors.Is(err, llm.ErrSendFailed):
		return "send_failed"
	case errors.Is(err, quota.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrLoginRequired):
		return "login_required"
	case errors.Is(err, utils.ErrUnsupportedFile):
		return "unsupported_file"
	case errors.Is(err, utils.ErrFileTooLarge):
		return "file_too_large"
	case errors.Is(err, storage.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, ErrInitialization):
		return "initialization_error"
	default:
		return "internal_error"
	}
}

// UserMessage 错误对应的用户可见文案。
// 失败的AI占位消息会被改写为这段文案，全局错误面板也展示它。
func UserMessage(err error) string {
	switch {
	case errors.Is(err, llm.ErrMissingCredential):
		return "未配置API密钥，远端能力不可用，当前仅保留本地会话。"
	case errors.Is(err, llm.ErrInvalidCredential):
		return "API密钥被服务方拒绝，请检查配置后重试。"
	case errors.Is(err, llm.ErrImageGeneration):
		return "图片生成失败，请稍后重试。"
	case errors.Is(err, llm.ErrSendFailed):
		return "消息发送失败，请稍后重试。"
	case errors.Is(err, quota.ErrQuotaExceeded):
		return "今日图片生成次数已用完，明天再来吧。"
	case errors.Is(err, ErrLoginRequired):
		return "生成图片前请先登录。"
	case errors.Is(err, utils.ErrUnsupportedFile):
		return "不支持的图片类型。"
	case errors.Is(err, utils.ErrFileTooLarge):
		return "图片文件过大。"
	case errors.Is(err, ErrInitialization):
		return "初始化失败，已为你新建一个会话。"
	default:
		return "出了点问题，请稍后重试。"
	}
}
