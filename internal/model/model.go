package model

import (
	"strings"
	"time"
)

// Sender 消息发送方
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// ModelVariant 模型变体（封闭枚举，两种固定变体）
type ModelVariant string

const (
	ModelGeneral ModelVariant = "general" // 通用助手
	ModelCoder   ModelVariant = "coder"   // 编程助手
)

const (
	// DefaultTitle 新会话的默认标题，首条用户消息落地后被替换
	DefaultTitle = "新对话"

	// TitleMaxRunes 自动标题的最大长度（按Unicode字符计）
	TitleMaxRunes = 35

	// WelcomeIDSuffix 欢迎消息的保留ID后缀，重放历史时据此排除
	WelcomeIDSuffix = "-welcome"

	// WelcomeText 每个新会话种子的欢迎消息内容
	WelcomeText = "你好！我是你的AI助手，有什么可以帮你的吗？"
)

// SystemInstruction 返回变体对应的系统指令。
// 封闭枚举走穷举switch，未知值回退到通用指令。
func (v ModelVariant) SystemInstruction() string {
	switch v {
	case ModelGeneral:
		return "你是一个友好、耐心的AI助手。用清晰简洁的语言回答问题，必要时给出分步说明。"
	case ModelCoder:
		return "你是一个资深的编程助手。回答聚焦代码本身，给出可运行的示例，解释关键设计取舍，指出潜在的坑。"
	default:
		return ModelGeneral.SystemInstruction()
	}
}

// Valid 校验变体是否为已知值
func (v ModelVariant) Valid() bool {
	switch v {
	case ModelGeneral, ModelCoder:
		return true
	}
	return false
}

// ChatMessage 会话中的单条消息。
// 终态消息不可变；流式进行中的AI消息只允许对Text做追加。
type ChatMessage struct {
	ID             string       `json:"id"`
	Text           string       `json:"text"`
	Sender         Sender       `json:"sender"`
	Timestamp      FlexTime     `json:"timestamp"`
	ImageURL       string       `json:"imageUrl,omitempty"`       // 用户附带图片的data URI
	IsImageQuery   bool         `json:"isImageQuery,omitempty"`   // 是否为图片生成请求
	GeneratedImage string       `json:"generatedImage,omitempty"` // 生成图片的base64载荷
	ModelUsed      ModelVariant `json:"modelUsed,omitempty"`      // 流结束后盖章的模型变体
}

// IsWelcome 判断是否为合成的欢迎消息
func (m *ChatMessage) IsWelcome() bool {
	return strings.HasSuffix(m.ID, WelcomeIDSuffix)
}

// ChatSession 一个持久会话线程
type ChatSession struct {
	ID                string        `json:"id"`
	Title             string        `json:"title"`
	Messages          []ChatMessage `json:"messages"`
	Model             ModelVariant  `json:"model"`
	Timestamp         FlexTime      `json:"timestamp"` // 最近活动时间
	SystemInstruction string        `json:"systemInstruction"`
}

// HasDefaultTitle 标题是否仍为默认占位（尚未被首条用户消息替换）
func (s *ChatSession) HasDefaultTitle() bool {
	return s.Title == "" || strings.HasPrefix(s.Title, DefaultTitle)
}

// FirstUserText 返回首条用户消息的文本，不存在时返回空串
func (s *ChatSession) FirstUserText() string {
	for _, msg := range s.Messages {
		if msg.Sender == SenderUser && msg.Text != "" {
			return msg.Text
		}
	}
	return ""
}

// DeriveTitle 由首条用户消息推导会话标题：
// 超过35个Unicode字符时截断并追加省略号
func DeriveTitle(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= TitleMaxRunes {
		return string(runes)
	}
	return string(runes[:TitleMaxRunes]) + "…"
}

// NewWelcomeMessage 构造会话的种子欢迎消息
func NewWelcomeMessage(sessionID string) ChatMessage {
	return ChatMessage{
		ID:        sessionID + WelcomeIDSuffix,
		Text:      WelcomeText,
		Sender:    SenderAI,
		Timestamp: NewFlexTime(time.Now()),
	}
}

// QuotaRecord 每用户的当日图片生成配额记录。
// Count 仅在 LastGeneratedAt 落在当前本地日历日内有效，否则视为0。
type QuotaRecord struct {
	Count           int      `json:"count"`
	LastGeneratedAt FlexTime `json:"lastGeneratedAt"`
}

// User 身份提供方返回的已登录用户
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}
