package model

// ChatResponse 流式响应块，经SSE推送给前端
type ChatResponse struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	Role      string `json:"role"`
	Timestamp int64  `json:"timestamp"`
	Phase     string `json:"phase,omitempty"`      // "delta" | "done" | "error"
	ErrorKind string `json:"error_kind,omitempty"` // 失败时的错误分类
	Model     string `json:"model,omitempty"`      // done时盖章的模型变体
}

type SessionResponse struct {
	SessionID    string   `json:"session_id"`
	Title        string   `json:"title"`
	Model        string   `json:"model"`
	Timestamp    FlexTime `json:"timestamp"`
	MessageCount int      `json:"message_count"`
	Active       bool     `json:"active"`
}

type QuotaResponse struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

type ImageResponse struct {
	SessionID string        `json:"session_id"`
	MessageID string        `json:"message_id"`
	Image     string        `json:"image"` // base64载荷
	Quota     QuotaResponse `json:"quota"`
}

type AuthResponse struct {
	User *User `json:"user"`
}
