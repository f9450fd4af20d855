package model

type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id" binding:"required"`
	ImageData string `json:"image_data"` // base64编码的附带图片，可为空
	ImageMime string `json:"image_mime"` // 附带图片的MIME类型
}

type CreateSessionRequest struct {
	Model string `json:"model"`
	Title string `json:"title"`
}

type SelectSessionRequest struct {
	SessionID string `json:"session_id" binding:"required"`
}

type NewChatRequest struct {
	Model string `json:"model"`
}

type GenerateImageRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Prompt    string `json:"prompt" binding:"required"`
}
