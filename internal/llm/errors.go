package llm

import (
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

var (
	ErrMissingCredential = errors.New("api credential not configured")
	ErrInvalidCredential = errors.New("api credential rejected by provider")
	ErrSendFailed        = errors.New("send failed")
	ErrImageGeneration   = errors.New("image generation failed")
)

// classifySendError 把提供方返回的错误归入固定分类。
// 无效凭证与普通发送失败对用户意味着不同的处理方式，必须区分。
func classifySendError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403 {
			return ErrInvalidCredential
		}
		return ErrSendFailed
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"401", "unauthorized", "invalid api key", "invalidapikey", "authentication"} {
		if strings.Contains(msg, marker) {
			return ErrInvalidCredential
		}
	}

	return ErrSendFailed
}
