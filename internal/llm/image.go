package llm

import (
	"context"
	"fmt"

	"lumina-backend/internal/config"
	"lumina-backend/internal/utils"
	"lumina-backend/pkg/logger"

	openai "github.com/sashabaranov/go-openai"
)

// ImageGenerator 远端图片生成能力
type ImageGenerator struct {
	client *openai.Client
	model  string
	size   string
}

func NewImageGenerator(cfg *config.Config) (*ImageGenerator, error) {
	if cfg.OpenAI.APIKey == "" {
		return nil, ErrMissingCredential
	}

	clientConfig := openai.DefaultConfig(cfg.OpenAI.APIKey)
	if cfg.OpenAI.BaseURL != "" {
		clientConfig.BaseURL = cfg.OpenAI.BaseURL
	}
	if cfg.OpenAI.Timeout > 0 {
		clientConfig.HTTPClient = utils.NewHTTPClient(cfg.OpenAI.Timeout)
	}

	return &ImageGenerator{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Image.Model,
		size:   cfg.Image.Size,
	}, nil
}

// Generate 按提示词生成一张图片，返回base64载荷
func (g *ImageGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          g.model,
		N:              1,
		Size:           g.size,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		if classified := classifySendError(err); classified == ErrInvalidCredential {
			return "", ErrInvalidCredential
		}
		return "", fmt.Errorf("%w: %v", ErrImageGeneration, err)
	}

	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return "", fmt.Errorf("%w: empty payload", ErrImageGeneration)
	}

	logger.Debugf("Generated image for prompt (%d chars)", len(prompt))
	return resp.Data[0].B64JSON, nil
}
