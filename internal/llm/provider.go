package llm

import (
	"context"
	"fmt"

	"lumina-backend/internal/config"
	"lumina-backend/internal/model"
	"lumina-backend/internal/utils"
	"lumina-backend/pkg/logger"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/qwen"
	einoModel "github.com/cloudwego/eino/components/model"
)

// modelID 按变体解析提供方的模型标识
func modelID(cfg *config.Config, variant model.ModelVariant) string {
	if variant == model.ModelCoder && cfg.Model.Coder != "" {
		return cfg.Model.Coder
	}
	return cfg.Model.General
}

// newChatModel 按配置的提供方构造eino ChatModel
func newChatModel(ctx context.Context, cfg *config.Config, variant model.ModelVariant) (einoModel.BaseChatModel, error) {
	if cfg.APIKey() == "" {
		return nil, ErrMissingCredential
	}

	switch cfg.Model.Provider {
	case "qwen":
		return createQwenModel(ctx, cfg, variant)
	case "openai":
		return newOpenAIChatModel(ctx, cfg.OpenAI, modelID(cfg, variant))
	default:
		return createDoubaoModel(ctx, cfg, variant)
	}
}

func createDoubaoModel(ctx context.Context, cfg *config.Config, variant model.ModelVariant) (einoModel.BaseChatModel, error) {
	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		APIKey:  cfg.Doubao.APIKey,
		BaseURL: cfg.Doubao.BaseURL,
		Model:   modelID(cfg, variant),
	})
	if err != nil {
		return nil, fmt.Errorf("create doubao model: %w", err)
	}

	logger.Debugf("Using Doubao model: %s", modelID(cfg, variant))
	return chatModel, nil
}

func createQwenModel(ctx context.Context, cfg *config.Config, variant model.ModelVariant) (einoModel.BaseChatModel, error) {
	httpClient := utils.NewHTTPClient(cfg.Qwen.Timeout)

	chatModel, err := qwen.NewChatModel(ctx, &qwen.ChatModelConfig{
		BaseURL:     cfg.Qwen.BaseURL,
		APIKey:      cfg.Qwen.APIKey,
		Model:       modelID(cfg, variant),
		MaxTokens:   &cfg.Qwen.MaxTokens,
		Temperature: &cfg.Qwen.Temperature,
		TopP:        &cfg.Qwen.TopP,
		Timeout:     cfg.Qwen.Timeout,
		HTTPClient:  httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("create qwen model: %w", err)
	}

	logger.Debugf("Using Qwen model: %s, BaseURL: %s", modelID(cfg, variant), cfg.Qwen.BaseURL)
	return chatModel, nil
}
