package llm

import (
	"context"
	"fmt"
	"io"

	"lumina-backend/internal/config"
	"lumina-backend/internal/utils"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"
)

// openaiChatModel 用go-openai实现eino的BaseChatModel接口
type openaiChatModel struct {
	client *openai.Client
	model  string
}

func newOpenAIChatModel(_ context.Context, cfg config.OpenAIConfig, modelName string) (*openaiChatModel, error) {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		clientConfig.HTTPClient = utils.NewHTTPClient(cfg.Timeout)
	}

	return &openaiChatModel{
		client: openai.NewClientWithConfig(clientConfig),
		model:  modelName,
	}, nil
}

func (m *openaiChatModel) Generate(ctx context.Context, messages []*schema.Message, _ ...einoModel.Option) (*schema.Message, error) {
	resp, err := m.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    m.model,
		Messages: m.convertMessages(messages),
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from provider")
	}

	return &schema.Message{
		Role:    schema.Assistant,
		Content: resp.Choices[0].Message.Content,
	}, nil
}

func (m *openaiChatModel) Stream(ctx context.Context, messages []*schema.Message, _ ...einoModel.Option) (*schema.StreamReader[*schema.Message], error) {
	stream, err := m.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    m.model,
		Messages: m.convertMessages(messages),
		Stream:   true,
	})
	if err != nil {
		return nil, err
	}

	reader, writer := schema.Pipe[*schema.Message](100)

	go func() {
		defer writer.Close()
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if err == io.EOF {
					return
				}
				writer.Send(nil, err)
				return
			}

			if len(response.Choices) > 0 && response.Choices[0].Delta.Content != "" {
				msg := &schema.Message{
					Role:    schema.Assistant,
					Content: response.Choices[0].Delta.Content,
				}
				if closed := writer.Send(msg, nil); closed {
					return
				}
			}
		}
	}()

	return reader, nil
}

func (m *openaiChatModel) convertMessages(messages []*schema.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		converted := openai.ChatCompletionMessage{
			Role: string(msg.Role),
		}

		// 多模态消息（文本+图片）走MultiContent
		if len(msg.MultiContent) > 0 {
			parts := make([]openai.ChatMessagePart, 0, len(msg.MultiContent))
			for _, part := range msg.MultiContent {
				switch part.Type {
				case schema.ChatMessagePartTypeImageURL:
					if part.ImageURL != nil {
						parts = append(parts, openai.ChatMessagePart{
							Type: openai.ChatMessagePartTypeImageURL,
							ImageURL: &openai.ChatMessageImageURL{
								URL: part.ImageURL.URL,
							},
						})
					}
				default:
					parts = append(parts, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: part.Text,
					})
				}
			}
			converted.MultiContent = parts
		} else {
			converted.Content = msg.Content
		}

		result = append(result, converted)
	}
	return result
}
