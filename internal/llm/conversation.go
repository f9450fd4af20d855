package llm

import (
	"context"
	"sync"

	"lumina-backend/internal/config"
	"lumina-backend/internal/model"
	"lumina-backend/pkg/logger"

	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Content 一次用户输入：纯文本，或文本+内联图片（data URI）
type Content struct {
	Text     string
	ImageURL string
}

// Conversation 绑定到远端会话能力的句柄。
// 句柄从不跨会话共享，也从不原地改绑：每次切换会话、
// 新建会话或变更模型都整体重建一个新句柄。
type Conversation struct {
	chatModel einoModel.BaseChatModel
	variant   model.ModelVariant
	mu        sync.Mutex
	messages  []*schema.Message // 系统指令 + 已重放/累积的对话轮次
}

// Bind 构造新的远端会话绑定：系统指令在前，随后重放历史。
// 重放过滤规则：排除合成的欢迎消息，只重放文本非空的消息，
// 最多保留配置的最近N条。
func Bind(ctx context.Context, cfg *config.Config, variant model.ModelVariant, systemInstruction string, history []model.ChatMessage) (*Conversation, error) {
	chatModel, err := newChatModel(ctx, cfg, variant)
	if err != nil {
		return nil, err
	}

	messages := make([]*schema.Message, 0, len(history)+1)
	messages = append(messages, schema.SystemMessage(systemInstruction))
	messages = append(messages, ReplayMessages(history, cfg.Session.MaxHistory)...)

	logger.Debugf("Bound conversation: variant=%s, replayed=%d", variant, len(messages)-1)

	return &Conversation{
		chatModel: chatModel,
		variant:   variant,
		messages:  messages,
	}, nil
}

// ReplayMessages 把会话历史转换为提供方的消息序列。
// SenderUser映射为user角色，SenderAI映射为model侧角色。
// maxMessages大于0时只保留最近的N条，0表示不限制。
func ReplayMessages(history []model.ChatMessage, maxMessages int) []*schema.Message {
	replay := make([]*schema.Message, 0, len(history))
	for i := range history {
		msg := &history[i]
		if msg.IsWelcome() || msg.Text == "" {
			continue
		}

		role := schema.User
		if msg.Sender == model.SenderAI {
			role = schema.Assistant
		}

		replay = append(replay, &schema.Message{
			Role:    role,
			Content: msg.Text,
		})
	}

	// 获取最近的 n 条消息
	if maxMessages > 0 && len(replay) > maxMessages {
		replay = replay[len(replay)-maxMessages:]
	}

	return replay
}

// Variant 返回此绑定使用的模型变体
func (c *Conversation) Variant() model.ModelVariant {
	return c.variant
}

// SendStream 发送一轮用户输入，返回单遍消费的流式响应。
// 用户消息立即计入本绑定的上下文；助手回复由调用方在流
// 正常结束后通过 RecordReply 补记（失败的轮次不留痕）。
func (c *Conversation) SendStream(ctx context.Context, content Content) (*schema.StreamReader[*schema.Message], error) {
	c.mu.Lock()
	c.messages = append(c.messages, userMessage(content))
	turn := make([]*schema.Message, len(c.messages))
	copy(turn, c.messages)
	c.mu.Unlock()

	stream, err := c.chatModel.Stream(ctx, turn)
	if err != nil {
		return nil, classifySendError(err)
	}

	return stream, nil
}

// RecordReply 把流式完成后的助手全文记入绑定上下文
func (c *Conversation) RecordReply(text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	c.messages = append(c.messages, &schema.Message{
		Role:    schema.Assistant,
		Content: text,
	})
	c.mu.Unlock()
}

func userMessage(content Content) *schema.Message {
	if content.ImageURL == "" {
		return schema.UserMessage(content.Text)
	}

	return &schema.Message{
		Role: schema.User,
		MultiContent: []schema.ChatMessagePart{
			{
				Type: schema.ChatMessagePartTypeText,
				Text: content.Text,
			},
			{
				Type: schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{
					URL: content.ImageURL,
				},
			},
		},
	}
}
