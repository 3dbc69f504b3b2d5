// Package llm provides the eino-backed renderer and relevance classifier
// used by the orchestrator's send pipeline.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/courierd/courierd/internal/common/config"
	msgmodels "github.com/courierd/courierd/internal/messaging/models"
)

const (
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second
)

// Client wraps a chat model for prompt/response exchanges.
type Client struct {
	chatModel model.BaseChatModel
}

// NewClient builds a chat model from configuration.
func NewClient(ctx context.Context, cfg config.LLMConfig) (*Client, error) {
	modelName := cfg.Model
	if modelName == "" {
		modelName = defaultModel
	}

	modelConfig := &einoopenai.ChatModelConfig{
		APIKey: cfg.APIKey,
		Model:  modelName,
	}
	if cfg.BaseURL != "" {
		modelConfig.BaseURL = cfg.BaseURL
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		modelConfig.MaxCompletionTokens = &maxTokens
	}
	if cfg.Timeout() > 0 {
		modelConfig.Timeout = cfg.Timeout()
	} else {
		modelConfig.Timeout = defaultTimeout
	}

	chatModel, err := einoopenai.NewChatModel(ctx, modelConfig)
	if err != nil {
		return nil, fmt.Errorf("llm: create chat model: %w", err)
	}
	return &Client{chatModel: chatModel}, nil
}

// NewClientWithModel wraps an existing chat model, for tests.
func NewClientWithModel(m model.BaseChatModel) *Client {
	return &Client{chatModel: m}
}

// generate sends a single-user-message prompt and returns the reply text.
func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	msgs := []*schema.Message{
		{Role: schema.User, Content: prompt},
	}
	result, err := c.chatModel.Generate(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("llm: generate: %w", err)
	}
	return result.Content, nil
}

// formatTranscript renders recent messages for inclusion in a prompt,
// oldest first.
func formatTranscript(recent []*msgmodels.Message) string {
	if len(recent) == 0 {
		return "(no prior messages)"
	}
	var sb strings.Builder
	for _, m := range recent {
		who := "user"
		if m.Direction == msgmodels.DirectionOutbound {
			who = "assistant"
		}
		sb.WriteString(fmt.Sprintf("[%s] %s: %s\n",
			m.CreatedAt.Format("2006-01-02 15:04"), who, m.Content))
	}
	return sb.String()
}
