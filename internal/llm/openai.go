// Package llm drafts assistant replies with an OpenAI chat model.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"github.com/taskmgr818/treeforge/internal/model"
	"go.uber.org/zap"
)

const defaultSystemPrompt = "You are a helpful assistant. Answer in the language of the conversation."

var ErrEmptyReply = errors.New("model returned no reply")

// Options configures a Replier. BaseURL overrides the OpenAI endpoint.
type Options struct {
	APIKey       string
	Model        string
	BaseURL      string
	SystemPrompt string
	MaxTokens    int
}

// Replier turns a conversation into the next assistant message.
type Replier struct {
	client *openai.Client
	opts   Options
	log    *zap.Logger
}

// NewReplier creates a Replier. An empty API key is an error.
func NewReplier(opts Options, log *zap.Logger) (*Replier, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("openai api key not set")
	}
	if opts.Model == "" {
		opts.Model = openai.GPT3Dot5Turbo
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return &Replier{
		client: openai.NewClientWithConfig(cfg),
		opts:   opts,
		log:    log.Named("llm"),
	}, nil
}

// Compose asks the model for a reply to the last message of conv.
func (r *Replier) Compose(ctx context.Context, conv []model.ConversationMessage) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    r.opts.Model,
		Messages: chatMessages(r.opts.SystemPrompt, conv),
	}
	if r.opts.MaxTokens > 0 {
		req.MaxCompletionTokens = r.opts.MaxTokens
	}

	resp, err := r.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyReply
	}
	r.log.Debug("reply drafted",
		zap.String("model", r.opts.Model),
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
		zap.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return text, nil
}

func chatMessages(system string, conv []model.ConversationMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(conv)+1)
	out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	for _, m := range conv {
		role := openai.ChatMessageRoleUser
		if m.Role == model.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Text})
	}
	return out
}
