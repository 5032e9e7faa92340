package openai

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/stupiduntilnot/groupbot/internal/history"
	"github.com/stupiduntilnot/groupbot/internal/model"
)

const (
	DeepSeekBaseURL = "https://api.deepseek.com/v1"
	DeepSeekModel   = "deepseek-chat"
	QianwenBaseURL  = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	QianwenModel    = "qwen-turbo"

	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2000
)

// Client is a chat completions backend for OpenAI-compatible providers such
// as DeepSeek and Qianwen. It sends the whole conversation history.
type Client struct {
	settings model.Settings
}

// NewClient creates an OpenAI-compatible backend.
func NewClient(settings model.Settings) *Client {
	if settings.Temperature == 0 {
		settings.Temperature = DefaultTemperature
	}
	if settings.MaxTokens <= 0 {
		settings.MaxTokens = DefaultMaxTokens
	}
	return &Client{settings: settings}
}

// NewDeepSeek returns a backend preset for the DeepSeek API.
func NewDeepSeek(settings model.Settings) *Client {
	if settings.BaseURL == "" {
		settings.BaseURL = DeepSeekBaseURL
	}
	if settings.Model == "" {
		settings.Model = DeepSeekModel
	}
	return NewClient(settings)
}

// NewQianwen returns a backend preset for the DashScope compatible-mode API.
func NewQianwen(settings model.Settings) *Client {
	if settings.BaseURL == "" {
		settings.BaseURL = QianwenBaseURL
	}
	if settings.Model == "" {
		settings.Model = QianwenModel
	}
	return NewClient(settings)
}

// Generate sends the full history as a chat completion request.
func (c *Client) Generate(ctx context.Context, entries []history.Entry) (model.CompletionResponse, error) {
	key, err := c.settings.Key()
	if err != nil {
		return model.CompletionResponse{}, err
	}

	opts := []option.RequestOption{option.WithAPIKey(key)}
	if c.settings.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.settings.BaseURL))
	}
	if c.settings.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(c.settings.HTTPClient))
	}
	client := sdk.NewClient(opts...)

	resp, err := client.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model:       c.settings.Model,
		Messages:    toMessages(entries),
		Temperature: sdk.Float(c.settings.Temperature),
		MaxTokens:   sdk.Int(int64(c.settings.MaxTokens)),
	})
	if err != nil {
		return model.CompletionResponse{}, fmt.Errorf("openai chat completion model=%s: %w", c.settings.Model, err)
	}

	result := model.CompletionResponse{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	}
	if len(resp.Choices) == 0 {
		return result, model.ErrEmptyResponse
	}
	result.Content = strings.TrimSpace(resp.Choices[0].Message.Content)
	if result.Content == "" {
		return result, model.ErrEmptyResponse
	}
	return result, nil
}

func toMessages(entries []history.Entry) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(entries))
	for _, e := range entries {
		switch e.Role {
		case history.RoleSystem:
			out = append(out, sdk.SystemMessage(e.Content))
		case history.RoleAssistant:
			out = append(out, sdk.AssistantMessage(e.Content))
		default:
			out = append(out, sdk.UserMessage(e.Content))
		}
	}
	return out
}
