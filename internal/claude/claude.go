package claude

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/stupiduntilnot/groupbot/internal/history"
	"github.com/stupiduntilnot/groupbot/internal/model"
)

const (
	DefaultModel     = string(anthropic.ModelClaudeSonnet4_20250514)
	DefaultMaxTokens = 2000
)

// Client is the Anthropic Messages backend. It sends the full history with
// the system entry lifted into the request's system field.
type Client struct {
	settings model.Settings
}

// NewClient creates a Claude backend.
func NewClient(settings model.Settings) *Client {
	if settings.Model == "" {
		settings.Model = DefaultModel
	}
	if settings.MaxTokens <= 0 {
		settings.MaxTokens = DefaultMaxTokens
	}
	return &Client{settings: settings}
}

// Generate sends the history to the Messages API.
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
	client := anthropic.NewClient(opts...)

	system, messages := toMessages(entries)
	if len(messages) == 0 {
		return model.CompletionResponse{}, fmt.Errorf("claude: no user entry in history")
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.settings.Model),
		MaxTokens: int64(c.settings.MaxTokens),
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if c.settings.Temperature > 0 {
		params.Temperature = anthropic.Float(c.settings.Temperature)
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return model.CompletionResponse{}, fmt.Errorf("claude messages model=%s: %w", c.settings.Model, err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}
	result := model.CompletionResponse{
		Content:      strings.TrimSpace(sb.String()),
		InputTokens:  int(resp.Usage.InputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
	if result.Content == "" {
		return result, model.ErrEmptyResponse
	}
	return result, nil
}

// toMessages splits off the system prompt. The Messages API wants the first
// turn to come from the user, so leading assistant entries are dropped.
func toMessages(entries []history.Entry) (string, []anthropic.MessageParam) {
	var system string
	out := make([]anthropic.MessageParam, 0, len(entries))
	for _, e := range entries {
		switch e.Role {
		case history.RoleSystem:
			system = e.Content
		case history.RoleAssistant:
			if len(out) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(e.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(e.Content)))
		}
	}
	return system, out
}
