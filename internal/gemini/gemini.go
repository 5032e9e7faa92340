package gemini

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/stupiduntilnot/groupbot/internal/history"
	"github.com/stupiduntilnot/groupbot/internal/model"
)

const DefaultModel = "gemini-1.5-flash"

// Client is the Gemini backend. Unlike the chat completion backends it sends
// only the latest user entry, never the rolling history.
type Client struct {
	settings model.Settings
}

// NewClient creates a Gemini backend.
func NewClient(settings model.Settings) *Client {
	if settings.Model == "" {
		settings.Model = DefaultModel
	}
	return &Client{settings: settings}
}

// Generate sends the most recent user entry to Gemini.
func (c *Client) Generate(ctx context.Context, entries []history.Entry) (model.CompletionResponse, error) {
	key, err := c.settings.Key()
	if err != nil {
		return model.CompletionResponse{}, err
	}
	prompt, ok := history.LatestUser(entries)
	if !ok {
		return model.CompletionResponse{}, fmt.Errorf("gemini: no user entry in history")
	}

	cfg := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.settings.HTTPClient,
	}
	if c.settings.BaseURL != "" {
		cfg.HTTPOptions.BaseURL = c.settings.BaseURL
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return model.CompletionResponse{}, fmt.Errorf("gemini client: %w", err)
	}

	genCfg := &genai.GenerateContentConfig{}
	if c.settings.Temperature > 0 {
		genCfg.Temperature = genai.Ptr(float32(c.settings.Temperature))
	}
	if c.settings.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(c.settings.MaxTokens)
	}

	resp, err := client.Models.GenerateContent(ctx, c.settings.Model, genai.Text(prompt), genCfg)
	if err != nil {
		return model.CompletionResponse{}, fmt.Errorf("gemini generate model=%s: %w", c.settings.Model, err)
	}

	result := model.CompletionResponse{}
	if resp.UsageMetadata != nil {
		result.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	result.Content = strings.TrimSpace(resp.Text())
	if result.Content == "" {
		return result, model.ErrEmptyResponse
	}
	return result, nil
}
