package model

import (
	"context"
	"errors"
	"net/http"

	"github.com/stupiduntilnot/groupbot/internal/history"
)

// CompletionResponse is the common response model for model backends.
type CompletionResponse struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Backend generates a reply from a conversation history. Each backend decides
// how much of the history it sends: the whole transcript or only the latest
// user entry.
type Backend interface {
	Generate(ctx context.Context, entries []history.Entry) (CompletionResponse, error)
}

var (
	// ErrMissingCredential means the backend has no API key configured.
	ErrMissingCredential = errors.New("missing api key")
	// ErrEmptyResponse means the backend answered without any text.
	ErrEmptyResponse = errors.New("empty model response")
)

// Settings are the knobs shared by the HTTP backends.
type Settings struct {
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	// APIKey is read on every call so key changes apply without a restart.
	APIKey func() string
	// HTTPClient carries the proxy and timeout configuration.
	HTTPClient *http.Client
}

// Key returns the current API key or ErrMissingCredential.
func (s Settings) Key() (string, error) {
	if s.APIKey == nil {
		return "", ErrMissingCredential
	}
	key := s.APIKey()
	if key == "" {
		return "", ErrMissingCredential
	}
	return key, nil
}
