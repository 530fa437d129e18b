// Package ai turns a list of conversation turns into one chat-completion
// call against the configured provider.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"logosrelay/internal/config"
	"logosrelay/internal/models"
)

// Completer performs a single, non-streaming chat completion.
type Completer interface {
	Complete(ctx context.Context, messages []models.Message) (string, error)
}

var (
	// ErrMissingAPIKey is returned before any network call when the provider has no key.
	ErrMissingAPIKey = errors.New("api key not configured")
	// ErrEmptyResponse means the upstream answered but carried no usable content.
	ErrEmptyResponse = errors.New("upstream response has no content")

	ErrUnknownProvider = errors.New("unknown provider")
)

const (
	ProviderDeepSeek         = "deepseek"
	ProviderOpenAICompatible = "openai-compatible"
	ProviderOpenAI           = "openai"
	ProviderClaude           = "claude"
	ProviderGemini           = "gemini"
)

// New builds the completer for provider name. Providers without an API key
// get a completer that always fails with ErrMissingAPIKey, so the service
// still starts and can tell the user what is missing.
func New(ctx context.Context, name string, cfg config.ProviderConfig, timeout time.Duration) (Completer, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if strings.TrimSpace(cfg.APIKey) == "" {
		return missingKey{provider: name}, nil
	}
	switch name {
	case ProviderDeepSeek, ProviderOpenAICompatible:
		return newOpenAICompatible(cfg, timeout), nil
	case ProviderOpenAI, ProviderClaude, ProviderGemini:
		return newChatModel(ctx, name, cfg)
	default:
		// anything else that speaks the chat/completions dialect
		if cfg.BaseURL != "" {
			return newOpenAICompatible(cfg, timeout), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
}

type missingKey struct {
	provider string
}

func (m missingKey) Complete(context.Context, []models.Message) (string, error) {
	return "", fmt.Errorf("%s: %w", m.provider, ErrMissingAPIKey)
}
