package llm

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kubeinquest/kubeinquest/internal/config"
)

// Disabled rejects every completion; it is wired when safe mode is on so
// the rest of the system needs no nil checks.
type Disabled struct{}

var _ Adapter = Disabled{}

func (Disabled) Name() string { return "disabled" }

func (Disabled) Complete(context.Context, Request) (*Response, error) {
	return nil, ErrDisabled
}

// New builds the configured provider adapter.
func New(cfg config.LLMConfig, logger *zap.Logger) (Adapter, error) {
	if cfg.SafeMode {
		return Disabled{}, nil
	}
	switch cfg.Provider {
	case "", "ollama":
		return NewOllamaAdapter(cfg.Ollama.BaseURL, cfg.Ollama.Model, cfg.Timeout, logger), nil
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, errors.New("openai provider requires an api key")
		}
		return NewOpenAIAdapter(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.Timeout, logger), nil
	case "custom":
		// Any OpenAI-compatible endpoint; the key may be empty.
		return NewOpenAIAdapter(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.OpenAI.Model, cfg.Timeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
