// Package llm provides the language-model adapter used by the
// knowledge-augmented investigator.
//
// Responsibilities:
//   - One Adapter interface over interchangeable providers (ollama, openai,
//     openai-compatible custom endpoints)
//   - Sentinel errors the scheduler and investigator key off: rate limits
//     escalate cooldowns, malformed output costs an iteration, disabled
//     means safe mode is on
//   - JSON extraction from model output that may be fenced or chatty
package llm

import (
	"context"
	"errors"
)

var (
	// ErrRateLimited maps provider 429 responses; the investigation seals
	// failed and the fingerprint cooldown doubles.
	ErrRateLimited = errors.New("llm rate limited")

	// ErrMalformed means the response did not contain the expected JSON.
	ErrMalformed = errors.New("llm response malformed")

	// ErrDisabled is returned by the safe-mode adapter.
	ErrDisabled = errors.New("llm disabled in safe mode")
)

// Request is one completion call.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	ForceJSON   bool
}

// Response is the raw completion plus the serving model name.
type Response struct {
	Content string
	Model   string
}

// Adapter is implemented per provider.
type Adapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}
