package llm

import (
	"context"
	"fmt"
)

// Request is one code-generation call. Context is the current file
// content the instruction applies to.
type Request struct {
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	Context   string `json:"context,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// StreamHandler receives text deltas during streaming.
type StreamHandler func(delta string)

// Generator produces text from a prompt. Failures are *GenerationError.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
	GenerateStream(ctx context.Context, req Request, handler StreamHandler) (string, error)
}

// GenerationError wraps a provider failure. Generators retry rate limits
// internally; everything else is surfaced to the caller unchanged.
type GenerationError struct {
	Provider string
	Model    string
	Status   int // HTTP status when the provider returned one
	Err      error
}

func (e *GenerationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s generation (%s) failed with status %d: %v", e.Provider, e.Model, e.Status, e.Err)
	}
	return fmt.Sprintf("%s generation (%s) failed: %v", e.Provider, e.Model, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

const defaultMaxTokens = 8192
