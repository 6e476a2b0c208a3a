package llm

import (
	"context"
	"fmt"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Prompt struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Client is the text-generation capability. Implementations return the raw
// model output; callers are responsible for sanitizing it.
type Client interface {
	Complete(ctx context.Context, prompt Prompt) (string, error)
	Stream(ctx context.Context, prompt Prompt, emit func(chunk string) error) error
}

// Embedder is the optional semantic capability. When absent, callers fall
// back to lexical-only matching.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// GenerationError marks a transport or availability failure of the model
// API. It is fatal for the stage that triggered the call and is never
// counted as a SQL attempt.
type GenerationError struct {
	Op  string
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (%s): %v", e.Op, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}
