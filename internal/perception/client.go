// Package perception talks to the code-generating model. It owns the LLM
// client abstraction, the Gemini backend, and the extraction of a runnable
// program from a free-form model response.
package perception

import (
	"context"
	"fmt"

	"scrapeqa/internal/config"
)

// LLMClient defines the interface for LLM providers.
type LLMClient interface {
	// Complete sends a single prompt and returns the raw text response.
	Complete(ctx context.Context, prompt string) (string, error)
}

// LLMClientFunc adapts a function to LLMClient.
type LLMClientFunc func(ctx context.Context, prompt string) (string, error)

// Complete calls f(ctx, prompt).
func (f LLMClientFunc) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Provider represents an LLM provider.
type Provider string

const (
	ProviderGemini Provider = "gemini"
)

// NewClientFromConfig builds the client selected by cfg.Provider.
func NewClientFromConfig(ctx context.Context, cfg config.LLMConfig) (LLMClient, error) {
	switch Provider(cfg.Provider) {
	case ProviderGemini, "":
		return NewGeminiClient(ctx, GeminiConfig{
			APIKey:            cfg.APIKey,
			Model:             cfg.Model,
			Temperature:       cfg.Temperature,
			MaxOutputTokens:   cfg.MaxOutputTokens,
			SystemInstruction: cfg.SystemInstruction,
			Timeout:           parseTimeout(cfg.Timeout),
		})
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}
