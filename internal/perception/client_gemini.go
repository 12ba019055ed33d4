package perception

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"scrapeqa/internal/logging"
)

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey            string
	Model             string
	Temperature       float32
	MaxOutputTokens   int32
	SystemInstruction string
	Timeout           time.Duration

	// BaseURL overrides the API endpoint (used by tests).
	BaseURL string
}

// DefaultGeminiConfig returns sensible defaults for code generation.
func DefaultGeminiConfig(apiKey string) GeminiConfig {
	return GeminiConfig{
		APIKey:          apiKey,
		Model:           "gemini-2.0-flash",
		Temperature:     0.2,
		MaxOutputTokens: 8192,
		Timeout:         120 * time.Second,
	}
}

// GeminiClient implements LLMClient for Google Gemini via the genai SDK.
type GeminiClient struct {
	client *genai.Client
	config GeminiConfig
}

// NewGeminiClient creates a Gemini client.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	defaults := DefaultGeminiConfig(cfg.APIKey)
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	logging.APIDebug("Gemini client ready: model=%s timeout=%s", cfg.Model, cfg.Timeout)
	return &GeminiClient{client: client, config: cfg}, nil
}

// GetModel returns the model name.
func (c *GeminiClient) GetModel() string {
	return c.config.Model
}

func (c *GeminiClient) generateConfig() *genai.GenerateContentConfig {
	gc := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(c.config.Temperature),
	}
	if c.config.MaxOutputTokens > 0 {
		gc.MaxOutputTokens = c.config.MaxOutputTokens
	}
	if c.config.SystemInstruction != "" {
		gc.SystemInstruction = genai.NewContentFromText(c.config.SystemInstruction, genai.RoleUser)
	}
	return gc
}

// Complete sends a prompt and returns the text of the first candidate.
func (c *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	// Auto-apply timeout if context has no deadline
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.config.Model, genai.Text(prompt), c.generateConfig())
	if err != nil {
		return "", fmt.Errorf("gemini generate failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		reason := ""
		if resp != nil && resp.PromptFeedback != nil {
			reason = string(resp.PromptFeedback.BlockReason)
		}
		if reason != "" {
			return "", fmt.Errorf("gemini returned no candidates (blocked: %s)", reason)
		}
		return "", fmt.Errorf("gemini returned no candidates")
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("gemini returned an empty response (finish reason: %s)", resp.Candidates[0].FinishReason)
	}
	return text, nil
}

func parseTimeout(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
