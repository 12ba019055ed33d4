package perception

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"scrapeqa/internal/logging"
)

// ErrEmptyCode is returned when the model answered but no program could be
// recovered from the response.
var ErrEmptyCode = errors.New("model response contained no code")

var codeBlockRegex = regexp.MustCompile("```[\\w+-]*[ \\t]*\\r?\\n([\\s\\S]*?)```")

// ExtractCodeBlock returns the contents of the first fenced code block (with
// or without a language tag), trimmed. When the response has no fenced block
// the trimmed raw text is returned and fenced is false.
func ExtractCodeBlock(response string) (code string, fenced bool) {
	if m := codeBlockRegex.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	return strings.TrimSpace(response), false
}

// CodeGenerator turns a prompt into program source.
type CodeGenerator struct {
	Client LLMClient
}

// NewCodeGenerator wraps client.
func NewCodeGenerator(client LLMClient) *CodeGenerator {
	return &CodeGenerator{Client: client}
}

// Generate asks the model for a program. Service failures and empty
// responses are returned as errors; the caller decides whether to retry.
func (g *CodeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if g.Client == nil {
		return "", fmt.Errorf("code generator has no LLM client")
	}

	response, err := g.Client.Complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("code generation failed: %w", err)
	}

	code, fenced := ExtractCodeBlock(response)
	if code == "" {
		return "", ErrEmptyCode
	}
	if !fenced {
		logging.APIDebug("Response had no fenced block; using raw text (%d bytes)", len(code))
	}
	return code, nil
}
