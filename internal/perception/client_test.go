package perception

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scrapeqa/internal/config"
)

// fakeGemini serves generateContent with a canned text reply and records
// the last request body.
func fakeGemini(t *testing.T, reply string) (*httptest.Server, *string) {
	t.Helper()
	var mu sync.Mutex
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = string(b)
		mu.Unlock()
		if !strings.HasSuffix(r.URL.Path, ":generateContent") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"candidates": []interface{}{
				map[string]interface{}{
					"content": map[string]interface{}{
						"role":  "model",
						"parts": []interface{}{map[string]interface{}{"text": reply}},
					},
					"finishReason": "STOP",
				},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &body
}

func TestGeminiClient_Complete(t *testing.T) {
	srv, body := fakeGemini(t, "```python\nprint(42)\n```")

	client, err := NewGeminiClient(context.Background(), GeminiConfig{
		APIKey:            "test-key",
		Model:             "gemini-2.0-flash",
		SystemInstruction: "Only write Python.",
		BaseURL:           srv.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.0-flash", client.GetModel())

	text, err := client.Complete(context.Background(), "write a scraper")
	require.NoError(t, err)
	assert.Equal(t, "```python\nprint(42)\n```", text)
	assert.Contains(t, *body, "write a scraper")
	assert.Contains(t, *body, "Only write Python.")
}

func TestGeminiClient_RequiresKey(t *testing.T) {
	_, err := NewGeminiClient(context.Background(), GeminiConfig{})
	assert.Error(t, err)
}

func TestNewClientFromConfig(t *testing.T) {
	_, err := NewClientFromConfig(context.Background(), config.LLMConfig{Provider: "openai", APIKey: "k"})
	assert.Error(t, err)

	c, err := NewClientFromConfig(context.Background(), config.LLMConfig{Provider: "gemini", APIKey: "k", Timeout: "5s"})
	require.NoError(t, err)
	gc, ok := c.(*GeminiClient)
	require.True(t, ok)
	assert.Equal(t, "gemini-2.0-flash", gc.GetModel(), "empty model falls back to default")
}

func TestTracingClient_Stats(t *testing.T) {
	calls := 0
	tc := NewTracingClient(LLMClientFunc(func(_ context.Context, prompt string) (string, error) {
		calls++
		if prompt == "fail" {
			return "", errors.New("nope")
		}
		return "resp", nil
	}))

	_, err := tc.Complete(context.Background(), "hello")
	require.NoError(t, err)
	_, err = tc.Complete(context.Background(), "fail")
	require.Error(t, err)

	stats := tc.Stats()
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(2), stats.Calls)
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, int64(len("hello")+len("fail")), stats.PromptBytes)
	assert.Equal(t, int64(len("resp")), stats.ResponseBytes)
}
