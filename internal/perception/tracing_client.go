package perception

import (
	"context"
	"sync/atomic"
	"time"

	"scrapeqa/internal/logging"
)

// CallStats summarises calls made through a TracingClient.
type CallStats struct {
	Calls         int64
	Failures      int64
	PromptBytes   int64
	ResponseBytes int64
	TotalLatency  time.Duration
}

// TracingClient wraps any LLMClient and logs every interaction to the api
// category, keeping running counters.
type TracingClient struct {
	underlying LLMClient

	calls         atomic.Int64
	failures      atomic.Int64
	promptBytes   atomic.Int64
	responseBytes atomic.Int64
	latencyNanos  atomic.Int64
}

// NewTracingClient creates a tracing wrapper around an existing client.
func NewTracingClient(underlying LLMClient) *TracingClient {
	return &TracingClient{underlying: underlying}
}

// Complete implements LLMClient with tracing.
func (tc *TracingClient) Complete(ctx context.Context, prompt string) (string, error) {
	log := logging.FromContext(ctx, logging.CategoryAPI)

	start := time.Now()
	log.Info("LLM call started: model=%s prompt_len=%d", modelName(tc.underlying), len(prompt))

	response, err := tc.underlying.Complete(ctx, prompt)
	duration := time.Since(start)

	tc.calls.Add(1)
	tc.promptBytes.Add(int64(len(prompt)))
	tc.responseBytes.Add(int64(len(response)))
	tc.latencyNanos.Add(int64(duration))

	if err != nil {
		tc.failures.Add(1)
		log.Warn("LLM call failed: duration=%v error=%v", duration, err)
	} else {
		log.Info("LLM call completed: duration=%v response_len=%d", duration, len(response))
	}
	return response, err
}

// Stats returns a snapshot of the counters.
func (tc *TracingClient) Stats() CallStats {
	return CallStats{
		Calls:         tc.calls.Load(),
		Failures:      tc.failures.Load(),
		PromptBytes:   tc.promptBytes.Load(),
		ResponseBytes: tc.responseBytes.Load(),
		TotalLatency:  time.Duration(tc.latencyNanos.Load()),
	}
}

type modelGetter interface {
	GetModel() string
}

func modelName(c LLMClient) string {
	if mg, ok := c.(modelGetter); ok {
		return mg.GetModel()
	}
	return "unknown"
}
