package feedback

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"scrapeqa/internal/tactile"
	"scrapeqa/internal/validation"
	"scrapeqa/internal/workspace"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const artifact = "scraped_data.csv"

func csvRows(n int) string {
	var b strings.Builder
	b.WriteString("Country,Year,Value\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "C%d,%d,%d\n", i, 2000+i, i*10)
	}
	return b.String()
}

func newArena(t *testing.T) *workspace.Arena {
	t.Helper()
	m, err := workspace.NewManager(t.TempDir(), false)
	require.NoError(t, err)
	a, err := m.New(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

// writingRunner pretends to execute the program by writing rows data rows.
func writingRunner(rows int) RunnerFunc {
	return func(ctx context.Context, dir, name, source string) (*tactile.ExecutionResult, error) {
		if rows >= 0 {
			if err := os.WriteFile(filepath.Join(dir, artifact), []byte(csvRows(rows)), 0644); err != nil {
				return nil, err
			}
		}
		return &tactile.ExecutionResult{Success: true, Stdout: "ran " + source + "\n"}, nil
	}
}

func newController(gen Generator, run Runner) *Controller {
	return &Controller{
		Generator: gen,
		Runner:    run,
		Validator: validation.NewTableValidator(5, 1800, 2100),
		Feedback: func(a Attempt) (string, error) {
			return fmt.Sprintf("fix attempt %d: %s", a.Index, a.Code), nil
		},
		Script:   workspace.ScraperScript,
		Artifact: artifact,
		Phase:    "scrape",
	}
}

func TestRun_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	gen := GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		calls++
		return "good code", nil
	})
	c := newController(gen, writingRunner(5))

	res, err := c.Run(context.Background(), newArena(t), "initial", 5)
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, res.Status)
	assert.True(t, res.Succeeded())
	assert.Len(t, res.Attempts, 1)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "good code", res.LastCode)
	assert.Equal(t, "initial", res.Attempts[0].Prompt)
	assert.True(t, res.Attempts[0].ArtifactExists)
	assert.FileExists(t, res.ArtifactPath)
}

func TestRun_ExhaustsExactlyMaxAttempts(t *testing.T) {
	n := 0
	gen := GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		n++
		return fmt.Sprintf("code-%d", n), nil
	})
	var prompts []string
	c := newController(gen, writingRunner(4))
	c.Feedback = func(a Attempt) (string, error) {
		p := "retry after " + a.Code
		prompts = append(prompts, p)
		return p, nil
	}

	res, err := c.Run(context.Background(), newArena(t), "initial", 5)
	require.NoError(t, err)

	assert.Equal(t, StatusExhausted, res.Status)
	assert.Len(t, res.Attempts, 5)
	assert.Equal(t, 5, n)
	assert.Equal(t, "code-5", res.LastCode)
	assert.Len(t, prompts, 4, "no feedback is built after the final attempt")
	assert.Equal(t, "retry after code-1", res.Attempts[1].Prompt)
	require.NotEmpty(t, res.Diagnostics())
	assert.Contains(t, res.Diagnostics()[0], "too few rows")
}

func TestRun_GenerationErrorBeforeAnyCodeRetriesInitialPrompt(t *testing.T) {
	n := 0
	gen := GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		n++
		if n == 1 {
			return "", errors.New("model unavailable")
		}
		return "good code", nil
	})
	c := newController(gen, writingRunner(6))

	res, err := c.Run(context.Background(), newArena(t), "initial", 3)
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, res.Status)
	require.Len(t, res.Attempts, 2)
	assert.Contains(t, res.Attempts[0].GenerationError, "model unavailable")
	assert.Contains(t, res.Attempts[0].Validation.Diagnostics[0], "code generation failed")
	assert.Equal(t, "initial", res.Attempts[1].Prompt)
}

func TestRun_GenerationErrorFeedsBackPreviousCode(t *testing.T) {
	n := 0
	gen := GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		n++
		if n == 2 {
			return "", errors.New("rate limited")
		}
		return fmt.Sprintf("code-%d", n), nil
	})
	var seen []Attempt
	c := newController(gen, writingRunner(1))
	c.Feedback = func(a Attempt) (string, error) {
		seen = append(seen, a)
		return "again", nil
	}

	res, err := c.Run(context.Background(), newArena(t), "initial", 3)
	require.NoError(t, err)

	assert.Equal(t, StatusExhausted, res.Status)
	require.Len(t, seen, 2)
	assert.Equal(t, "code-1", seen[1].Code, "failed generation carries the last generated code")
	assert.Contains(t, seen[1].Output, "CODE GENERATION ERROR")
	assert.Equal(t, "code-3", res.LastCode)
}

func TestRun_StaleArtifactIsRemoved(t *testing.T) {
	arena := newArena(t)
	require.NoError(t, arena.WriteFile(artifact, []byte(csvRows(10))))

	gen := GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		return "writes nothing", nil
	})
	c := newController(gen, writingRunner(-1))

	res, err := c.Run(context.Background(), arena, "initial", 2)
	require.NoError(t, err)

	assert.Equal(t, StatusExhausted, res.Status)
	assert.False(t, res.Attempts[0].ArtifactExists)
	assert.Contains(t, res.Attempts[0].Validation.Diagnostics[0], "was not created")
}

func TestRun_ExecutionErrorIsFedBack(t *testing.T) {
	gen := GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		return "code", nil
	})
	run := RunnerFunc(func(ctx context.Context, dir, name, source string) (*tactile.ExecutionResult, error) {
		return nil, errors.New("interpreter missing")
	})
	var fed []string
	c := newController(gen, run)
	c.Feedback = func(a Attempt) (string, error) {
		fed = append(fed, a.Output)
		return "again", nil
	}

	res, err := c.Run(context.Background(), newArena(t), "initial", 2)
	require.NoError(t, err)
	assert.Equal(t, StatusExhausted, res.Status)
	require.Len(t, fed, 1)
	assert.Contains(t, fed[0], "EXECUTION ERROR: interpreter missing")
	assert.Equal(t, -1, res.Attempts[0].ExitCode)
}

func TestRun_InvalidConfig(t *testing.T) {
	gen := GeneratorFunc(func(ctx context.Context, prompt string) (string, error) { return "", nil })
	arena := newArena(t)

	tests := []struct {
		name   string
		mutate func(c *Controller)
		max    int
	}{
		{"no generator", func(c *Controller) { c.Generator = nil }, 1},
		{"no runner", func(c *Controller) { c.Runner = nil }, 1},
		{"no validator", func(c *Controller) { c.Validator = nil }, 1},
		{"no feedback", func(c *Controller) { c.Feedback = nil }, 1},
		{"no artifact", func(c *Controller) { c.Artifact = "" }, 1},
		{"zero attempts", func(c *Controller) {}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newController(gen, writingRunner(5))
			tt.mutate(c)
			_, err := c.Run(context.Background(), arena, "p", tt.max)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestRun_FeedbackErrorEscalates(t *testing.T) {
	gen := GeneratorFunc(func(ctx context.Context, prompt string) (string, error) { return "code", nil })
	c := newController(gen, writingRunner(0))
	c.Feedback = func(a Attempt) (string, error) { return "", errors.New("template broken") }

	res, err := c.Run(context.Background(), newArena(t), "p", 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "template broken")
	assert.Len(t, res.Attempts, 1)
}

func TestRun_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gen := GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		cancel()
		return "code", nil
	})
	c := newController(gen, writingRunner(0))

	res, err := c.Run(ctx, newArena(t), "p", 5)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, res.Status)
	assert.Len(t, res.Attempts, 1)
}

func TestRun_RecorderSeesEveryAttempt(t *testing.T) {
	gen := GeneratorFunc(func(ctx context.Context, prompt string) (string, error) { return "code", nil })
	var recorded []int
	c := newController(gen, writingRunner(2))
	c.Recorder = RecorderFunc(func(ctx context.Context, a Attempt) error {
		recorded = append(recorded, a.Index)
		return errors.New("store offline")
	})

	res, err := c.Run(context.Background(), newArena(t), "p", 3)
	require.NoError(t, err, "recorder failures never stop the loop")
	assert.Equal(t, StatusExhausted, res.Status)
	assert.Equal(t, []int{1, 2, 3}, recorded)
}

func TestRun_TimeoutWithRealExecutor(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	const timeout = 300 * time.Millisecond

	gen := GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		return "sleep 30\n", nil
	})
	runner := tactile.NewScriptRunner(tactile.NewDirectExecutor(), "sh", ".sh", timeout)
	c := newController(gen, runner)

	start := time.Now()
	res, err := c.Run(context.Background(), newArena(t), "p", 2)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, StatusExhausted, res.Status)
	for _, a := range res.Attempts {
		assert.True(t, a.Killed)
		assert.Contains(t, a.Output, "PROCESS KILLED: timeout")
	}
	assert.Less(t, elapsed, 2*(timeout+1500*time.Millisecond))
}

func TestRun_RealExecutorProducesArtifact(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	script := "cat > " + artifact + " <<'EOF'\n" + csvRows(5) + "EOF\necho done\n"
	gen := GeneratorFunc(func(ctx context.Context, prompt string) (string, error) {
		return script, nil
	})
	runner := tactile.NewScriptRunner(tactile.NewDirectExecutor(), "sh", ".sh", 5*time.Second)
	c := newController(gen, runner)

	res, err := c.Run(context.Background(), newArena(t), "p", 1)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, res.Status, "%v", res.Diagnostics())
	assert.Equal(t, "done\n", res.Attempts[0].Stdout)
}
