// Package feedback implements the retry-with-feedback loop: generate a
// program, run it, validate what it wrote, and on failure ask for a corrected
// program with the evidence of the failed attempt attached.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"scrapeqa/internal/logging"
	"scrapeqa/internal/tactile"
	"scrapeqa/internal/validation"
)

// ErrInvalidConfig is returned when the controller cannot run at all.
var ErrInvalidConfig = errors.New("feedback: invalid configuration")

// Status is the terminal state of a loop.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusExhausted Status = "exhausted"
	StatusCanceled  Status = "canceled"
)

// Generator turns a prompt into program source.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

// Generate calls f(ctx, prompt).
func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Runner executes program source inside dir. tactile.ScriptRunner is the
// production implementation.
type Runner interface {
	Run(ctx context.Context, dir, name, source string) (*tactile.ExecutionResult, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, dir, name, source string) (*tactile.ExecutionResult, error)

// Run calls f(ctx, dir, name, source).
func (f RunnerFunc) Run(ctx context.Context, dir, name, source string) (*tactile.ExecutionResult, error) {
	return f(ctx, dir, name, source)
}

// Workspace is the directory capability a loop writes into.
// *workspace.Arena satisfies it.
type Workspace interface {
	Dir() string
	Path(name string) string
	Exists(name string) bool
	Remove(name string) error
}

// Recorder receives every finished attempt.
type Recorder interface {
	RecordAttempt(ctx context.Context, a Attempt) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, a Attempt) error

// RecordAttempt calls f(ctx, a).
func (f RecorderFunc) RecordAttempt(ctx context.Context, a Attempt) error {
	return f(ctx, a)
}

// FeedbackFunc builds the next prompt from a failed attempt.
type FeedbackFunc func(a Attempt) (string, error)

// Controller runs one generate/execute/validate loop.
type Controller struct {
	Generator Generator
	Runner    Runner
	Validator validation.Validator
	Feedback  FeedbackFunc
	Recorder  Recorder // optional

	Script   string // script stem written into the workspace, e.g. "scraper"
	Artifact string // file the program must produce, e.g. "scraped_data.csv"
	Phase    string // label used in logs and records
}

func (c *Controller) check(ws Workspace, maxAttempts int) error {
	switch {
	case c.Generator == nil:
		return fmt.Errorf("%w: no generator", ErrInvalidConfig)
	case c.Runner == nil:
		return fmt.Errorf("%w: no runner", ErrInvalidConfig)
	case c.Validator == nil:
		return fmt.Errorf("%w: no validator", ErrInvalidConfig)
	case c.Feedback == nil:
		return fmt.Errorf("%w: no feedback builder", ErrInvalidConfig)
	case c.Script == "" || c.Artifact == "":
		return fmt.Errorf("%w: script and artifact names are required", ErrInvalidConfig)
	case ws == nil:
		return fmt.Errorf("%w: no workspace", ErrInvalidConfig)
	case maxAttempts < 1:
		return fmt.Errorf("%w: maxAttempts must be at least 1, got %d", ErrInvalidConfig, maxAttempts)
	}
	return nil
}

// Run drives the loop for at most maxAttempts iterations. Generation,
// execution, and validation failures are fed back into the next prompt; the
// loop ends with StatusSucceeded, StatusExhausted, or StatusCanceled. An
// error is returned only when the controller is misconfigured or a feedback
// prompt cannot be built.
func (c *Controller) Run(ctx context.Context, ws Workspace, initialPrompt string, maxAttempts int) (*Result, error) {
	if err := c.check(ws, maxAttempts); err != nil {
		return nil, err
	}

	log := logging.FromContext(ctx, logging.CategoryFeedback)
	timer := logging.StartTimer(logging.CategoryFeedback, "Controller.Run "+c.Phase)
	defer timer.Stop()

	result := &Result{
		Phase:        c.Phase,
		ArtifactPath: ws.Path(c.Artifact),
	}
	prompt := initialPrompt

	for i := 1; i <= maxAttempts; i++ {
		if ctx.Err() != nil {
			result.Status = StatusCanceled
			log.Warn("%s loop canceled before attempt %d", c.Phase, i)
			return result, nil
		}

		a := c.attempt(ctx, ws, i, prompt, result.LastCode)
		if a.Code != "" && a.GenerationError == "" {
			result.LastCode = a.Code
		}
		result.LastOutput = a.Output
		result.Attempts = append(result.Attempts, a)
		c.record(ctx, a)

		if ctx.Err() != nil {
			result.Status = StatusCanceled
			log.Warn("%s loop canceled during attempt %d", c.Phase, i)
			return result, nil
		}

		if a.Validation.Passed {
			result.Status = StatusSucceeded
			log.Info("%s succeeded on attempt %d/%d", c.Phase, i, maxAttempts)
			return result, nil
		}
		log.Info("%s attempt %d/%d failed: %s", c.Phase, i, maxAttempts, a.Validation)

		if i == maxAttempts {
			break
		}
		if a.Code == "" {
			// Nothing has been generated yet; there is no code to correct.
			prompt = initialPrompt
			continue
		}
		next, err := c.Feedback(a)
		if err != nil {
			return result, fmt.Errorf("failed to build feedback prompt for %s: %w", c.Phase, err)
		}
		prompt = next
	}

	result.Status = StatusExhausted
	log.Warn("%s exhausted %d attempts", c.Phase, maxAttempts)
	return result, nil
}

// attempt performs one generate/execute/validate iteration. previousCode is
// carried into the attempt when generation fails so feedback can refer to it.
func (c *Controller) attempt(ctx context.Context, ws Workspace, index int, prompt, previousCode string) Attempt {
	log := logging.FromContext(ctx, logging.CategoryFeedback)
	a := Attempt{
		Phase:     c.Phase,
		Index:     index,
		Prompt:    prompt,
		StartedAt: time.Now(),
	}

	code, err := c.Generator.Generate(ctx, prompt)
	if err != nil {
		log.Warn("%s attempt %d: generation failed: %v", c.Phase, index, err)
		a.Code = previousCode
		a.GenerationError = err.Error()
		a.Output = "CODE GENERATION ERROR: " + err.Error()
		a.Validation = validation.Failf("code generation failed: %v", err)
		a.Duration = time.Since(a.StartedAt)
		return a
	}
	a.Code = code

	if err := ws.Remove(c.Artifact); err != nil {
		log.Warn("%s attempt %d: could not remove stale %s: %v", c.Phase, index, c.Artifact, err)
	}

	res, err := c.Runner.Run(ctx, ws.Dir(), c.Script, code)
	if err != nil {
		log.Warn("%s attempt %d: execution failed: %v", c.Phase, index, err)
		a.ExecutionError = err.Error()
		a.ExitCode = -1
		a.Output = "STDOUT:\n\nSTDERR:\n\nEXECUTION ERROR: " + err.Error()
	} else {
		a.Stdout = res.Stdout
		a.Stderr = res.Stderr
		a.ExitCode = res.ExitCode
		a.Killed = res.Killed
		a.KillReason = res.KillReason
		a.ExecutionError = res.Error
		a.Output = res.Feedback()
	}

	a.ArtifactExists = ws.Exists(c.Artifact)
	a.Validation = c.Validator.Validate(ws.Path(c.Artifact))
	a.Duration = time.Since(a.StartedAt)
	logging.FeedbackDebug("%s attempt %d: exit=%d killed=%v artifact=%v validation=%s",
		c.Phase, index, a.ExitCode, a.Killed, a.ArtifactExists, a.Validation)
	return a
}

func (c *Controller) record(ctx context.Context, a Attempt) {
	if c.Recorder == nil {
		return
	}
	if err := c.Recorder.RecordAttempt(ctx, a); err != nil {
		logging.FeedbackWarn("Failed to record %s attempt %d: %v", c.Phase, a.Index, err)
	}
}
