package feedback

import (
	"time"

	"scrapeqa/internal/validation"
)

// Attempt is one generate/execute/validate iteration.
type Attempt struct {
	Phase  string
	Index  int // 1-based
	Prompt string
	Code   string

	Stdout     string
	Stderr     string
	ExitCode   int
	Killed     bool
	KillReason string

	// Output is the combined execution report fed back to the model.
	Output string

	GenerationError string
	ExecutionError  string

	ArtifactExists bool
	Validation     validation.Result

	StartedAt time.Time
	Duration  time.Duration
}

// Result is the outcome of a loop.
type Result struct {
	Phase        string
	Status       Status
	Attempts     []Attempt
	LastCode     string
	LastOutput   string
	ArtifactPath string
}

// Succeeded reports whether the loop ended with a valid artifact.
func (r *Result) Succeeded() bool {
	return r != nil && r.Status == StatusSucceeded
}

// Last returns the final attempt, or nil when none ran.
func (r *Result) Last() *Attempt {
	if r == nil || len(r.Attempts) == 0 {
		return nil
	}
	return &r.Attempts[len(r.Attempts)-1]
}

// Diagnostics returns the validation diagnostics of the final attempt.
func (r *Result) Diagnostics() []string {
	if last := r.Last(); last != nil {
		return last.Validation.Diagnostics
	}
	return nil
}
