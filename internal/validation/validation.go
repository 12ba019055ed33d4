// Package validation decides whether an artifact produced by generated code
// is acceptable. Validators never panic and never return errors: every
// problem, including a missing or unreadable file, becomes a diagnostic the
// feedback loop can hand back to the model.
package validation

import (
	"fmt"
	"strings"
)

// Result is the outcome of validating one artifact.
type Result struct {
	Passed      bool     `json:"passed"`
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// Pass returns a passing result.
func Pass() Result {
	return Result{Passed: true}
}

// Fail returns a failing result carrying the given diagnostics.
func Fail(diagnostics ...string) Result {
	return Result{Passed: false, Diagnostics: diagnostics}
}

// Failf returns a failing result with one formatted diagnostic.
func Failf(format string, args ...interface{}) Result {
	return Fail(fmt.Sprintf(format, args...))
}

// String renders the result for prompts and logs.
func (r Result) String() string {
	if r.Passed {
		return "passed"
	}
	if len(r.Diagnostics) == 0 {
		return "failed"
	}
	return "failed: " + strings.Join(r.Diagnostics, "; ")
}

// Validator checks the artifact at path.
type Validator interface {
	Validate(path string) Result
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(path string) Result

// Validate calls f(path).
func (f ValidatorFunc) Validate(path string) Result {
	return f(path)
}

// Chain runs validators in order and merges their diagnostics. The chain
// passes only if every validator passes; an empty chain passes.
func Chain(validators ...Validator) Validator {
	return ValidatorFunc(func(path string) Result {
		out := Pass()
		for _, v := range validators {
			if v == nil {
				continue
			}
			r := safeValidate(v, path)
			if !r.Passed {
				out.Passed = false
			}
			out.Diagnostics = append(out.Diagnostics, r.Diagnostics...)
		}
		return out
	})
}

// safeValidate converts a panicking validator into a failing result.
func safeValidate(v Validator, path string) (r Result) {
	defer func() {
		if p := recover(); p != nil {
			r = Failf("validator panicked: %v", p)
		}
	}()
	return v.Validate(path)
}
