// Package tactile runs generated programs as subprocesses. It is the only
// layer that touches the host: every run gets its own process group, a
// wall-clock timeout, capped output capture, and (on Linux) rlimits on
// memory, CPU time, and file size.
package tactile

import (
	"fmt"
	"strings"
	"time"
)

// Command represents a command to be executed.
type Command struct {
	// Binary is the executable to run (e.g., "python3", "sh").
	Binary string `json:"binary"`

	// Arguments are the command-line arguments.
	Arguments []string `json:"arguments"`

	// WorkingDirectory is the directory to execute in.
	// If empty, uses the executor's default working directory.
	WorkingDirectory string `json:"working_directory,omitempty"`

	// Environment holds extra KEY=VALUE pairs on top of the allowed host vars.
	Environment []string `json:"environment,omitempty"`

	Stdin string `json:"stdin,omitempty"`

	Limits *ResourceLimits `json:"limits,omitempty"`

	// RequestID correlates the run with an HTTP request or pipeline run.
	RequestID string `json:"request_id,omitempty"`
}

// CommandString returns the command as a single display string.
func (c Command) CommandString() string {
	if len(c.Arguments) == 0 {
		return c.Binary
	}
	return c.Binary + " " + strings.Join(c.Arguments, " ")
}

// ResourceLimits bounds a single run. Zero values mean "use the default"
// for TimeoutMs/MaxOutputBytes and "unlimited" for the rest.
type ResourceLimits struct {
	TimeoutMs      int64 `json:"timeout_ms,omitempty"`
	MaxCPUTimeMs   int64 `json:"max_cpu_time_ms,omitempty"`
	MaxMemoryBytes int64 `json:"max_memory_bytes,omitempty"`
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`
	MaxFileSize    int64 `json:"max_file_size,omitempty"`
}

// ExecutionResult is the outcome of a run.
type ExecutionResult struct {
	// Success reports whether the infrastructure worked. A script that ran
	// and exited non-zero, or was killed on timeout, is still a Success.
	Success bool `json:"success"`

	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`

	Duration   time.Duration `json:"duration"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`

	Killed     bool   `json:"killed"`
	KillReason string `json:"kill_reason,omitempty"`

	Truncated      bool  `json:"truncated"`
	TruncatedBytes int64 `json:"truncated_bytes,omitempty"`

	ResourceUsage *ResourceUsage `json:"resource_usage,omitempty"`

	// Error is set when the process could not be started at all.
	Error string `json:"error,omitempty"`

	Command *Command `json:"command,omitempty"`
}

// IsNonZeroExit returns true if the program ran but reported failure.
func (r *ExecutionResult) IsNonZeroExit() bool {
	return r.Success && r.ExitCode != 0
}

// TimedOut reports whether the run was killed by its wall-clock limit.
func (r *ExecutionResult) TimedOut() bool {
	return r.Killed && strings.HasPrefix(r.KillReason, "timeout")
}

// Output returns stdout and stderr joined by a newline.
func (r *ExecutionResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Feedback renders the result in the form handed back to the model.
func (r *ExecutionResult) Feedback() string {
	var sb strings.Builder
	sb.WriteString("STDOUT:\n")
	sb.WriteString(r.Stdout)
	sb.WriteString("\nSTDERR:\n")
	sb.WriteString(r.Stderr)

	switch {
	case r.Error != "":
		fmt.Fprintf(&sb, "\nEXECUTION ERROR: %s", r.Error)
	case r.Killed:
		fmt.Fprintf(&sb, "\nPROCESS KILLED: %s", r.KillReason)
	case r.ExitCode != 0:
		fmt.Fprintf(&sb, "\nEXIT CODE: %d", r.ExitCode)
	}
	if r.Truncated {
		fmt.Fprintf(&sb, "\n(output truncated, %d bytes discarded)", r.TruncatedBytes)
	}
	return sb.String()
}

// ResourceUsage is what the kernel reported for the finished process.
type ResourceUsage struct {
	UserTimeMs     int64 `json:"user_time_ms"`
	SystemTimeMs   int64 `json:"system_time_ms"`
	MaxRSSBytes    int64 `json:"max_rss_bytes"`
	DiskReadBytes  int64 `json:"disk_read_bytes"`
	DiskWriteBytes int64 `json:"disk_write_bytes"`
}

// TotalCPUTimeMs returns user + system CPU time.
func (r *ResourceUsage) TotalCPUTimeMs() int64 {
	return r.UserTimeMs + r.SystemTimeMs
}

// ExecutorConfig configures an executor's defaults.
type ExecutorConfig struct {
	DefaultWorkingDir string
	DefaultTimeout    time.Duration
	MaxTimeout        time.Duration

	// AllowedEnvironment lists host variables passed through to children.
	AllowedEnvironment []string

	DefaultLimits  *ResourceLimits
	MaxOutputBytes int64

	// KillGrace bounds how long Wait may block on output pipes after the
	// process group has been killed.
	KillGrace time.Duration

	EnableResourceUsage bool
}

// DefaultExecutorConfig returns sensible defaults for generated scripts.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultWorkingDir:  ".",
		DefaultTimeout:     60 * time.Second,
		MaxTimeout:         10 * time.Minute,
		MaxOutputBytes:     1 * 1024 * 1024,
		AllowedEnvironment: []string{"PATH", "HOME", "LANG", "LC_ALL", "PYTHONPATH", "VIRTUAL_ENV"},
		DefaultLimits: &ResourceLimits{
			TimeoutMs:      60000,
			MaxOutputBytes: 1 * 1024 * 1024,
		},
		KillGrace:           500 * time.Millisecond,
		EnableResourceUsage: true,
	}
}

// Merge fills unset fields of cmd from the config defaults.
func (c ExecutorConfig) Merge(cmd Command) Command {
	result := cmd

	if result.WorkingDirectory == "" {
		result.WorkingDirectory = c.DefaultWorkingDir
	}

	if c.DefaultLimits != nil {
		if result.Limits == nil {
			limitsCopy := *c.DefaultLimits
			result.Limits = &limitsCopy
		} else {
			limitsCopy := *result.Limits
			if limitsCopy.TimeoutMs == 0 {
				limitsCopy.TimeoutMs = c.DefaultLimits.TimeoutMs
			}
			if limitsCopy.MaxOutputBytes == 0 {
				limitsCopy.MaxOutputBytes = c.DefaultLimits.MaxOutputBytes
			}
			if limitsCopy.MaxMemoryBytes == 0 {
				limitsCopy.MaxMemoryBytes = c.DefaultLimits.MaxMemoryBytes
			}
			if limitsCopy.MaxCPUTimeMs == 0 {
				limitsCopy.MaxCPUTimeMs = c.DefaultLimits.MaxCPUTimeMs
			}
			if limitsCopy.MaxFileSize == 0 {
				limitsCopy.MaxFileSize = c.DefaultLimits.MaxFileSize
			}
			result.Limits = &limitsCopy
		}
	}

	if result.Limits != nil && c.MaxTimeout > 0 && result.Limits.TimeoutMs > c.MaxTimeout.Milliseconds() {
		result.Limits.TimeoutMs = c.MaxTimeout.Milliseconds()
	}

	return result
}
