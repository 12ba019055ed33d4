package tactile

import (
	"context"
	"time"

	"scrapeqa/internal/config"
)

// Executor is the interface for command execution.
type Executor interface {
	// Execute runs a command and returns a comprehensive result. A non-nil
	// error means the command was rejected before it was started.
	Execute(ctx context.Context, cmd Command) (*ExecutionResult, error)

	// Validate checks if a command can be executed by this executor.
	Validate(cmd Command) error
}

// ConfigFromSettings converts the execution section of the config file into
// executor defaults.
func ConfigFromSettings(s config.ExecutionConfig, timeout time.Duration) ExecutorConfig {
	ec := DefaultExecutorConfig()
	if timeout > 0 {
		ec.DefaultTimeout = timeout
	}
	if len(s.AllowedEnvVars) > 0 {
		ec.AllowedEnvironment = append([]string(nil), s.AllowedEnvVars...)
	}
	if s.MaxOutputBytes > 0 {
		ec.MaxOutputBytes = s.MaxOutputBytes
	}
	ec.DefaultLimits = &ResourceLimits{
		TimeoutMs:      ec.DefaultTimeout.Milliseconds(),
		MaxOutputBytes: ec.MaxOutputBytes,
		MaxMemoryBytes: s.MaxMemoryMB * 1024 * 1024,
		MaxCPUTimeMs:   s.MaxCPUSeconds * 1000,
		MaxFileSize:    s.MaxFileSizeMB * 1024 * 1024,
	}
	return ec
}
