package tactile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"scrapeqa/internal/logging"
)

// DirectExecutor executes commands on the host using os/exec. Isolation
// comes from a dedicated process group, rlimits, and a scoped working
// directory rather than a container.
type DirectExecutor struct {
	config ExecutorConfig
}

// NewDirectExecutor creates a new direct executor with default config.
func NewDirectExecutor() *DirectExecutor {
	return NewDirectExecutorWithConfig(DefaultExecutorConfig())
}

// NewDirectExecutorWithConfig creates a new direct executor with custom config.
func NewDirectExecutorWithConfig(config ExecutorConfig) *DirectExecutor {
	logging.TactileDebug("Creating DirectExecutor: timeout=%s, maxOutput=%d bytes",
		config.DefaultTimeout, config.MaxOutputBytes)
	return &DirectExecutor{config: config}
}

// Config returns the executor defaults.
func (e *DirectExecutor) Config() ExecutorConfig {
	return e.config
}

// Validate checks if a command can be executed.
func (e *DirectExecutor) Validate(cmd Command) error {
	if cmd.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	if cmd.Limits != nil && cmd.Limits.TimeoutMs < 0 {
		return fmt.Errorf("negative timeout: %dms", cmd.Limits.TimeoutMs)
	}
	return nil
}

// Execute runs a command directly on the host. Timeouts and cancellation are
// reported through the result (Killed, KillReason), not as errors.
func (e *DirectExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	timer := logging.StartTimer(logging.CategoryTactile, "Direct command execution")
	defer timer.Stop()

	if err := e.Validate(cmd); err != nil {
		logging.TactileWarn("Command validation failed: %s %v - %v", cmd.Binary, cmd.Arguments, err)
		return nil, err
	}

	cmd = e.config.Merge(cmd)
	log := logging.Get(logging.CategoryTactile)
	if cmd.RequestID != "" {
		log = logging.WithRequestID(logging.CategoryTactile, cmd.RequestID)
	}
	log.Info("Executing command: %s (dir=%s)", cmd.CommandString(), cmd.WorkingDirectory)

	result := &ExecutionResult{
		ExitCode: -1,
		Command:  &cmd,
	}

	timeout := e.config.DefaultTimeout
	if cmd.Limits != nil && cmd.Limits.TimeoutMs > 0 {
		timeout = time.Duration(cmd.Limits.TimeoutMs) * time.Millisecond
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCmd := exec.CommandContext(execCtx, cmd.Binary, cmd.Arguments...)
	execCmd.Dir = cmd.WorkingDirectory
	execCmd.Env = e.buildEnvironment(cmd.Environment)

	// Kill the whole group on timeout so grandchildren (a shell's sleep, a
	// browser spawned by the script) cannot hold the output pipes open.
	setupProcessGroup(execCmd)
	execCmd.Cancel = func() error {
		return killProcessGroup(execCmd)
	}
	execCmd.WaitDelay = e.config.KillGrace

	if cmd.Stdin != "" {
		execCmd.Stdin = strings.NewReader(cmd.Stdin)
	}

	maxOutput := e.config.MaxOutputBytes
	if cmd.Limits != nil && cmd.Limits.MaxOutputBytes > 0 {
		maxOutput = cmd.Limits.MaxOutputBytes
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdoutBuf, max: maxOutput}
	stderrLimited := &limitedWriter{w: &stderrBuf, max: maxOutput}
	execCmd.Stdout = stdoutLimited
	execCmd.Stderr = stderrLimited

	result.StartedAt = time.Now()
	err := execCmd.Start()
	if err == nil {
		if limErr := applyResourceLimits(execCmd.Process.Pid, cmd.Limits); limErr != nil {
			log.Warn("Could not apply resource limits to pid %d: %v", execCmd.Process.Pid, limErr)
		}
		err = execCmd.Wait()
	}

	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()

	if stdoutLimited.truncated || stderrLimited.truncated {
		result.Truncated = true
		result.TruncatedBytes = stdoutLimited.discarded + stderrLimited.discarded
		log.Warn("Command output truncated: %d bytes discarded", result.TruncatedBytes)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.Success = true
		result.ExitCode = 0
	case ctx.Err() != nil:
		// The caller gave up; checked before execCtx so a parent deadline is
		// not mistaken for our own timeout.
		result.Success = true
		result.Killed = true
		result.KillReason = "context canceled"
		log.Debug("Command canceled: %s", cmd.Binary)
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		result.Success = true // Infrastructure worked, command was killed
		result.Killed = true
		result.KillReason = fmt.Sprintf("timeout after %s", timeout)
		log.Warn("Command killed (timeout): %s after %s", cmd.Binary, timeout)
	case errors.As(err, &exitErr):
		result.Success = true // Command ran, just returned non-zero
		result.ExitCode = exitErr.ExitCode()
		log.Debug("Command exited non-zero: %s -> %d", cmd.Binary, result.ExitCode)
	case errors.Is(err, exec.ErrWaitDelay):
		// Exited, but a leftover descendant kept the pipes open past KillGrace.
		result.Success = true
		result.ExitCode = execCmd.ProcessState.ExitCode()
		log.Warn("Command left output pipes open: %s", cmd.Binary)
	default:
		result.Success = false
		result.Error = err.Error()
		log.Error("Command failed: %s - %v", cmd.Binary, err)
		return result, nil
	}

	if e.config.EnableResourceUsage {
		result.ResourceUsage = getProcessResourceUsage(execCmd)
	}

	log.Info("Command completed: %s -> exit=%d, killed=%v, duration=%s, stdout=%d bytes",
		cmd.Binary, result.ExitCode, result.Killed, result.Duration, len(result.Stdout))

	return result, nil
}

// buildEnvironment creates the environment variable list.
func (e *DirectExecutor) buildEnvironment(cmdEnv []string) []string {
	env := make([]string, 0, len(e.config.AllowedEnvironment)+len(cmdEnv))

	for _, key := range e.config.AllowedEnvironment {
		if val := os.Getenv(key); val != "" {
			env = append(env, fmt.Sprintf("%s=%s", key, val))
		}
	}

	env = append(env, cmdEnv...)

	return env
}

// limitedWriter is an io.Writer that limits total bytes written.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil // Pretend we wrote it
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err // Return original length to avoid "short write" errors
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
