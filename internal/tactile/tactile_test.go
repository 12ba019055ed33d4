package tactile

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

func TestDirectExecutor_Execute(t *testing.T) {
	skipOnWindows(t)
	executor := NewDirectExecutor()

	cmd := Command{
		Binary:    "echo",
		Arguments: []string{"hello"},
	}

	result, err := executor.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !result.Success {
		t.Errorf("Expected success, got failure: %s", result.Error)
	}

	if result.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", result.ExitCode)
	}

	if !strings.Contains(result.Output(), "hello") {
		t.Errorf("Expected output to contain 'hello', got: %s", result.Output())
	}
}

func TestDirectExecutor_Timeout(t *testing.T) {
	skipOnWindows(t)
	executor := NewDirectExecutor()

	// The shell forks sleep; killing only the shell would leave sleep
	// holding stdout open until it finishes.
	cmd := Command{
		Binary:    "sh",
		Arguments: []string{"-c", "sleep 10; echo done"},
		Limits: &ResourceLimits{
			TimeoutMs: 500,
		},
	}

	start := time.Now()
	result, err := executor.Execute(context.Background(), cmd)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !result.Killed {
		t.Errorf("Expected command to be killed")
	}

	if !result.TimedOut() {
		t.Errorf("Expected kill reason to mention timeout, got: %s", result.KillReason)
	}

	if strings.Contains(result.Stdout, "done") {
		t.Errorf("Command should not have finished, stdout: %s", result.Stdout)
	}

	if elapsed > 2*time.Second {
		t.Errorf("Timeout didn't work, elapsed: %v", elapsed)
	}
}

func TestDirectExecutor_ParentCancel(t *testing.T) {
	skipOnWindows(t)
	executor := NewDirectExecutor()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	result, err := executor.Execute(ctx, Command{Binary: "sleep", Arguments: []string{"10"}})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !result.Killed || result.KillReason != "context canceled" {
		t.Errorf("Expected cancellation, got killed=%v reason=%q", result.Killed, result.KillReason)
	}
	if result.TimedOut() {
		t.Errorf("Cancellation must not be reported as a timeout")
	}
}

func TestDirectExecutor_NonZeroExit(t *testing.T) {
	skipOnWindows(t)
	executor := NewDirectExecutor()

	cmd := Command{
		Binary:    "sh",
		Arguments: []string{"-c", "exit 1"},
	}

	result, err := executor.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// Success should be true (command ran)
	if !result.Success {
		t.Errorf("Expected success=true for non-zero exit, got: %s", result.Error)
	}

	if result.ExitCode != 1 {
		t.Errorf("Expected exit code 1, got %d", result.ExitCode)
	}

	if !result.IsNonZeroExit() {
		t.Errorf("Expected IsNonZeroExit")
	}
}

func TestDirectExecutor_InvalidCommand(t *testing.T) {
	executor := NewDirectExecutor()

	result, err := executor.Execute(context.Background(), Command{Binary: "nonexistent_command_12345"})
	if err != nil {
		t.Fatalf("Execute returned error instead of result: %v", err)
	}

	if result.Success {
		t.Errorf("Expected failure for invalid command")
	}

	if result.Error == "" {
		t.Errorf("Expected error message for invalid command")
	}

	if !strings.Contains(result.Feedback(), "EXECUTION ERROR") {
		t.Errorf("Feedback should explain the failure, got: %s", result.Feedback())
	}
}

func TestDirectExecutor_EmptyBinaryRejected(t *testing.T) {
	executor := NewDirectExecutor()

	if _, err := executor.Execute(context.Background(), Command{}); err == nil {
		t.Errorf("Expected validation error for empty binary")
	}
}

func TestDirectExecutor_WorkingDirectory(t *testing.T) {
	skipOnWindows(t)
	executor := NewDirectExecutor()
	dir := t.TempDir()

	result, err := executor.Execute(context.Background(), Command{
		Binary:           "sh",
		Arguments:        []string{"-c", "echo x > marker.txt"},
		WorkingDirectory: dir,
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("Expected exit 0, got %d: %s", result.ExitCode, result.Stderr)
	}

	if _, err := os.Stat(filepath.Join(dir, "marker.txt")); err != nil {
		t.Errorf("Expected marker.txt in working directory: %v", err)
	}
}

func TestDirectExecutor_OutputCapture(t *testing.T) {
	skipOnWindows(t)
	executor := NewDirectExecutor()

	result, err := executor.Execute(context.Background(), Command{
		Binary:    "sh",
		Arguments: []string{"-c", "echo stdout; echo stderr >&2"},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !strings.Contains(result.Stdout, "stdout") {
		t.Errorf("Expected stdout to contain 'stdout', got: %s", result.Stdout)
	}
	if !strings.Contains(result.Stderr, "stderr") {
		t.Errorf("Expected stderr to contain 'stderr', got: %s", result.Stderr)
	}

	want := "STDOUT:\nstdout\n\nSTDERR:\nstderr\n"
	if got := result.Feedback(); got != want {
		t.Errorf("Feedback mismatch:\nwant %q\ngot  %q", want, got)
	}
}

func TestDirectExecutor_OutputTruncation(t *testing.T) {
	skipOnWindows(t)
	cfg := DefaultExecutorConfig()
	cfg.MaxOutputBytes = 16
	cfg.DefaultLimits.MaxOutputBytes = 16
	executor := NewDirectExecutorWithConfig(cfg)

	result, err := executor.Execute(context.Background(), Command{
		Binary:    "sh",
		Arguments: []string{"-c", "printf '0123456789abcdefghijklmnopqrstuvwxyz'"},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !result.Truncated {
		t.Errorf("Expected truncated output")
	}
	if len(result.Stdout) != 16 {
		t.Errorf("Expected 16 bytes kept, got %d", len(result.Stdout))
	}
	if result.TruncatedBytes != 20 {
		t.Errorf("Expected 20 bytes discarded, got %d", result.TruncatedBytes)
	}
}

func TestDirectExecutor_EnvironmentFiltered(t *testing.T) {
	skipOnWindows(t)
	t.Setenv("SCRAPEQA_SECRET_FOR_TEST", "leak")
	executor := NewDirectExecutor()

	result, err := executor.Execute(context.Background(), Command{
		Binary:      "sh",
		Arguments:   []string{"-c", "echo \"[$SCRAPEQA_SECRET_FOR_TEST][$EXTRA]\""},
		Environment: []string{"EXTRA=ok"},
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "[][ok]" {
		t.Errorf("Expected only allowed variables, got %q", got)
	}
}

func TestExecutorConfig_Merge(t *testing.T) {
	cfg := DefaultExecutorConfig()
	cfg.MaxTimeout = time.Second
	cfg.DefaultLimits.MaxMemoryBytes = 1 << 30

	merged := cfg.Merge(Command{Binary: "x", Limits: &ResourceLimits{TimeoutMs: 5000}})

	if merged.WorkingDirectory != "." {
		t.Errorf("Expected default working dir, got %q", merged.WorkingDirectory)
	}
	if merged.Limits.TimeoutMs != 1000 {
		t.Errorf("Expected timeout clamped to MaxTimeout, got %d", merged.Limits.TimeoutMs)
	}
	if merged.Limits.MaxMemoryBytes != 1<<30 {
		t.Errorf("Expected memory default filled in, got %d", merged.Limits.MaxMemoryBytes)
	}
	if merged.Limits.MaxOutputBytes != cfg.DefaultLimits.MaxOutputBytes {
		t.Errorf("Expected output default filled in, got %d", merged.Limits.MaxOutputBytes)
	}
}

func TestExecutionResult_FeedbackNotes(t *testing.T) {
	killed := &ExecutionResult{Success: true, Stdout: "partial", Killed: true, KillReason: "timeout after 1s"}
	if got := killed.Feedback(); !strings.HasSuffix(got, "PROCESS KILLED: timeout after 1s") {
		t.Errorf("Unexpected feedback: %q", got)
	}

	failed := &ExecutionResult{Success: true, ExitCode: 3, Stderr: "Traceback"}
	if got := failed.Feedback(); !strings.Contains(got, "EXIT CODE: 3") {
		t.Errorf("Unexpected feedback: %q", got)
	}
}
