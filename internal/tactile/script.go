package tactile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scrapeqa/internal/logging"
)

// ScriptRunner writes generated source into a directory and runs it with an
// interpreter, using that directory as the working directory.
type ScriptRunner struct {
	Executor    Executor
	Interpreter string        // e.g. "python3"
	Extension   string        // e.g. ".py"
	Timeout     time.Duration // 0 = executor default
	Environment []string
}

// NewScriptRunner creates a runner over the given executor.
func NewScriptRunner(exec Executor, interpreter, extension string, timeout time.Duration) *ScriptRunner {
	return &ScriptRunner{
		Executor:    exec,
		Interpreter: interpreter,
		Extension:   extension,
		Timeout:     timeout,
	}
}

// ScriptPath returns where Run writes the script called name inside dir.
func (r *ScriptRunner) ScriptPath(dir, name string) string {
	if r.Extension != "" && !strings.HasSuffix(name, r.Extension) {
		name += r.Extension
	}
	return filepath.Join(dir, name)
}

// Run writes source to dir/name+Extension and executes it. The previous
// script of the same name is overwritten. A timeout yields a result with
// Killed set, never an error; errors mean the script could not be written
// or the command was rejected.
func (r *ScriptRunner) Run(ctx context.Context, dir, name, source string) (*ExecutionResult, error) {
	if r.Executor == nil {
		return nil, fmt.Errorf("script runner has no executor")
	}
	if r.Interpreter == "" {
		return nil, fmt.Errorf("script runner has no interpreter")
	}

	path := r.ScriptPath(dir, name)
	if err := os.WriteFile(path, []byte(source), 0644); err != nil {
		return nil, fmt.Errorf("failed to write script %s: %w", path, err)
	}

	cmd := Command{
		Binary:           r.Interpreter,
		Arguments:        []string{filepath.Base(path)},
		WorkingDirectory: dir,
		Environment:      r.Environment,
		RequestID:        logging.RequestIDFromContext(ctx),
	}
	if r.Timeout > 0 {
		cmd.Limits = &ResourceLimits{TimeoutMs: r.Timeout.Milliseconds()}
	}

	return r.Executor.Execute(ctx, cmd)
}
