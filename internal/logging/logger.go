// Package logging provides categorized logging for scrapeqa, backed by zap.
// Each subsystem logs through its own category so output can be filtered per
// concern. Until Initialize is called every category is a no-op.
package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup, config loading
	CategoryAPI       Category = "api"       // LLM API calls
	CategoryPrompt    Category = "prompt"    // Template loading and rendering
	CategoryTactile   Category = "tactile"   // Subprocess execution
	CategoryValidate  Category = "validate"  // Artifact validation
	CategoryFeedback  Category = "feedback"  // Retry-with-feedback loop
	CategoryWorkspace Category = "workspace" // Request-scoped arenas
	CategoryPipeline  Category = "pipeline"  // Scrape/analysis orchestration
	CategoryResearch  Category = "research"  // Page context fetching
	CategoryBrowser   Category = "browser"   // Headless rendering
	CategoryStore     Category = "store"     // Run history persistence
	CategoryArchive   Category = "archive"   // Artifact archival
	CategoryServer    Category = "server"    // HTTP surface
)

// Config controls how Initialize builds the underlying zap core.
type Config struct {
	Level      string          // debug, info, warn, error
	Format     string          // json, console
	Dir        string          // optional: one file per category
	Categories map[string]bool // per-category toggles; missing = enabled
}

// Logger is a category-scoped logger.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	base       *zap.Logger
	cfg        Config
	loggers    = make(map[Category]*Logger)
	fileCloses []func() error
)

// Initialize configures the logging backend. Safe to call more than once; the
// previous configuration is flushed and replaced.
func Initialize(c Config) error {
	level, err := zapcore.ParseLevel(strings.ToLower(c.Level))
	if err != nil || c.Level == "" {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if c.Format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	return install(zap.New(core), c)
}

// InitializeWithLogger installs an existing zap logger (used by tests and by
// callers that already own a logger).
func InitializeWithLogger(l *zap.Logger, c Config) error {
	if l == nil {
		return fmt.Errorf("logger is required")
	}
	return install(l, c)
}

func install(l *zap.Logger, c Config) error {
	CloseAll()

	mu.Lock()
	defer mu.Unlock()

	if c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0755); err != nil {
			return fmt.Errorf("failed to create logs directory: %w", err)
		}
	}
	base = l
	cfg = c
	loggers = make(map[Category]*Logger)
	return nil
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabledLocked(category)
}

func categoryEnabledLocked(category Category) bool {
	if base == nil {
		return false
	}
	if cfg.Categories == nil {
		return true
	}
	enabled, exists := cfg.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if logging is not initialized or the category is disabled.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	if !categoryEnabledLocked(category) {
		l := &Logger{category: category, sugar: zap.NewNop().Sugar()}
		loggers[category] = l
		return l
	}

	zl := base.With(zap.String("cat", string(category)))
	if cfg.Dir != "" {
		if fileCore, closeFn, err := categoryFileCore(category); err == nil {
			zl = zl.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
				return zapcore.NewTee(c, fileCore)
			}))
			fileCloses = append(fileCloses, closeFn)
		} else {
			fmt.Fprintf(os.Stderr, "[logging] Warning: %v\n", err)
		}
	}

	l := &Logger{category: category, sugar: zl.Sugar()}
	loggers[category] = l
	return l
}

// categoryFileCore opens a date-prefixed file for the category.
func categoryFileCore(category Category) (zapcore.Core, func() error, error) {
	date := time.Now().Format("2006-01-02")
	path := filepath.Join(cfg.Dir, fmt.Sprintf("%s_%s.log", date, category))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("could not open log file %s: %w", path, err)
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(f), zapcore.DebugLevel)
	return core, f.Close, nil
}

// Zap exposes the category logger as a structured zap logger.
func (l *Logger) Zap() *zap.Logger {
	return l.sugar.Desugar()
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	return &Logger{category: l.category, sugar: l.sugar.With(keysAndValues...)}
}

// WithRequestID returns a category logger that tags entries with a request ID.
func WithRequestID(category Category, requestID string) *Logger {
	return Get(category).With("req", requestID)
}

type requestIDKey struct{}

// ContextWithRequestID attaches a correlation ID to ctx.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the ID set by ContextWithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// FromContext returns the category logger, tagged with the request ID
// carried by ctx when there is one.
func FromContext(ctx context.Context, category Category) *Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return WithRequestID(category, id)
	}
	return Get(category)
}

// Sync flushes the base logger.
func Sync() {
	mu.RLock()
	l := base
	mu.RUnlock()
	if l != nil {
		_ = l.Sync()
	}
}

// CloseAll flushes and closes all category files and resets state.
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()
	if base != nil {
		_ = base.Sync()
	}
	for _, closeFn := range fileCloses {
		_ = closeFn()
	}
	fileCloses = nil
	loggers = make(map[Category]*Logger)
	base = nil
	cfg = Config{}
}

// =============================================================================
// TIMER
// =============================================================================

// Timer measures the duration of an operation.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation in the given category.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, operation: operation, start: time.Now()}
}

// Stop logs the elapsed time at debug level and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %s", t.operation, elapsed)
	return elapsed
}

// StopWithThreshold logs at warn level when elapsed exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s slow: %s (threshold %s)", t.operation, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %s", t.operation, elapsed)
	}
	return elapsed
}
