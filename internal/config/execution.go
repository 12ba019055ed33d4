package config

// ExecutionConfig configures the sandboxed executor that runs generated code.
type ExecutionConfig struct {
	// Interpreter used to run generated scripts, resolved via PATH.
	Interpreter string `yaml:"interpreter"`

	// Extension appended to script stems ("scraper" -> "scraper.py").
	Extension string `yaml:"extension"`

	// Default timeout for one script run
	DefaultTimeout string `yaml:"default_timeout"`

	// Output capture cap per stream
	MaxOutputBytes int64 `yaml:"max_output_bytes"`

	// Resource limits (Linux only, 0 = unlimited)
	MaxMemoryMB   int64 `yaml:"max_memory_mb"`
	MaxCPUSeconds int64 `yaml:"max_cpu_seconds"`
	MaxFileSizeMB int64 `yaml:"max_file_size_mb"`

	// Environment variables passed through to scripts
	AllowedEnvVars []string `yaml:"allowed_env_vars"`
}
