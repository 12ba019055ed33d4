package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when --config is not given.
const DefaultPath = "scrapeqa.yaml"

// ErrNoAPIKey is returned by Validate when no model credentials are set.
var ErrNoAPIKey = errors.New("LLM API key not configured (set GEMINI_API_KEY or GOOGLE_API_KEY)")

// Config holds all scrapeqa configuration.
type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Execution ExecutionConfig `yaml:"execution"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Browser   BrowserConfig   `yaml:"browser"`
	Prompts   PromptsConfig   `yaml:"prompts"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// PipelineConfig bounds the two feedback loops and the scrape validator.
type PipelineConfig struct {
	ScrapeAttempts   int `yaml:"scrape_attempts"`
	AnalysisAttempts int `yaml:"analysis_attempts"`
	MinRows          int `yaml:"min_rows"`
	YearMin          int `yaml:"year_min"`
	YearMax          int `yaml:"year_max"`

	// Page context: URLs in the question are fetched and summarised into
	// the first scrape prompt.
	FetchPageContext bool   `yaml:"fetch_page_context"`
	PageContextChars int    `yaml:"page_context_chars"`
	FetchTimeout     string `yaml:"fetch_timeout"`
}

// WorkspaceConfig configures request-scoped arenas.
type WorkspaceConfig struct {
	Root string `yaml:"root"` // empty = os.TempDir()/scrapeqa
	Keep bool   `yaml:"keep"` // keep arenas after the request for inspection
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string  `yaml:"addr"`
	MaxUploadMB     int     `yaml:"max_upload_mb"`
	RateLimit       float64 `yaml:"rate_limit"` // requests per second, 0 = unlimited
	RateBurst       int     `yaml:"rate_burst"`
	ShutdownTimeout string  `yaml:"shutdown_timeout"`
}

// StoreConfig configures the run history database.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ArchiveConfig configures the optional S3-compatible artifact archive.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// BrowserConfig configures headless rendering of page context.
type BrowserConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ControlURL  string `yaml:"control_url"` // attach to a running browser instead of launching
	Headless    bool   `yaml:"headless"`
	PageTimeout string `yaml:"page_timeout"`
}

// PromptsConfig points at an optional directory of template overrides.
type PromptsConfig struct {
	OverrideDir string `yaml:"override_dir"`
	Watch       bool   `yaml:"watch"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:        "gemini",
			Model:           "gemini-2.0-flash",
			Timeout:         "120s",
			Temperature:     0.2,
			MaxOutputTokens: 8192,
		},

		Pipeline: PipelineConfig{
			ScrapeAttempts:   5,
			AnalysisAttempts: 3,
			MinRows:          5,
			YearMin:          1800,
			YearMax:          2100,
			FetchPageContext: true,
			PageContextChars: 4000,
			FetchTimeout:     "15s",
		},

		Execution: ExecutionConfig{
			Interpreter:    "python3",
			Extension:      ".py",
			DefaultTimeout: "60s",
			MaxOutputBytes: 1 * 1024 * 1024,
			MaxMemoryMB:    1024,
			MaxCPUSeconds:  120,
			MaxFileSizeMB:  256,
			AllowedEnvVars: []string{"PATH", "HOME", "LANG", "LC_ALL", "PYTHONPATH", "VIRTUAL_ENV"},
		},

		Server: ServerConfig{
			Addr:            "127.0.0.1:8000",
			MaxUploadMB:     32,
			RateLimit:       2,
			RateBurst:       4,
			ShutdownTimeout: "10s",
		},

		Store: StoreConfig{
			Enabled: true,
			Path:    "data/scrapeqa.db",
		},

		Archive: ArchiveConfig{
			Bucket: "scrapeqa-runs",
			Region: "us-east-1",
		},

		Browser: BrowserConfig{
			Headless:    true,
			PageTimeout: "30s",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// GEMINI_API_KEY wins over GOOGLE_API_KEY when both are set.
	if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("SCRAPEQA_MODEL"); model != "" {
		c.LLM.Model = model
	}

	if addr := os.Getenv("SCRAPEQA_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if path := os.Getenv("SCRAPEQA_DB"); path != "" {
		c.Store.Path = path
	}
	if root := os.Getenv("SCRAPEQA_WORKSPACE"); root != "" {
		c.Workspace.Root = root
	}
	if interp := os.Getenv("SCRAPEQA_INTERPRETER"); interp != "" {
		c.Execution.Interpreter = interp
	}

	if endpoint := os.Getenv("SCRAPEQA_ARCHIVE_ENDPOINT"); endpoint != "" {
		c.Archive.Endpoint = endpoint
		c.Archive.Enabled = true
	}
	if key := os.Getenv("SCRAPEQA_ARCHIVE_ACCESS_KEY"); key != "" {
		c.Archive.AccessKey = key
	}
	if secret := os.Getenv("SCRAPEQA_ARCHIVE_SECRET_KEY"); secret != "" {
		c.Archive.SecretKey = secret
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetLLMTimeout returns the per-call model timeout.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}

// GetExecutionTimeout returns the generated-script timeout.
func (c *Config) GetExecutionTimeout() time.Duration {
	return parseDuration(c.Execution.DefaultTimeout, 60*time.Second)
}

// GetFetchTimeout returns the page-context fetch timeout.
func (c *Config) GetFetchTimeout() time.Duration {
	return parseDuration(c.Pipeline.FetchTimeout, 15*time.Second)
}

// GetShutdownTimeout returns the graceful HTTP shutdown timeout.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 10*time.Second)
}

// GetPageTimeout returns the headless browser page timeout.
func (c *Config) GetPageTimeout() time.Duration {
	return parseDuration(c.Browser.PageTimeout, 30*time.Second)
}

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{"gemini"}

// Validate checks settings that would otherwise fail deep inside a run.
// Credentials are checked separately by ValidateCredentials so offline
// commands (validate, history) work without a key.
func (c *Config) Validate() error {
	validProvider := false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}
	if c.Pipeline.ScrapeAttempts < 1 {
		return fmt.Errorf("pipeline.scrape_attempts must be >= 1")
	}
	if c.Pipeline.AnalysisAttempts < 1 {
		return fmt.Errorf("pipeline.analysis_attempts must be >= 1")
	}
	if c.Pipeline.MinRows < 1 {
		return fmt.Errorf("pipeline.min_rows must be >= 1")
	}
	if c.Pipeline.YearMin > c.Pipeline.YearMax {
		return fmt.Errorf("pipeline.year_min (%d) exceeds year_max (%d)", c.Pipeline.YearMin, c.Pipeline.YearMax)
	}
	if c.Execution.Interpreter == "" {
		return fmt.Errorf("execution.interpreter must be set")
	}
	if c.Archive.Enabled && (c.Archive.Endpoint == "" || c.Archive.Bucket == "") {
		return fmt.Errorf("archive enabled but endpoint or bucket missing")
	}
	return nil
}

// ValidateCredentials reports ErrNoAPIKey when the model cannot be called.
func (c *Config) ValidateCredentials() error {
	if c.LLM.APIKey == "" {
		return ErrNoAPIKey
	}
	return nil
}
