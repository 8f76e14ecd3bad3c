package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for pilot.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Model     ModelConfig     `yaml:"model"`
	Agent     AgentConfig     `yaml:"agent"`
	Context   ContextConfig   `yaml:"context"`
	Browser   BrowserConfig   `yaml:"browser"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Memory    MemoryConfig    `yaml:"memory"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite". Empty derives it from URL/Path.
	Driver          string        `yaml:"driver"`
	URL             string        `yaml:"url"`
	Path            string        `yaml:"path"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type ModelConfig struct {
	// Provider is "anthropic" or "bedrock".
	Provider  string `yaml:"provider"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
	// ThinkingEnabled is on unless explicitly disabled; nil means unset.
	ThinkingEnabled *bool    `yaml:"thinking_enabled"`
	ThinkingBudget  int      `yaml:"thinking_budget_tokens"`
	Betas           []string `yaml:"betas"`
	AWSRegion       string   `yaml:"aws_region"`
}

type AgentConfig struct {
	MaxIterations int `yaml:"max_iterations"`
	LoopDelayMS   int `yaml:"loop_delay_ms"`
	// MaxInlineScreenshots and KeepThinkingBlocks are tri-state: zero is a
	// meaningful setting (demote everything, keep nothing), so nil means
	// unset and the defaults resolve at read time.
	MaxInlineScreenshots *int   `yaml:"max_inline_screenshots"`
	KeepThinkingBlocks   *int   `yaml:"keep_thinking_blocks"`
	FullPayload          bool   `yaml:"full_payload"`
	PromptCaching        *bool  `yaml:"prompt_caching"`
	TypingDelayMS        int    `yaml:"typing_delay_ms"`
	SystemPromptPath     string `yaml:"system_prompt_path"`
}

type ContextConfig struct {
	Enabled        *bool    `yaml:"enabled"`
	TriggerTokens  int      `yaml:"trigger_tokens"`
	KeepToolUses   int      `yaml:"keep_tool_uses"`
	ClearMinTokens int      `yaml:"clear_min_tokens"`
	ExcludeTools   []string `yaml:"exclude_tools"`
}

type BrowserConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Persistence    bool   `yaml:"persistence"`
	UseProfiles    bool   `yaml:"use_profiles"`
	Stealth        bool   `yaml:"stealth"`
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
	DownloadDir    string `yaml:"download_dir"`
}

type ArtifactsConfig struct {
	// Backend is "s3" or "local".
	Backend      string        `yaml:"backend"`
	Bucket       string        `yaml:"bucket"`
	Region       string        `yaml:"region"`
	Endpoint     string        `yaml:"endpoint"`
	AccessKey    string        `yaml:"access_key"`
	SecretKey    string        `yaml:"secret_key"`
	UsePathStyle bool          `yaml:"use_path_style"`
	LocalDir     string        `yaml:"local_dir"`
	SignedURLTTL time.Duration `yaml:"signed_url_ttl"`
}

type MemoryConfig struct {
	Dir string `yaml:"dir"`
}

type AuthConfig struct {
	// APIKeySecret is the shared secret required as a bearer token on the
	// batch execution endpoint.
	APIKeySecret string `yaml:"api_key_secret"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads the optional configuration file, overlays environment
// variables, and applies defaults. An empty path skips the file step.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the configuration produced by the environment alone.
func Default() *Config {
	cfg, _ := Load("")
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Database.Driver == "" {
		if cfg.Database.URL != "" {
			cfg.Database.Driver = "postgres"
		} else {
			cfg.Database.Driver = "sqlite"
		}
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" {
		cfg.Database.Path = "pilot.db"
	}
	if cfg.Model.Provider == "" {
		cfg.Model.Provider = "anthropic"
	}
	if cfg.Model.Model == "" {
		cfg.Model.Model = "claude-sonnet-4-5"
	}
	if cfg.Model.MaxTokens == 0 {
		cfg.Model.MaxTokens = 4096
	}
	if cfg.Model.ThinkingBudget == 0 {
		cfg.Model.ThinkingBudget = 1024
	}
	if cfg.Model.AWSRegion == "" {
		cfg.Model.AWSRegion = "us-east-1"
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 35
	}
	if cfg.Agent.LoopDelayMS == 0 {
		cfg.Agent.LoopDelayMS = 100
	}
	if cfg.Agent.TypingDelayMS == 0 {
		cfg.Agent.TypingDelayMS = 5
	}
	if cfg.Context.KeepToolUses == 0 {
		cfg.Context.KeepToolUses = 5
	}
	if cfg.Context.ClearMinTokens == 0 {
		cfg.Context.ClearMinTokens = 20000
	}
	if cfg.Context.ExcludeTools == nil {
		cfg.Context.ExcludeTools = []string{"report_task_status", "memory"}
	}
	if cfg.Browser.TimeoutSeconds == 0 {
		cfg.Browser.TimeoutSeconds = 60
	}
	if cfg.Browser.ViewportWidth == 0 {
		cfg.Browser.ViewportWidth = 1280
	}
	if cfg.Browser.ViewportHeight == 0 {
		cfg.Browser.ViewportHeight = 800
	}
	if cfg.Browser.DownloadDir == "" {
		cfg.Browser.DownloadDir = "/tmp/downloads"
	}
	if cfg.Artifacts.Backend == "" {
		if cfg.Artifacts.Bucket != "" {
			cfg.Artifacts.Backend = "s3"
		} else {
			cfg.Artifacts.Backend = "local"
		}
	}
	if cfg.Artifacts.LocalDir == "" {
		cfg.Artifacts.LocalDir = "artifacts"
	}
	if cfg.Artifacts.SignedURLTTL == 0 {
		cfg.Artifacts.SignedURLTTL = 365 * 24 * time.Hour
	}
	if cfg.Memory.Dir == "" {
		cfg.Memory.Dir = "memories"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "pilot"
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1.0
	}
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case "anthropic":
		if c.Model.APIKey == "" {
			return fmt.Errorf("model: api_key (ANTHROPIC_API_KEY) is required")
		}
	case "bedrock":
	default:
		return fmt.Errorf("model: unknown provider %q", c.Model.Provider)
	}
	if c.Database.Driver == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("database: url is required for the postgres driver")
	}
	if c.Artifacts.Backend == "s3" && c.Artifacts.Bucket == "" {
		return fmt.Errorf("artifacts: bucket is required for the s3 backend")
	}
	return nil
}
