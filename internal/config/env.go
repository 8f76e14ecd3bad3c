package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnv overlays the environment onto cfg. Environment variables win over
// file values when set; boolean toggles accept yes/no, true/false, on/off, 1/0.
func applyEnv(cfg *Config) {
	setStr(&cfg.Server.Addr, "LISTEN_ADDR")

	setStr(&cfg.Database.URL, "DATABASE_URL")
	setStr(&cfg.Database.Path, "SQLITE_PATH")

	setStr(&cfg.Model.Provider, "MODEL_PROVIDER")
	setStr(&cfg.Model.APIKey, "ANTHROPIC_API_KEY")
	setStr(&cfg.Model.Model, "ANTHROPIC_MODEL")
	setInt(&cfg.Model.MaxTokens, "ANTHROPIC_MAX_TOKENS")
	setToggle(&cfg.Model.ThinkingEnabled, "ANTHROPIC_THINKING_ENABLED")
	setInt(&cfg.Model.ThinkingBudget, "THINKING_BUDGET_TOKENS")
	setCSV(&cfg.Model.Betas, "ANTHROPIC_BETAS")
	setStr(&cfg.Model.AWSRegion, "AWS_REGION")

	setInt(&cfg.Agent.MaxIterations, "AGENT_MAX_ITERATIONS")
	setInt(&cfg.Agent.LoopDelayMS, "SAMPLING_LOOP_DELAY_MS")
	setIntPtr(&cfg.Agent.MaxInlineScreenshots, "MAX_BASE64_SCREENSHOTS")
	setIntPtr(&cfg.Agent.KeepThinkingBlocks, "KEEP_RECENT_THINKING_BLOCKS")
	cfg.Agent.FullPayload = envBool("FULL_ANTHROPIC_PAYLOAD", cfg.Agent.FullPayload)
	setToggle(&cfg.Agent.PromptCaching, "ENABLE_PROMPT_CACHING")
	setInt(&cfg.Agent.TypingDelayMS, "TYPING_DELAY_MS")
	setStr(&cfg.Agent.SystemPromptPath, "SYSTEM_PROMPT_PATH")

	setToggle(&cfg.Context.Enabled, "ENABLE_CONTEXT_MANAGEMENT")
	setInt(&cfg.Context.TriggerTokens, "CONTEXT_TRIGGER_TOKENS")
	setInt(&cfg.Context.KeepToolUses, "CONTEXT_KEEP_TOOL_USES")
	setInt(&cfg.Context.ClearMinTokens, "CONTEXT_CLEAR_MIN_TOKENS")
	setCSV(&cfg.Context.ExcludeTools, "CONTEXT_EXCLUDE_TOOLS")

	setStr(&cfg.Browser.APIKey, "ONKERNEL_API_KEY")
	setStr(&cfg.Browser.BaseURL, "ONKERNEL_BASE_URL")
	setInt(&cfg.Browser.TimeoutSeconds, "ONKERNEL_TIMEOUT_SECONDS")
	cfg.Browser.Persistence = envBool("BROWSER_PERSISTENCE", cfg.Browser.Persistence)
	cfg.Browser.UseProfiles = envBool("ONKERNEL_USE_PROFILES", cfg.Browser.UseProfiles)
	cfg.Browser.Stealth = envBool("BROWSER_STEALTH", cfg.Browser.Stealth)
	setStr(&cfg.Browser.DownloadDir, "BROWSER_DOWNLOAD_DIR")

	setStr(&cfg.Artifacts.Backend, "ARTIFACTS_BACKEND")
	setStr(&cfg.Artifacts.Bucket, "S3_BUCKET")
	setStr(&cfg.Artifacts.Region, "S3_REGION")
	setStr(&cfg.Artifacts.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.Artifacts.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.Artifacts.SecretKey, "S3_SECRET_KEY")
	cfg.Artifacts.UsePathStyle = envBool("S3_USE_PATH_STYLE", cfg.Artifacts.UsePathStyle)
	setStr(&cfg.Artifacts.LocalDir, "ARTIFACTS_DIR")

	setStr(&cfg.Memory.Dir, "MEMORY_DIR")

	setStr(&cfg.Auth.APIKeySecret, "API_KEY_SECRET")

	setStr(&cfg.Logging.Level, "LOG_LEVEL")
	setStr(&cfg.Logging.Format, "LOG_FORMAT")

	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Endpoint = ep
	}
}

func setStr(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setCSV(dst *[]string, name string) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

// setIntPtr overrides a tri-state integer when the variable is present.
// Zero is a valid override, which is why the destination is a pointer.
func setIntPtr(dst **int, name string) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = &n
		}
	}
}

// setToggle overrides a tri-state toggle when the variable is present.
// A destination left nil means the file did not set it either, and the
// reader falls back to its built-in default.
func setToggle(dst **bool, name string) {
	if v, ok := os.LookupEnv(name); ok {
		b := parseBool(v)
		*dst = &b
	}
}

func envBool(name string, fileVal bool) bool {
	if v, ok := os.LookupEnv(name); ok {
		return parseBool(v)
	}
	return fileVal
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "true", "1", "on", "enabled":
		return true
	default:
		return false
	}
}
