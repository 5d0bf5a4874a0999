// Package config provides the configuration schema, loader, and environment
// file surface for the toolgate server.
package config

import "time"

// LogLevel controls log verbosity for the toolgate server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for toolgate.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader],
// after which the TOOLGATE_* environment overrides are applied.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Tools   ToolsConfig   `yaml:"tools"`
	JSON    JSONConfig    `yaml:"json"`
	Agent   AgentConfig   `yaml:"agent"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	EnvFile EnvFileConfig `yaml:"env_file"`

	// DatabaseDSN is the Postgres connection string used by the built-in
	// db_query tool. Empty disables the tool's backend.
	DatabaseDSN string `yaml:"database_dsn"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LoopbackBaseURL is the base URL the agent orchestrator and the script
	// sandbox use to invoke tools against this same process. Defaults to
	// http://127.0.0.1:<port> derived from ListenAddr.
	LoopbackBaseURL string `yaml:"loopback_base_url"`
}

// ToolsConfig controls discovery and dispatch of registered tools.
type ToolsConfig struct {
	// Dir is the tools directory scanned for manifests.
	Dir string `yaml:"dir"`

	// AutoReload enables the directory-snapshot reload check before listing
	// and dispatch.
	AutoReload bool `yaml:"auto_reload"`

	// ReloadPerRequest forces a rebuild before every request.
	ReloadPerRequest bool `yaml:"reload_per_request"`

	// ExecuteTimeoutSeconds is the per-invocation dispatch deadline.
	// Zero falls back to 30 seconds.
	ExecuteTimeoutSeconds float64 `yaml:"execute_timeout_seconds"`
}

// ExecuteTimeout returns the dispatch deadline as a duration.
func (t ToolsConfig) ExecuteTimeout() time.Duration {
	if t.ExecuteTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(t.ExecuteTimeoutSeconds * float64(time.Second))
}

// JSONConfig controls response sanitization.
type JSONConfig struct {
	// StringifyBigInts renders integers whose decimal form exceeds
	// BigIntThreshold digits as strings. Defaults to true.
	StringifyBigInts *bool `yaml:"stringify_big_ints"`

	// BigIntThreshold is the digit cap above which integers are stringified.
	// Zero falls back to 1000.
	BigIntThreshold int `yaml:"big_int_threshold"`
}

// AgentConfig configures the chat-completions backend for the agent
// orchestrator tool.
type AgentConfig struct {
	// Provider selects the LLM backend: "openai" for the native OpenAI
	// client, or any provider name supported by the anyllm backend
	// ("anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", ...).
	Provider string `yaml:"provider"`

	// Model is the default model identifier when the invocation omits one.
	Model string `yaml:"model"`

	// APIKey authenticates against the provider. Empty falls back to the
	// provider's conventional environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// MaxIterations caps the tool-calling loop. Zero falls back to 10.
	MaxIterations int `yaml:"max_iterations"`

	// TimeoutSeconds is the agent's global wall-clock budget.
	// Zero falls back to 300 seconds.
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
}

// Timeout returns the agent's global deadline as a duration.
func (a AgentConfig) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(a.TimeoutSeconds * float64(time.Second))
}

// SandboxConfig configures the script sandbox tool.
type SandboxConfig struct {
	// MaxToolCalls caps call_tool invocations per script. Zero falls back
	// to 50.
	MaxToolCalls int `yaml:"max_tool_calls"`

	// DefaultTimeoutSeconds is the wall-clock budget when the invocation
	// omits one. Zero falls back to 60; always clamped to [1, 300].
	DefaultTimeoutSeconds float64 `yaml:"default_timeout_seconds"`
}

// EnvFileConfig configures the masked config surface.
type EnvFileConfig struct {
	// Path is the environment file read and atomically rewritten by the
	// /config endpoints. Defaults to ".env".
	Path string `yaml:"path"`

	// Keys lists the configuration keys exposed through the surface. Values
	// are only ever exposed masked.
	Keys []string `yaml:"keys"`
}

// defaultEnvKeys is used when env_file.keys is not configured.
var defaultEnvKeys = []string{
	"OPENAI_API_KEY",
	"ANTHROPIC_API_KEY",
	"GEMINI_API_KEY",
	"GROQ_API_KEY",
	"DATABASE_URL",
}
