package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadFromReaderDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8087" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LoopbackBaseURL != "http://127.0.0.1:8087" {
		t.Errorf("loopback_base_url = %q", cfg.Server.LoopbackBaseURL)
	}
	if cfg.Tools.Dir != "tools.d" {
		t.Errorf("tools.dir = %q", cfg.Tools.Dir)
	}
	if cfg.Tools.ExecuteTimeout() != 30*time.Second {
		t.Errorf("execute timeout = %v", cfg.Tools.ExecuteTimeout())
	}
	if cfg.Agent.Timeout() != 300*time.Second {
		t.Errorf("agent timeout = %v", cfg.Agent.Timeout())
	}
	if cfg.Agent.Provider != "openai" {
		t.Errorf("agent.provider = %q", cfg.Agent.Provider)
	}
	if len(cfg.EnvFile.Keys) == 0 {
		t.Errorf("env_file.keys empty")
	}
}

func TestLoadFromReaderFullConfig(t *testing.T) {
	t.Parallel()

	const doc = `
server:
  listen_addr: ":9090"
  log_level: debug
tools:
  dir: /srv/tools
  auto_reload: true
  execute_timeout_seconds: 2.5
json:
  stringify_big_ints: false
  big_int_threshold: 50
agent:
  provider: anthropic
  model: claude-sonnet-4-20250514
  max_iterations: 4
sandbox:
  max_tool_calls: 10
env_file:
  path: /etc/toolgate/.env
  keys: [MY_KEY]
database_dsn: postgres://localhost/toolgate
`
	cfg, err := LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.LoopbackBaseURL != "http://127.0.0.1:9090" {
		t.Errorf("loopback = %q", cfg.Server.LoopbackBaseURL)
	}
	if cfg.Tools.ExecuteTimeout() != 2500*time.Millisecond {
		t.Errorf("execute timeout = %v", cfg.Tools.ExecuteTimeout())
	}
	if cfg.JSON.StringifyBigInts == nil || *cfg.JSON.StringifyBigInts {
		t.Errorf("stringify_big_ints not carried through")
	}
	if cfg.Agent.Provider != "anthropic" || cfg.Agent.MaxIterations != 4 {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if len(cfg.EnvFile.Keys) != 1 || cfg.EnvFile.Keys[0] != "MY_KEY" {
		t.Errorf("env_file.keys = %v", cfg.EnvFile.Keys)
	}
	if cfg.DatabaseDSN == "" {
		t.Errorf("database_dsn dropped")
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	if _, err := LoadFromReader(strings.NewReader("serverr:\n  port: 1\n")); err == nil {
		t.Fatalf("unknown top-level key accepted")
	}
}

func TestLoadFromReaderValidation(t *testing.T) {
	t.Parallel()

	cases := []string{
		"server:\n  log_level: loud\n",
		"tools:\n  execute_timeout_seconds: -1\n",
		"json:\n  big_int_threshold: -5\n",
		"agent:\n  max_iterations: -1\n",
		"sandbox:\n  default_timeout_seconds: 1000\n",
	}
	for _, doc := range cases {
		if _, err := LoadFromReader(strings.NewReader(doc)); err == nil {
			t.Errorf("config %q accepted", doc)
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TOOLGATE_HOST", "0.0.0.0")
	t.Setenv("TOOLGATE_PORT", "9999")
	t.Setenv("TOOLGATE_EXECUTE_TIMEOUT", "12")
	t.Setenv("TOOLGATE_RELOAD_PER_REQUEST", "yes")
	t.Setenv("TOOLGATE_AUTO_RELOAD", "off")
	t.Setenv("TOOLGATE_STRINGIFY_BIG_INTS", "false")
	t.Setenv("TOOLGATE_BIG_INT_THRESHOLD", "123")

	cfg, err := LoadFromReader(strings.NewReader("tools:\n  auto_reload: true\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != "0.0.0.0:9999" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Tools.ExecuteTimeoutSeconds != 12 {
		t.Errorf("execute_timeout_seconds = %v", cfg.Tools.ExecuteTimeoutSeconds)
	}
	if !cfg.Tools.ReloadPerRequest {
		t.Errorf("reload_per_request not overridden")
	}
	if cfg.Tools.AutoReload {
		t.Errorf("auto_reload not overridden off")
	}
	if cfg.JSON.StringifyBigInts == nil || *cfg.JSON.StringifyBigInts {
		t.Errorf("stringify_big_ints not overridden")
	}
	if cfg.JSON.BigIntThreshold != 123 {
		t.Errorf("big_int_threshold = %d", cfg.JSON.BigIntThreshold)
	}
}
