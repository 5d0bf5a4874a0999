package config

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, applies the TOOLGATE_*
// environment overrides, and returns a validated [*Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides,
// fills defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no config file exists:
// listen on :8087, tools in ./tools.d, auto-reload on.
func Default() *Config {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg
}

// applyEnvOverrides maps the kernel's environment variables onto cfg. Every
// knob named in the external interface contract is honoured here.
func applyEnvOverrides(cfg *Config) {
	host := os.Getenv("TOOLGATE_HOST")
	port := os.Getenv("TOOLGATE_PORT")
	if host != "" || port != "" {
		curHost, curPort := splitListenAddr(cfg.Server.ListenAddr)
		if host == "" {
			host = curHost
		}
		if port == "" {
			port = curPort
		}
		cfg.Server.ListenAddr = net.JoinHostPort(host, port)
	}

	if v := os.Getenv("TOOLGATE_EXECUTE_TIMEOUT"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			cfg.Tools.ExecuteTimeoutSeconds = secs
		}
	}
	if v, ok := envBool("TOOLGATE_RELOAD_PER_REQUEST"); ok {
		cfg.Tools.ReloadPerRequest = v
	}
	if v, ok := envBool("TOOLGATE_AUTO_RELOAD"); ok {
		cfg.Tools.AutoReload = v
	}
	if v, ok := envBool("TOOLGATE_STRINGIFY_BIG_INTS"); ok {
		cfg.JSON.StringifyBigInts = &v
	}
	if v := os.Getenv("TOOLGATE_BIG_INT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.JSON.BigIntThreshold = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8087"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LoopbackBaseURL == "" {
		_, port := splitListenAddr(cfg.Server.ListenAddr)
		cfg.Server.LoopbackBaseURL = "http://127.0.0.1:" + port
	}
	if cfg.Tools.Dir == "" {
		cfg.Tools.Dir = "tools.d"
	}
	if cfg.EnvFile.Path == "" {
		cfg.EnvFile.Path = ".env"
	}
	if len(cfg.EnvFile.Keys) == 0 {
		cfg.EnvFile.Keys = append([]string(nil), defaultEnvKeys...)
	}
	if cfg.Agent.Provider == "" {
		cfg.Agent.Provider = "openai"
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = "gpt-4o-mini"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Tools.ExecuteTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("tools.execute_timeout_seconds must not be negative"))
	}
	if cfg.JSON.BigIntThreshold < 0 {
		errs = append(errs, fmt.Errorf("json.big_int_threshold must not be negative"))
	}
	if cfg.Sandbox.DefaultTimeoutSeconds < 0 || cfg.Sandbox.DefaultTimeoutSeconds > 300 {
		if cfg.Sandbox.DefaultTimeoutSeconds != 0 {
			errs = append(errs, fmt.Errorf("sandbox.default_timeout_seconds must be within [1, 300]"))
		}
	}
	if cfg.Agent.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func envBool(name string) (value, ok bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}

// splitListenAddr splits addr into host and port, tolerating the bare-port
// ":8087" form. Missing parts fall back to 127.0.0.1 and 8087.
func splitListenAddr(addr string) (host, port string) {
	host, port = "127.0.0.1", "8087"
	if addr == "" {
		return host, port
	}
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return host, port
	}
	if h != "" {
		host = h
	}
	if p != "" {
		port = p
	}
	return host, port
}
