// Package config loads service configuration from an optional YAML file
// overlaid by environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/agents"
)

// Harness modes. Subprocess is the default; inprocess runs programs inside
// the calling process and is only meant for tests and trusted tooling.
const (
	HarnessInProcess  = "inprocess"
	HarnessSubprocess = "subprocess"
)

// HarnessBinary is looked up next to the running executable when no harness
// path is configured.
const HarnessBinary = "cad-harness"

// Session backends.
const (
	SessionMemory = "memory"
	SessionFile   = "file"
	SessionRedis  = "redis"
)

// Config is the full service configuration.
type Config struct {
	Port        string        `yaml:"port"`
	DatabaseURL string        `yaml:"database_url"`
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
	LogLevel    string        `yaml:"log_level"`
	ArtifactDir string        `yaml:"artifact_dir"`

	LLM      LLMConfig                         `yaml:"llm"`
	Harness  HarnessConfig                     `yaml:"harness"`
	Sessions SessionConfig                     `yaml:"sessions"`
	Roles    map[agents.Role]agents.RoleConfig `yaml:"roles"`

	// Warnings names required variables that were left unset.
	Warnings []string `yaml:"-"`
}

// LLMConfig configures the chat completions client.
type LLMConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// HarnessConfig configures how full programs are executed.
type HarnessConfig struct {
	Mode        string        `yaml:"mode"`
	Path        string        `yaml:"path"`
	Timeout     time.Duration `yaml:"timeout"`
	MemoryLimit string        `yaml:"memory_limit"`
}

// SessionConfig configures the session store.
type SessionConfig struct {
	Backend       string        `yaml:"backend"`
	Dir           string        `yaml:"dir"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
	ClampSliders  bool          `yaml:"clamp_sliders"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:        "8080",
		TokenTTL:    24 * time.Hour,
		LogLevel:    "info",
		ArtifactDir: "Files_Generated_By_Agents",
		LLM: LLMConfig{
			BaseURL: "https://api.openai.com/v1",
			Timeout: 120 * time.Second,
		},
		Harness: HarnessConfig{
			Mode:        HarnessSubprocess,
			Timeout:     30 * time.Second,
			MemoryLimit: "512MiB",
		},
		Sessions: SessionConfig{
			Backend: SessionMemory,
			Dir:     ".cad-sessions",
			TTL:     24 * time.Hour,
		},
		Roles: agents.DefaultRoleConfigs(),
	}
}

// Load reads path (when non-empty), then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		fileCfg := Default()
		fileCfg.Roles = nil
		if err := yaml.Unmarshal(data, fileCfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		fileCfg.Roles = mergeRoles(cfg.Roles, fileCfg.Roles)
		cfg = fileCfg
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.resolveHarnessPath()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeRoles lays overrides over defaults. Model, system message and max
// tokens fall back to the defaults when an override omits them.
func mergeRoles(defaults, overrides map[agents.Role]agents.RoleConfig) map[agents.Role]agents.RoleConfig {
	out := make(map[agents.Role]agents.RoleConfig, len(defaults))
	for role, rc := range defaults {
		out[role] = rc
	}
	for role, rc := range overrides {
		base := defaults[role]
		if rc.Model == "" {
			rc.Model = base.Model
		}
		if rc.SystemMessage == "" {
			rc.SystemMessage = base.SystemMessage
		}
		if rc.MaxTokens == 0 {
			rc.MaxTokens = base.MaxTokens
		}
		if len(rc.Examples) == 0 {
			rc.Examples = base.Examples
		}
		out[role] = rc
	}
	return out
}

func (c *Config) applyEnv() error {
	c.stringEnv("PORT", &c.Port, false)
	c.stringEnv("DATABASE_URL", &c.DatabaseURL, true)
	c.stringEnv("JWT_SECRET", &c.JWTSecret, true)
	c.stringEnv("OPENAI_API_KEY", &c.LLM.APIKey, true)
	c.stringEnv("LLM_BASE_URL", &c.LLM.BaseURL, false)
	c.stringEnv("LLM_MODEL", &c.LLM.Model, false)
	c.stringEnv("ARTIFACT_DIR", &c.ArtifactDir, false)
	c.stringEnv("HARNESS_MODE", &c.Harness.Mode, false)
	c.stringEnv("HARNESS_PATH", &c.Harness.Path, false)
	c.stringEnv("HARNESS_MEMORY_LIMIT", &c.Harness.MemoryLimit, false)
	c.stringEnv("SESSION_BACKEND", &c.Sessions.Backend, false)
	c.stringEnv("SESSION_DIR", &c.Sessions.Dir, false)
	c.stringEnv("REDIS_ADDR", &c.Sessions.RedisAddr, false)
	c.stringEnv("REDIS_PASSWORD", &c.Sessions.RedisPassword, false)
	c.stringEnv("LOG_LEVEL", &c.LogLevel, false)

	if err := durationEnv("HARNESS_TIMEOUT", &c.Harness.Timeout); err != nil {
		return err
	}
	if err := durationEnv("LLM_TIMEOUT", &c.LLM.Timeout); err != nil {
		return err
	}
	if err := durationEnv("SESSION_TTL", &c.Sessions.TTL); err != nil {
		return err
	}
	if v := os.Getenv("LLM_REQUESTS_PER_SECOND"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid LLM_REQUESTS_PER_SECOND %q: %w", v, err)
		}
		c.LLM.RequestsPerSecond = rps
	}
	if v := os.Getenv("CLAMP_SLIDERS"); v != "" {
		clamp, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CLAMP_SLIDERS %q: %w", v, err)
		}
		c.Sessions.ClampSliders = clamp
	}

	if c.LLM.Model != "" {
		for role, rc := range c.Roles {
			rc.Model = c.LLM.Model
			c.Roles[role] = rc
		}
	}
	return nil
}

// resolveHarnessPath points an unset subprocess harness path at the binary
// installed next to the running executable.
func (c *Config) resolveHarnessPath() {
	if c.Harness.Mode != HarnessSubprocess || c.Harness.Path != "" {
		return
	}
	exe, err := os.Executable()
	if err != nil {
		return
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	c.Harness.Path = filepath.Join(filepath.Dir(exe), HarnessBinary)
	if _, err := os.Stat(c.Harness.Path); err != nil {
		c.Warnings = append(c.Warnings, fmt.Sprintf("harness binary %s not found", c.Harness.Path))
	}
}

// stringEnv overrides *dst with the variable when set. When warn is true and
// neither the file nor the environment provided a value, a warning is kept.
func (c *Config) stringEnv(key string, dst *string, warn bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v
		return
	}
	if warn && *dst == "" {
		c.Warnings = append(c.Warnings, fmt.Sprintf("%s not set", key))
	}
}

func durationEnv(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = d
	return nil
}

// Validate checks enumerations and role configurations.
func (c *Config) Validate() error {
	switch c.Harness.Mode {
	case HarnessInProcess:
	case HarnessSubprocess:
		if c.Harness.Path == "" {
			return fmt.Errorf("harness mode %q requires a harness path", c.Harness.Mode)
		}
	default:
		return fmt.Errorf("unknown harness mode %q", c.Harness.Mode)
	}

	switch c.Sessions.Backend {
	case SessionMemory, SessionFile:
	case SessionRedis:
		if c.Sessions.RedisAddr == "" {
			return fmt.Errorf("session backend %q requires a redis address", c.Sessions.Backend)
		}
	default:
		return fmt.Errorf("unknown session backend %q", c.Sessions.Backend)
	}

	if c.Harness.Timeout <= 0 {
		return fmt.Errorf("harness timeout must be positive, got %s", c.Harness.Timeout)
	}
	if c.Harness.MemoryLimit != "" {
		if n, err := humanize.ParseBytes(c.Harness.MemoryLimit); err != nil || n == 0 {
			return fmt.Errorf("invalid harness memory limit %q", c.Harness.MemoryLimit)
		}
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}

	for role, rc := range c.Roles {
		if err := rc.Validate(); err != nil {
			return fmt.Errorf("invalid configuration for role %s: %w", role, err)
		}
	}
	return nil
}

// NewLogger builds a production JSON logger at level. verbose forces debug.
func NewLogger(level string, verbose bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	if verbose {
		lvl = zapcore.DebugLevel
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
