// Package config loads and validates the portcullis server configuration.
//
// Configuration comes from a YAML file plus PORTCULLIS_-prefixed environment
// variables; env wins. The file path is resolved from --config, then
// PORTCULLIS_CONFIG, then <data_dir>/portcullis.yaml.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AgentDefinition is one named logical agent exposed by the server.
// Immutable at runtime.
type AgentDefinition struct {
	Name               string   `mapstructure:"name"`
	Description        string   `mapstructure:"description"`
	Enabled            bool     `mapstructure:"enabled"`
	Model              string   `mapstructure:"model"`
	SystemPromptSuffix string   `mapstructure:"system_prompt_suffix"`
	SettingsFile       string   `mapstructure:"settings_file"`
	PermissionMode     string   `mapstructure:"permission_mode"`
	AllowedTools       []string `mapstructure:"allowed_tools"`
	MaxCostUSD         float64  `mapstructure:"max_cost_usd"`
	RequiredScopes     []string `mapstructure:"required_scopes"`
	WorkDir            string   `mapstructure:"work_dir"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	RequestTimeoutSec int    `mapstructure:"request_timeout_sec"`
}

// Addr returns the listen address in host:port form
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig holds the shared secret and token signing settings
type AuthConfig struct {
	MasterKey       string `mapstructure:"master_key"`
	JWTSecret       string `mapstructure:"jwt_secret"`
	JWTAlgorithm    string `mapstructure:"jwt_algorithm"`
	AccessTTLMin    int    `mapstructure:"access_ttl_min"`
	RefreshEnabled  bool   `mapstructure:"refresh_enabled"`
	RefreshTTLHours int    `mapstructure:"refresh_ttl_hours"`
	TokenDebug      bool   `mapstructure:"token_debug"`
}

// Enabled reports whether any authentication mechanism is configured
func (a AuthConfig) Enabled() bool {
	return a.MasterKey != "" || a.JWTSecret != ""
}

// BudgetConfig holds the daily USD caps
type BudgetConfig struct {
	GlobalDailyUSD float64 `mapstructure:"global_daily_usd"`
	ClientDailyUSD float64 `mapstructure:"client_daily_usd"`
}

// RateLimitConfig holds the default per-client request rate
type RateLimitConfig struct {
	RPM   int `mapstructure:"rpm"`
	Burst int `mapstructure:"burst"`
}

// SessionConfig holds worker session pool limits
type SessionConfig struct {
	MaxConcurrent     int   `mapstructure:"max_concurrent"`
	MaxPerClient      int   `mapstructure:"max_per_client"`
	MaxIdleMin        int   `mapstructure:"max_idle_min"`
	MaxLifetimeMin    int   `mapstructure:"max_lifetime_min"`
	RequestTimeoutSec int   `mapstructure:"request_timeout_sec"`
	BufferLimitBytes  int64 `mapstructure:"buffer_limit_bytes"`
}

// WorkerConfig locates the worker CLI binary
type WorkerConfig struct {
	Binary string `mapstructure:"binary"`
}

// Config is the full parsed server configuration
type Config struct {
	DataDir   string            `mapstructure:"data_dir"`
	Server    ServerConfig      `mapstructure:"server"`
	Auth      AuthConfig        `mapstructure:"auth"`
	Budget    BudgetConfig      `mapstructure:"budget"`
	RateLimit RateLimitConfig   `mapstructure:"rate_limit"`
	Sessions  SessionConfig     `mapstructure:"sessions"`
	Worker    WorkerConfig      `mapstructure:"worker"`
	Agents    []AgentDefinition `mapstructure:"agents"`
}

// RequestTimeout returns the per-message worker timeout
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Sessions.RequestTimeoutSec) * time.Second
}

// WorkDir returns the default working directory for worker processes
func (c *Config) WorkDir() string {
	return filepath.Join(c.DataDir, "workdir")
}

// DatabasePath returns the path of the embedded database
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "portcullis.db")
}

// EnabledAgents returns the enabled agent definitions in config order
func (c *Config) EnabledAgents() []AgentDefinition {
	var out []AgentDefinition
	for _, a := range c.Agents {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// Agent looks up an agent definition by name
func (c *Config) Agent(name string) (AgentDefinition, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentDefinition{}, false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8035)
	v.SetDefault("server.request_timeout_sec", 600)
	v.SetDefault("auth.jwt_algorithm", "HS256")
	v.SetDefault("auth.access_ttl_min", 60)
	v.SetDefault("auth.refresh_enabled", false)
	v.SetDefault("auth.refresh_ttl_hours", 720)
	v.SetDefault("budget.global_daily_usd", 100.0)
	v.SetDefault("budget.client_daily_usd", 10.0)
	v.SetDefault("rate_limit.rpm", 60)
	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("sessions.max_concurrent", 10)
	v.SetDefault("sessions.max_per_client", 5)
	v.SetDefault("sessions.max_idle_min", 60)
	v.SetDefault("sessions.max_lifetime_min", 720)
	v.SetDefault("sessions.request_timeout_sec", 300)
	v.SetDefault("sessions.buffer_limit_bytes", 10*1024*1024)
	v.SetDefault("worker.binary", "claude")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".portcullis"
	}
	return filepath.Join(home, ".portcullis")
}

// Load reads the configuration file (optional) and applies env overrides.
// An empty path falls back to PORTCULLIS_CONFIG, then <data_dir>/portcullis.yaml.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PORTCULLIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Flat env aliases from the documented surface
	_ = v.BindEnv("auth.master_key", "PORTCULLIS_MASTER_KEY")
	_ = v.BindEnv("auth.jwt_secret", "PORTCULLIS_JWT_SECRET")
	_ = v.BindEnv("server.port", "PORTCULLIS_PORT")
	_ = v.BindEnv("data_dir", "PORTCULLIS_DATA_DIR")

	if path == "" {
		path = os.Getenv("PORTCULLIS_CONFIG")
	}
	if path == "" {
		candidate := filepath.Join(v.GetString("data_dir"), "portcullis.yaml")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Validate checks invariants that must hold before the server starts.
// A server without any authentication must not bind beyond loopback.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("no agents configured")
	}
	if len(c.EnabledAgents()) == 0 {
		return fmt.Errorf("no enabled agents configured")
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent with empty name")
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate agent name %q", a.Name)
		}
		seen[a.Name] = true
	}
	if !c.Auth.Enabled() && !isLoopback(c.Server.Host) {
		return fmt.Errorf("refusing to bind %s without authentication: set PORTCULLIS_MASTER_KEY or PORTCULLIS_JWT_SECRET, or bind to loopback", c.Server.Addr())
	}
	if c.Auth.JWTSecret != "" {
		switch c.Auth.JWTAlgorithm {
		case "HS256", "HS384", "HS512":
		default:
			return fmt.Errorf("unsupported jwt_algorithm %q (allowed: HS256, HS384, HS512)", c.Auth.JWTAlgorithm)
		}
	}
	if c.Sessions.MaxConcurrent <= 0 {
		return fmt.Errorf("sessions.max_concurrent must be positive")
	}
	if c.Sessions.BufferLimitBytes <= 0 {
		return fmt.Errorf("sessions.buffer_limit_bytes must be positive")
	}
	return nil
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	// Empty host binds every interface
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
