package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration, loaded once at startup.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Auth     AuthConfig     `mapstructure:"auth"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Session  SessionConfig  `mapstructure:"session"`
	ToolCall ToolCallConfig `mapstructure:"toolcall"`
	Web      WebConfig      `mapstructure:"web"`
	OAuth    OAuthConfig    `mapstructure:"oauth"`
	Circuit  CircuitConfig  `mapstructure:"circuit"`
	Health   HealthConfig   `mapstructure:"health"`
	Workers  WorkersConfig  `mapstructure:"workers"`
}

type ServerConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	DataDir string `mapstructure:"data_dir"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type AuthConfig struct {
	ClientKeys string `mapstructure:"client_keys"`
	AdminKeys  string `mapstructure:"admin_keys"`
}

type HTTPConfig struct {
	ProxyURL       string        `mapstructure:"proxy_url"`
	TimeoutOverall time.Duration `mapstructure:"timeout_overall"`
	TimeoutConnect time.Duration `mapstructure:"timeout_connect"`
	TimeoutRead    time.Duration `mapstructure:"timeout_read"`
	Impersonate    bool          `mapstructure:"impersonate"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

type SessionConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxPerAccount int           `mapstructure:"max_per_account"`
	PreserveChats bool          `mapstructure:"preserve_chats"`
}

type ToolCallConfig struct {
	Expiry        time.Duration `mapstructure:"expiry"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type WebConfig struct {
	HumanName           string `mapstructure:"human_name"`
	AssistantName       string `mapstructure:"assistant_name"`
	UseRealRoles        bool   `mapstructure:"use_real_roles"`
	PadTxtLength        int    `mapstructure:"padtxt_length"`
	AllowExternalImages bool   `mapstructure:"allow_external_images"`
}

type OAuthConfig struct {
	ClientID     string `mapstructure:"client_id"`
	AuthorizeURL string `mapstructure:"authorize_url"`
	TokenURL     string `mapstructure:"token_url"`
	RedirectURI  string `mapstructure:"redirect_uri"`
	Scopes       string `mapstructure:"scopes"`
}

type CircuitConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

type HealthConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
	RefreshBefore time.Duration `mapstructure:"refresh_before"`
}

type WorkersConfig struct {
	Size  int `mapstructure:"size"`
	Queue int `mapstructure:"queue"`
}

// Load reads config.yaml (if present), environment variables with the
// CLAUDEPOOL_ prefix, and defaults, in ascending precedence of defaults <
// file < env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8089)
	v.SetDefault("server.data_dir", "./data")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "claudepool.log")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)

	v.SetDefault("auth.client_keys", "")
	v.SetDefault("auth.admin_keys", "")

	v.SetDefault("http.proxy_url", "")
	v.SetDefault("http.timeout_overall", "600s")
	v.SetDefault("http.timeout_connect", "30s")
	v.SetDefault("http.timeout_read", "60s")
	v.SetDefault("http.impersonate", true)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_backoff", "1s")
	v.SetDefault("retry.max_backoff", "30s")

	v.SetDefault("session.idle_timeout", "300s")
	v.SetDefault("session.sweep_interval", "30s")
	v.SetDefault("session.max_per_account", 3)
	v.SetDefault("session.preserve_chats", false)

	v.SetDefault("toolcall.expiry", "300s")
	v.SetDefault("toolcall.sweep_interval", "60s")

	v.SetDefault("web.human_name", "Human")
	v.SetDefault("web.assistant_name", "Assistant")
	v.SetDefault("web.use_real_roles", true)
	v.SetDefault("web.padtxt_length", 0)
	v.SetDefault("web.allow_external_images", false)

	v.SetDefault("oauth.client_id", "9d1c250a-e61b-44d9-88ed-5944d1962f5e")
	v.SetDefault("oauth.authorize_url", "https://claude.ai/oauth/authorize")
	v.SetDefault("oauth.token_url", "https://console.anthropic.com/v1/oauth/token")
	v.SetDefault("oauth.redirect_uri", "https://console.anthropic.com/oauth/code/callback")
	v.SetDefault("oauth.scopes", "org:create_api_key user:profile user:inference")

	v.SetDefault("circuit.enabled", true)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.success_threshold", 2)
	v.SetDefault("circuit.open_timeout", "30s")

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.check_interval", "5m")
	v.SetDefault("health.refresh_before", "30m")

	v.SetDefault("workers.size", runtime.NumCPU())
	v.SetDefault("workers.queue", 256)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix("CLAUDEPOOL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.Session.MaxPerAccount < 1 {
		cfg.Session.MaxPerAccount = 1
	}
	if cfg.Workers.Size < 1 {
		cfg.Workers.Size = 1
	}

	return &cfg, nil
}

// AccountsFile returns the path of the persisted account list.
func (c *Config) AccountsFile() string {
	return filepath.Join(c.Server.DataDir, "accounts.json")
}

// LogFile returns the rotating log file path.
func (c *Config) LogFile() string {
	return filepath.Join(c.Server.DataDir, c.Log.File)
}

// ClientKeySet splits the configured client keys.
func (c *Config) ClientKeySet() []string { return splitKeys(c.Auth.ClientKeys) }

// AdminKeySet splits the configured admin keys.
func (c *Config) AdminKeySet() []string { return splitKeys(c.Auth.AdminKeys) }

func splitKeys(s string) []string {
	parts := strings.Split(s, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if k := strings.TrimSpace(p); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// SettingsValues is the runtime-mutable option subset exposed on the admin
// API. It is a plain value: snapshots are copied freely across goroutines.
type SettingsValues struct {
	PreserveChats bool   `json:"preserve_chats"`
	PadTxtLength  int    `json:"padtxt_length"`
	HumanName     string `json:"human_name"`
	AssistantName string `json:"assistant_name"`
	UseRealRoles  bool   `json:"use_real_roles"`
	MaxAttempts   int    `json:"max_attempts"`
}

// Settings guards the mutable values. The pipeline reads a snapshot per
// request; admin writes replace fields under the lock.
type Settings struct {
	mu sync.RWMutex
	v  SettingsValues
}

// NewSettings seeds the mutable settings from the static config.
func NewSettings(cfg *Config) *Settings {
	return NewSettingsFrom(SettingsValues{
		PreserveChats: cfg.Session.PreserveChats,
		PadTxtLength:  cfg.Web.PadTxtLength,
		HumanName:     cfg.Web.HumanName,
		AssistantName: cfg.Web.AssistantName,
		UseRealRoles:  cfg.Web.UseRealRoles,
		MaxAttempts:   cfg.Retry.MaxAttempts,
	})
}

// NewSettingsFrom wraps an explicit value set.
func NewSettingsFrom(v SettingsValues) *Settings {
	return &Settings{v: v}
}

// Snapshot returns a copy safe to read without holding the lock.
func (s *Settings) Snapshot() SettingsValues {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v
}

// Update applies a partial settings change.
func (s *Settings) Update(fn func(*SettingsValues)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.v)
}
