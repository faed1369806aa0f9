// ABOUTME: Configuration loading and parsing for coven-chat
// ABOUTME: Reads YAML or TOML with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Provider kinds.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderScripted  = "scripted"
)

// Database drivers.
const (
	DriverModernc = "sqlite"
	DriverCGO     = "sqlite3"
)

const (
	defaultURLTTL         = time.Hour
	defaultIdempotencyTTL = 10 * time.Minute
	defaultMaxUploadBytes = 20 << 20
)

// Config represents the complete coven-chat configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale" toml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Media        MediaConfig        `yaml:"media" toml:"media"`
	Provider     ProviderConfig     `yaml:"provider" toml:"provider"`
	Conversation ConversationConfig `yaml:"conversation" toml:"conversation"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve TLS on :443 with tailnet certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration. With no JWTSecret the API
// is open and audit fields use DefaultUser.
type AuthConfig struct {
	JWTSecret   string `yaml:"jwt_secret" toml:"jwt_secret"`
	DefaultUser string `yaml:"default_user" toml:"default_user"`
}

// MediaConfig holds upload storage configuration
type MediaConfig struct {
	Dir            string `yaml:"dir" toml:"dir"`
	BaseURL        string `yaml:"base_url" toml:"base_url"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes" toml:"max_upload_bytes"`
	// SigningSecret signs media URLs; falls back to auth.jwt_secret.
	SigningSecret string `yaml:"signing_secret" toml:"signing_secret"`

	URLTTL    time.Duration `yaml:"-" toml:"-"`
	URLTTLRaw string        `yaml:"url_ttl" toml:"url_ttl"`
}

// ProviderConfig selects and configures the completion provider
type ProviderConfig struct {
	Kind      string `yaml:"kind" toml:"kind"`
	Model     string `yaml:"model" toml:"model"`
	APIKey    string `yaml:"api_key" toml:"api_key"`
	BaseURL   string `yaml:"base_url" toml:"base_url"`
	MaxTokens int64  `yaml:"max_tokens" toml:"max_tokens"`
	// Label is persisted as the message provider name.
	Label string `yaml:"label" toml:"label"`
}

// ConversationConfig tunes turn handling
type ConversationConfig struct {
	SerializeSessions bool   `yaml:"serialize_sessions" toml:"serialize_sessions"`
	UploadConcurrency int    `yaml:"upload_concurrency" toml:"upload_concurrency"`
	SystemPrompt      string `yaml:"system_prompt" toml:"system_prompt"`

	IdempotencyTTL    time.Duration `yaml:"-" toml:"-"`
	IdempotencyTTLRaw string        `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file. Files ending in .toml are decoded as TOML,
// everything else as YAML. ${VAR_NAME} references are expanded first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the environment value, or empty if unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverModernc
	}
	if c.Auth.DefaultUser == "" {
		c.Auth.DefaultUser = "system"
	}
	if c.Media.Dir == "" && c.Database.Path != "" {
		c.Media.Dir = filepath.Join(filepath.Dir(c.Database.Path), "media")
	}
	if c.Media.BaseURL == "" {
		c.Media.BaseURL = c.defaultBaseURL()
	}
	if c.Media.MaxUploadBytes == 0 {
		c.Media.MaxUploadBytes = defaultMaxUploadBytes
	}
	if c.Media.URLTTL == 0 {
		c.Media.URLTTL = defaultURLTTL
	}
	if c.Media.SigningSecret == "" {
		c.Media.SigningSecret = c.Auth.JWTSecret
	}
	if c.Provider.Kind == "" {
		c.Provider.Kind = ProviderScripted
	}
	if c.Conversation.IdempotencyTTL == 0 {
		c.Conversation.IdempotencyTTL = defaultIdempotencyTTL
	}
	if c.Conversation.UploadConcurrency == 0 {
		c.Conversation.UploadConcurrency = 4
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// defaultBaseURL derives the externally reachable address used in media links.
func (c *Config) defaultBaseURL() string {
	if c.Tailscale.Enabled && c.Tailscale.Hostname != "" {
		if c.Tailscale.Funnel || c.Tailscale.HTTPS {
			return "https://" + c.Tailscale.Hostname
		}
		return "http://" + c.Tailscale.Hostname
	}
	addr := c.Server.HTTPAddr
	if addr == "" {
		return ""
	}
	if strings.HasPrefix(addr, ":") || strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "localhost:" + addr[strings.LastIndex(addr, ":")+1:]
	}
	return "http://" + addr
}

// Validate checks that required fields are present and valid.
// Returns the first failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Database.Driver {
	case DriverModernc, DriverCGO:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverModernc, DriverCGO, c.Database.Driver)
	}

	switch c.Provider.Kind {
	case ProviderOpenAI, ProviderAnthropic, ProviderScripted:
	default:
		return fmt.Errorf("provider.kind must be one of openai, anthropic, scripted, got %q", c.Provider.Kind)
	}
	if c.Provider.MaxTokens < 0 {
		return fmt.Errorf("provider.max_tokens must not be negative")
	}

	if c.Media.MaxUploadBytes < 0 {
		return fmt.Errorf("media.max_upload_bytes must not be negative")
	}
	if c.Media.BaseURL != "" {
		u, err := url.Parse(c.Media.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("media.base_url %q is not an absolute URL", c.Media.BaseURL)
		}
	}
	if c.Conversation.UploadConcurrency < 0 {
		return fmt.Errorf("conversation.upload_concurrency must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Media.URLTTLRaw != "" {
		cfg.Media.URLTTL, err = time.ParseDuration(cfg.Media.URLTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing url_ttl %q: %w", cfg.Media.URLTTLRaw, err)
		}
	}

	if cfg.Conversation.IdempotencyTTLRaw != "" {
		cfg.Conversation.IdempotencyTTL, err = time.ParseDuration(cfg.Conversation.IdempotencyTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing idempotency_ttl %q: %w", cfg.Conversation.IdempotencyTTLRaw, err)
		}
	}

	return nil
}
