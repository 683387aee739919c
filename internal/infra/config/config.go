package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Session   SessionConfig   `yaml:"session" toml:"session"`
	Logger    LoggerConfig    `yaml:"logger" toml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer" toml:"tracer"`
	Gateway   GatewayConfig   `yaml:"gateway" toml:"gateway"`
	Client    ClientConfig    `yaml:"client" toml:"client"`
	Journal   JournalConfig   `yaml:"journal" toml:"journal"`
	Breaker   BreakerConfig   `yaml:"breaker" toml:"breaker"`
	Keepalive KeepaliveConfig `yaml:"keepalive" toml:"keepalive"`
	Schemas   []SchemaConfig  `yaml:"schemas,omitempty" toml:"schemas,omitempty"`
	Includes  []string        `yaml:"includes,omitempty" toml:"includes,omitempty"`
}

// SessionConfig holds per-session defaults.
type SessionConfig struct {
	ReadTimeout time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	PassUnknown bool          `yaml:"pass_unknown" toml:"pass_unknown"` // forward unrouted requests to the application
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	Output string `yaml:"output" toml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled" toml:"enabled"`
	Exporter string `yaml:"exporter" toml:"exporter"`
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Addr           string          `yaml:"addr" toml:"addr"`
	Path           string          `yaml:"path" toml:"path"`
	OriginPatterns []string        `yaml:"origin_patterns,omitempty" toml:"origin_patterns,omitempty"`
	Auth           AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type" toml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty" toml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string   `yaml:"token" toml:"token"`
	Name  string   `yaml:"name" toml:"name"`
	Roles []string `yaml:"roles" toml:"roles"`
}

// RateLimitConfig bounds connection attempts per client IP.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" toml:"enabled"`
	Rate    float64 `yaml:"rate" toml:"rate"` // tokens per second
	Burst   int     `yaml:"burst" toml:"burst"`
}

// ClientConfig holds settings for the outbound "call" command.
type ClientConfig struct {
	URL     string        `yaml:"url" toml:"url"`
	Token   string        `yaml:"token" toml:"token"`
	Timeout time.Duration `yaml:"timeout" toml:"timeout"`
}

// JournalConfig controls the SQLite wire journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// BreakerConfig controls the outbound circuit breaker.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled" toml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures" toml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout" toml:"open_timeout"`
	HalfOpenMax uint32        `yaml:"half_open_max" toml:"half_open_max"`
}

// KeepaliveConfig schedules periodic pings to the peer.
type KeepaliveConfig struct {
	Enabled  bool          `yaml:"enabled" toml:"enabled"`
	Schedule string        `yaml:"schedule" toml:"schedule"` // cron spec, e.g. "@every 30s"
	Timeout  time.Duration `yaml:"timeout" toml:"timeout"`
}

// SchemaConfig binds a JSON Schema file to the params of one method.
type SchemaConfig struct {
	Method string `yaml:"method" toml:"method"`
	Kind   string `yaml:"kind" toml:"kind"` // "request" or "notification"
	File   string `yaml:"file" toml:"file"`
}

// defaultDataDir returns the persistent data directory under $HOME/.rpcsession/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".rpcsession", "data")
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Session: SessionConfig{
			ReadTimeout: 30 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Gateway: GatewayConfig{
			Addr: ":8090",
			Path: "/rpc",
			RateLimit: RateLimitConfig{
				Rate:  10,
				Burst: 20,
			},
		},
		Client: ClientConfig{
			URL:     "ws://127.0.0.1:8090/rpc",
			Timeout: 10 * time.Second,
		},
		Journal: JournalConfig{
			Path: filepath.Join(defaultDataDir(), "journal.db"),
		},
		Breaker: BreakerConfig{
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
			HalfOpenMax: 1,
		},
		Keepalive: KeepaliveConfig{
			Schedule: "@every 30s",
			Timeout:  5 * time.Second,
		},
	}
}

// Load reads a YAML or TOML config file, applies env var overrides, and
// decrypts secrets. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := decode(absPath, data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: re-unmarshal main config so it takes precedence over includes.
		if err := decode(absPath, data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("RPCSESSION_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// decode picks the format from the file extension. Anything that is not
// .toml is treated as YAML.
func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		_, err := toml.NewDecoder(bytes.NewReader(data)).Decode(cfg)
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides maps RPCSESSION_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RPCSESSION_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Session.ReadTimeout = d
		}
	}
	if v := os.Getenv("RPCSESSION_PASS_UNKNOWN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Session.PassUnknown = b
		}
	}
	if v := os.Getenv("RPCSESSION_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("RPCSESSION_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("RPCSESSION_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("RPCSESSION_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("RPCSESSION_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("RPCSESSION_GATEWAY_TOKENS"); v != "" {
		// Format: "name:token,name:token"
		var tokens []TokenConfig
		for _, pair := range splitAndTrim(v, ",") {
			name, token, ok := strings.Cut(pair, ":")
			if !ok || token == "" {
				continue
			}
			tokens = append(tokens, TokenConfig{Name: name, Token: token})
		}
		if len(tokens) > 0 {
			cfg.Gateway.Auth.Type = "static"
			cfg.Gateway.Auth.Tokens = tokens
		}
	}
	if v := os.Getenv("RPCSESSION_CLIENT_URL"); v != "" {
		cfg.Client.URL = v
	}
	if v := os.Getenv("RPCSESSION_CLIENT_TOKEN"); v != "" {
		cfg.Client.Token = v
	}
	if v := os.Getenv("RPCSESSION_JOURNAL_PATH"); v != "" {
		cfg.Journal.Enabled = true
		cfg.Journal.Path = v
	}
	if v := os.Getenv("RPCSESSION_KEEPALIVE_SCHEDULE"); v != "" {
		cfg.Keepalive.Enabled = true
		cfg.Keepalive.Schedule = v
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
