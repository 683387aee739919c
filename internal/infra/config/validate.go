package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateSession(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateGateway(cfg, ve)
	validateClient(cfg, ve)
	validateJournal(cfg, ve)
	validateBreaker(cfg, ve)
	validateKeepalive(cfg, ve)
	validateSchemas(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateSession(cfg *Config, ve *ValidationError) {
	if cfg.Session.ReadTimeout <= 0 {
		ve.Add("session.read_timeout must be positive, got %s", cfg.Session.ReadTimeout)
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q must be text or json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is not supported", cfg.Tracer.Exporter)
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required")
	} else if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	if cfg.Gateway.Path != "" && !strings.HasPrefix(cfg.Gateway.Path, "/") {
		ve.Add("gateway.path %q must start with /", cfg.Gateway.Path)
	}

	switch cfg.Gateway.Auth.Type {
	case "":
	case "static":
		if len(cfg.Gateway.Auth.Tokens) == 0 {
			ve.Add("gateway.auth.tokens is required when auth type is static")
		}
		seen := make(map[string]bool)
		for i, tok := range cfg.Gateway.Auth.Tokens {
			if tok.Token == "" {
				ve.Add("gateway.auth.tokens[%d].token is required", i)
			}
			if tok.Name != "" && seen[tok.Name] {
				ve.Add("gateway.auth.tokens[%d].name %q is duplicated", i, tok.Name)
			}
			seen[tok.Name] = true
		}
	default:
		ve.Add("gateway.auth.type %q is not supported", cfg.Gateway.Auth.Type)
	}

	if rl := cfg.Gateway.RateLimit; rl.Enabled {
		if rl.Rate <= 0 {
			ve.Add("gateway.rate_limit.rate must be positive")
		}
		if rl.Burst < 1 {
			ve.Add("gateway.rate_limit.burst must be at least 1")
		}
	}
}

func validateClient(cfg *Config, ve *ValidationError) {
	if cfg.Client.URL != "" && !strings.HasPrefix(cfg.Client.URL, "ws://") && !strings.HasPrefix(cfg.Client.URL, "wss://") {
		ve.Add("client.url %q must use ws:// or wss://", cfg.Client.URL)
	}
	if cfg.Client.Timeout < 0 {
		ve.Add("client.timeout must not be negative")
	}
}

func validateJournal(cfg *Config, ve *ValidationError) {
	if cfg.Journal.Enabled && cfg.Journal.Path == "" {
		ve.Add("journal.path is required when journal is enabled")
	}
}

func validateBreaker(cfg *Config, ve *ValidationError) {
	if !cfg.Breaker.Enabled {
		return
	}
	if cfg.Breaker.MaxFailures == 0 {
		ve.Add("breaker.max_failures must be at least 1")
	}
	if cfg.Breaker.OpenTimeout <= 0 {
		ve.Add("breaker.open_timeout must be positive")
	}
}

func validateKeepalive(cfg *Config, ve *ValidationError) {
	if !cfg.Keepalive.Enabled {
		return
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Keepalive.Schedule); err != nil {
		if d, derr := time.ParseDuration(cfg.Keepalive.Schedule); derr != nil || d <= 0 {
			ve.Add("keepalive.schedule %q: %v", cfg.Keepalive.Schedule, err)
		}
	}
	if cfg.Keepalive.Timeout <= 0 {
		ve.Add("keepalive.timeout must be positive")
	}
}

func validateSchemas(cfg *Config, ve *ValidationError) {
	for i, sc := range cfg.Schemas {
		if sc.Method == "" {
			ve.Add("schemas[%d].method is required", i)
		}
		if sc.File == "" {
			ve.Add("schemas[%d].file is required", i)
		}
		switch sc.Kind {
		case "request", "notification":
		default:
			ve.Add("schemas[%d].kind %q must be request or notification", i, sc.Kind)
		}
	}
}
