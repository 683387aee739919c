package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("defaults should pass validation: %v", err)
	}
}

// expectError validates cfg and fails unless one error contains substr.
func expectError(t *testing.T, cfg *Config, substr string) {
	t.Helper()
	err := Validate(cfg)
	if err == nil {
		t.Fatalf("expected error containing %q", substr)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Errorf("error %q does not mention %q", err, substr)
	}
}

func TestValidateSessionReadTimeout(t *testing.T) {
	cfg := Defaults()
	cfg.Session.ReadTimeout = 0
	expectError(t, cfg, "session.read_timeout")
}

func TestValidateLoggerLevel(t *testing.T) {
	cfg := Defaults()
	cfg.Logger.Level = "loud"
	expectError(t, cfg, "logger.level")
}

func TestValidateLoggerFormat(t *testing.T) {
	cfg := Defaults()
	cfg.Logger.Format = "xml"
	expectError(t, cfg, "logger.format")
}

func TestValidateTracerExporter(t *testing.T) {
	cfg := Defaults()
	cfg.Tracer.Enabled = true
	cfg.Tracer.Exporter = "jaeger"
	expectError(t, cfg, "tracer.exporter")
}

func TestValidateGatewayInvalidAddr(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Addr = ""
	expectError(t, cfg, "gateway.addr is required")
}

func TestValidateGatewayBadHostPort(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Addr = "no-port"
	expectError(t, cfg, "not a valid host:port")
}

func TestValidateGatewayPath(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Path = "rpc"
	expectError(t, cfg, "gateway.path")
}

func TestValidateGatewayStaticAuthNoTokens(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Auth.Type = "static"
	expectError(t, cfg, "gateway.auth.tokens is required")
}

func TestValidateGatewayStaticAuthDuplicateName(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Auth.Type = "static"
	cfg.Gateway.Auth.Tokens = []TokenConfig{
		{Name: "ci", Token: "a"},
		{Name: "ci", Token: "b"},
	}
	expectError(t, cfg, "duplicated")
}

func TestValidateGatewayStaticAuthEmptyToken(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Auth.Type = "static"
	cfg.Gateway.Auth.Tokens = []TokenConfig{{Name: "ci"}}
	expectError(t, cfg, "tokens[0].token")
}

func TestValidateGatewayUnknownAuthType(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Auth.Type = "oauth"
	expectError(t, cfg, "gateway.auth.type")
}

func TestValidateGatewayRateLimit(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.RateLimit = RateLimitConfig{Enabled: true, Rate: 0, Burst: 0}
	err := Validate(cfg)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 2 {
		t.Errorf("expected 2 errors, got %v", ve.Errors)
	}
}

func TestValidateClientURL(t *testing.T) {
	cfg := Defaults()
	cfg.Client.URL = "http://localhost:8090"
	expectError(t, cfg, "client.url")
}

func TestValidateJournalPath(t *testing.T) {
	cfg := Defaults()
	cfg.Journal.Enabled = true
	cfg.Journal.Path = ""
	expectError(t, cfg, "journal.path")
}

func TestValidateBreaker(t *testing.T) {
	cfg := Defaults()
	cfg.Breaker.Enabled = true
	cfg.Breaker.MaxFailures = 0
	expectError(t, cfg, "breaker.max_failures")

	cfg = Defaults()
	cfg.Breaker.Enabled = true
	cfg.Breaker.OpenTimeout = 0
	expectError(t, cfg, "breaker.open_timeout")
}

func TestValidateBreakerDisabledNoValidation(t *testing.T) {
	cfg := Defaults()
	cfg.Breaker.MaxFailures = 0
	if err := Validate(cfg); err != nil {
		t.Errorf("disabled breaker should not be validated: %v", err)
	}
}

func TestValidateKeepaliveSchedule(t *testing.T) {
	cfg := Defaults()
	cfg.Keepalive.Enabled = true
	cfg.Keepalive.Schedule = "every so often"
	expectError(t, cfg, "keepalive.schedule")
}

func TestValidateKeepaliveValid(t *testing.T) {
	cfg := Defaults()
	cfg.Keepalive.Enabled = true
	cfg.Keepalive.Schedule = "*/5 * * * *"
	cfg.Keepalive.Timeout = time.Second
	if err := Validate(cfg); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateSchemas(t *testing.T) {
	cfg := Defaults()
	cfg.Schemas = []SchemaConfig{
		{Method: "tools/call", Kind: "request", File: "call.json"},
		{Kind: "event"},
	}
	err := Validate(cfg)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 3 {
		t.Errorf("expected 3 errors for schemas[1], got %v", ve.Errors)
	}
}

func TestValidateMultipleErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Session.ReadTimeout = -time.Second
	cfg.Logger.Level = "nope"
	cfg.Gateway.Addr = ""
	cfg.Client.URL = "ftp://x"

	err := Validate(cfg)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) < 4 {
		t.Errorf("expected at least 4 errors, got %d: %v", len(ve.Errors), ve.Errors)
	}
}

func TestValidationErrorFormat(t *testing.T) {
	ve := &ValidationError{}
	ve.Add("first error")
	ve.Add("second error")

	msg := ve.Error()
	if !strings.HasPrefix(msg, "config validation failed:") {
		t.Errorf("unexpected prefix: %s", msg)
	}
	if !strings.Contains(msg, "first error") || !strings.Contains(msg, "second error") {
		t.Errorf("missing error details: %s", msg)
	}
}
