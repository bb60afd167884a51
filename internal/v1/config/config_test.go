package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/RoseWrightdev/callkit/internal/v1/types"
)

var managedVars = []string{
	"TOKEN_SECRET", "PORT", "TOKEN_TTL", "TOKEN_ISSUER",
	"REDIS_ENABLED", "REDIS_ADDR", "REDIS_PASSWORD",
	"GO_ENV", "LOG_LEVEL", "AUTH_DOMAIN", "AUTH_AUDIENCE", "SKIP_AUTH",
	"DEVELOPMENT_MODE", "ALLOWED_ORIGINS", "RATE_LIMIT_TOKENS", "RATE_LIMIT_TOKENS_USER",
	"OTEL_COLLECTOR_ADDR", "TOKEN_URL", "CHANNEL", "DEVICE_ID", "DISPLAY_NAME",
	"CLIENT_ROLE", "RTC_UID", "UI_BRIDGE_ADDR", "TOKEN_AUTH",
}

// setupTestEnv clears every variable the package reads and restores them afterwards.
func setupTestEnv(t *testing.T) func() {
	orig := make(map[string]string)
	for _, key := range managedVars {
		if val, ok := os.LookupEnv(key); ok {
			orig[key] = val
		}
		os.Unsetenv(key)
	}

	return func() {
		for _, key := range managedVars {
			if val, ok := orig[key]; ok {
				os.Setenv(key, val)
			} else {
				os.Unsetenv(key)
			}
		}
	}
}

const validSecret = "this-is-a-very-long-secret-key-for-testing-purposes"

func setValidServerEnv() {
	os.Setenv("TOKEN_SECRET", validSecret)
	os.Setenv("PORT", "8080")
	os.Setenv("SKIP_AUTH", "true")
}

func TestValidateEnv_ValidConfiguration(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setValidServerEnv()
	os.Setenv("REDIS_ENABLED", "false")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.TokenSecret != validSecret {
		t.Errorf("Expected TOKEN_SECRET to be set correctly")
	}
	if cfg.Port != "8080" {
		t.Errorf("Expected PORT to be 8080, got %s", cfg.Port)
	}
	if cfg.RedisEnabled {
		t.Errorf("Expected REDIS_ENABLED to be false")
	}
	if !cfg.SkipAuth {
		t.Errorf("Expected SKIP_AUTH to be true")
	}
}

func TestValidateEnv_MissingTokenSecret(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("PORT", "8080")
	os.Setenv("SKIP_AUTH", "true")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for missing TOKEN_SECRET")
	}
	if !strings.Contains(err.Error(), "TOKEN_SECRET is required") {
		t.Errorf("Expected error message to mention TOKEN_SECRET, got: %v", err)
	}
}

func TestValidateEnv_ShortTokenSecret(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setValidServerEnv()
	os.Setenv("TOKEN_SECRET", "short")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for short TOKEN_SECRET")
	}
	if !strings.Contains(err.Error(), "at least 32 characters") {
		t.Errorf("Expected error about secret length, got: %v", err)
	}
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	testCases := []string{"invalid", "0", "65536", "-1"}
	for _, port := range testCases {
		setValidServerEnv()
		os.Setenv("PORT", port)

		_, err := ValidateEnv()
		if err == nil {
			t.Errorf("Expected error for invalid port %s", port)
		}
	}
}

func TestValidateEnv_CollectsAllErrors(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("TOKEN_TTL", "forever")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error")
	}
	for _, want := range []string{"TOKEN_SECRET is required", "PORT is required", "TOKEN_TTL", "AUTH_DOMAIN"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got: %v", want, err)
		}
	}
}

func TestValidateEnv_AuthRequiredOutsideDevelopment(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setValidServerEnv()
	os.Unsetenv("SKIP_AUTH")
	if _, err := ValidateEnv(); err == nil {
		t.Fatal("Expected error when auth is not configured")
	}

	os.Setenv("DEVELOPMENT_MODE", "true")
	if _, err := ValidateEnv(); err != nil {
		t.Fatalf("Expected development mode to relax auth, got: %v", err)
	}

	os.Unsetenv("DEVELOPMENT_MODE")
	os.Setenv("AUTH_DOMAIN", "example.auth0.com")
	os.Setenv("AUTH_AUDIENCE", "callkit")
	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.AuthDomain != "example.auth0.com" || cfg.AuthAudience != "callkit" {
		t.Errorf("Expected auth settings to be read, got %q %q", cfg.AuthDomain, cfg.AuthAudience)
	}
}

func TestValidateEnv_InvalidRedisAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setValidServerEnv()
	os.Setenv("REDIS_ENABLED", "true")
	os.Setenv("REDIS_ADDR", "invalid-addr")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for invalid REDIS_ADDR")
	}
	if !strings.Contains(err.Error(), "REDIS_ADDR must be in format") {
		t.Errorf("Expected error about REDIS_ADDR format, got: %v", err)
	}
}

func TestValidateEnv_RedisDefaultAddr(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setValidServerEnv()
	os.Setenv("REDIS_ENABLED", "true")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("Expected default REDIS_ADDR, got %s", cfg.RedisAddr)
	}
}

func TestValidateEnv_OptionalDefaults(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setValidServerEnv()

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.GoEnv != "production" {
		t.Errorf("Expected GO_ENV default 'production', got %s", cfg.GoEnv)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected LOG_LEVEL default 'info', got %s", cfg.LogLevel)
	}
	if cfg.TokenTTL != time.Hour {
		t.Errorf("Expected TOKEN_TTL default 1h, got %s", cfg.TokenTTL)
	}
	if cfg.TokenIssuer != "callkit" {
		t.Errorf("Expected TOKEN_ISSUER default 'callkit', got %s", cfg.TokenIssuer)
	}
	if cfg.RateLimitTokens != "60-M" || cfg.RateLimitTokensUser != "600-M" {
		t.Errorf("Unexpected rate limit defaults %s %s", cfg.RateLimitTokens, cfg.RateLimitTokensUser)
	}
}

func TestValidateEnv_TokenTTL(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setValidServerEnv()
	os.Setenv("TOKEN_TTL", "15m")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.TokenTTL != 15*time.Minute {
		t.Errorf("Expected TOKEN_TTL 15m, got %s", cfg.TokenTTL)
	}
}

func setValidAgentEnv() {
	os.Setenv("TOKEN_URL", "http://localhost:8080")
	os.Setenv("CHANNEL", "room1")
}

func TestValidateAgentEnv_Valid(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setValidAgentEnv()
	os.Setenv("CLIENT_ROLE", "audience")
	os.Setenv("RTC_UID", "42")
	os.Setenv("UI_BRIDGE_ADDR", ":9090")
	os.Setenv("DEVICE_ID", "device-1")

	cfg, err := ValidateAgentEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Channel != "room1" {
		t.Errorf("Expected CHANNEL room1, got %s", cfg.Channel)
	}
	if cfg.ClientRole != types.RoleAudience {
		t.Errorf("Expected audience role, got %s", cfg.ClientRole)
	}
	if cfg.RTCUID != 42 {
		t.Errorf("Expected RTC_UID 42, got %d", cfg.RTCUID)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("Expected default REDIS_ADDR, got %s", cfg.RedisAddr)
	}
	if cfg.UIBridgeAddr != ":9090" {
		t.Errorf("Expected UI_BRIDGE_ADDR :9090, got %s", cfg.UIBridgeAddr)
	}
}

func TestValidateAgentEnv_Defaults(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	setValidAgentEnv()

	cfg, err := ValidateAgentEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.ClientRole != types.RoleBroadcaster {
		t.Errorf("Expected broadcaster default, got %s", cfg.ClientRole)
	}
	if cfg.RTCUID != 0 {
		t.Errorf("Expected unknown RTC uid, got %d", cfg.RTCUID)
	}
}

func TestValidateAgentEnv_Invalid(t *testing.T) {
	cleanup := setupTestEnv(t)
	defer cleanup()

	os.Setenv("TOKEN_URL", "ftp://tokens")
	os.Setenv("CLIENT_ROLE", "moderator")
	os.Setenv("RTC_UID", "-3")
	os.Setenv("UI_BRIDGE_ADDR", "nope")
	os.Setenv("TOKEN_SECRET", "short")

	_, err := ValidateAgentEnv()
	if err == nil {
		t.Fatal("Expected error")
	}
	for _, want := range []string{"TOKEN_URL", "CHANNEL is required", "CLIENT_ROLE", "RTC_UID", "UI_BRIDGE_ADDR", "TOKEN_SECRET"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got: %v", want, err)
		}
	}
}

func TestRedactSecret(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"short", "***"},
		{"12345678", "***"},
		{"123456789", "12345678***"},
		{validSecret, "this-is-***"},
	}

	for _, tt := range tests {
		result := redactSecret(tt.input)
		if result != tt.expected {
			t.Errorf("redactSecret(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestIsValidHostPort(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"localhost:6379", true},
		{"127.0.0.1:8080", true},
		{"redis:6379", true},
		{"localhost", false},
		{":6379", false},
		{"localhost:", false},
		{"localhost:abc", false},
		{"localhost:99999", false},
		{"a:b:c", false},
	}

	for _, tt := range tests {
		result := isValidHostPort(tt.input)
		if result != tt.expected {
			t.Errorf("isValidHostPort(%q) = %v, want %v", tt.input, result, tt.expected)
		}
	}
}

func TestIsValidListenAddr(t *testing.T) {
	if !isValidListenAddr(":9090") || !isValidListenAddr("0.0.0.0:9090") {
		t.Error("Expected listen addresses to be accepted")
	}
	if isValidListenAddr(":") || isValidListenAddr("9090") {
		t.Error("Expected malformed listen addresses to be rejected")
	}
}
