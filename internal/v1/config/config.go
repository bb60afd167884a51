package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/RoseWrightdev/callkit/internal/v1/types"
)

// MinSecretLength mirrors the signer's requirement on TOKEN_SECRET.
const MinSecretLength = 32

// Config holds the validated token server environment.
type Config struct {
	// Required variables
	Port        string
	TokenSecret string

	// Optional variables with defaults
	TokenIssuer   string
	TokenTTL      time.Duration
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Caller authentication
	AuthDomain      string
	AuthAudience    string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Rate limits, in limiter format ("60-M")
	RateLimitTokens     string
	RateLimitTokensUser string

	OtelCollectorAddr string
}

// AgentConfig holds the validated agent environment.
type AgentConfig struct {
	// Required variables
	TokenURL  string
	Channel   string
	RedisAddr string

	// Optional variables with defaults
	RedisPassword string
	DeviceID      string
	DisplayName   string
	ClientRole    types.Role
	RTCUID        types.RosterID
	UIBridgeAddr  string
	// TokenSecret enables local verification of login tokens.
	TokenSecret string
	TokenIssuer string
	// TokenAuth is sent as a bearer credential to the token server.
	TokenAuth         string
	AllowedOrigins    string
	GoEnv             string
	LogLevel          string
	DevelopmentMode   bool
	OtelCollectorAddr string
}

// ValidateEnv validates the token server environment and returns a Config.
// Every problem is reported in the one returned error.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: TOKEN_SECRET (minimum 32 characters)
	cfg.TokenSecret = os.Getenv("TOKEN_SECRET")
	if cfg.TokenSecret == "" {
		errors = append(errors, "TOKEN_SECRET is required")
	} else if len(cfg.TokenSecret) < MinSecretLength {
		errors = append(errors, fmt.Sprintf("TOKEN_SECRET must be at least %d characters (got %d)", MinSecretLength, len(cfg.TokenSecret)))
	}

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else if !isValidPort(cfg.Port) {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.TokenTTL = time.Hour
	if raw := os.Getenv("TOKEN_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil || ttl <= 0 {
			errors = append(errors, fmt.Sprintf("TOKEN_TTL must be a positive duration such as '1h' (got '%s')", raw))
		} else {
			cfg.TokenTTL = ttl
		}
	}
	cfg.TokenIssuer = getEnvOrDefault("TOKEN_ISSUER", "callkit")

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.AuthDomain = os.Getenv("AUTH_DOMAIN")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	if !cfg.SkipAuth && !cfg.DevelopmentMode && (cfg.AuthDomain == "" || cfg.AuthAudience == "") {
		errors = append(errors, "AUTH_DOMAIN and AUTH_AUDIENCE are required unless SKIP_AUTH=true or DEVELOPMENT_MODE=true")
	}

	// Rate Limits (M = Minute, H = Hour)
	cfg.RateLimitTokens = getEnvOrDefault("RATE_LIMIT_TOKENS", "60-M")
	cfg.RateLimitTokensUser = getEnvOrDefault("RATE_LIMIT_TOKENS_USER", "600-M")

	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
	if cfg.OtelCollectorAddr != "" && !isValidHostPort(cfg.OtelCollectorAddr) {
		errors = append(errors, fmt.Sprintf("OTEL_COLLECTOR_ADDR must be in format 'host:port' (got '%s')", cfg.OtelCollectorAddr))
	}

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// ValidateAgentEnv validates the agent environment and returns an AgentConfig.
func ValidateAgentEnv() (*AgentConfig, error) {
	cfg := &AgentConfig{}
	var errors []string

	// Required: TOKEN_URL (absolute http(s) URL)
	cfg.TokenURL = os.Getenv("TOKEN_URL")
	if cfg.TokenURL == "" {
		errors = append(errors, "TOKEN_URL is required")
	} else if !isValidBaseURL(cfg.TokenURL) {
		errors = append(errors, fmt.Sprintf("TOKEN_URL must be an absolute http(s) URL (got '%s')", cfg.TokenURL))
	}

	// Required: CHANNEL
	cfg.Channel = os.Getenv("CHANNEL")
	if cfg.Channel == "" {
		errors = append(errors, "CHANNEL is required")
	}

	cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
	if !isValidHostPort(cfg.RedisAddr) {
		errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	cfg.DeviceID = os.Getenv("DEVICE_ID")
	cfg.DisplayName = os.Getenv("DISPLAY_NAME")

	cfg.ClientRole = types.RoleBroadcaster
	if raw := os.Getenv("CLIENT_ROLE"); raw != "" {
		role, err := types.ParseRole(raw)
		if err != nil {
			errors = append(errors, fmt.Sprintf("CLIENT_ROLE must be 'broadcaster' or 'audience' (got '%s')", raw))
		} else {
			cfg.ClientRole = role
		}
	}

	if raw := os.Getenv("RTC_UID"); raw != "" {
		uid, err := strconv.ParseUint(raw, 10, 32)
		if err != nil || uid == 0 {
			errors = append(errors, fmt.Sprintf("RTC_UID must be a positive 32-bit integer (got '%s')", raw))
		} else {
			cfg.RTCUID = types.RosterID(uid)
		}
	}

	cfg.UIBridgeAddr = os.Getenv("UI_BRIDGE_ADDR")
	if cfg.UIBridgeAddr != "" && !isValidListenAddr(cfg.UIBridgeAddr) {
		errors = append(errors, fmt.Sprintf("UI_BRIDGE_ADDR must be in format 'host:port' or ':port' (got '%s')", cfg.UIBridgeAddr))
	}

	cfg.TokenSecret = os.Getenv("TOKEN_SECRET")
	if cfg.TokenSecret != "" && len(cfg.TokenSecret) < MinSecretLength {
		errors = append(errors, fmt.Sprintf("TOKEN_SECRET must be at least %d characters (got %d)", MinSecretLength, len(cfg.TokenSecret)))
	}
	cfg.TokenIssuer = getEnvOrDefault("TOKEN_ISSUER", "callkit")
	cfg.TokenAuth = os.Getenv("TOKEN_AUTH")

	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	slog.Info("Agent configuration",
		"token_url", cfg.TokenURL,
		"channel", cfg.Channel,
		"redis_addr", cfg.RedisAddr,
		"device_id", cfg.DeviceID,
		"client_role", cfg.ClientRole.String(),
		"rtc_uid", cfg.RTCUID.String(),
		"ui_bridge_addr", cfg.UIBridgeAddr,
		"token_secret", redactSecret(cfg.TokenSecret),
		"token_auth", redactSecret(cfg.TokenAuth),
		"log_level", cfg.LogLevel,
	)
	return cfg, nil
}

func isValidPort(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port >= 1 && port <= 65535
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}
	return parts[0] != "" && isValidPort(parts[1])
}

// isValidListenAddr also accepts ":port".
func isValidListenAddr(addr string) bool {
	if strings.HasPrefix(addr, ":") {
		return isValidPort(addr[1:])
	}
	return isValidHostPort(addr)
}

func isValidBaseURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated successfully")
	slog.Info("Configuration",
		"token_secret", redactSecret(cfg.TokenSecret),
		"token_ttl", cfg.TokenTTL.String(),
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"skip_auth", cfg.SkipAuth,
		"rate_limit_tokens", cfg.RateLimitTokens,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret keeps the first 8 characters of a secret.
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
