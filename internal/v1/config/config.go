// Package config validates the process environment once at startup and
// hands the rest of the program a typed, already-checked Config.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration for the signaling
// server.
type Config struct {
	// Required
	Port                    string
	SessionJWTPrivateKeyPEM string // RS256 private key, PEM; "|" may stand in for newlines
	SessionJWTPublicKeyPEM  string
	SessionIssuer           string // also used as audience

	// Redis-backed Identity/Room store
	RedisAddr     string
	RedisPassword string
	RedisEnabled  bool

	// OAuth provider (GitHub-shaped: authorize/token/user endpoints)
	OAuthClientID     string
	OAuthClientSecret string
	OAuthRedirectURI  string
	OAuthTokenURL     string
	OAuthUserURL      string

	// Legacy Cognito-style JWKS validation (optional second Credential
	// Engine instance behind the same verify interface)
	LegacyJWKSURL     string
	LegacyIssuer      string
	LegacyAudience    string
	LegacyAuthEnabled bool

	// ICE configuration handed to peers on register. STUN is a fixed public
	// default, overridable via ICE_STUN_URLS; TURN is client-only and only
	// enabled when both TURN_HOST and TURN_PASSWORD are set (mirrors the
	// source's get_ice_servers: mesh/worker-to-worker connections never get
	// TURN, since they're expected to reach each other directly).
	ICEStunURLs  []string
	TURNHost     string
	TURNPort     string
	TURNUsername string
	TURNPassword string

	// Ambient
	GoEnv          string
	LogLevel       string
	AllowedOrigins string

	// Rate limits (ulule/limiter formatted rates, e.g. "100-M")
	RateLimitAPIGlobal   string
	RateLimitAPIPublic   string
	RateLimitAPIRooms    string
	RateLimitAPIMessages string
	RateLimitWsIP        string
	RateLimitWsUser      string

	// Tracing
	OTelCollectorAddr string
	OTelEnabled       bool
}

// ValidateEnv validates all required environment variables and returns a
// Config object. It collects every problem found rather than failing on
// the first.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.SessionJWTPrivateKeyPEM = decodePEM(os.Getenv("SESSION_JWT_PRIVATE_KEY"))
	cfg.SessionJWTPublicKeyPEM = decodePEM(os.Getenv("SESSION_JWT_PUBLIC_KEY"))
	if cfg.SessionJWTPrivateKeyPEM == "" {
		errs = append(errs, "SESSION_JWT_PRIVATE_KEY is required")
	}
	if cfg.SessionJWTPublicKeyPEM == "" {
		errs = append(errs, "SESSION_JWT_PUBLIC_KEY is required")
	}
	cfg.SessionIssuer = getEnvOrDefault("SESSION_ISSUER", "signalserver")

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") != "false"
	if cfg.RedisEnabled {
		cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
		if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.OAuthClientID = os.Getenv("OAUTH_CLIENT_ID")
	cfg.OAuthClientSecret = os.Getenv("OAUTH_CLIENT_SECRET")
	cfg.OAuthRedirectURI = os.Getenv("OAUTH_REDIRECT_URI")
	cfg.OAuthTokenURL = getEnvOrDefault("OAUTH_TOKEN_URL", "https://github.com/login/oauth/access_token")
	cfg.OAuthUserURL = getEnvOrDefault("OAUTH_USER_URL", "https://api.github.com/user")

	cfg.LegacyAuthEnabled = os.Getenv("LEGACY_AUTH_ENABLED") == "true"
	if cfg.LegacyAuthEnabled {
		cfg.LegacyJWKSURL = os.Getenv("LEGACY_JWKS_URL")
		cfg.LegacyIssuer = os.Getenv("LEGACY_ISSUER")
		cfg.LegacyAudience = os.Getenv("LEGACY_AUDIENCE")
		if cfg.LegacyJWKSURL == "" {
			errs = append(errs, "LEGACY_JWKS_URL is required when LEGACY_AUTH_ENABLED=true")
		}
	}

	cfg.ICEStunURLs = splitCSV(getEnvOrDefault("ICE_STUN_URLS", "stun:stun.l.google.com:19302,stun:stun1.l.google.com:19302"))
	cfg.TURNHost = os.Getenv("TURN_HOST")
	cfg.TURNPort = getEnvOrDefault("TURN_PORT", "3478")
	cfg.TURNUsername = getEnvOrDefault("TURN_USERNAME", "signalserver")
	cfg.TURNPassword = os.Getenv("TURN_PASSWORD")

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitAPIRooms = getEnvOrDefault("RATE_LIMIT_API_ROOMS", "100-M")
	cfg.RateLimitAPIMessages = getEnvOrDefault("RATE_LIMIT_API_MESSAGES", "500-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitWsUser = getEnvOrDefault("RATE_LIMIT_WS_USER", "10-M")

	cfg.OTelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
	cfg.OTelEnabled = cfg.OTelCollectorAddr != ""

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

// decodePEM allows a PEM block to be supplied with literal "|" in place of
// newlines, which is friendlier to single-line env var assignment.
func decodePEM(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.ReplaceAll(raw, "|", "\n")
}

// isValidHostPort checks if a string is in the format "host:port".
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port >= 1 && port <= 65535
}

// logValidatedConfig logs the validated configuration with secrets redacted.
func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"legacy_auth_enabled", cfg.LegacyAuthEnabled,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"otel_enabled", cfg.OTelEnabled,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// splitCSV parses a comma-separated value into a trimmed, non-empty slice.
func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
