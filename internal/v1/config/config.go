package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port      string
	JWTSecret string

	// Call store (Redis). When disabled the process falls back to an
	// in-memory store and call records do not survive restarts.
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Token verification
	Auth0Domain   string
	Auth0Audience string
	SkipAuth      bool

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  string

	// Guest access
	GuestTokenTTL time.Duration

	// Room lifecycle timers
	ReapGracePeriod   time.Duration
	RoomSweepInterval time.Duration
	RoomEmptyTTL      time.Duration

	// ICE servers handed to mesh clients
	StunServer           string
	TurnServerURL        string
	TurnServerUsername   string
	TurnServerCredential string

	// SFU network binding
	MediasoupListenIP    string
	MediasoupAnnouncedIP string
	MediasoupMinPort     int
	MediasoupMaxPort     int

	// Rate limits. Auth attempts use an explicit count/window pair; the
	// guest-token endpoint uses the limiter's formatted notation.
	AuthAttemptLimit    int64
	AuthAttemptWindow   time.Duration
	RateLimitGuestToken string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: JWT_SECRET (minimum 32 characters), signs guest tokens
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errors = append(errors, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errors = append(errors, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	// Required: SIGNALING_PORT (valid port number). PORT is accepted as
	// a fallback name.
	cfg.Port = os.Getenv("SIGNALING_PORT")
	if cfg.Port == "" {
		cfg.Port = os.Getenv("PORT")
	}
	if cfg.Port == "" {
		errors = append(errors, "SIGNALING_PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("SIGNALING_PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			// Default to localhost:6379 if not specified
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	// Token verification (validated at verifier construction)
	cfg.Auth0Domain = os.Getenv("AUTH0_DOMAIN")
	cfg.Auth0Audience = os.Getenv("AUTH0_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Guest access
	cfg.GuestTokenTTL = getDurationOrDefault("GUEST_TOKEN_TTL", 4*time.Hour, &errors)

	// Room lifecycle timers
	cfg.ReapGracePeriod = getDurationOrDefault("REAP_GRACE_PERIOD", 30*time.Second, &errors)
	cfg.RoomSweepInterval = getDurationOrDefault("ROOM_SWEEP_INTERVAL", 2*time.Minute, &errors)
	cfg.RoomEmptyTTL = getDurationOrDefault("ROOM_EMPTY_TTL", 5*time.Minute, &errors)

	// ICE servers
	cfg.StunServer = getEnvOrDefault("STUN_SERVER", "stun:stun.l.google.com:19302")
	cfg.TurnServerURL = os.Getenv("TURN_SERVER_URL")
	cfg.TurnServerUsername = os.Getenv("TURN_SERVER_USERNAME")
	cfg.TurnServerCredential = os.Getenv("TURN_SERVER_CREDENTIAL")
	if cfg.TurnServerURL != "" && (cfg.TurnServerUsername == "" || cfg.TurnServerCredential == "") {
		errors = append(errors, "TURN_SERVER_USERNAME and TURN_SERVER_CREDENTIAL are required when TURN_SERVER_URL is set")
	}

	// SFU network binding
	cfg.MediasoupListenIP = getEnvOrDefault("MEDIASOUP_LISTEN_IP", "0.0.0.0")
	if net.ParseIP(cfg.MediasoupListenIP) == nil {
		errors = append(errors, fmt.Sprintf("MEDIASOUP_LISTEN_IP must be a valid IP address (got '%s')", cfg.MediasoupListenIP))
	}
	cfg.MediasoupAnnouncedIP = os.Getenv("MEDIASOUP_ANNOUNCED_IP")
	if cfg.MediasoupAnnouncedIP != "" && net.ParseIP(cfg.MediasoupAnnouncedIP) == nil {
		errors = append(errors, fmt.Sprintf("MEDIASOUP_ANNOUNCED_IP must be a valid IP address (got '%s')", cfg.MediasoupAnnouncedIP))
	}
	cfg.MediasoupMinPort = getPortOrDefault("MEDIASOUP_MIN_PORT", 40000, &errors)
	cfg.MediasoupMaxPort = getPortOrDefault("MEDIASOUP_MAX_PORT", 49999, &errors)
	if cfg.MediasoupMinPort >= cfg.MediasoupMaxPort {
		errors = append(errors, fmt.Sprintf("MEDIASOUP_MIN_PORT must be below MEDIASOUP_MAX_PORT (got %d..%d)", cfg.MediasoupMinPort, cfg.MediasoupMaxPort))
	}

	// Rate limits
	cfg.AuthAttemptLimit = getInt64OrDefault("AUTH_ATTEMPT_LIMIT", 5, &errors)
	cfg.AuthAttemptWindow = getDurationOrDefault("AUTH_ATTEMPT_WINDOW", 15*time.Minute, &errors)
	cfg.RateLimitGuestToken = getEnvOrDefault("RATE_LIMIT_GUEST_TOKEN", "10-M")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// ParseAllowedOrigins splits ALLOWED_ORIGINS into a trimmed list.
func (c *Config) ParseAllowedOrigins() []string {
	if c.AllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"reap_grace_period", cfg.ReapGracePeriod,
		"room_sweep_interval", cfg.RoomSweepInterval,
		"room_empty_ttl", cfg.RoomEmptyTTL,
		"stun_server", cfg.StunServer,
		"turn_configured", cfg.TurnServerURL != "",
		"mediasoup_listen_ip", cfg.MediasoupListenIP,
		"mediasoup_port_range", fmt.Sprintf("%d-%d", cfg.MediasoupMinPort, cfg.MediasoupMaxPort),
		"auth_attempt_limit", cfg.AuthAttemptLimit,
		"auth_attempt_window", cfg.AuthAttemptWindow,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getDurationOrDefault parses a duration environment variable, recording
// an error for unparseable values
func getDurationOrDefault(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be a valid duration like '30s' or '2m' (got '%s')", key, value))
		return defaultValue
	}
	return d
}

// getInt64OrDefault parses an integer environment variable, recording an
// error for unparseable values
func getInt64OrDefault(key string, defaultValue int64, errs *[]string) int64 {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 1 {
		*errs = append(*errs, fmt.Sprintf("%s must be a positive integer (got '%s')", key, value))
		return defaultValue
	}
	return n
}

// getPortOrDefault parses a port number environment variable, recording
// an error for values outside the valid range
func getPortOrDefault(key string, defaultValue int, errs *[]string) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	port, err := strconv.Atoi(value)
	if err != nil || port < 1024 || port > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s must be a port number between 1024 and 65535 (got '%s')", key, value))
		return defaultValue
	}
	return port
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
