package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment          string
	HTTPPort             string
	DatabaseURL          string
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	SessionSigningSecret string
	SessionIssuer        string
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	AuthorizationCodeTTL time.Duration
	SessionTTL           time.Duration
	CSRFTokenTTL         time.Duration
	IdentityProviderURL  string
	IdentityTimeout      time.Duration
	DatastoreTimeout     time.Duration
	AuditBuffer          int
	UsageBuffer          int
	ServiceName          string
	EdgeRateLimitRPM     int
	SeedClientID         string
	SeedRedirectURIs     []string
	SeedScopes           []string
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	signingSecret := strings.TrimSpace(os.Getenv("SESSION_SIGNING_SECRET"))
	if signingSecret == "" {
		return Config{}, fmt.Errorf("SESSION_SIGNING_SECRET is required")
	}
	if len(signingSecret) < 32 {
		return Config{}, fmt.Errorf("SESSION_SIGNING_SECRET must be at least 32 bytes")
	}

	cfg := Config{
		Environment:          getEnv("APP_ENV", "development"),
		HTTPPort:             getEnv("HTTP_PORT", "8080"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisAddr:            getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              getInt("REDIS_DB", 0),
		SessionSigningSecret: signingSecret,
		SessionIssuer:        getEnv("SESSION_ISSUER", "valora-gateway"),
		AccessTokenTTL:       getDuration("ACCESS_TOKEN_TTL", time.Hour),
		RefreshTokenTTL:      getDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		AuthorizationCodeTTL: getDuration("AUTHORIZATION_CODE_TTL", 5*time.Minute),
		SessionTTL:           getDuration("SESSION_TTL", 24*time.Hour),
		CSRFTokenTTL:         getDuration("CSRF_TOKEN_TTL", 15*time.Minute),
		IdentityProviderURL:  os.Getenv("IDENTITY_PROVIDER_URL"),
		IdentityTimeout:      getDuration("IDENTITY_TIMEOUT", 5*time.Second),
		DatastoreTimeout:     getDuration("DATASTORE_TIMEOUT", 3*time.Second),
		AuditBuffer:          getInt("AUDIT_BUFFER", 1024),
		UsageBuffer:          getInt("USAGE_BUFFER", 4096),
		ServiceName:          getEnv("SERVICE_NAME", "valora-gateway"),
		EdgeRateLimitRPM:     getInt("EDGE_RATE_LIMIT_RPM", 600),
		SeedClientID:         getEnv("SEED_CLIENT_ID", ""),
		SeedRedirectURIs:     getList("SEED_REDIRECT_URIS", nil),
		SeedScopes:           getList("SEED_SCOPES", []string{"openid", "profile", "email"}),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type", "X-Client-Type"}),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
