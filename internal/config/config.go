package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Store         StoreConfig
	Database      DatabaseConfig
	Cookie        CookieConfig
	Token         TokenConfig
	OAuth         OAuthConfig
	RBAC          RBACConfig
	Observability ObservabilityConfig
	Security      SecurityConfig
	RateLimit     RateLimitConfig
	Cleanup       CleanupConfig
}

// RateLimitConfig holds rate limiting configuration for the auth endpoints
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// TrustedProxies lists the CIDRs or addresses of reverse proxies whose
	// X-Forwarded-For and X-Real-IP headers are believed. Empty trusts none.
	TrustedProxies []string
}

// StoreConfig selects the credential store backend
type StoreConfig struct {
	Driver string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// CookieConfig holds the refresh token cookie attributes
type CookieConfig struct {
	Name     string
	Domain   string
	Path     string
	Secure   bool
	SameSite string
}

// TokenConfig holds access and refresh token settings
type TokenConfig struct {
	JWTSecret  string
	Issuer     string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// OAuthConfig holds external identity provider registrations
type OAuthConfig struct {
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	LinkTTL            time.Duration
}

// GoogleEnabled reports whether Google sign-in is configured
func (c OAuthConfig) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// RBACConfig holds the role catalog source
type RBACConfig struct {
	// CatalogPath points at a YAML catalog. Empty uses the built-in one.
	CatalogPath string
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	OTELEnabled    bool
	OTELEndpoint   string
	OTELInsecure   bool
	ServiceName    string
	ServiceVersion string
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	Argon2Memory      uint32
	Argon2Iterations  uint32
	Argon2Parallelism uint8
	Argon2SaltLength  uint32
	Argon2KeyLength   uint32
	TwoFactorIssuer   string
}

// CleanupConfig holds the background sweep schedule
type CleanupConfig struct {
	Interval time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			ReadTimeout:     parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout:    parseDuration("SERVER_WRITE_TIMEOUT", "15s"),
			IdleTimeout:     parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
			ShutdownTimeout: parseDuration("SERVER_SHUTDOWN_TIMEOUT", "30s"),
			TrustedProxies:  parseList("TRUSTED_PROXIES"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(getEnv("STORE_DRIVER", DriverPostgres)),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "taskhub"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "taskhub"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    parseInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    parseInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: parseDuration("DB_CONN_MAX_LIFETIME", "5m"),
			AutoMigrate:     parseBool("DB_AUTO_MIGRATE", false),
		},
		Cookie: CookieConfig{
			Name:     getEnv("COOKIE_NAME", "refreshToken"),
			Domain:   getEnv("COOKIE_DOMAIN", ""),
			Path:     getEnv("COOKIE_PATH", "/"),
			Secure:   parseBool("COOKIE_SECURE", true),
			SameSite: getEnv("COOKIE_SAME_SITE", "Strict"),
		},
		Token: TokenConfig{
			JWTSecret:  getEnv("JWT_SECRET", ""),
			Issuer:     getEnv("JWT_ISSUER", "taskhub"),
			AccessTTL:  parseDuration("ACCESS_TOKEN_TTL", "15m"),
			RefreshTTL: parseDuration("REFRESH_TOKEN_TTL", "168h"),
		},
		OAuth: OAuthConfig{
			GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
			GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
			GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", "http://localhost:8080/api/v1/auth/oauth/google/callback"),
			LinkTTL:            parseDuration("OAUTH_LINK_TTL", "10m"),
		},
		RBAC: RBACConfig{
			CatalogPath: getEnv("RBAC_CATALOG_PATH", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			OTELEnabled:    parseBool("OTEL_ENABLED", false),
			OTELEndpoint:   getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
			OTELInsecure:   parseBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "taskhub"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
		},
		Security: SecurityConfig{
			Argon2Memory:      uint32(parseInt("ARGON2_MEMORY", 65536)),
			Argon2Iterations:  uint32(parseInt("ARGON2_ITERATIONS", 3)),
			Argon2Parallelism: uint8(parseInt("ARGON2_PARALLELISM", 4)),
			Argon2SaltLength:  uint32(parseInt("ARGON2_SALT_LENGTH", 16)),
			Argon2KeyLength:   uint32(parseInt("ARGON2_KEY_LENGTH", 32)),
			TwoFactorIssuer:   getEnv("TWO_FACTOR_ISSUER", "TaskHub"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: parseFloat("RATELIMIT_RPS", 10),
			Burst:             parseInt("RATELIMIT_BURST", 20),
		},
		Cleanup: CleanupConfig{
			Interval: parseDuration("CLEANUP_INTERVAL", "1h"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	if c.Token.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	} else if len(c.Token.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes"))
	}

	switch c.Store.Driver {
	case DriverPostgres:
		if c.Database.Password == "" {
			errs = append(errs, errors.New("DB_PASSWORD is required"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.Store.Driver))
	}

	switch strings.ToLower(c.Cookie.SameSite) {
	case "strict", "lax", "none":
	default:
		errs = append(errs, fmt.Errorf("COOKIE_SAME_SITE %q is not one of Strict, Lax, None", c.Cookie.SameSite))
	}

	for _, proxy := range c.Server.TrustedProxies {
		if _, err := netip.ParsePrefix(proxy); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(proxy); err != nil {
			errs = append(errs, fmt.Errorf("TRUSTED_PROXIES entry %q is not an address or CIDR", proxy))
		}
	}

	return errors.Join(errs...)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}
