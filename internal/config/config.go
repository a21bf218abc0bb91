package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/gamedeck/panel-gateway/internal/httpclient"
	pkgconfig "github.com/gamedeck/panel-gateway/pkg/config"
)

// Credential backends selectable with CREDENTIAL_BACKEND.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config holds the runtime configuration for the panel gateway.
type Config struct {
	ServiceName string // e.g. "panel-gateway"
	Env         string // "dev", "uat", "prod"
	LogLevel    string
	Port        int // gateway HTTP port
	EventsPort  int // websocket event stream port; 0 disables it

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	HTTPBodyLimit    int

	// Panel backend
	APIBaseURL  string
	LoginPath   string
	RefreshPath string
	MePath      string
	HTTPTimeout time.Duration // default per-attempt timeout
	ExpirySkew  time.Duration // access tokens are treated as expired this long before exp

	// Retry policy defaults
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryTransient bool

	RateLimitRPS   int
	RateLimitBurst int

	// Credential persistence
	CredentialBackend string
	RedisAddr         string
	RedisDB           int
	RedisPass         string
	RedisKey          string
	DatabaseURL       string

	// Event fan-out
	NATSURL     string
	NATSSubject string
	AMQPURL     string
	AMQPQueue   string

	// Service-account login from AWS Secrets Manager
	AWSRegion        string
	LoginSecretName  string
	LoginSecretStage string // AWSCURRENT, or AWSPREVIOUS during a rotation
	CacheTTL         time.Duration

	IdentityCacheTTL         time.Duration
	ProactiveRefreshInterval time.Duration
}

// Load loads configuration from environment variables and .env file if present.
func Load() *Config {
	// load .env silently (no error if missing)
	_ = godotenv.Load()

	return &Config{
		ServiceName:      pkgconfig.GetEnv("SERVICE_NAME", "panel-gateway"),
		Env:              pkgconfig.GetEnv("ENV", "dev"),
		LogLevel:         pkgconfig.GetEnv("LOG_LEVEL", "info"),
		Port:             pkgconfig.GetEnvInt("PORT", 8085),
		EventsPort:       pkgconfig.GetEnvInt("EVENTS_PORT", 8086),
		HTTPReadTimeout:  pkgconfig.GetEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
		HTTPWriteTimeout: pkgconfig.GetEnvDuration("HTTP_WRITE_TIMEOUT", 60*time.Second),
		HTTPIdleTimeout:  pkgconfig.GetEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		HTTPBodyLimit:    pkgconfig.GetEnvInt("HTTP_BODY_LIMIT", 64*1024*1024),

		APIBaseURL:  strings.TrimRight(pkgconfig.GetEnv("API_BASE_URL", "http://localhost:8000"), "/"),
		LoginPath:   pkgconfig.GetEnv("LOGIN_PATH", "/api/v1/auth/login"),
		RefreshPath: pkgconfig.GetEnv("REFRESH_PATH", "/api/v1/auth/refresh"),
		MePath:      pkgconfig.GetEnv("ME_PATH", "/api/v1/auth/me"),
		HTTPTimeout: pkgconfig.GetEnvDuration("HTTP_TIMEOUT", 30*time.Second),
		ExpirySkew:  pkgconfig.GetEnvDuration("TOKEN_EXPIRY_SKEW", 30*time.Second),

		MaxRetries:     pkgconfig.GetEnvInt("MAX_RETRIES", 3),
		RetryBaseDelay: pkgconfig.GetEnvDuration("RETRY_BASE_DELAY", time.Second),
		RetryMaxDelay:  pkgconfig.GetEnvDuration("RETRY_MAX_DELAY", 10*time.Second),
		RetryTransient: pkgconfig.GetEnvBool("RETRY_TRANSIENT", false),

		RateLimitRPS:   pkgconfig.GetEnvInt("RATE_LIMIT_RPS", 0),
		RateLimitBurst: pkgconfig.GetEnvInt("RATE_LIMIT_BURST", 20),

		CredentialBackend: strings.ToLower(pkgconfig.GetEnv("CREDENTIAL_BACKEND", BackendMemory)),
		RedisAddr:         pkgconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:           pkgconfig.GetEnvInt("REDIS_DB", 0),
		RedisPass:         pkgconfig.GetEnv("REDIS_PASS", ""),
		RedisKey:          pkgconfig.GetEnv("REDIS_KEY", "panel:credentials"),
		DatabaseURL:       pkgconfig.GetEnv("DATABASE_URL", ""),

		NATSURL:     pkgconfig.GetEnv("EVENTS_NATS_URL", ""),
		NATSSubject: pkgconfig.GetEnv("EVENTS_NATS_SUBJECT", "evt.panel.auth.v1"),
		AMQPURL:     pkgconfig.GetEnv("EVENTS_AMQP_URL", ""),
		AMQPQueue:   pkgconfig.GetEnv("EVENTS_AMQP_QUEUE", "panel.auth.events"),

		AWSRegion:        pkgconfig.GetEnv("AWS_REGION", "us-east-2"),
		LoginSecretName:  pkgconfig.GetEnv("LOGIN_SECRET_NAME", ""),
		LoginSecretStage: pkgconfig.GetEnv("LOGIN_SECRET_STAGE", "AWSCURRENT"),
		CacheTTL:         pkgconfig.GetEnvDuration("CACHE_TTL", time.Hour),

		IdentityCacheTTL:         pkgconfig.GetEnvDuration("IDENTITY_CACHE_TTL", 5*time.Minute),
		ProactiveRefreshInterval: pkgconfig.GetEnvDuration("PROACTIVE_REFRESH_INTERVAL", time.Minute),
	}
}

// Validate checks the settings that have no usable default.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: API_BASE_URL %q is not an absolute URL", c.APIBaseURL)
	}
	switch c.CredentialBackend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres credential backend")
		}
	default:
		return fmt.Errorf("config: unknown CREDENTIAL_BACKEND %q", c.CredentialBackend)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: MAX_RETRIES must be >= 0")
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0 {
		return fmt.Errorf("config: retry delays must be >= 0")
	}
	return nil
}

// RetryPolicy returns the default retry policy applied to calls that do not override it.
func (c *Config) RetryPolicy() httpclient.RetryPolicy {
	return httpclient.RetryPolicy{
		MaxRetries:     c.MaxRetries,
		BaseDelay:      c.RetryBaseDelay,
		MaxDelay:       c.RetryMaxDelay,
		RetryTransient: c.RetryTransient,
	}
}

// URL joins a backend path onto the base URL.
func (c *Config) URL(path string) string {
	return c.APIBaseURL + "/" + strings.TrimLeft(path, "/")
}
