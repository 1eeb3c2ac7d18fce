package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Tier is a rate-limit threshold: MaxRequests per Window.
type Tier struct {
	MaxRequests int           `validate:"gt=0"`
	Window      time.Duration `validate:"gt=0"`
}

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port     string `validate:"required"`
	Env      string
	LogLevel string

	// Database (optional request log)
	DatabaseURL string

	// Redis (optional shared cache tier)
	RedisURL string

	// Upstream
	UpstreamProvider string   `validate:"oneof=gemini openai"`
	UpstreamBaseURL  string
	UpstreamModel    string   `validate:"required"`
	APIKeys          []string `validate:"min=1,dive,required"`

	UpstreamTimeout    time.Duration `validate:"gt=0"`
	MaxAttempts        int           `validate:"gte=1"`
	RetryBaseDelay     time.Duration `validate:"gte=0"`
	RetryBackoffFactor float64       `validate:"gte=1"`
	RetryMaxDelay      time.Duration `validate:"gte=0"`
	RetryMaxJitter     time.Duration `validate:"gte=0"`
	UpstreamRPS        float64       `validate:"gte=0"`
	UpstreamBurst      int           `validate:"gte=0"`

	// Rate Limiting
	IPTier      Tier
	UserTier    Tier
	GlobalTier  Tier
	PremiumTier Tier

	// Security
	MaxPromptLength   int `validate:"gt=0"`
	MaxResponseLength int `validate:"gt=0"`
	BlockedPatterns   []string
	TrustProxyHeaders bool

	// Caching
	CacheTTL         time.Duration `validate:"gt=0"`
	CacheMaxSize     int           `validate:"gt=0"`
	CacheCompression bool

	// Auth
	JWTSecret string
}

// DefaultBlockedPatterns are case-insensitive injection signatures rejected
// at input validation.
var DefaultBlockedPatterns = []string{
	`<script`,
	`drop table`,
	`union select`,
	`javascript:`,
}

// Load loads configuration from .env, an optional gateway.yaml and
// environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("gateway")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/ai-proxy/")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	v.AutomaticEnv()

	return FromViper(v)
}

// FromViper builds and validates a Config from an already populated viper
// instance. Defaults must have been set with setDefaults.
func FromViper(v *viper.Viper) (*Config, error) {
	provider := strings.ToLower(v.GetString("UPSTREAM_PROVIDER"))

	cfg := &Config{
		Port:               v.GetString("PORT"),
		Env:                v.GetString("ENV"),
		LogLevel:           v.GetString("LOG_LEVEL"),
		DatabaseURL:        v.GetString("DATABASE_URL"),
		RedisURL:           v.GetString("REDIS_URL"),
		UpstreamProvider:   provider,
		UpstreamBaseURL:    v.GetString("UPSTREAM_BASE_URL"),
		UpstreamModel:      v.GetString("UPSTREAM_MODEL"),
		APIKeys:            apiKeys(v, provider),
		UpstreamTimeout:    v.GetDuration("UPSTREAM_TIMEOUT"),
		MaxAttempts:        v.GetInt("UPSTREAM_MAX_ATTEMPTS"),
		RetryBaseDelay:     v.GetDuration("RETRY_BASE_DELAY"),
		RetryBackoffFactor: v.GetFloat64("RETRY_BACKOFF_FACTOR"),
		RetryMaxDelay:      v.GetDuration("RETRY_MAX_DELAY"),
		RetryMaxJitter:     v.GetDuration("RETRY_MAX_JITTER"),
		UpstreamRPS:        v.GetFloat64("UPSTREAM_RPS"),
		UpstreamBurst:      v.GetInt("UPSTREAM_BURST"),
		IPTier:             tier(v, "IP"),
		UserTier:           tier(v, "USER"),
		GlobalTier:         tier(v, "GLOBAL"),
		PremiumTier:        tier(v, "PREMIUM"),
		MaxPromptLength:    v.GetInt("MAX_PROMPT_LENGTH"),
		MaxResponseLength:  v.GetInt("MAX_RESPONSE_LENGTH"),
		BlockedPatterns:    splitList(v.GetString("BLOCKED_PATTERNS")),
		TrustProxyHeaders:  v.GetBool("TRUST_PROXY_HEADERS"),
		CacheTTL:           v.GetDuration("CACHE_TTL"),
		CacheMaxSize:       v.GetInt("CACHE_MAX_SIZE"),
		CacheCompression:   v.GetBool("CACHE_COMPRESSION"),
		JWTSecret:          v.GetString("JWT_SECRET"),
	}

	if len(cfg.BlockedPatterns) == 0 {
		cfg.BlockedPatterns = DefaultBlockedPatterns
	}
	if cfg.UpstreamModel == "" {
		cfg.UpstreamModel = defaultModel(provider)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewViper returns a viper instance with every gateway default registered.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		if strings.Contains(err.Error(), "APIKeys") {
			return fmt.Errorf("at least one upstream API key is required (GEMINI_API_KEYS or OPENAI_API_KEYS): %w", err)
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")

	v.SetDefault("UPSTREAM_PROVIDER", "gemini")
	v.SetDefault("UPSTREAM_BASE_URL", "")
	v.SetDefault("UPSTREAM_MODEL", "")
	v.SetDefault("GEMINI_API_KEYS", "")
	v.SetDefault("GEMINI_API_KEY", "")
	v.SetDefault("OPENAI_API_KEYS", "")
	v.SetDefault("UPSTREAM_TIMEOUT", 15*time.Second)
	v.SetDefault("UPSTREAM_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY", time.Second)
	v.SetDefault("RETRY_BACKOFF_FACTOR", 2.0)
	v.SetDefault("RETRY_MAX_DELAY", 8*time.Second)
	v.SetDefault("RETRY_MAX_JITTER", time.Second)
	v.SetDefault("UPSTREAM_RPS", 0.0)
	v.SetDefault("UPSTREAM_BURST", 1)

	v.SetDefault("RATE_LIMIT_IP_REQUESTS", 5)
	v.SetDefault("RATE_LIMIT_IP_WINDOW", time.Minute)
	v.SetDefault("RATE_LIMIT_USER_REQUESTS", 10)
	v.SetDefault("RATE_LIMIT_USER_WINDOW", time.Minute)
	v.SetDefault("RATE_LIMIT_GLOBAL_REQUESTS", 100)
	v.SetDefault("RATE_LIMIT_GLOBAL_WINDOW", time.Minute)
	v.SetDefault("RATE_LIMIT_PREMIUM_REQUESTS", 50)
	v.SetDefault("RATE_LIMIT_PREMIUM_WINDOW", time.Minute)

	v.SetDefault("MAX_PROMPT_LENGTH", 10000)
	v.SetDefault("MAX_RESPONSE_LENGTH", 50000)
	v.SetDefault("BLOCKED_PATTERNS", "")
	v.SetDefault("TRUST_PROXY_HEADERS", false)

	v.SetDefault("CACHE_TTL", 5*time.Minute)
	v.SetDefault("CACHE_MAX_SIZE", 1000)
	v.SetDefault("CACHE_COMPRESSION", true)

	v.SetDefault("JWT_SECRET", "")
}

func defaultModel(provider string) string {
	if provider == "openai" {
		return "gpt-4o-mini"
	}
	return "gemini-2.5-flash"
}

func tier(v *viper.Viper, name string) Tier {
	return Tier{
		MaxRequests: v.GetInt("RATE_LIMIT_" + name + "_REQUESTS"),
		Window:      v.GetDuration("RATE_LIMIT_" + name + "_WINDOW"),
	}
}

func apiKeys(v *viper.Viper, provider string) []string {
	if provider == "openai" {
		return splitList(v.GetString("OPENAI_API_KEYS"))
	}
	keys := splitList(v.GetString("GEMINI_API_KEYS"))
	if single := strings.TrimSpace(v.GetString("GEMINI_API_KEY")); single != "" {
		keys = append(keys, single)
	}
	return keys
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
