// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Auth / token session
	JWTSecret         string
	AccessTokenTTLMin int
	RefreshTokenTTLH  int
	TokenGraceSeconds int
	AuthProviderURL   string // mini-program code2session endpoint
	AuthAppID         string
	AuthAppSecret     string

	// Credit ledger
	FreezeRetryMax    int
	FreezeRetryBaseMS int

	// Persistence pipeline
	PersistWorkers  int
	PersistQueueCap int

	// Prompt assembly
	SysSoftMax int // system prompt length cap before the split strategy kicks in

	// Moderation
	BlocklistPath        string
	ModerationPenaltyPct int
	PenaltyMin           decimal.Decimal

	// Fee formula coefficients
	FeeBase      decimal.Decimal
	FeeWIn       decimal.Decimal
	FeeWOut      decimal.Decimal
	FeeScale     decimal.Decimal
	EstOutputCap int

	// Upstream LLM providers
	OpenAIAPIKey  string
	OpenAIBaseURL string
	ClaudeAPIKey  string
	ClaudeBaseURL string
	QwenAPIKey    string
	QwenBaseURL   string

	LLMConnectTimeoutS int
	LLMStreamTimeoutS  int

	// ModelMultipliers maps model name to a fee multiplier, e.g. "gpt-4o=2.5,qwen-plus=1".
	ModelMultipliers map[string]decimal.Decimal

	// Observability
	OTLPEndpoint string
	RateLimitRPM int
}

// Defaults
const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultAccessTokenTTLMin = 30
	DefaultRefreshTokenTTLH  = 720
	DefaultTokenGraceSeconds = 300
	DefaultFreezeRetryMax    = 3
	DefaultFreezeRetryBaseMS = 100
	DefaultPersistWorkers    = 3
	DefaultPersistQueueCap   = 10000
	DefaultSysSoftMax        = 1500
	DefaultPenaltyPct        = 10
	DefaultEstOutputCap      = 4096
	DefaultRateLimitRPM      = 60
	DefaultConnectTimeoutS   = 10
	DefaultStreamTimeoutS    = 300
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		JWTSecret:            os.Getenv("JWT_SECRET"),   // Required
		AccessTokenTTLMin:    getEnvInt("ACCESS_TOKEN_TTL_MIN", DefaultAccessTokenTTLMin),
		RefreshTokenTTLH:     getEnvInt("REFRESH_TOKEN_TTL_H", DefaultRefreshTokenTTLH),
		TokenGraceSeconds:    getEnvInt("TOKEN_GRACE_SECONDS", DefaultTokenGraceSeconds),
		AuthProviderURL:      os.Getenv("AUTH_PROVIDER_URL"),
		AuthAppID:            os.Getenv("AUTH_APP_ID"),
		AuthAppSecret:        os.Getenv("AUTH_APP_SECRET"),
		FreezeRetryMax:       getEnvInt("FREEZE_RETRY_MAX", DefaultFreezeRetryMax),
		FreezeRetryBaseMS:    getEnvInt("FREEZE_RETRY_BASE_MS", DefaultFreezeRetryBaseMS),
		PersistWorkers:       getEnvInt("PERSIST_WORKERS", DefaultPersistWorkers),
		PersistQueueCap:      getEnvInt("PERSIST_QUEUE_CAP", DefaultPersistQueueCap),
		SysSoftMax:           getEnvInt("SYS_SOFT_MAX", DefaultSysSoftMax),
		BlocklistPath:        os.Getenv("BLOCKLIST_PATH"),
		ModerationPenaltyPct: getEnvInt("MODERATION_PENALTY_PCT", DefaultPenaltyPct),
		PenaltyMin:           getEnvDecimal("PENALTY_MIN", "0.0001"),
		FeeBase:              getEnvDecimal("FEE_BASE", "0.01"),
		FeeWIn:               getEnvDecimal("FEE_W_IN", "0.0005"),
		FeeWOut:              getEnvDecimal("FEE_W_OUT", "0.0015"),
		FeeScale:             getEnvDecimal("FEE_SCALE", "1"),
		EstOutputCap:         getEnvInt("EST_OUTPUT_CAP", DefaultEstOutputCap),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		ClaudeAPIKey:         os.Getenv("CLAUDE_API_KEY"),
		ClaudeBaseURL:        getEnv("CLAUDE_BASE_URL", "https://api.anthropic.com/v1"),
		QwenAPIKey:           os.Getenv("QWEN_API_KEY"),
		QwenBaseURL:          getEnv("QWEN_BASE_URL", "https://dashscope.aliyuncs.com/compatible-mode/v1"),
		LLMConnectTimeoutS:   getEnvInt("LLM_CONNECT_TIMEOUT_S", DefaultConnectTimeoutS),
		LLMStreamTimeoutS:    getEnvInt("LLM_STREAM_TIMEOUT_S", DefaultStreamTimeoutS),
		ModelMultipliers:     parseMultipliers(os.Getenv("MODEL_MULTIPLIERS")),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:         getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}
	if c.PersistWorkers <= 0 {
		return fmt.Errorf("PERSIST_WORKERS must be positive")
	}
	if c.PersistQueueCap <= 0 {
		return fmt.Errorf("PERSIST_QUEUE_CAP must be positive")
	}
	if c.ModerationPenaltyPct < 0 || c.ModerationPenaltyPct > 100 {
		return fmt.Errorf("MODERATION_PENALTY_PCT must be within [0,100]")
	}
	return nil
}

// ModelMultiplier returns the fee multiplier for a model, defaulting to 1.
func (c *Config) ModelMultiplier(model string) decimal.Decimal {
	if m, ok := c.ModelMultipliers[model]; ok {
		return m
	}
	return decimal.NewFromInt(1)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// parseMultipliers parses "model=multiplier" pairs separated by commas.
// Malformed entries are skipped.
func parseMultipliers(s string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil || d.Sign() <= 0 {
			continue
		}
		out[strings.TrimSpace(k)] = d
	}
	return out
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDecimal(key, defaultValue string) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	d, _ := decimal.NewFromString(defaultValue)
	return d
}
