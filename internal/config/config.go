// Package config loads all runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	Debug bool

	// Exchange (futures venue)
	ExchangeAPIKey    string
	ExchangeSecretKey string
	ExchangeBaseURL   string
	ExchangeWSURL     string
	RecvWindow        time.Duration
	MaxLeverage       int

	// Recognition backend
	LLMAPIKey  string
	LLMModel   string
	LLMBaseURL string
	LLMTimeout time.Duration

	// Chat transport (ingestion)
	ChatBotToken string
	ChatAPIID    string
	ChatAPIHash  string

	// Risk policy
	MaxPositionPercent     decimal.Decimal // global cap, 0-100
	DefaultRiskPercent     decimal.Decimal // fallback when channel omits, 0.1-20
	MinSignalConfidence    float64         // feed acceptance threshold, 0-1
	RiskManagementDisabled bool            // emergency override, bypasses sanity + dedup
	PriceDriftWarnPct      decimal.Decimal // executed-price drift annotation threshold

	// Pipeline tuning
	FeedWorkers       int
	QueueCapacity     int
	DedupWindow       time.Duration
	DedupEpsilon      decimal.Decimal
	ReconcileInterval time.Duration

	// Database
	DatabasePath string
}

func Load() (*Config, error) {
	cfg := &Config{
		Debug: getEnvBool("DEBUG", false),

		ExchangeAPIKey:    os.Getenv("EXCHANGE_API_KEY"),
		ExchangeSecretKey: os.Getenv("EXCHANGE_SECRET_KEY"),
		ExchangeBaseURL:   getEnv("EXCHANGE_BASE_URL", "https://fapi.binance.com"),
		ExchangeWSURL:     getEnv("EXCHANGE_WS_URL", "wss://fstream.binance.com/ws"),
		RecvWindow:        getEnvDuration("EXCHANGE_RECV_WINDOW", 5*time.Second),
		MaxLeverage:       getEnvInt("MAX_LEVERAGE", 20),

		LLMAPIKey:  os.Getenv("LLM_API_KEY"),
		LLMModel:   getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMBaseURL: getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMTimeout: getEnvDuration("LLM_TIMEOUT", 15*time.Second),

		ChatBotToken: os.Getenv("CHAT_BOT_TOKEN"),
		ChatAPIID:    os.Getenv("CHAT_API_ID"),
		ChatAPIHash:  os.Getenv("CHAT_API_HASH"),

		MaxPositionPercent:     getEnvDecimal("MAX_POSITION_PERCENT", decimal.NewFromInt(20)),
		DefaultRiskPercent:     getEnvDecimal("DEFAULT_RISK_PERCENT", decimal.NewFromInt(2)),
		MinSignalConfidence:    getEnvFloat("MIN_SIGNAL_CONFIDENCE", 0.8),
		RiskManagementDisabled: getEnvBool("RISK_MANAGEMENT_DISABLED", false),
		PriceDriftWarnPct:      getEnvDecimal("PRICE_DRIFT_WARN_PCT", decimal.NewFromInt(2)),

		FeedWorkers:       getEnvInt("FEED_WORKERS", 4),
		QueueCapacity:     getEnvInt("QUEUE_CAPACITY", 1000),
		DedupWindow:       getEnvDuration("DEDUP_WINDOW", 24*time.Hour),
		DedupEpsilon:      getEnvDecimal("DEDUP_EPSILON", decimal.NewFromFloat(0.0005)),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 30*time.Second),

		DatabasePath: getEnv("DATABASE_PATH", "data/signalbot.db"),
	}

	if cfg.ExchangeAPIKey == "" || cfg.ExchangeSecretKey == "" {
		return nil, fmt.Errorf("EXCHANGE_API_KEY and EXCHANGE_SECRET_KEY are required")
	}
	if cfg.LLMAPIKey == "" {
		return nil, fmt.Errorf("LLM_API_KEY is required")
	}
	if cfg.ChatBotToken == "" {
		return nil, fmt.Errorf("CHAT_BOT_TOKEN is required")
	}
	if cfg.MaxLeverage < 1 {
		return nil, fmt.Errorf("MAX_LEVERAGE must be >= 1, got %d", cfg.MaxLeverage)
	}
	if cfg.MaxPositionPercent.LessThanOrEqual(decimal.Zero) || cfg.MaxPositionPercent.GreaterThan(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("MAX_POSITION_PERCENT must be in (0,100], got %s", cfg.MaxPositionPercent)
	}
	if cfg.DefaultRiskPercent.LessThan(decimal.NewFromFloat(0.1)) || cfg.DefaultRiskPercent.GreaterThan(decimal.NewFromInt(20)) {
		return nil, fmt.Errorf("DEFAULT_RISK_PERCENT must be in [0.1,20], got %s", cfg.DefaultRiskPercent)
	}
	if cfg.MinSignalConfidence < 0 || cfg.MinSignalConfidence > 1 {
		return nil, fmt.Errorf("MIN_SIGNAL_CONFIDENCE must be in [0,1], got %f", cfg.MinSignalConfidence)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
