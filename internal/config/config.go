package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all engine-level configuration
type Config struct {
	// Mode
	DryRun bool
	Debug  bool

	// Agent store
	AgentsPath           string
	AgentRefreshInterval time.Duration

	// Wallet activity stream
	ActivityWSURL string

	// Order gateway
	GatewayURL       string
	GatewayAPIKey    string
	GatewaySecret    string
	GatewayPass      string
	WalletPrivateKey string
	StatusRPS        float64

	// Execution protocol
	SizeReductionFactor decimal.Decimal
	PollInterval        time.Duration
	CancelGrace         time.Duration

	// Risk gate
	ValueThreshold decimal.Decimal

	// Ledger
	LedgerDSN string

	// Telegram
	TelegramToken  string
	TelegramChatID int64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		DryRun: getEnvBool("DRY_RUN", true),
		Debug:  getEnvBool("DEBUG", false),

		AgentsPath:           getEnv("AGENTS_PATH", "config/agents.yaml"),
		AgentRefreshInterval: getEnvDuration("AGENT_REFRESH_INTERVAL", 30*time.Second),

		ActivityWSURL: getEnv("ACTIVITY_WS_URL", "wss://ws-live-data.polymarket.com"),

		GatewayURL:       getEnv("GATEWAY_URL", "https://clob.polymarket.com"),
		GatewayAPIKey:    os.Getenv("CLOB_API_KEY"),
		GatewaySecret:    os.Getenv("CLOB_API_SECRET"),
		GatewayPass:      os.Getenv("CLOB_PASSPHRASE"),
		WalletPrivateKey: os.Getenv("WALLET_PRIVATE_KEY"),
		StatusRPS:        float64(getEnvInt("GATEWAY_STATUS_RPS", 10)),

		SizeReductionFactor: getEnvDecimal("SIZE_REDUCTION_FACTOR", decimal.NewFromFloat(0.9)),
		PollInterval:        getEnvDuration("ORDER_POLL_INTERVAL", time.Second),
		CancelGrace:         getEnvDuration("CANCEL_GRACE", 2*time.Second),

		ValueThreshold: getEnvDecimal("VALUE_THRESHOLD", decimal.NewFromInt(1)),

		LedgerDSN: getEnv("LEDGER_DSN", "data/ledger.db"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if !cfg.DryRun && cfg.WalletPrivateKey == "" {
		return nil, fmt.Errorf("WALLET_PRIVATE_KEY is required for live trading")
	}

	return cfg, nil
}

// Helper functions

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
