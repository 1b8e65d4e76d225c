package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Transport
	HTTPAddr    string
	MetricsAddr string

	// Infrastructure
	RedisAddr     string // empty disables Redis publishing
	RedisPassword string
	RedisDB       int
	SQLitePath    string

	// Market scope
	SupportedExchanges []string
	SupportedPairs     []string

	// Strategy hosting
	StrategyFile        string // optional YAML overlay for strategy/backtest defaults
	HistoryBackfillBars int
	IdleEvictAfter      time.Duration

	// Redis circuit breaker
	BreakerMaxFailures int
	BreakerReset       time.Duration

	// API guard rails
	AdminTOTPSecret string
	APIRateLimit    int // requests per minute per client

	// Live bar feed (optional)
	BarFeedURL       string        // ws:// URL of a bar feed; empty disables
	BarFeedTimeframe time.Duration // resample feed bars before storing; 0 keeps them as received

	// Notifications
	WebhookURL       string
	WebhookSecret    string // signs webhook bodies when set
	TelegramBotToken string
	TelegramChatID   string

	LogLevel  string
	LogFormat string // json or text
}

// Load reads configuration from the environment, after an optional .env file.
func Load() (*Config, error) {
	// Ignore error so the service still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8000"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/emarsi.db"),

		SupportedExchanges: splitList(getEnv("SUPPORTED_EXCHANGES", "nobitex,wallex,ramzinex,iranocoin,bitpin")),
		SupportedPairs:     splitList(getEnv("SUPPORTED_PAIRS", "BTC/USDT,ETH/USDT,BNB/USDT,BTC/IRT,ETH/IRT,USDT/IRT")),

		StrategyFile: getEnv("STRATEGY_FILE", ""),

		AdminTOTPSecret: getEnv("ADMIN_TOTP_SECRET", ""),

		BarFeedURL: getEnv("BAR_FEED_URL", ""),

		WebhookURL:       getEnv("WEBHOOK_URL", ""),
		WebhookSecret:    getEnv("WEBHOOK_SECRET", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.HistoryBackfillBars, err = getEnvInt("HISTORY_BACKFILL_BARS", 100); err != nil {
		return nil, err
	}
	if cfg.APIRateLimit, err = getEnvInt("API_RATE_LIMIT", 60); err != nil {
		return nil, err
	}
	if cfg.BreakerMaxFailures, err = getEnvInt("REDIS_BREAKER_MAX_FAILURES", 5); err != nil {
		return nil, err
	}
	if cfg.BreakerReset, err = getEnvDuration("REDIS_BREAKER_RESET", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.IdleEvictAfter, err = getEnvDuration("IDLE_EVICT_AFTER", 24*time.Hour); err != nil {
		return nil, err
	}

	if cfg.BarFeedTimeframe, err = getEnvDuration("BAR_FEED_TIMEFRAME", 0); err != nil {
		return nil, err
	}

	if cfg.HistoryBackfillBars < 0 {
		return nil, fmt.Errorf("config: HISTORY_BACKFILL_BARS must be >= 0, got %d", cfg.HistoryBackfillBars)
	}
	if len(cfg.SupportedPairs) == 0 {
		log.Println("[config] SUPPORTED_PAIRS is empty; every pair will be rejected")
	}
	return cfg, nil
}

// IsSupportedPair reports whether pair is in the allow list.
func (c *Config) IsSupportedPair(pair string) bool {
	return contains(c.SupportedPairs, pair)
}

// IsSupportedExchange reports whether exchange is in the allow list.
func (c *Config) IsSupportedExchange(exchange string) bool {
	return contains(c.SupportedExchanges, exchange)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not an integer", key, v)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("config: %s=%q is not a duration", key, v)
	}
	return d, nil
}
