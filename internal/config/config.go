package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr string
	DataDir  string
	DBPath   string
	WebDir   string
	LogLevel string

	ExchangeBaseURL string
	ExchangeRPS     float64

	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterBaseURL string

	TradeInterval  time.Duration
	EquityInterval time.Duration
	MaxPositionUSD float64
	DryRun         bool

	QueueSize   int
	HistorySize int
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("BOTD_DATA_DIR", "data")
	return Config{
		HTTPAddr: getEnv("BOTD_HTTP_ADDR", ":8090"),
		DataDir:  dataDir,
		DBPath:   getEnv("BOTD_DB_PATH", filepath.Join(dataDir, "botd.db")),
		WebDir:   getEnv("BOTD_WEB_DIR", ""),
		LogLevel: getEnv("BOTD_LOG_LEVEL", "info"),

		ExchangeBaseURL: getEnv("BOTD_EXCHANGE_BASE_URL", "https://api.testnet.rise.trade"),
		ExchangeRPS:     getEnvFloat("BOTD_EXCHANGE_RPS", 5),

		OpenRouterAPIKey:  getEnv("BOTD_OPENROUTER_API_KEY", ""),
		OpenRouterModel:   getEnv("BOTD_OPENROUTER_MODEL", "anthropic/claude-3-haiku"),
		OpenRouterBaseURL: getEnv("BOTD_OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1"),

		TradeInterval:  time.Duration(getEnvInt("BOTD_TRADE_INTERVAL_SECONDS", 300)) * time.Second,
		EquityInterval: time.Duration(getEnvInt("BOTD_EQUITY_POLL_SECONDS", 60)) * time.Second,
		MaxPositionUSD: getEnvFloat("BOTD_MAX_POSITION_USD", 100),
		DryRun:         getEnvBool("BOTD_DRY_RUN", true),

		QueueSize:   getEnvInt("BOTD_QUEUE_SIZE", 100),
		HistorySize: getEnvInt("BOTD_HISTORY_SIZE", 1000),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
