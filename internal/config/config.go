package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string

	AutosaveQuiet    time.Duration
	AutosaveInterval time.Duration
	OpTimeout        time.Duration

	FeedSize int

	PollInterval time.Duration
	BatchSize    int

	WhatsAppProvider string

	RateLimitPerMinute       int
	RateLimitBurst           int
	CallerRateLimitPerMinute int
	CallerRateLimitBurst     int
}

// Load reads the environment. DB_DSN empty selects the in-memory store,
// which is the single-process dev mode.
func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),

		AutosaveQuiet:    readDurationMillis("AUTOSAVE_QUIET_MS", 2000),
		AutosaveInterval: readDurationSeconds("AUTOSAVE_INTERVAL_SECONDS", 30),
		OpTimeout:        readDurationSeconds("OP_TIMEOUT_SECONDS", 5),

		FeedSize: readInt("FEED_SIZE", 20),

		PollInterval: readDurationMillis("CHANGE_POLL_INTERVAL_MS", 1000),
		BatchSize:    readInt("CHANGE_BATCH_SIZE", 100),

		WhatsAppProvider: os.Getenv("NOTIF_WHATSAPP_PROVIDER"),

		RateLimitPerMinute:       readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:           readInt("RATE_LIMIT_BURST", 30),
		CallerRateLimitPerMinute: readInt("CALLER_RATE_LIMIT_PER_MIN", 600),
		CallerRateLimitBurst:     readInt("CALLER_RATE_LIMIT_BURST", 120),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readDurationMillis(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Millisecond
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
