// Package config
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Either PageURL or PrefetchURLs is required. PrefetchURLs selects bulk mode.
	PageURL      string
	PrefetchURLs []string

	RootSelector     string
	Priority         bool
	Origins          []string
	AllOrigins       bool
	IgnorePatterns   []string
	IgnoreExtensions []string
	AllowedLanguages []string

	ViewportHeight float64
	LineHeight     float64
	ScrollStep     float64
	ScrollInterval time.Duration
	ScrollSteps    int
	IdleTimeout    time.Duration

	FetchTimeout  time.Duration
	MaxWorkers    int
	QueueSize     int
	SaveData      bool
	EffectiveType string
	UserAgent     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SeenKey       string
	SeenTTL       time.Duration

	DatabaseURL         string
	BatchWriteInterval  time.Duration
	BatchWriteQueueSize int

	MetricsAddr string
	LogFile     string
	LogLevel    string
}

func Load() (Config, error) {
	cfg := Config{}

	cfg.PageURL = getEnv("PAGE_URL", "")
	cfg.PrefetchURLs = splitList(getEnv("PREFETCH_URLS", ""))
	if cfg.PageURL == "" && len(cfg.PrefetchURLs) == 0 {
		return cfg, fmt.Errorf("missing required environment variables: %s", strings.Join([]string{"PAGE_URL", "PREFETCH_URLS"}, " or "))
	}

	cfg.RootSelector = getEnv("ROOT_SELECTOR", "")
	cfg.Priority = getBool("PRIORITY", false)
	if origins, ok := os.LookupEnv("ORIGINS"); ok {
		switch strings.TrimSpace(origins) {
		case "*":
			cfg.AllOrigins = true
		case "":
			// An empty allow-list allows every origin.
			cfg.Origins = []string{}
		default:
			cfg.Origins = splitList(origins)
		}
	}
	cfg.IgnorePatterns = splitList(getEnv("IGNORE_PATTERNS", ""))
	cfg.IgnoreExtensions = splitList(getEnv("IGNORE_EXTENSIONS", ".pdf,.jpg,.jpeg,.png,.gif,.zip,.rar,.exe,.mp3,.mp4,.avi,.mov,.dmg,.iso,.css,.js,.xml,.json,.gz,.tar,.tgz"))
	cfg.AllowedLanguages = splitList(getEnv("ALLOWED_LANGUAGES", ""))

	cfg.ViewportHeight = getFloat("VIEWPORT_HEIGHT", 800)
	cfg.LineHeight = getFloat("LINE_HEIGHT", 24)
	cfg.ScrollStep = getFloat("SCROLL_STEP", 400)
	cfg.ScrollInterval = getDuration("SCROLL_INTERVAL", 500*time.Millisecond)
	cfg.ScrollSteps = getInt("SCROLL_STEPS", 50)
	cfg.IdleTimeout = getDuration("IDLE_TIMEOUT", 2*time.Second)

	cfg.FetchTimeout = getDuration("FETCH_TIMEOUT", 6*time.Second)
	cfg.MaxWorkers = getInt("MAX_WORKERS", 4)
	cfg.QueueSize = getInt("QUEUE_SIZE", 256)
	cfg.SaveData = getBool("SAVE_DATA", false)
	cfg.EffectiveType = getEnv("EFFECTIVE_TYPE", "4g")
	cfg.UserAgent = getEnv("USER_AGENT", "")

	// Redis and Postgres are optional; empty values disable them.
	cfg.RedisAddr = getEnv("REDIS_ADDR", "")
	cfg.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getInt("REDIS_DB", 0)
	cfg.SeenKey = getEnv("SEEN_KEY", "quicklink:seen")
	cfg.SeenTTL = getDuration("SEEN_TTL", 24*time.Hour)

	cfg.DatabaseURL = getEnv("DATABASE_URL", "")
	cfg.BatchWriteInterval = getDuration("BATCH_WRITE_INTERVAL", 10*time.Second)
	cfg.BatchWriteQueueSize = getInt("BATCH_WRITE_QUEUE_SIZE", 1000)

	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":2112")
	cfg.LogFile = getEnv("LOG_FILE", "logs/quicklink.log")
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		slog.Warn("Invalid integer in environment", "key", key, "value", raw, "error", err)
		return defaultVal
	}
	return v
}

func getFloat(key string, defaultVal float64) float64 {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		slog.Warn("Invalid number in environment", "key", key, "value", raw, "error", err)
		return defaultVal
	}
	return v
}

func getBool(key string, defaultVal bool) bool {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		slog.Warn("Invalid boolean in environment", "key", key, "value", raw, "error", err)
		return defaultVal
	}
	return v
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		slog.Warn("Invalid duration in environment", "key", key, "value", raw, "error", err)
		return defaultVal
	}
	return v
}

// splitList splits a comma separated value, dropping blank entries.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
