package app

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr         string
	HTTPRateLimit    float64
	HTTPRateBurst    int
	LogLevel         string
	LogFormat        string
	DBDriver         string
	DBDSN            string
	RedisURL         string
	MetadataBaseURL  string
	MetadataAltURL   string
	MetadataCacheTTL time.Duration
	CacheDisabled    bool
	LinkBaseURL      string
	LinkToken        string
	UpstreamTimeout  time.Duration
	UserAgent        string
	SearchPacing     time.Duration
	RetryBase        time.Duration
	RetryMax         time.Duration
	RefreshThreshold int
	JobBackend       string
	JobConcurrency   int
	JobBacklog       int
}

// overlay holds values read from CATALOG_CONFIG_FILE. Environment variables
// take precedence over it.
var overlay map[string]string

func LoadConfig() Config {
	overlay = loadOverlay(strings.TrimSpace(os.Getenv("CATALOG_CONFIG_FILE")))

	return Config{
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		HTTPRateLimit:    float64(getEnvInt("HTTP_RATE_LIMIT_RPS", 50)),
		HTTPRateBurst:    getEnvInt("HTTP_RATE_LIMIT_BURST", 100),
		LogLevel:         strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(getEnv("LOG_FORMAT", "text")),
		DBDriver:         normalizeDriver(getEnv("DB_DRIVER", "sqlite")),
		DBDSN:            getEnv("DB_DSN", "catalog.db"),
		RedisURL:         getEnv("REDIS_URL", ""),
		MetadataBaseURL:  getEnv("METADATA_BASE_URL", "https://shikimori.one"),
		MetadataAltURL:   getEnv("METADATA_ALT_BASE_URL", "https://shikimori.me"),
		MetadataCacheTTL: time.Duration(getEnvInt("METADATA_CACHE_TTL_HOURS", 24)) * time.Hour,
		CacheDisabled:    getEnvBool("METADATA_CACHE_DISABLED", false),
		LinkBaseURL:      getEnv("LINK_BASE_URL", "https://kodikapi.com"),
		LinkToken:        getEnv("LINK_TOKEN", ""),
		UpstreamTimeout:  time.Duration(getEnvInt("UPSTREAM_TIMEOUT_SECONDS", 20)) * time.Second,
		UserAgent:        getEnv("USER_AGENT", "anime-catalog/1.0"),
		SearchPacing:     time.Duration(getEnvInt("SEARCH_PACING_MS", 350)) * time.Millisecond,
		RetryBase:        time.Duration(getEnvInt("RETRY_BASE_SECONDS", 4)) * time.Second,
		RetryMax:         time.Duration(getEnvInt("RETRY_MAX_SECONDS", 30)) * time.Second,
		RefreshThreshold: getEnvInt("REFRESH_THRESHOLD", 5),
		JobBackend:       normalizeBackend(getEnv("JOB_BACKEND", "inprocess")),
		JobConcurrency:   getEnvInt("JOB_CONCURRENCY", 4),
		JobBacklog:       getEnvInt("JOB_BACKLOG", 64),
	}
}

func loadOverlay(path string) map[string]string {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("config file ignored", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	var parsed map[string]any
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		slog.Warn("config file ignored", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	values := make(map[string]string, len(parsed))
	for key, value := range parsed {
		if value == nil {
			continue
		}
		values[strings.ToUpper(strings.TrimSpace(key))] = strings.TrimSpace(fmt.Sprint(value))
	}
	return values
}

func lookup(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return overlay[key]
}

func getEnv(key, fallback string) string {
	value := lookup(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	raw := lookup(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.ToLower(lookup(key))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func normalizeDriver(raw string) string {
	switch strings.ToLower(raw) {
	case "mysql", "mariadb":
		return "mysql"
	default:
		return "sqlite"
	}
}

func normalizeBackend(raw string) string {
	switch strings.ToLower(raw) {
	case "asynq", "redis":
		return "asynq"
	default:
		return "inprocess"
	}
}
