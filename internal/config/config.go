// Package config provides configuration management for the translation
// gateway. Settings come from environment variables (optionally seeded from
// a .env file) layered over an optional YAML configuration file; environment
// values always win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults for every recognized option.
const (
	DefaultPort                     = 8080
	DefaultMaxRetries               = 20
	DefaultCacheDurationSeconds     = 600
	DefaultTranslationCacheTTL      = 86400
	DefaultKeyCacheSize             = 1000
	DefaultRequestTimeoutMs         = 20000
	DefaultParallelTranslationLimit = 10
	DefaultBatchDelayMs             = 50
	DefaultRequestDedupTTLMs        = 100
	DefaultGeminiModel              = "gemini-2.0-flash"
	DefaultGeminiBaseURL            = "https://generativelanguage.googleapis.com"
	DefaultGeminiAPIVersion         = "v1beta"

	// DefaultSystemInstruction is used when TRANSLATION_SYSTEM_INSTRUCTION is unset.
	DefaultSystemInstruction = "You are a professional translation engine. Reply with the translated text only, without quotes, explanations or additional content."
)

// Config represents the gateway configuration. YAML tags allow an optional
// config file; every field can be overridden through the environment.
type Config struct {
	// Port is the TCP port the HTTP server listens on.
	Port int `yaml:"port"`

	// RedisURL is the connection URL for the credential/translation store.
	// When empty the store is unavailable and the gateway degrades per policy.
	RedisURL string `yaml:"redis-url"`

	// MaxRetries bounds the retry executor attempt loop.
	MaxRetries int `yaml:"max-retries"`

	// CacheDurationSeconds is the credential cache TTL.
	CacheDurationSeconds int `yaml:"cache-duration-seconds"`

	// TranslationCacheTTL is the translation entry TTL in seconds.
	TranslationCacheTTL int `yaml:"translation-cache-ttl"`

	// KeyCacheSize bounds the local cache-key memo.
	KeyCacheSize int `yaml:"key-cache-size"`

	// RequestTimeoutMs is the per-attempt upstream timeout.
	RequestTimeoutMs int `yaml:"request-timeout-ms"`

	// ParallelTranslationLimit caps concurrent upstream translations.
	ParallelTranslationLimit int `yaml:"parallel-translation-limit"`

	// BatchDelayMs is a reserved inter-batch delay.
	BatchDelayMs int `yaml:"batch-delay-ms"`

	// RequestDedupTTLMs is the coalescer tail window.
	RequestDedupTTLMs int `yaml:"request-dedup-ttl-ms"`

	// LogLevel is one of none/error/warn/info/debug.
	LogLevel string `yaml:"log-level"`

	// LogFile enables rotated file logging when set.
	LogFile string `yaml:"log-file"`

	// GeminiModel, GeminiBaseURL and GeminiAPIVersion address the upstream.
	GeminiModel      string `yaml:"gemini-model"`
	GeminiBaseURL    string `yaml:"gemini-base-url"`
	GeminiAPIVersion string `yaml:"gemini-api-version"`

	// SystemInstruction is the translation system prompt.
	SystemInstruction string `yaml:"translation-system-instruction"`
}

// Load reads the optional YAML file at path (empty path or missing file is
// not an error), then applies environment overrides and defaults.
// A .env file in the working directory is honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
			}
		case os.IsNotExist(err):
			// Optional file; fall through to env + defaults.
		default:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setIntFromEnv(&cfg.Port, "PORT")
	setStringFromEnv(&cfg.RedisURL, "REDIS_URL")
	setIntFromEnv(&cfg.MaxRetries, "MAX_RETRIES")
	setIntFromEnv(&cfg.CacheDurationSeconds, "CACHE_DURATION_SECONDS")
	setIntFromEnv(&cfg.TranslationCacheTTL, "TRANSLATION_CACHE_TTL")
	setIntFromEnv(&cfg.KeyCacheSize, "KEY_CACHE_SIZE")
	setIntFromEnv(&cfg.RequestTimeoutMs, "REQUEST_TIMEOUT_MS")
	setIntFromEnv(&cfg.ParallelTranslationLimit, "PARALLEL_TRANSLATION_LIMIT")
	setIntFromEnv(&cfg.BatchDelayMs, "BATCH_DELAY_MS")
	setIntFromEnv(&cfg.RequestDedupTTLMs, "REQUEST_DEDUP_TTL_MS")
	setStringFromEnv(&cfg.LogLevel, "LOG_LEVEL")
	setStringFromEnv(&cfg.LogFile, "LOG_FILE")
	setStringFromEnv(&cfg.GeminiModel, "GEMINI_MODEL")
	setStringFromEnv(&cfg.GeminiBaseURL, "GEMINI_BASE_URL")
	setStringFromEnv(&cfg.GeminiAPIVersion, "GEMINI_API_VERSION")
	setStringFromEnv(&cfg.SystemInstruction, "TRANSLATION_SYSTEM_INSTRUCTION")
}

func applyDefaults(cfg *Config) {
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.CacheDurationSeconds <= 0 {
		cfg.CacheDurationSeconds = DefaultCacheDurationSeconds
	}
	if cfg.TranslationCacheTTL <= 0 {
		cfg.TranslationCacheTTL = DefaultTranslationCacheTTL
	}
	if cfg.KeyCacheSize <= 0 {
		cfg.KeyCacheSize = DefaultKeyCacheSize
	}
	if cfg.RequestTimeoutMs <= 0 {
		cfg.RequestTimeoutMs = DefaultRequestTimeoutMs
	}
	if cfg.ParallelTranslationLimit <= 0 {
		cfg.ParallelTranslationLimit = DefaultParallelTranslationLimit
	}
	if cfg.BatchDelayMs <= 0 {
		cfg.BatchDelayMs = DefaultBatchDelayMs
	}
	if cfg.RequestDedupTTLMs <= 0 {
		cfg.RequestDedupTTLMs = DefaultRequestDedupTTLMs
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.GeminiModel) == "" {
		cfg.GeminiModel = DefaultGeminiModel
	}
	if strings.TrimSpace(cfg.GeminiBaseURL) == "" {
		cfg.GeminiBaseURL = DefaultGeminiBaseURL
	}
	if strings.TrimSpace(cfg.GeminiAPIVersion) == "" {
		cfg.GeminiAPIVersion = DefaultGeminiAPIVersion
	}
	if strings.TrimSpace(cfg.SystemInstruction) == "" {
		cfg.SystemInstruction = DefaultSystemInstruction
	}
}

func setStringFromEnv(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setIntFromEnv(dst *int, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	*dst = n
}

// RequestTimeout returns the per-attempt upstream timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// CredentialCacheTTL returns the credential cache TTL as a duration.
func (c *Config) CredentialCacheTTL() time.Duration {
	return time.Duration(c.CacheDurationSeconds) * time.Second
}

// TranslationTTL returns the translation cache TTL as a duration.
func (c *Config) TranslationTTL() time.Duration {
	return time.Duration(c.TranslationCacheTTL) * time.Second
}

// DedupTTL returns the coalescer tail window as a duration.
func (c *Config) DedupTTL() time.Duration {
	return time.Duration(c.RequestDedupTTLMs) * time.Millisecond
}
