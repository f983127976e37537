// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	CacheDir    string // Badger directory for cache entries; "" keeps entries in memory
	PolicyPath  string
	// AdminToken guards the operator routes; empty disables them.
	AdminToken string

	Model           ModelConfig
	Speech          SpeechConfig
	ContextCache    ContextCacheConfig
	Timeouts        TimeoutConfig
	RateLimit       RateLimitConfig
	Background      BackgroundConfig
	ConversationLog ConversationLogConfig

	SessionIdleTTL     time.Duration
	HistoryLimit       int
	MaxRequestBodySize int64
	ProfileCacheTTL    time.Duration

	Policy *Policy
}

// ModelConfig selects the generative backends.
type ModelConfig struct {
	GoogleAPIKey      string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	RoutineModel      string
	VerificationModel string
	ClassifierModel   string
}

// SpeechConfig points at the speech synthesis service.
type SpeechConfig struct {
	Address        string
	Format         string
	ConnectTimeout time.Duration
}

// ContextCacheConfig controls pre-warmed responder instruction caches.
type ContextCacheConfig struct {
	TTL           time.Duration
	RenewFraction float64
}

// TimeoutConfig bounds the blocking and background calls of a turn.
type TimeoutConfig struct {
	Turn       time.Duration
	Mastery    time.Duration
	Classifier time.Duration
	Background time.Duration
}

// RateLimitConfig controls per-learner request throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// BackgroundConfig sizes the fire-and-forget task runner.
type BackgroundConfig struct {
	Workers   int
	QueueSize int
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables and the policy file.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/tutor.db"),
		CacheDir:    getEnv("CONTEXT_CACHE_DIR", "./data/context-cache"),
		PolicyPath:  getEnv("TUTOR_POLICY_PATH", ""),
		AdminToken:  getEnv("ADMIN_TOKEN", ""),
		Model: ModelConfig{
			GoogleAPIKey:      getEnv("GOOGLE_API_KEY", ""),
			OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL:     getEnv("OPENAI_BASE_URL", "https://openrouter.ai/api/v1"),
			RoutineModel:      getEnv("ROUTINE_MODEL", "gemini-2.5-flash"),
			VerificationModel: getEnv("VERIFICATION_MODEL", "gemini-2.5-pro"),
			ClassifierModel:   getEnv("CLASSIFIER_MODEL", "gemini-2.5-flash-lite"),
		},
		Speech: SpeechConfig{
			Address:        getEnv("SPEECH_ADDR", ""),
			Format:         getEnv("SPEECH_FORMAT", "mp3"),
			ConnectTimeout: getEnvDuration("SPEECH_CONNECT_TIMEOUT", 5*time.Second),
		},
		ContextCache: ContextCacheConfig{
			TTL:           getEnvDuration("CONTEXT_CACHE_TTL", 6*time.Hour),
			RenewFraction: getEnvFloat("CONTEXT_CACHE_RENEW_FRACTION", 0.75),
		},
		Timeouts: TimeoutConfig{
			Turn:       getEnvDuration("TURN_TIMEOUT", 90*time.Second),
			Mastery:    getEnvDuration("MASTERY_TIMEOUT", 3*time.Second),
			Classifier: getEnvDuration("CLASSIFIER_TIMEOUT", 20*time.Second),
			Background: getEnvDuration("BACKGROUND_TIMEOUT", 30*time.Second),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Background: BackgroundConfig{
			Workers:   getEnvInt("BACKGROUND_WORKERS", 4),
			QueueSize: getEnvInt("BACKGROUND_QUEUE_SIZE", 256),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
		SessionIdleTTL:     getEnvDuration("SESSION_IDLE_TTL", 60*time.Minute),
		HistoryLimit:       getEnvInt("HISTORY_LIMIT", 10),
		MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 16<<20)),
		ProfileCacheTTL:    getEnvDuration("PROFILE_CACHE_TTL", 10*time.Minute),
	}

	policy, err := LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	cfg.Policy = policy

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Model.RoutineModel == "" {
		return fmt.Errorf("ROUTINE_MODEL cannot be empty")
	}
	if c.ContextCache.RenewFraction <= 0 || c.ContextCache.RenewFraction >= 1 {
		return fmt.Errorf("CONTEXT_CACHE_RENEW_FRACTION must be in (0, 1)")
	}
	if c.ContextCache.TTL <= 0 {
		return fmt.Errorf("CONTEXT_CACHE_TTL must be > 0")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be > 0")
	}
	if c.Background.Workers <= 0 || c.Background.QueueSize <= 0 {
		return fmt.Errorf("BACKGROUND_WORKERS and BACKGROUND_QUEUE_SIZE must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	if c.Policy != nil {
		if err := c.Policy.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
