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
	Port            string
	FrontendURL     string
	DBPath          string
	GRPCHealthAddr  string // "" disables the gRPC health service
	ReplayHistory   bool
	Retention       time.Duration
	LLM             LLMConfig
	Conversation    ConversationConfig
	TTS             TTSConfig
	ConversationLog ConversationLogConfig
}

// LLMConfig selects and configures the language model gateway.
type LLMConfig struct {
	Provider       string // "gemini", "ollama" or "dummy"
	GeminiAPIKey   string
	GeminiModel    string
	OllamaEndpoint string
	OllamaModel    string
	Timeout        time.Duration
	DummyDelay     time.Duration
	PersonasFile   string
}

// ConversationConfig tunes the turn driver and agents.
type ConversationConfig struct {
	MaxTurnsPerAgent int
	PlaybackTimeout  time.Duration
	TurnDelay        time.Duration
	HistoryWindow    int // 0 = full history
	MaxAttempts      int
	RetryDelay       time.Duration
}

// TTSConfig configures the text-to-speech relay upstream.
type TTSConfig struct {
	ServerURL        string
	APIKey           string
	ClientID         string
	AllowURLOverride bool
	Timeout          time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/duet.db"),
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
		ReplayHistory:  getEnvBool("REPLAY_HISTORY", true),
		Retention:      getEnvDuration("TRANSCRIPT_RETENTION", 30*24*time.Hour),
		LLM: LLMConfig{
			Provider:       strings.ToLower(getEnv("LLM_PROVIDER", "dummy")),
			GeminiAPIKey:   getEnv("GEMINI_API_KEY", ""),
			GeminiModel:    getEnv("GEMINI_MODEL", "gemini-2.0-flash"),
			OllamaEndpoint: getEnv("OLLAMA_ENDPOINT", "http://localhost:11434/api/chat"),
			OllamaModel:    getEnv("OLLAMA_MODEL", "gemma3:12b-it-qat"),
			Timeout:        getEnvDuration("LLM_TIMEOUT", 30*time.Second),
			DummyDelay:     getEnvDuration("LLM_DUMMY_DELAY", time.Second),
			PersonasFile:   getEnv("PERSONAS_FILE", ""),
		},
		Conversation: ConversationConfig{
			MaxTurnsPerAgent: getEnvInt("MAX_TURNS_PER_AGENT", 10),
			PlaybackTimeout:  getEnvDuration("PLAYBACK_TIMEOUT", 30*time.Second),
			TurnDelay:        getEnvDuration("TURN_DELAY", 100*time.Millisecond),
			HistoryWindow:    getEnvInt("HISTORY_WINDOW", 3),
			MaxAttempts:      getEnvInt("AGENT_MAX_ATTEMPTS", 3),
			RetryDelay:       getEnvDuration("AGENT_RETRY_DELAY", time.Second),
		},
		TTS: TTSConfig{
			ServerURL:        getEnv("TTS_SERVER_URL", ""),
			APIKey:           getEnv("TTS_API_KEY", ""),
			ClientID:         getEnv("TTS_CLIENT_ID", ""),
			AllowURLOverride: getEnvBool("TTS_ALLOW_URL_OVERRIDE", false),
			Timeout:          getEnvDuration("TTS_TIMEOUT", 60*time.Second),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

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
	switch c.LLM.Provider {
	case "dummy", "ollama":
	case "gemini":
		if c.LLM.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required when LLM_PROVIDER=gemini")
		}
	default:
		return fmt.Errorf("LLM_PROVIDER %q is not supported", c.LLM.Provider)
	}
	if c.Conversation.MaxTurnsPerAgent <= 0 {
		return fmt.Errorf("MAX_TURNS_PER_AGENT must be > 0")
	}
	if c.Conversation.PlaybackTimeout <= 0 {
		return fmt.Errorf("PLAYBACK_TIMEOUT must be > 0")
	}
	if c.Conversation.TurnDelay <= 0 {
		return fmt.Errorf("TURN_DELAY must be > 0")
	}
	if c.Conversation.HistoryWindow < 0 {
		return fmt.Errorf("HISTORY_WINDOW must be >= 0")
	}
	if c.Conversation.MaxAttempts <= 0 {
		return fmt.Errorf("AGENT_MAX_ATTEMPTS must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origin list.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
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

// getEnvDuration accepts Go durations ("30s") or bare milliseconds ("30000").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
