package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Environment    string               `mapstructure:"environment"`
	Server         ServerConfig         `mapstructure:"server"`
	ClinicalTables ClinicalTablesConfig `mapstructure:"clinical_tables"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	LLM            LLMConfig            `mapstructure:"llm"`
	Conversation   ConversationConfig   `mapstructure:"conversation"`
	Summarizer     SummarizerConfig     `mapstructure:"summarizer"`
	Cache          CacheConfig          `mapstructure:"cache"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	MCP            MCPConfig            `mapstructure:"mcp"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ClinicalTablesConfig represents the NLM Clinical Tables API configuration
type ClinicalTablesConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"` // per-call deadline inside a turn
	RateLimit     int           `mapstructure:"rate_limit"`     // requests per second per system
	MaxResults    int           `mapstructure:"max_results"`
	Concurrency   int           `mapstructure:"concurrency"`
}

// CircuitBreakerConfig represents per-system circuit breaker settings
type CircuitBreakerConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

// LLMConfig represents language model provider configuration
type LLMConfig struct {
	Provider    string        `mapstructure:"provider"` // "ollama", "openai", "gemini", "fake"
	Temperature float32       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RateLimit   float64       `mapstructure:"rate_limit"` // requests per second, 0 disables
	Ollama      OllamaConfig  `mapstructure:"ollama"`
	OpenAI      OpenAIConfig  `mapstructure:"openai"`
	Gemini      GeminiConfig  `mapstructure:"gemini"`
}

// OllamaConfig represents a local Ollama server
type OllamaConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// OpenAIConfig represents an OpenAI-compatible chat completions API
type OpenAIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// GeminiConfig represents the Google Gemini API
type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// ConversationConfig represents conversation and session limits
type ConversationConfig struct {
	MaxTurns     int           `mapstructure:"max_turns"`
	ContextTurns int           `mapstructure:"context_turns"` // turns included in the intent prompt
	MaxSessions  int           `mapstructure:"max_sessions"`
	SessionTTL   time.Duration `mapstructure:"session_ttl"`
}

// SummarizerConfig represents result summarization settings
type SummarizerConfig struct {
	GlossEnabled      bool `mapstructure:"gloss_enabled"`
	GlossTopPerSystem int  `mapstructure:"gloss_top_per_system"`
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	RedisURL      string        `mapstructure:"redis_url"` // empty disables the Redis tier
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	MaxRetries    int           `mapstructure:"max_retries"`
	PoolSize      int           `mapstructure:"pool_size"`
	PoolTimeout   time.Duration `mapstructure:"pool_timeout"`
	MemoryMaxKeys int           `mapstructure:"memory_max_keys"`
	MemoryTTL     time.Duration `mapstructure:"memory_ttl"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MCPConfig represents MCP server configuration
type MCPConfig struct {
	ServerName    string `mapstructure:"server_name"`
	ServerVersion string `mapstructure:"server_version"`
}
