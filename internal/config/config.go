// Package config provides configuration management for the clinical code finder.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/clinical-codes-finder/internal/domain"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// CLINICAL_CODES_LLM_PROVIDER=gemini.
const EnvPrefix = "CLINICAL_CODES"

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	v          *viper.Viper
	config     *domain.Config
	configFile string
}

// ManagerOption configures a Manager before the first load.
type ManagerOption func(*Manager)

// WithConfigFile loads an explicit config file instead of searching the default paths.
func WithConfigFile(path string) ManagerOption {
	return func(m *Manager) {
		m.configFile = path
	}
}

// NewManager creates a new configuration manager
func NewManager(opts ...ManagerOption) (*Manager, error) {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	// .env values become process environment before viper reads it
	if err := LoadDotEnv(); err != nil {
		return err
	}

	v := viper.New()
	if m.configFile != "" {
		v.SetConfigFile(m.configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/clinical-codes/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return fmt.Errorf("error binding environment: %w", err)
	}

	// Config file is optional; defaults and environment cover everything
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || m.configFile != "" {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.v = v
	m.config = config
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.request_timeout", "60s")

	// Clinical Tables defaults
	v.SetDefault("clinical_tables.base_url", "https://clinicaltables.nlm.nih.gov/api")
	v.SetDefault("clinical_tables.timeout", "15s")
	v.SetDefault("clinical_tables.lookup_timeout", "10s")
	v.SetDefault("clinical_tables.rate_limit", 10)
	v.SetDefault("clinical_tables.max_results", 20)
	v.SetDefault("clinical_tables.concurrency", 4)

	// Circuit breaker defaults
	v.SetDefault("circuit_breaker.max_requests", 5)
	v.SetDefault("circuit_breaker.interval", "30s")
	v.SetDefault("circuit_breaker.timeout", "60s")
	v.SetDefault("circuit_breaker.min_requests", 3)
	v.SetDefault("circuit_breaker.failure_ratio", 0.6)

	// LLM defaults
	v.SetDefault("llm.provider", "ollama")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("llm.rate_limit", 0)
	v.SetDefault("llm.ollama.base_url", "http://localhost:11434")
	v.SetDefault("llm.ollama.model", "llama2")
	v.SetDefault("llm.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.openai.model", "gpt-4")
	v.SetDefault("llm.openai.api_key", "")
	v.SetDefault("llm.gemini.model", "gemini-2.5-flash")
	v.SetDefault("llm.gemini.api_key", "")

	// Conversation defaults
	v.SetDefault("conversation.max_turns", 10)
	v.SetDefault("conversation.context_turns", 3)
	v.SetDefault("conversation.max_sessions", 1000)
	v.SetDefault("conversation.session_ttl", "1h")

	// Summarizer defaults
	v.SetDefault("summarizer.gloss_enabled", false)
	v.SetDefault("summarizer.gloss_top_per_system", 5)

	// Cache defaults
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.default_ttl", "24h")
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.pool_timeout", "4s")
	v.SetDefault("cache.memory_max_keys", 1000)
	v.SetDefault("cache.memory_ttl", "1h")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// MCP defaults
	v.SetDefault("mcp.server_name", "clinical-codes-finder")
	v.SetDefault("mcp.server_version", "v0.1.0")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// GetClinicalTablesConfig returns Clinical Tables API configuration
func (m *Manager) GetClinicalTablesConfig() *domain.ClinicalTablesConfig {
	return &m.config.ClinicalTables
}

// GetLLMConfig returns language model configuration
func (m *Manager) GetLLMConfig() *domain.LLMConfig {
	return &m.config.LLM
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

var validProviders = map[string]bool{
	"ollama": true, "openai": true, "gemini": true, "fake": true,
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	// Validate server configuration
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.ClinicalTables.BaseURL == "" {
		return fmt.Errorf("clinical tables base URL is required")
	}
	if config.ClinicalTables.MaxResults < 0 || config.ClinicalTables.MaxResults > 500 {
		return fmt.Errorf("invalid max_results: %d (must be 0-500)", config.ClinicalTables.MaxResults)
	}

	// Validate LLM configuration
	provider := strings.ToLower(config.LLM.Provider)
	if !validProviders[provider] {
		return fmt.Errorf("invalid LLM provider: %s", config.LLM.Provider)
	}
	if config.LLM.Temperature < 0 || config.LLM.Temperature > 2 {
		return fmt.Errorf("invalid LLM temperature: %v", config.LLM.Temperature)
	}
	if provider == "openai" && config.LLM.OpenAI.APIKey == "" {
		return fmt.Errorf("OpenAI API key is required for the openai provider")
	}

	if config.Conversation.MaxTurns <= 0 {
		return fmt.Errorf("conversation max_turns must be positive: %d", config.Conversation.MaxTurns)
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetRedisConnectionString returns the Redis connection string
func (m *Manager) GetRedisConnectionString() string {
	return m.config.Cache.RedisURL
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(m.config.Environment) == "production"
}

// IsDevelopment returns true if running in development mode
func (m *Manager) IsDevelopment() bool {
	return strings.ToLower(m.config.Environment) == "development"
}
