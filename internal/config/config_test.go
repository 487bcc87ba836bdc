package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinical-codes-finder/internal/domain"
)

func TestNewManager_Defaults(t *testing.T) {
	clearEnvVars(t)

	m, err := NewManager()
	require.NoError(t, err)
	cfg := m.GetConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://clinicaltables.nlm.nih.gov/api", cfg.ClinicalTables.BaseURL)
	assert.Equal(t, 20, cfg.ClinicalTables.MaxResults)
	assert.Equal(t, 10*time.Second, cfg.ClinicalTables.LookupTimeout)
	assert.Equal(t, "ollama", cfg.LLM.Provider)
	assert.Equal(t, "http://localhost:11434", cfg.LLM.Ollama.BaseURL)
	assert.Equal(t, "llama2", cfg.LLM.Ollama.Model)
	assert.Equal(t, "gpt-4", cfg.LLM.OpenAI.Model)
	assert.Equal(t, 10, cfg.Conversation.MaxTurns)
	assert.Equal(t, 3, cfg.Conversation.ContextTurns)
	assert.Equal(t, 5, cfg.Summarizer.GlossTopPerSystem)
	assert.Empty(t, cfg.Cache.RedisURL)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, m.IsDevelopment())
	assert.False(t, m.IsProduction())
	assert.NoError(t, m.Validate())
}

func TestNewManager_EnvironmentOverrides(t *testing.T) {
	clearEnvVars(t)

	t.Setenv("CLINICAL_CODES_SERVER_PORT", "9090")
	t.Setenv("CLINICAL_CODES_CLINICAL_TABLES_MAX_RESULTS", "50")
	t.Setenv("CLINICAL_CODES_CONVERSATION_MAX_TURNS", "4")
	t.Setenv("CLINICAL_CODES_ENVIRONMENT", "production")

	m, err := NewManager()
	require.NoError(t, err)
	cfg := m.GetConfig()

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 50, cfg.ClinicalTables.MaxResults)
	assert.Equal(t, 4, cfg.Conversation.MaxTurns)
	assert.True(t, m.IsProduction())
}

func TestNewManager_LegacyEnvironment(t *testing.T) {
	clearEnvVars(t)

	t.Setenv("LLM_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_MODEL", "gpt-4o-mini")
	t.Setenv("OLLAMA_BASE_URL", "http://ollama:11434")
	t.Setenv("LLM_TEMPERATURE", "0.2")

	m, err := NewManager()
	require.NoError(t, err)
	llm := m.GetLLMConfig()

	assert.Equal(t, "openai", llm.Provider)
	assert.Equal(t, "sk-test", llm.OpenAI.APIKey)
	assert.Equal(t, "gpt-4o-mini", llm.OpenAI.Model)
	assert.Equal(t, "http://ollama:11434", llm.Ollama.BaseURL)
	assert.InDelta(t, 0.2, float64(llm.Temperature), 0.0001)
	assert.NoError(t, m.Validate())
}

func TestNewManager_ConfigFile(t *testing.T) {
	clearEnvVars(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte("llm:\n  provider: fake\nconversation:\n  max_turns: 7\n")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	m, err := NewManager(WithConfigFile(path))
	require.NoError(t, err)

	assert.Equal(t, "fake", m.GetConfig().LLM.Provider)
	assert.Equal(t, 7, m.GetConfig().Conversation.MaxTurns)
}

func TestNewManager_MissingExplicitConfigFile(t *testing.T) {
	clearEnvVars(t)

	_, err := NewManager(WithConfigFile(filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Error(t, err)
}

func TestManager_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *domain.Config)
		wantErr string
	}{
		{"valid defaults", func(cfg *domain.Config) {}, ""},
		{"bad port", func(cfg *domain.Config) { cfg.Server.Port = 0 }, "invalid server port"},
		{"missing base url", func(cfg *domain.Config) { cfg.ClinicalTables.BaseURL = "" }, "base URL is required"},
		{"max results too large", func(cfg *domain.Config) { cfg.ClinicalTables.MaxResults = 501 }, "invalid max_results"},
		{"unknown provider", func(cfg *domain.Config) { cfg.LLM.Provider = "claude-local" }, "invalid LLM provider"},
		{"openai without key", func(cfg *domain.Config) { cfg.LLM.Provider = "openai" }, "OpenAI API key is required"},
		{"bad temperature", func(cfg *domain.Config) { cfg.LLM.Temperature = 3 }, "invalid LLM temperature"},
		{"zero turns", func(cfg *domain.Config) { cfg.Conversation.MaxTurns = 0 }, "max_turns must be positive"},
		{"bad log level", func(cfg *domain.Config) { cfg.Logging.Level = "verbose" }, "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnvVars(t)
			m, err := NewManager()
			require.NoError(t, err)

			tt.mutate(m.GetConfig())
			err = m.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnvVars(t)

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LLM_PROVIDER=gemini\nGEMINI_API_KEY=abc\n"), 0o600))

	original := DotEnvFile
	DotEnvFile = path
	t.Cleanup(func() {
		DotEnvFile = original
		os.Unsetenv("LLM_PROVIDER")
		os.Unsetenv("GEMINI_API_KEY")
	})

	m, err := NewManager()
	require.NoError(t, err)
	assert.Equal(t, "gemini", m.GetLLMConfig().Provider)
	assert.Equal(t, "abc", m.GetLLMConfig().Gemini.APIKey)
}

func TestLoadDotEnv_MissingFileIsIgnored(t *testing.T) {
	original := DotEnvFile
	DotEnvFile = filepath.Join(t.TempDir(), "nope.env")
	t.Cleanup(func() { DotEnvFile = original })

	assert.NoError(t, LoadDotEnv())
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger(domain.LoggingConfig{Level: "debug", Format: "text"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)

	logger = NewLogger(domain.LoggingConfig{Level: "nonsense", Format: "json"})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

// clearEnvVars blanks every variable the manager reads so host settings do not leak in.
func clearEnvVars(t *testing.T) {
	t.Helper()
	for key, legacy := range legacyEnv {
		unsetForTest(t, legacy)
		unsetForTest(t, EnvPrefix+"_"+envKey(key))
	}
	for _, name := range []string{
		"CLINICAL_CODES_SERVER_PORT",
		"CLINICAL_CODES_CLINICAL_TABLES_MAX_RESULTS",
		"CLINICAL_CODES_CONVERSATION_MAX_TURNS",
		"CLINICAL_CODES_ENVIRONMENT",
	} {
		unsetForTest(t, name)
	}
}

func unsetForTest(t *testing.T, name string) {
	t.Helper()
	if value, ok := os.LookupEnv(name); ok {
		os.Unsetenv(name)
		t.Cleanup(func() { os.Setenv(name, value) })
	}
}
