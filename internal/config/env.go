package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/clinical-codes-finder/internal/domain"
)

// DotEnvFile is the optional file loaded into the environment at startup.
var DotEnvFile = ".env"

// legacyEnv maps unprefixed variable names to config keys. Prefixed variables
// (CLINICAL_CODES_...) keep working alongside these.
var legacyEnv = map[string]string{
	"llm.provider":        "LLM_PROVIDER",
	"llm.temperature":     "LLM_TEMPERATURE",
	"llm.ollama.base_url": "OLLAMA_BASE_URL",
	"llm.ollama.model":    "OLLAMA_MODEL",
	"llm.openai.api_key":  "OPENAI_API_KEY",
	"llm.openai.model":    "OPENAI_MODEL",
	"llm.openai.base_url": "OPENAI_BASE_URL",
	"llm.gemini.api_key":  "GEMINI_API_KEY",
	"llm.gemini.model":    "GEMINI_MODEL",
	"cache.redis_url":     "REDIS_URL",
	"logging.level":       "LOG_LEVEL",
}

// LoadDotEnv loads DotEnvFile if it exists. Variables already set in the
// process environment are not overridden.
func LoadDotEnv() error {
	if err := godotenv.Load(DotEnvFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", DotEnvFile, err)
	}
	return nil
}

func bindLegacyEnv(v *viper.Viper) error {
	for key, env := range legacyEnv {
		prefixed := EnvPrefix + "_" + envKey(key)
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return err
		}
	}
	return nil
}

func envKey(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// NewLogger builds the process logger from logging configuration.
func NewLogger(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}
