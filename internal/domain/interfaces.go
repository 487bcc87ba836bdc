package domain

import (
	"context"
)

// ConversationSnapshot is a read-only view of a conversation at the start of a turn.
type ConversationSnapshot struct {
	Turns     []ConversationTurn
	LastTopic string // empty when no topic has been resolved
	Epoch     uint64
}

// HasTopic reports whether a topic has been resolved.
func (s ConversationSnapshot) HasTopic() bool {
	return s.LastTopic != ""
}

// IntentClassifier decides which systems to query and what to search for.
type IntentClassifier interface {
	Classify(ctx context.Context, utterance string, snapshot ConversationSnapshot) (*IntentResult, error)
}

// CodeLookup searches one coding system. Implementations return either a
// (possibly empty) slice or a LookupUnavailable QueryError.
type CodeLookup interface {
	Lookup(ctx context.Context, system CodingSystem, term string, maxResults int) ([]CodeCandidate, error)
}

// ResultSummarizer merges per-system candidates into a ranked result.
type ResultSummarizer interface {
	Summarize(ctx context.Context, queryTerm string, batches []SystemCandidates) (*RankedResult, error)
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetServerConfig() *ServerConfig
	GetClinicalTablesConfig() *ClinicalTablesConfig
	GetLLMConfig() *LLMConfig
	Reload() error
	Validate() error
	GetRedisConnectionString() string
	IsProduction() bool
	IsDevelopment() bool
}
