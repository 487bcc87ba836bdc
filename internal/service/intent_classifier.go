package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/clinical-codes-finder/internal/domain"
	"github.com/clinical-codes-finder/internal/llm"
)

const (
	// MaxSecondarySystems bounds how many extra systems one query fans out to.
	MaxSecondarySystems = 3

	defaultContextTurns     = 3
	defaultIntentConfidence = 0.5
)

var (
	referentialWords = wordSet("it", "its", "that", "this", "these", "those", "them", "they", "same")

	// Words that never name a clinical subject on their own.
	fillerWords = wordSet(
		"a", "an", "the", "is", "are", "was", "be", "for", "of", "to", "in", "on", "with", "about",
		"and", "or", "me", "my", "i", "we", "you", "can", "could", "would", "should", "do", "does",
		"please", "also", "there", "any", "some", "other", "more", "related", "common", "usual",
		"typical", "what", "which", "how", "who", "where", "when", "why", "whats", "s",
		"show", "find", "give", "get", "list", "tell", "need", "want", "look", "search", "up",
		"check", "checks", "order", "used", "use", "treat", "treats", "treatment", "measure",
		"lab", "labs", "test", "tests", "code", "codes", "drug", "drugs", "medication",
		"medications", "medicine", "medicines", "diagnosis", "diagnoses", "unit", "units",
		"equipment", "supply", "supplies", "phenotype", "phenotypes", "symptom", "symptoms",
		"procedure", "procedures", "icd", "icd10", "icd10cm", "loinc", "rxnorm", "hcpcs", "ucum", "hpo",
	)
)

// IntentClassifier turns an utterance plus conversation context into an
// IntentResult using a language model. It never mutates conversation state.
type IntentClassifier struct {
	provider     llm.Provider
	validator    *JSONValidator
	logger       *logrus.Logger
	temperature  float32
	contextTurns int
}

// ClassifierOption configures an IntentClassifier.
type ClassifierOption func(*IntentClassifier)

// WithClassifierLogger sets the logger
func WithClassifierLogger(logger *logrus.Logger) ClassifierOption {
	return func(c *IntentClassifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTemperature sets the sampling temperature sent to the provider.
func WithTemperature(t float32) ClassifierOption {
	return func(c *IntentClassifier) { c.temperature = t }
}

// WithContextTurns sets how many recent turns are rendered into the prompt.
func WithContextTurns(n int) ClassifierOption {
	return func(c *IntentClassifier) {
		if n > 0 {
			c.contextTurns = n
		}
	}
}

// NewIntentClassifier creates a new intent classifier backed by provider.
func NewIntentClassifier(provider llm.Provider, opts ...ClassifierOption) *IntentClassifier {
	c := &IntentClassifier{
		provider:     provider,
		validator:    mustValidator(intentSchema),
		logger:       logrus.New(),
		contextTurns: defaultContextTurns,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type intentPayload struct {
	PrimarySystem    string   `json:"primary_system"`
	SecondarySystems []string `json:"secondary_systems"`
	RefinedQuery     string   `json:"refined_query"`
	ConceptType      string   `json:"concept_type"`
	Confidence       *float64 `json:"confidence"`
}

// Classify decides which coding systems to query and the term to search for.
func (c *IntentClassifier) Classify(ctx context.Context, utterance string, snapshot domain.ConversationSnapshot) (*domain.IntentResult, error) {
	text := strings.TrimSpace(utterance)
	if text == "" {
		return nil, domain.NewEmptyQueryError()
	}

	referential := IsReferential(text)
	if referential && !snapshot.HasTopic() {
		return nil, domain.NewNoContextError(text)
	}

	start := time.Now()
	raw, err := c.provider.Complete(ctx, llm.Request{
		Task:   llm.TaskClassifyIntent,
		System: intentSystemPrompt,
		Prompt: buildIntentPrompt(text, snapshot, c.contextTurns),
		Input: map[string]any{
			"query":       text,
			"last_topic":  snapshot.LastTopic,
			"referential": referential,
		},
		Temperature: c.temperature,
	})
	if err != nil {
		return nil, domain.NewClassificationError("language model request failed", err)
	}

	intent, err := c.parse(raw)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"utterance": text,
			"response":  truncate(raw, 500),
		}).WithError(err).Warn("Rejected classifier response")
		return nil, err
	}

	intent.UsedContext = referential || pulledInTopic(text, intent.SearchTerm, snapshot.LastTopic)

	c.logger.WithFields(logrus.Fields{
		"utterance":    text,
		"search_term":  intent.SearchTerm,
		"systems":      intent.Systems,
		"concept_type": intent.ConceptType,
		"used_context": intent.UsedContext,
		"duration_ms":  time.Since(start).Milliseconds(),
	}).Debug("Classified utterance")

	return intent, nil
}

func (c *IntentClassifier) parse(raw string) (*domain.IntentResult, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return nil, domain.NewClassificationError("response contained no JSON object", err)
	}
	if err := c.validator.Validate(obj); err != nil {
		return nil, domain.NewClassificationError("response did not match the intent schema", err)
	}

	var payload intentPayload
	if err := json.Unmarshal(obj, &payload); err != nil {
		return nil, domain.NewClassificationError("failed to decode intent", err)
	}

	term := strings.TrimSpace(payload.RefinedQuery)
	if term == "" {
		return nil, domain.NewClassificationError("refined_query is blank", nil)
	}

	confidence := defaultIntentConfidence
	if payload.Confidence != nil {
		confidence = *payload.Confidence
	}

	return &domain.IntentResult{
		SearchTerm:  term,
		Systems:     orderSystems(payload.PrimarySystem, payload.SecondarySystems),
		Confidence:  confidence,
		ConceptType: domain.ConceptType(payload.ConceptType),
	}, nil
}

// orderSystems returns primary followed by distinct secondaries, capped.
func orderSystems(primary string, secondary []string) []domain.CodingSystem {
	systems := []domain.CodingSystem{domain.CodingSystem(primary)}
	seen := map[domain.CodingSystem]bool{systems[0]: true}
	for _, name := range secondary {
		if len(systems) > MaxSecondarySystems {
			break
		}
		s := domain.CodingSystem(name)
		if seen[s] {
			continue
		}
		seen[s] = true
		systems = append(systems, s)
	}
	return systems
}

// IsReferential reports whether an utterance points back at an earlier topic
// instead of naming a subject of its own, e.g. "what lab tests check it?".
func IsReferential(utterance string) bool {
	tokens := tokenize(utterance)
	hasReference := false
	for _, tok := range tokens {
		if referentialWords[tok] {
			hasReference = true
			continue
		}
		if !fillerWords[tok] {
			return false
		}
	}
	return hasReference
}

func pulledInTopic(utterance, term, topic string) bool {
	if topic == "" {
		return false
	}
	t := strings.ToLower(topic)
	return strings.Contains(strings.ToLower(term), t) && !strings.Contains(strings.ToLower(utterance), t)
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func wordSet(words ...string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
