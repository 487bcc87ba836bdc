package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinical-codes-finder/internal/domain"
	"github.com/clinical-codes-finder/internal/llm"
)

// scriptedProvider returns a canned completion and records the last request.
type scriptedProvider struct {
	out   string
	err   error
	calls int
	last  llm.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req llm.Request) (string, error) {
	p.calls++
	p.last = req
	return p.out, p.err
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func snapshotWithTopic(topic string) domain.ConversationSnapshot {
	return domain.ConversationSnapshot{
		Turns: []domain.ConversationTurn{{
			ID:              "t1",
			UserUtterance:   topic,
			ResolvedTopic:   topic,
			DetectedSystems: []domain.CodingSystem{domain.ICD10},
			Timestamp:       time.Now(),
		}},
		LastTopic: topic,
		Epoch:     1,
	}
}

func TestIntentClassifier_Classify(t *testing.T) {
	tests := []struct {
		name        string
		utterance   string
		snapshot    domain.ConversationSnapshot
		response    string
		wantTerm    string
		wantSystems []domain.CodingSystem
		wantConcept domain.ConceptType
		wantConf    float64
		usedContext bool
	}{
		{
			name:        "single system",
			utterance:   "diabetes type 2",
			response:    `{"primary_system":"icd10cm","secondary_systems":[],"refined_query":"diabetes type 2","concept_type":"diagnosis","confidence":0.92}`,
			wantTerm:    "diabetes type 2",
			wantSystems: []domain.CodingSystem{domain.ICD10},
			wantConcept: domain.ConceptDiagnosis,
			wantConf:    0.92,
		},
		{
			name:        "wrapped in prose with duplicate secondaries",
			utterance:   "blood sugar",
			response:    "Sure!\n```json\n{\"primary_system\":\"loinc\",\"secondary_systems\":[\"icd10cm\",\"loinc\",\"icd10cm\"],\"refined_query\":\"glucose\",\"concept_type\":\"lab\",\"confidence\":0.7}\n```",
			wantTerm:    "glucose",
			wantSystems: []domain.CodingSystem{domain.LOINC, domain.ICD10},
			wantConcept: domain.ConceptLab,
			wantConf:    0.7,
		},
		{
			name:        "secondaries capped",
			utterance:   "insulin",
			response:    `{"primary_system":"rxnorm","secondary_systems":["icd10cm","loinc","hcpcs","ucum","hpo"],"refined_query":"insulin","concept_type":"drug","confidence":0.6}`,
			wantTerm:    "insulin",
			wantSystems: []domain.CodingSystem{domain.RXNORM, domain.ICD10, domain.LOINC, domain.HCPCS},
			wantConcept: domain.ConceptDrug,
			wantConf:    0.6,
		},
		{
			name:        "missing confidence uses default",
			utterance:   "wheelchair",
			response:    `{"primary_system":"hcpcs","refined_query":"wheelchair","concept_type":"equipment"}`,
			wantTerm:    "wheelchair",
			wantSystems: []domain.CodingSystem{domain.HCPCS},
			wantConcept: domain.ConceptEquipment,
			wantConf:    defaultIntentConfidence,
		},
		{
			name:        "referential follow up",
			utterance:   "what is the lab test for it?",
			snapshot:    snapshotWithTopic("diabetes type 2"),
			response:    `{"primary_system":"loinc","secondary_systems":[],"refined_query":"diabetes type 2 hemoglobin A1c","concept_type":"lab","confidence":0.8}`,
			wantTerm:    "diabetes type 2 hemoglobin A1c",
			wantSystems: []domain.CodingSystem{domain.LOINC},
			wantConcept: domain.ConceptLab,
			wantConf:    0.8,
			usedContext: true,
		},
		{
			name:        "new subject ignores topic",
			utterance:   "asthma",
			snapshot:    snapshotWithTopic("diabetes type 2"),
			response:    `{"primary_system":"icd10cm","refined_query":"asthma","concept_type":"diagnosis","confidence":0.9}`,
			wantTerm:    "asthma",
			wantSystems: []domain.CodingSystem{domain.ICD10},
			wantConcept: domain.ConceptDiagnosis,
			wantConf:    0.9,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &scriptedProvider{out: tt.response}
			classifier := NewIntentClassifier(provider, WithClassifierLogger(testLogger()))

			intent, err := classifier.Classify(context.Background(), tt.utterance, tt.snapshot)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTerm, intent.SearchTerm)
			assert.Equal(t, tt.wantSystems, intent.Systems)
			assert.Equal(t, tt.wantConcept, intent.ConceptType)
			assert.InDelta(t, tt.wantConf, intent.Confidence, 0.0001)
			assert.Equal(t, tt.usedContext, intent.UsedContext)
			assert.Equal(t, 1, provider.calls)
		})
	}
}

func TestIntentClassifier_Errors(t *testing.T) {
	tests := []struct {
		name      string
		utterance string
		snapshot  domain.ConversationSnapshot
		response  string
		provErr   error
		wantKind  domain.ErrorKind
		wantCalls int
	}{
		{"empty", "   ", domain.ConversationSnapshot{}, "", nil, domain.ErrKindEmptyQuery, 0},
		{"referential without topic", "what about it?", domain.ConversationSnapshot{}, "", nil, domain.ErrKindNoContext, 0},
		{"provider failure", "diabetes", domain.ConversationSnapshot{}, "", errors.New("connection refused"), domain.ErrKindClassification, 1},
		{"no json", "diabetes", domain.ConversationSnapshot{}, "I think this is ICD-10", nil, domain.ErrKindClassification, 1},
		{"unknown system", "diabetes", domain.ConversationSnapshot{}, `{"primary_system":"snomed","refined_query":"diabetes","concept_type":"diagnosis"}`, nil, domain.ErrKindClassification, 1},
		{"blank term", "diabetes", domain.ConversationSnapshot{}, `{"primary_system":"icd10cm","refined_query":"  ","concept_type":"diagnosis"}`, nil, domain.ErrKindClassification, 1},
		{"confidence out of range", "diabetes", domain.ConversationSnapshot{}, `{"primary_system":"icd10cm","refined_query":"diabetes","concept_type":"diagnosis","confidence":3}`, nil, domain.ErrKindClassification, 1},
		{"bad concept", "diabetes", domain.ConversationSnapshot{}, `{"primary_system":"icd10cm","refined_query":"diabetes","concept_type":"vibe"}`, nil, domain.ErrKindClassification, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &scriptedProvider{out: tt.response, err: tt.provErr}
			classifier := NewIntentClassifier(provider, WithClassifierLogger(testLogger()))

			intent, err := classifier.Classify(context.Background(), tt.utterance, tt.snapshot)
			require.Error(t, err)
			assert.Nil(t, intent)
			assert.Equal(t, tt.wantKind, domain.KindOf(err))
			assert.Equal(t, tt.wantCalls, provider.calls)
		})
	}
}

func TestIntentClassifier_PromptCarriesContext(t *testing.T) {
	provider := &scriptedProvider{out: `{"primary_system":"loinc","refined_query":"lipid profile","concept_type":"lab"}`}
	classifier := NewIntentClassifier(provider,
		WithClassifierLogger(testLogger()),
		WithTemperature(0.2),
		WithContextTurns(2),
	)

	snapshot := domain.ConversationSnapshot{LastTopic: "high cholesterol"}
	for _, topic := range []string{"asthma", "hypertension", "high cholesterol"} {
		snapshot.Turns = append(snapshot.Turns, domain.ConversationTurn{
			UserUtterance:   topic,
			ResolvedTopic:   topic,
			DetectedSystems: []domain.CodingSystem{domain.ICD10},
		})
	}

	_, err := classifier.Classify(context.Background(), "which labs check that", snapshot)
	require.NoError(t, err)

	req := provider.last
	assert.Equal(t, llm.TaskClassifyIntent, req.Task)
	assert.Equal(t, intentSystemPrompt, req.System)
	assert.InDelta(t, 0.2, req.Temperature, 0.0001)
	assert.NotContains(t, req.Prompt, `"asthma"`)
	assert.Contains(t, req.Prompt, `"hypertension"`)
	assert.Contains(t, req.Prompt, "Last topic: high cholesterol")
	assert.True(t, strings.HasSuffix(req.Prompt, "Current query: which labs check that"))
	assert.Equal(t, true, req.Input["referential"])
	assert.Equal(t, "high cholesterol", req.Input["last_topic"])
}

func TestIntentClassifier_WithFakeProvider(t *testing.T) {
	classifier := NewIntentClassifier(llm.NewFakeProvider(), WithClassifierLogger(testLogger()))

	intent, err := classifier.Classify(context.Background(), "diabetes type 2", domain.ConversationSnapshot{})
	require.NoError(t, err)
	assert.Equal(t, []domain.CodingSystem{domain.ICD10}, intent.Systems)
	assert.Equal(t, "diabetes type 2", intent.SearchTerm)

	intent, err = classifier.Classify(context.Background(), "what is the lab test for it?", snapshotWithTopic("diabetes type 2"))
	require.NoError(t, err)
	assert.Equal(t, domain.LOINC, intent.Systems[0])
	assert.Contains(t, intent.SearchTerm, "diabetes")
	assert.True(t, intent.UsedContext)
}

func TestIsReferential(t *testing.T) {
	tests := []struct {
		utterance string
		want      bool
	}{
		{"what is the lab test for it?", true},
		{"What's the code for that", true},
		{"which drugs treat them", true},
		{"same for icd10", true},
		{"diabetes type 2", false},
		{"is asthma related to it", false},
		{"glucose test", false},
		{"lab tests", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.utterance, func(t *testing.T) {
			assert.Equal(t, tt.want, IsReferential(tt.utterance))
		})
	}
}

func TestExtractJSONObject(t *testing.T) {
	obj, err := extractJSONObject(`noise {"a":"}{","b":{"c":1}} trailing {"d":2}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"}{","b":{"c":1}}`, string(obj))

	_, err = extractJSONObject("no braces here")
	assert.ErrorIs(t, err, errNoJSONObject)

	_, err = extractJSONObject(`{"unterminated": 1`)
	assert.ErrorIs(t, err, errNoJSONObject)

	_, err = extractJSONObject(`{bad: 1}`)
	assert.Error(t, err)
}

func TestJSONValidator(t *testing.T) {
	_, err := NewJSONValidator(`{not json`)
	assert.Error(t, err)

	v := mustValidator(glossSchema)
	assert.NoError(t, v.Validate([]byte(`{"summary":"s","explanations":[]}`)))
	assert.Error(t, v.Validate([]byte(`{"summary":"s"}`)))
	assert.Error(t, v.Validate([]byte(`not json`)))
}
