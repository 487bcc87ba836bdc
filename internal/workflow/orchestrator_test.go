package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinical-codes-finder/internal/conversation"
	"github.com/clinical-codes-finder/internal/domain"
	"github.com/clinical-codes-finder/internal/llm"
	"github.com/clinical-codes-finder/internal/service"
	"github.com/clinical-codes-finder/pkg/external"
)

const (
	icd10Diabetes    = `[3,["E11.9","E11.65","E11.8"],null,[["E11.9","Type 2 diabetes mellitus without complications"],["E11.65","Type 2 diabetes mellitus with hyperglycemia"],["E11.8","Type 2 diabetes mellitus with unspecified complications"]]]`
	loincDiabetes    = `[2,["4548-4","17856-6"],null,[["4548-4","Hemoglobin A1c/Hemoglobin.total in Blood"],["17856-6","Hemoglobin A1c/Hemoglobin.total in Blood by HPLC"]]]`
	rxtermsMetformin = `[1,["METFORMIN (Oral Pill)"],{"STRENGTHS_AND_FORMS":[["500 mg Tab","500 mg 24HR XR Tab"]],"RXCUIS":[["861007","860974"]]},[["METFORMIN (Oral Pill)"]]]`
	emptyResponse    = `[0,[],null,[]]`
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// newClinicalTablesServer serves canned search responses per dataset.
func newClinicalTablesServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/icd10cm/"):
			fmt.Fprint(w, icd10Diabetes)
		case strings.HasPrefix(r.URL.Path, "/loinc_items/"):
			fmt.Fprint(w, loincDiabetes)
		case strings.HasPrefix(r.URL.Path, "/rxterms/"):
			fmt.Fprint(w, rxtermsMetformin)
		default:
			fmt.Fprint(w, emptyResponse)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newIntegrationOrchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	server := newClinicalTablesServer(t)
	client := external.NewClinicalTablesClient(external.ClinicalTablesConfig{
		BaseURL:   server.URL,
		Timeout:   2 * time.Second,
		RateLimit: 1000,
	}, testLogger())
	lookup := external.NewResilientLookupClient(client, domain.CircuitBreakerConfig{}, testLogger())

	classifier := service.NewIntentClassifier(llm.NewFakeProvider(), service.WithClassifierLogger(testLogger()))
	summarizer := service.NewSummarizer(service.WithSummarizerLogger(testLogger()))
	return NewOrchestrator(classifier, lookup, summarizer, append([]Option{WithLogger(testLogger())}, opts...)...)
}

// stubLookup returns canned results per system and can block until cancelled.
type stubLookup struct {
	mu      sync.Mutex
	results map[domain.CodingSystem][]domain.CodeCandidate
	errs    map[domain.CodingSystem]error
	block   bool
	started chan struct{}
	calls   []domain.CodingSystem
}

func (s *stubLookup) Lookup(ctx context.Context, system domain.CodingSystem, term string, maxResults int) ([]domain.CodeCandidate, error) {
	s.mu.Lock()
	s.calls = append(s.calls, system)
	s.mu.Unlock()

	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.block {
		<-ctx.Done()
		return nil, domain.NewLookupUnavailableError(system, ctx.Err())
	}
	if err := s.errs[system]; err != nil {
		return nil, err
	}
	return s.results[system], nil
}

func newStubOrchestrator(lookup *stubLookup, opts ...Option) *Orchestrator {
	classifier := service.NewIntentClassifier(llm.NewFakeProvider(), service.WithClassifierLogger(testLogger()))
	summarizer := service.NewSummarizer(service.WithSummarizerLogger(testLogger()))
	return NewOrchestrator(classifier, lookup, summarizer, append([]Option{WithLogger(testLogger())}, opts...)...)
}

func TestOrchestrator_DiabetesThenFollowUp(t *testing.T) {
	var stages []Stage
	o := newIntegrationOrchestrator(t, WithStageHook(func(s Stage) { stages = append(stages, s) }))
	ctx := context.Background()

	result, err := o.SubmitQuery(ctx, "diabetes type 2")
	require.NoError(t, err)
	assert.Equal(t, []domain.CodingSystem{domain.ICD10}, result.Intent.Systems)
	require.NotEmpty(t, result.Result.Candidates)
	first := result.Result.Candidates[0]
	assert.Equal(t, "E11.9", first.Code)
	assert.Equal(t, "Type 2 diabetes mellitus without complications", first.Description)
	assert.Equal(t, 1, first.Rank)
	assert.Empty(t, result.FailedSystems)
	assert.Empty(t, result.Message)
	assert.NotEmpty(t, result.TurnID)

	topic, ok := o.CurrentTopic()
	require.True(t, ok)
	assert.Equal(t, "diabetes type 2", topic)
	assert.Equal(t, []Stage{StageClassifying, StageFetching, StageSummarizing, StageUpdating, StageIdle}, stages)
	assert.Equal(t, StageIdle, o.Stage())

	followUp, err := o.SubmitQuery(ctx, "what is the lab test for it?")
	require.NoError(t, err)
	assert.Contains(t, followUp.Intent.Systems, domain.LOINC)
	assert.Contains(t, strings.ToLower(followUp.Intent.SearchTerm), "diabetes")
	assert.True(t, followUp.Intent.UsedContext)
	assert.Equal(t, "4548-4", followUp.Result.Candidates[0].Code)

	history := o.History()
	require.Len(t, history, 2)
	assert.Equal(t, "diabetes type 2", history[0].ResolvedTopic)
	assert.Equal(t, "what is the lab test for it?", history[1].UserUtterance)
}

func TestOrchestrator_Metformin(t *testing.T) {
	o := newIntegrationOrchestrator(t)

	result, err := o.SubmitQuery(context.Background(), "metformin 500mg")
	require.NoError(t, err)
	assert.Equal(t, domain.RXNORM, result.Intent.Systems[0])

	var codes []string
	for _, c := range result.Result.Candidates {
		codes = append(codes, c.Code)
	}
	assert.Contains(t, codes, "860974")
}

func TestOrchestrator_NoContext(t *testing.T) {
	var stages []Stage
	o := newIntegrationOrchestrator(t, WithStageHook(func(s Stage) { stages = append(stages, s) }))
	ctx := context.Background()

	_, err := o.SubmitQuery(ctx, "what is the lab test for it?")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoContext)
	assert.Empty(t, o.History())
	assert.Equal(t, []Stage{StageClassifying, StageError, StageIdle}, stages)

	_, err = o.SubmitQuery(ctx, "diabetes type 2")
	require.NoError(t, err)

	o.ResetConversation()
	_, ok := o.CurrentTopic()
	assert.False(t, ok)

	_, err = o.SubmitQuery(ctx, "what is the lab test for it?")
	assert.ErrorIs(t, err, domain.ErrNoContext)
	assert.Empty(t, o.History())
}

func TestOrchestrator_EmptyQuery(t *testing.T) {
	o := newStubOrchestrator(&stubLookup{})

	_, err := o.SubmitQuery(context.Background(), "   ")
	assert.ErrorIs(t, err, domain.ErrEmptyQuery)
	assert.Equal(t, domain.ErrKindEmptyQuery, domain.KindOf(err))
}

func TestOrchestrator_PartialFailure(t *testing.T) {
	lookup := &stubLookup{
		results: map[domain.CodingSystem][]domain.CodeCandidate{
			domain.ICD10: {{System: domain.ICD10, Code: "R53.83", Description: "Other fatigue"}},
		},
		errs: map[domain.CodingSystem]error{
			domain.LOINC: domain.NewLookupUnavailableError(domain.LOINC, errors.New("status 503")),
		},
	}
	o := newStubOrchestrator(lookup)

	result, err := o.SubmitQuery(context.Background(), "fatigue after meals")
	require.NoError(t, err)
	assert.Equal(t, []domain.CodingSystem{domain.ICD10, domain.LOINC}, result.Intent.Systems)
	require.Len(t, result.FailedSystems, 1)
	assert.Equal(t, domain.LOINC, result.FailedSystems[0].System)
	assert.Contains(t, result.FailedSystems[0].Reason, "status 503")
	require.Len(t, result.Result.Candidates, 1)
	assert.Equal(t, []domain.CodingSystem{domain.ICD10}, result.Result.SystemsQueried)
	assert.Len(t, o.History(), 1)
}

func TestOrchestrator_TotalFailure(t *testing.T) {
	boom := errors.New("connection refused")
	lookup := &stubLookup{errs: map[domain.CodingSystem]error{
		domain.ICD10: domain.NewLookupUnavailableError(domain.ICD10, boom),
		domain.LOINC: domain.NewLookupUnavailableError(domain.LOINC, boom),
	}}
	o := newStubOrchestrator(lookup)

	result, err := o.SubmitQuery(context.Background(), "fatigue after meals")
	require.Error(t, err)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, domain.ErrLookupUnavailable)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, o.History())
	assert.Equal(t, StageIdle, o.Stage())
}

func TestOrchestrator_NoResultsMessage(t *testing.T) {
	o := newStubOrchestrator(&stubLookup{})

	result, err := o.SubmitQuery(context.Background(), "wheelchair")
	require.NoError(t, err)
	assert.True(t, result.Result.IsEmpty())
	assert.Contains(t, result.Message, "No codes found")
	assert.Contains(t, result.Message, "HCPCS")

	topic, _ := o.CurrentTopic()
	assert.Equal(t, "wheelchair", topic)
}

func TestOrchestrator_ResetMidFlight(t *testing.T) {
	lookup := &stubLookup{block: true, started: make(chan struct{}, 4)}
	o := newStubOrchestrator(lookup, WithLookupTimeout(5*time.Second))

	errCh := make(chan error, 1)
	go func() {
		_, err := o.SubmitQuery(context.Background(), "diabetes type 2")
		errCh <- err
	}()

	select {
	case <-lookup.started:
	case <-time.After(2 * time.Second):
		t.Fatal("lookup never started")
	}
	o.ResetConversation()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, domain.ErrStateReset)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not finish after reset")
	}
	assert.Empty(t, o.History())
	_, ok := o.CurrentTopic()
	assert.False(t, ok)
}

func TestOrchestrator_LookupTimeout(t *testing.T) {
	lookup := &stubLookup{block: true}
	o := newStubOrchestrator(lookup, WithLookupTimeout(20*time.Millisecond))

	_, err := o.SubmitQuery(context.Background(), "diabetes type 2")
	assert.ErrorIs(t, err, domain.ErrLookupUnavailable)
	assert.Empty(t, o.History())
}

func TestOrchestrator_HistoryBound(t *testing.T) {
	lookup := &stubLookup{results: map[domain.CodingSystem][]domain.CodeCandidate{
		domain.ICD10: {{System: domain.ICD10, Code: "E11.9", Description: "Type 2 diabetes mellitus"}},
	}}
	o := newStubOrchestrator(lookup, WithState(conversation.NewState(10)))

	for i := 1; i <= 11; i++ {
		_, err := o.SubmitQuery(context.Background(), fmt.Sprintf("diabetes %d", i))
		require.NoError(t, err)
	}

	history := o.History()
	require.Len(t, history, 10)
	assert.Equal(t, "diabetes 2", history[0].UserUtterance)
	assert.Equal(t, "diabetes 11", history[9].UserUtterance)
}

func TestOrchestrator_TurnsAreSerialized(t *testing.T) {
	lookup := &stubLookup{results: map[domain.CodingSystem][]domain.CodeCandidate{
		domain.ICD10: {{System: domain.ICD10, Code: "J45.909", Description: "Unspecified asthma"}},
	}}
	o := newStubOrchestrator(lookup)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := o.SubmitQuery(context.Background(), fmt.Sprintf("asthma %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, o.History(), 8)
	assert.Equal(t, StageIdle, o.Stage())
}
