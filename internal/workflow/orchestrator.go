// Package workflow sequences one conversational turn: classify the utterance,
// look the term up in every selected coding system, rank the results and
// record the turn.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/clinical-codes-finder/internal/conversation"
	"github.com/clinical-codes-finder/internal/domain"
)

// Stage is the orchestrator's position in the turn state machine.
type Stage string

const (
	StageIdle        Stage = "idle"
	StageClassifying Stage = "classifying"
	StageFetching    Stage = "fetching"
	StageSummarizing Stage = "summarizing"
	StageUpdating    Stage = "updating"
	StageError       Stage = "error"
)

const (
	defaultMaxResults    = 20
	defaultLookupTimeout = 10 * time.Second
	defaultConcurrency   = 4
)

// Orchestrator runs turns for a single conversation. Turns are serialized;
// lookups within a turn run concurrently.
type Orchestrator struct {
	classifier domain.IntentClassifier
	lookup     domain.CodeLookup
	summarizer domain.ResultSummarizer
	state      *conversation.State
	logger     *logrus.Logger

	sessionID     string
	maxResults    int
	lookupTimeout time.Duration
	concurrency   int
	onStage       func(Stage)

	turnMu sync.Mutex

	mu     sync.Mutex
	stage  Stage
	cancel context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSessionID tags log entries with a session identifier.
func WithSessionID(id string) Option {
	return func(o *Orchestrator) { o.sessionID = id }
}

// WithState replaces the default conversation state.
func WithState(state *conversation.State) Option {
	return func(o *Orchestrator) {
		if state != nil {
			o.state = state
		}
	}
}

// WithMaxResults sets the per-system result limit.
func WithMaxResults(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxResults = n
		}
	}
}

// WithLookupTimeout sets the deadline for each per-system lookup.
func WithLookupTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.lookupTimeout = d
		}
	}
}

// WithConcurrency bounds how many lookups of one turn run at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithStageHook registers a callback invoked on every stage transition.
func WithStageHook(fn func(Stage)) Option {
	return func(o *Orchestrator) { o.onStage = fn }
}

// NewOrchestrator creates a new orchestrator over the given collaborators.
func NewOrchestrator(classifier domain.IntentClassifier, lookup domain.CodeLookup, summarizer domain.ResultSummarizer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		classifier:    classifier,
		lookup:        lookup,
		summarizer:    summarizer,
		state:         conversation.NewState(conversation.DefaultMaxTurns),
		logger:        logrus.New(),
		maxResults:    defaultMaxResults,
		lookupTimeout: defaultLookupTimeout,
		concurrency:   defaultConcurrency,
		stage:         StageIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SubmitQuery runs one full turn for utterance.
func (o *Orchestrator) SubmitQuery(ctx context.Context, utterance string) (*domain.TurnResult, error) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	start := time.Now()
	turnID := uuid.NewString()
	snapshot := o.state.Snapshot()

	turnCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		o.cancel = nil
		o.mu.Unlock()
	}()

	log := o.logger.WithFields(logrus.Fields{
		"session_id": o.sessionID,
		"turn_id":    turnID,
	})

	o.setStage(StageClassifying)
	intent, err := o.classifier.Classify(turnCtx, utterance, snapshot)
	if err != nil {
		return nil, o.fail(log, snapshot.Epoch, err)
	}
	log.WithFields(logrus.Fields{
		"search_term": intent.SearchTerm,
		"systems":     intent.Systems,
	}).Info("Utterance classified")

	o.setStage(StageFetching)
	batches, failures := o.fetch(turnCtx, log, intent)
	if o.state.Epoch() != snapshot.Epoch {
		return nil, o.fail(log, snapshot.Epoch, domain.NewStateResetError())
	}
	if len(batches) == 0 {
		return nil, o.fail(log, snapshot.Epoch, allLookupsFailed(failures))
	}

	o.setStage(StageSummarizing)
	ranked, err := o.summarizer.Summarize(turnCtx, intent.SearchTerm, batches)
	if err != nil {
		return nil, o.fail(log, snapshot.Epoch, fmt.Errorf("failed to summarize results: %w", err))
	}

	o.setStage(StageUpdating)
	turn := domain.ConversationTurn{
		ID:              turnID,
		UserUtterance:   strings.TrimSpace(utterance),
		ResolvedTopic:   intent.SearchTerm,
		DetectedSystems: intent.Systems,
		Timestamp:       time.Now(),
	}
	if err := o.state.AppendIfCurrent(snapshot.Epoch, turn); err != nil {
		return nil, o.fail(log, snapshot.Epoch, err)
	}

	result := &domain.TurnResult{
		TurnID:        turnID,
		Utterance:     turn.UserUtterance,
		Intent:        intent,
		Result:        ranked,
		FailedSystems: failures,
		Duration:      time.Since(start),
	}
	if ranked.IsEmpty() {
		result.Message = fmt.Sprintf("No codes found for %q in %s.", intent.SearchTerm, systemList(intent.Systems))
	}

	log.WithFields(logrus.Fields{
		"candidates":     len(ranked.Candidates),
		"failed_systems": len(failures),
		"history_turns":  o.state.Len(),
		"duration_ms":    result.Duration.Milliseconds(),
	}).Info("Turn completed")

	o.setStage(StageIdle)
	return result, nil
}

type lookupOutcome struct {
	candidates []domain.CodeCandidate
	err        error
}

// fetch queries every system of the intent and waits for all of them.
// Successful batches keep the intent's system order.
func (o *Orchestrator) fetch(ctx context.Context, log *logrus.Entry, intent *domain.IntentResult) ([]domain.SystemCandidates, []domain.SystemFailure) {
	outcomes := make([]lookupOutcome, len(intent.Systems))

	p := pool.New().WithMaxGoroutines(o.concurrency)
	for i, system := range intent.Systems {
		p.Go(func() {
			callCtx, cancel := context.WithTimeout(ctx, o.lookupTimeout)
			defer cancel()

			candidates, err := o.lookup.Lookup(callCtx, system, intent.SearchTerm, o.maxResults)
			outcomes[i] = lookupOutcome{candidates: candidates, err: err}
		})
	}
	p.Wait()

	var (
		batches  []domain.SystemCandidates
		failures []domain.SystemFailure
	)
	for i, system := range intent.Systems {
		out := outcomes[i]
		if out.err != nil {
			log.WithFields(logrus.Fields{
				"system": system,
			}).WithError(out.err).Warn("Coding system lookup failed")
			failures = append(failures, domain.SystemFailure{System: system, Reason: out.err.Error()})
			continue
		}
		batches = append(batches, domain.SystemCandidates{System: system, Candidates: out.candidates})
	}
	return batches, failures
}

// fail moves the orchestrator through Error back to Idle. Errors caused by a
// concurrent reset are reported as StateResetError.
func (o *Orchestrator) fail(log *logrus.Entry, epoch uint64, err error) error {
	if o.state.Epoch() != epoch && !errors.Is(err, domain.ErrStateReset) {
		err = domain.NewStateResetError()
	}

	o.setStage(StageError)
	log.WithFields(logrus.Fields{
		"error_kind": domain.KindOf(err),
	}).WithError(err).Warn("Turn failed")
	o.setStage(StageIdle)
	return err
}

// ResetConversation clears the conversation and cancels any in-flight turn,
// whose results are then discarded.
func (o *Orchestrator) ResetConversation() {
	o.state.Reset()

	o.mu.Lock()
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Unlock()

	o.logger.WithField("session_id", o.sessionID).Info("Conversation reset")
}

// Stage returns the current stage.
func (o *Orchestrator) Stage() Stage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stage
}

// History returns the stored turns, oldest first.
func (o *Orchestrator) History() []domain.ConversationTurn {
	return o.state.Turns()
}

// MaxTurns returns how many turns the conversation keeps.
func (o *Orchestrator) MaxTurns() int {
	return o.state.MaxTurns()
}

// CurrentTopic returns the last resolved topic.
func (o *Orchestrator) CurrentTopic() (string, bool) {
	return o.state.CurrentTopic()
}

// SessionID returns the session identifier, if any.
func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

func (o *Orchestrator) setStage(stage Stage) {
	o.mu.Lock()
	o.stage = stage
	hook := o.onStage
	o.mu.Unlock()

	if hook != nil {
		hook(stage)
	}
}

func allLookupsFailed(failures []domain.SystemFailure) error {
	causes := make([]error, 0, len(failures))
	for _, f := range failures {
		causes = append(causes, fmt.Errorf("%s: %s", f.System, f.Reason))
	}
	return &domain.QueryError{
		Kind:    domain.ErrKindLookupUnavailable,
		Message: fmt.Sprintf("all %d coding system lookups failed", len(failures)),
		Err:     errors.Join(causes...),
	}
}

func systemList(systems []domain.CodingSystem) string {
	names := make([]string, len(systems))
	for i, s := range systems {
		names[i] = s.DisplayName()
	}
	return strings.Join(names, ", ")
}
