package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clinical-codes-finder/internal/domain"
	"github.com/clinical-codes-finder/internal/llm"
)

const defaultGlossTopPerSystem = 5

// Summarizer deduplicates and ranks candidates from several systems. When a
// provider is configured it also asks the model to explain the top matches.
type Summarizer struct {
	provider     llm.Provider
	validator    *JSONValidator
	logger       *logrus.Logger
	topPerSystem int
}

// SummarizerOption configures a Summarizer.
type SummarizerOption func(*Summarizer)

// WithGloss enables model explanations for the top candidates of each system.
func WithGloss(provider llm.Provider, topPerSystem int) SummarizerOption {
	return func(s *Summarizer) {
		s.provider = provider
		if topPerSystem > 0 {
			s.topPerSystem = topPerSystem
		}
	}
}

// WithSummarizerLogger sets the logger
func WithSummarizerLogger(logger *logrus.Logger) SummarizerOption {
	return func(s *Summarizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSummarizer creates a new result summarizer
func NewSummarizer(opts ...SummarizerOption) *Summarizer {
	s := &Summarizer{
		validator:    mustValidator(glossSchema),
		logger:       logrus.New(),
		topPerSystem: defaultGlossTopPerSystem,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type rankEntry struct {
	candidate   domain.CodeCandidate
	index       int
	systemOrder int
}

// Summarize merges batches into one ranked list. Batches must be in the order
// the systems were queried; that order breaks ties.
func (s *Summarizer) Summarize(ctx context.Context, queryTerm string, batches []domain.SystemCandidates) (*domain.RankedResult, error) {
	result := &domain.RankedResult{
		QueryTerm:      queryTerm,
		SystemsQueried: make([]domain.CodingSystem, 0, len(batches)),
		Candidates:     []domain.RankedCandidate{},
		Systems:        make([]domain.SystemSummary, 0, len(batches)),
	}

	type key struct {
		system domain.CodingSystem
		code   string
	}
	seen := make(map[key]bool)
	var entries []rankEntry

	for order, batch := range batches {
		result.SystemsQueried = append(result.SystemsQueried, batch.System)
		count := 0
		for i, c := range batch.Candidates {
			// A candidate belongs to the system it was looked up in.
			c.System = batch.System
			k := key{c.System, c.Code}
			if seen[k] {
				continue
			}
			seen[k] = true
			count++
			entries = append(entries, rankEntry{candidate: c, index: i, systemOrder: order})
		}
		result.Systems = append(result.Systems, domain.SystemSummary{
			System:     batch.System,
			Count:      count,
			Confidence: systemConfidence(count),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return rankLess(entries[i], entries[j])
	})

	for i, e := range entries {
		result.Candidates = append(result.Candidates, domain.RankedCandidate{
			CodeCandidate: e.candidate,
			Rank:          i + 1,
			Confidence:    matchConfidence(queryTerm, e.candidate),
		})
	}

	if s.provider != nil && len(result.Candidates) > 0 {
		s.gloss(ctx, result)
	}

	return result, nil
}

// rankLess orders scored candidates first by descending score, then by
// position within their system, then by system order.
func rankLess(a, b rankEntry) bool {
	as, bs := a.candidate.RawScore, b.candidate.RawScore
	switch {
	case as != nil && bs == nil:
		return true
	case as == nil && bs != nil:
		return false
	case as != nil && bs != nil && *as != *bs:
		return *as > *bs
	}
	if a.index != b.index {
		return a.index < b.index
	}
	return a.systemOrder < b.systemOrder
}

// systemConfidence grows with the number of hits and saturates at ten.
func systemConfidence(count int) float64 {
	return math.Min(float64(count)/10.0, 1.0)
}

// matchConfidence is 1 when the term appears in the candidate text, else the
// word-level Jaccard overlap between the two.
func matchConfidence(term string, c domain.CodeCandidate) float64 {
	t := strings.ToLower(strings.TrimSpace(term))
	if t == "" {
		return 0
	}
	text := strings.ToLower(c.Description + " " + c.Code)
	if strings.Contains(text, t) {
		return 1.0
	}

	a := wordSet(tokenize(t)...)
	b := wordSet(tokenize(text)...)
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return math.Round(float64(inter)/float64(union)*1000) / 1000
}

type glossPayload struct {
	Summary      string `json:"summary"`
	Explanations []struct {
		System      string `json:"system"`
		Code        string `json:"code"`
		Explanation string `json:"explanation"`
	} `json:"explanations"`
}

// gloss attaches model explanations. Failures leave the result unchanged.
func (s *Summarizer) gloss(ctx context.Context, result *domain.RankedResult) {
	start := time.Now()
	top := s.topCandidates(result)

	var flat []map[string]string
	for _, group := range top {
		for _, c := range group.Candidates {
			flat = append(flat, map[string]string{
				"system":      string(c.System),
				"code":        c.Code,
				"description": c.Description,
			})
		}
	}

	raw, err := s.provider.Complete(ctx, llm.Request{
		Task:   llm.TaskSummarizeResults,
		System: glossSystemPrompt,
		Prompt: buildGlossPrompt(result.QueryTerm, top),
		Input: map[string]any{
			"query":      result.QueryTerm,
			"candidates": flat,
		},
	})
	if err != nil {
		s.logger.WithError(err).Warn("Result gloss failed, returning ranked codes only")
		return
	}

	payload, err := s.parseGloss(raw)
	if err != nil {
		s.logger.WithError(err).Warn("Rejected gloss response")
		return
	}

	explained := make(map[string]string, len(payload.Explanations))
	for _, e := range payload.Explanations {
		explained[glossKey(e.System, e.Code)] = strings.TrimSpace(e.Explanation)
	}
	applied := 0
	for i := range result.Candidates {
		c := &result.Candidates[i]
		if text, ok := explained[glossKey(string(c.System), c.Code)]; ok && text != "" {
			c.Explanation = text
			applied++
		}
	}
	result.Summary = strings.TrimSpace(payload.Summary)

	s.logger.WithFields(logrus.Fields{
		"query_term":  result.QueryTerm,
		"explained":   applied,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("Attached result explanations")
}

func (s *Summarizer) topCandidates(result *domain.RankedResult) []domain.SystemCandidates {
	index := make(map[domain.CodingSystem]int)
	var groups []domain.SystemCandidates
	for _, rc := range result.Candidates {
		i, ok := index[rc.System]
		if !ok {
			i = len(groups)
			index[rc.System] = i
			groups = append(groups, domain.SystemCandidates{System: rc.System})
		}
		if len(groups[i].Candidates) < s.topPerSystem {
			groups[i].Candidates = append(groups[i].Candidates, rc.CodeCandidate)
		}
	}
	return groups
}

func (s *Summarizer) parseGloss(raw string) (*glossPayload, error) {
	obj, err := extractJSONObject(raw)
	if err != nil {
		return nil, err
	}
	if err := s.validator.Validate(obj); err != nil {
		return nil, err
	}
	var payload glossPayload
	if err := json.Unmarshal(obj, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode gloss: %w", err)
	}
	return &payload, nil
}

func glossKey(system, code string) string {
	return strings.ToLower(system) + "|" + code
}
