package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/clinical-codes-finder/internal/domain"
)

// FakeProvider answers deterministically from keyword rules so the service
// can run offline and in tests. It reads Request.Input rather than the prompt.
type FakeProvider struct{}

// NewFakeProvider creates a fake provider
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{}
}

// Name identifies the provider in logs.
func (f *FakeProvider) Name() string { return "fake" }

// Complete returns a JSON payload for the request's task.
func (f *FakeProvider) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var obj any
	switch req.Task {
	case TaskClassifyIntent:
		query := inputString(req.Input, "query")
		referential, ok := req.Input["referential"].(bool)
		if !ok {
			referential = referentialPattern.MatchString(strings.ToLower(query))
		}
		obj = classifyByKeywords(query, inputString(req.Input, "last_topic"), referential)
	case TaskSummarizeResults:
		obj = glossByKeywords(inputString(req.Input, "query"), req.Input["candidates"])
	default:
		return "", fmt.Errorf("fake provider: unsupported task %q", req.Task)
	}

	b, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type keywordRule struct {
	system  domain.CodingSystem
	concept domain.ConceptType
	pattern *regexp.Regexp
}

var (
	strengthPattern = regexp.MustCompile(`\b\d+(\.\d+)?\s?(mg|mcg|g|ml)\b`)

	keywordRules = []keywordRule{
		{domain.RXNORM, domain.ConceptDrug, regexp.MustCompile(`\b(tablet|capsule|medication|medicine|drug|dose|metformin|insulin|lisinopril|atorvastatin|aspirin|ibuprofen|amoxicillin)\b`)},
		{domain.UCUM, domain.ConceptUnit, regexp.MustCompile(`(\b(mg|g|mmol|umol|meq|mcg|ng|pg)/(dl|l|ml)\b|\bunits?\b|\bunit of measure\b)`)},
		{domain.HCPCS, domain.ConceptEquipment, regexp.MustCompile(`\b(wheelchair|walker|crutch(es)?|cane|oxygen|catheter|supply|supplies|equipment|brace|nebulizer|glucometer)\b`)},
		{domain.HPO, domain.ConceptPhenotype, regexp.MustCompile(`\b(ataxia|phenotype|symptom|hypotonia|seizures?|tremor|macrocephaly|microcephaly)\b`)},
		{domain.LOINC, domain.ConceptLab, regexp.MustCompile(`\b(test|tests|lab|labs|glucose|hemoglobin|a1c|panel|level|levels|assay|creatinine|tsh|cbc)\b`)},
		{domain.ICD10, domain.ConceptDiagnosis, regexp.MustCompile(`\b(diabetes|hypertension|infection|asthma|cancer|disease|disorder|syndrome|diagnosis|pneumonia|fracture)\b`)},
	}

	referentialPattern = regexp.MustCompile(`\b(it|its|that|this|these|those|them|they|same)\b`)

	labRefinements = []struct {
		keyword string
		term    string
	}{
		{"cholesterol", "lipid profile"},
		{"kidney", "creatinine"},
		{"liver", "liver function panel"},
		{"thyroid", "TSH"},
		{"anemia", "CBC"},
	}
)

func classifyByKeywords(query, lastTopic string, referential bool) map[string]any {
	lower := strings.ToLower(query)
	referential = referential && lastTopic != ""

	primary := domain.ICD10
	concept := domain.ConceptUnknown
	secondary := []string{}
	confidence := 0.5
	matched := false

	if strengthPattern.MatchString(lower) {
		primary, concept, matched = domain.RXNORM, domain.ConceptDrug, true
	}
	for _, rule := range keywordRules {
		if matched {
			break
		}
		if rule.pattern.MatchString(lower) {
			primary, concept, matched = rule.system, rule.concept, true
		}
	}
	if matched {
		confidence = 0.9
	} else if !referential {
		secondary = append(secondary, string(domain.LOINC))
	}

	term := strings.TrimSpace(query)
	if referential {
		term = lastTopic
		if concept == domain.ConceptLab {
			term = refineLabTerm(lastTopic)
		}
		if !matched {
			primary, concept = domain.ICD10, domain.ConceptDiagnosis
		}
	}

	return map[string]any{
		"primary_system":    string(primary),
		"secondary_systems": secondary,
		"refined_query":     term,
		"concept_type":      string(concept),
		"confidence":        confidence,
	}
}

func refineLabTerm(topic string) string {
	lower := strings.ToLower(topic)
	for _, r := range labRefinements {
		if strings.Contains(lower, r.keyword) {
			return r.term
		}
	}
	return topic
}

func glossByKeywords(query string, rawCandidates any) map[string]any {
	var candidates []map[string]any
	if b, err := json.Marshal(rawCandidates); err == nil {
		_ = json.Unmarshal(b, &candidates)
	}

	words := strings.Fields(strings.ToLower(query))
	explanations := make([]map[string]string, 0, len(candidates))
	systems := map[string]bool{}
	for _, c := range candidates {
		system, _ := c["system"].(string)
		code, _ := c["code"].(string)
		description, _ := c["description"].(string)
		systems[system] = true

		matches := []string{}
		for _, w := range words {
			if strings.Contains(strings.ToLower(description), w) {
				matches = append(matches, w)
			}
		}
		explanation := fmt.Sprintf("Returned by %s for %q", system, query)
		if len(matches) > 0 {
			explanation = fmt.Sprintf("Description mentions %s", strings.Join(matches, ", "))
		}
		explanations = append(explanations, map[string]string{
			"system":      system,
			"code":        code,
			"explanation": explanation,
		})
	}

	return map[string]any{
		"summary":      fmt.Sprintf("Found %d codes for %q across %d coding systems.", len(candidates), query, len(systems)),
		"explanations": explanations,
	}
}

func inputString(input map[string]any, key string) string {
	if input == nil {
		return ""
	}
	s, _ := input[key].(string)
	return s
}
