// Package domain contains the core entities shared by the clinical code finder:
// coding systems, code candidates, conversation turns and the results of a turn.
//
// Codes are looked up through the NLM Clinical Tables search API
// (https://clinicaltables.nlm.nih.gov/), which fronts ICD-10-CM, LOINC, RxTerms,
// HCPCS, UCUM and HPO.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// CodingSystem identifies an external medical terminology.
type CodingSystem string

const (
	ICD10  CodingSystem = "icd10cm"
	LOINC  CodingSystem = "loinc"
	RXNORM CodingSystem = "rxnorm"
	HCPCS  CodingSystem = "hcpcs"
	UCUM   CodingSystem = "ucum"
	HPO    CodingSystem = "hpo"
)

// ErrUnknownCodingSystem is returned when a system name cannot be parsed.
var ErrUnknownCodingSystem = errors.New("unknown coding system")

// AllCodingSystems lists every supported system in canonical order.
func AllCodingSystems() []CodingSystem {
	return []CodingSystem{ICD10, LOINC, RXNORM, HCPCS, UCUM, HPO}
}

// IsValid reports whether the system is one of the supported terminologies.
func (s CodingSystem) IsValid() bool {
	switch s {
	case ICD10, LOINC, RXNORM, HCPCS, UCUM, HPO:
		return true
	default:
		return false
	}
}

// Endpoint returns the Clinical Tables dataset identifier for the system.
func (s CodingSystem) Endpoint() string {
	switch s {
	case ICD10:
		return "icd10cm"
	case LOINC:
		return "loinc_items"
	case RXNORM:
		return "rxterms"
	case HCPCS:
		return "hcpcs"
	case UCUM:
		return "ucum"
	case HPO:
		return "hpo"
	default:
		return ""
	}
}

// DisplayName returns the human readable name of the system.
func (s CodingSystem) DisplayName() string {
	switch s {
	case ICD10:
		return "ICD-10-CM"
	case LOINC:
		return "LOINC"
	case RXNORM:
		return "RxNorm"
	case HCPCS:
		return "HCPCS"
	case UCUM:
		return "UCUM"
	case HPO:
		return "HPO"
	default:
		return string(s)
	}
}

// Description returns what kind of concept the system codes.
func (s CodingSystem) Description() string {
	switch s {
	case ICD10:
		return "Diagnoses, conditions and diseases"
	case LOINC:
		return "Laboratory tests and clinical observations"
	case RXNORM:
		return "Medications and drugs"
	case HCPCS:
		return "Medical supplies, equipment and procedures"
	case UCUM:
		return "Units of measure"
	case HPO:
		return "Phenotypes, clinical features and symptoms"
	default:
		return ""
	}
}

var codingSystemAliases = map[string]CodingSystem{
	"icd10cm":     ICD10,
	"icd10":       ICD10,
	"icd-10":      ICD10,
	"icd-10-cm":   ICD10,
	"loinc":       LOINC,
	"loinc_items": LOINC,
	"rxnorm":      RXNORM,
	"rxterms":     RXNORM,
	"hcpcs":       HCPCS,
	"ucum":        UCUM,
	"hpo":         HPO,
}

// ParseCodingSystem converts a system name or alias into a CodingSystem.
func ParseCodingSystem(name string) (CodingSystem, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if s, ok := codingSystemAliases[key]; ok {
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCodingSystem, name)
}

// CodeCandidate is a single code returned by a coding-system lookup.
type CodeCandidate struct {
	System      CodingSystem `json:"system"`
	Code        string       `json:"code"`
	Description string       `json:"description"`
	RawScore    *float64     `json:"raw_score,omitempty"`
}

// SystemCandidates holds the candidates one system returned, in client order.
type SystemCandidates struct {
	System     CodingSystem    `json:"system"`
	Candidates []CodeCandidate `json:"candidates"`
}

// RankedCandidate is a candidate after deduplication and ranking.
type RankedCandidate struct {
	CodeCandidate
	Rank        int     `json:"rank"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation,omitempty"`
}

// SystemSummary reports per-system counts for a ranked result.
type SystemSummary struct {
	System     CodingSystem `json:"system"`
	Count      int          `json:"count"`
	Confidence float64      `json:"confidence"`
}

// RankedResult is the merged output of a turn's lookups.
type RankedResult struct {
	QueryTerm      string            `json:"query_term"`
	SystemsQueried []CodingSystem    `json:"systems_queried"`
	Candidates     []RankedCandidate `json:"candidates"`
	Systems        []SystemSummary   `json:"systems"`
	Summary        string            `json:"summary,omitempty"`
}

// IsEmpty reports whether no candidates were found.
func (r *RankedResult) IsEmpty() bool {
	return r == nil || len(r.Candidates) == 0
}

// ConceptType is the kind of clinical concept an utterance refers to.
type ConceptType string

const (
	ConceptDiagnosis ConceptType = "diagnosis"
	ConceptLab       ConceptType = "lab"
	ConceptDrug      ConceptType = "drug"
	ConceptEquipment ConceptType = "equipment"
	ConceptProcedure ConceptType = "procedure"
	ConceptUnit      ConceptType = "unit"
	ConceptPhenotype ConceptType = "phenotype"
	ConceptUnknown   ConceptType = "unknown"
)

// IntentResult is the outcome of classifying one utterance.
type IntentResult struct {
	SearchTerm  string         `json:"search_term"`
	Systems     []CodingSystem `json:"systems"`
	Confidence  float64        `json:"confidence"`
	ConceptType ConceptType    `json:"concept_type"`
	UsedContext bool           `json:"used_context"`
}

// ConversationTurn records one completed turn. Turns are never modified after
// they are appended to a conversation.
type ConversationTurn struct {
	ID              string         `json:"id"`
	UserUtterance   string         `json:"user_utterance"`
	ResolvedTopic   string         `json:"resolved_topic"`
	DetectedSystems []CodingSystem `json:"detected_systems"`
	Timestamp       time.Time      `json:"timestamp"`
}

// SystemFailure describes a system whose lookup failed during a turn.
type SystemFailure struct {
	System CodingSystem `json:"system"`
	Reason string       `json:"reason"`
}

// TurnResult is returned to callers of SubmitQuery.
type TurnResult struct {
	TurnID        string          `json:"turn_id"`
	Utterance     string          `json:"utterance"`
	Intent        *IntentResult   `json:"intent"`
	Result        *RankedResult   `json:"result"`
	FailedSystems []SystemFailure `json:"failed_systems,omitempty"`
	Message       string          `json:"message,omitempty"`
	Duration      time.Duration   `json:"duration"`
}
