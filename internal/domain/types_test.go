package domain

import (
	"errors"
	"testing"
)

func TestCodingSystemEndpoints(t *testing.T) {
	tests := []struct {
		name     string
		system   CodingSystem
		endpoint string
		display  string
	}{
		{"ICD10", ICD10, "icd10cm", "ICD-10-CM"},
		{"LOINC", LOINC, "loinc_items", "LOINC"},
		{"RxNorm", RXNORM, "rxterms", "RxNorm"},
		{"HCPCS", HCPCS, "hcpcs", "HCPCS"},
		{"UCUM", UCUM, "ucum", "UCUM"},
		{"HPO", HPO, "hpo", "HPO"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.system.IsValid() {
				t.Errorf("Expected %s to be valid", tt.system)
			}
			if got := tt.system.Endpoint(); got != tt.endpoint {
				t.Errorf("Expected endpoint %s, got %s", tt.endpoint, got)
			}
			if got := tt.system.DisplayName(); got != tt.display {
				t.Errorf("Expected display name %s, got %s", tt.display, got)
			}
			if tt.system.Description() == "" {
				t.Errorf("Expected a description for %s", tt.system)
			}
		})
	}
}

func TestCodingSystemInvalid(t *testing.T) {
	s := CodingSystem("snomed")
	if s.IsValid() {
		t.Error("Expected snomed to be invalid")
	}
	if s.Endpoint() != "" {
		t.Errorf("Expected empty endpoint, got %s", s.Endpoint())
	}
}

func TestParseCodingSystem(t *testing.T) {
	tests := []struct {
		input    string
		expected CodingSystem
		wantErr  bool
	}{
		{"icd10cm", ICD10, false},
		{"ICD-10", ICD10, false},
		{" icd10 ", ICD10, false},
		{"LOINC", LOINC, false},
		{"loinc_items", LOINC, false},
		{"rxterms", RXNORM, false},
		{"RxNorm", RXNORM, false},
		{"hcpcs", HCPCS, false},
		{"ucum", UCUM, false},
		{"HPO", HPO, false},
		{"snomed", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseCodingSystem(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownCodingSystem) {
					t.Errorf("Expected ErrUnknownCodingSystem, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestAllCodingSystems(t *testing.T) {
	all := AllCodingSystems()
	if len(all) != 6 {
		t.Fatalf("Expected 6 coding systems, got %d", len(all))
	}
	if all[0] != ICD10 {
		t.Errorf("Expected ICD10 first, got %s", all[0])
	}
}

func TestRankedResultIsEmpty(t *testing.T) {
	var nilResult *RankedResult
	if !nilResult.IsEmpty() {
		t.Error("Expected nil result to be empty")
	}
	if !(&RankedResult{}).IsEmpty() {
		t.Error("Expected result without candidates to be empty")
	}
	r := &RankedResult{Candidates: []RankedCandidate{{CodeCandidate: CodeCandidate{System: ICD10, Code: "E11.9"}}}}
	if r.IsEmpty() {
		t.Error("Expected result with candidates to be non-empty")
	}
}

func TestConversationSnapshotHasTopic(t *testing.T) {
	if (ConversationSnapshot{}).HasTopic() {
		t.Error("Expected empty snapshot to have no topic")
	}
	if !(ConversationSnapshot{LastTopic: "diabetes"}).HasTopic() {
		t.Error("Expected snapshot with topic")
	}
}
