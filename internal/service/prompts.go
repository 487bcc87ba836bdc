package service

import (
	"fmt"
	"strings"

	"github.com/clinical-codes-finder/internal/domain"
)

const intentSystemPrompt = `You route clinical search queries to coding systems.
Return strict JSON with exactly these keys:
- primary_system: one of [icd10cm, loinc, rxnorm, hcpcs, ucum, hpo]
- secondary_systems: list of other relevant systems from the same set (at most 3)
- refined_query: the term to search for
- concept_type: one of [diagnosis, lab, drug, equipment, unit, phenotype, procedure, unknown]
- confidence: number between 0 and 1

Examples:
"diabetes" -> primary_system icd10cm, concept_type diagnosis
"glucose test" -> primary_system loinc, concept_type lab
"wheelchair" -> primary_system hcpcs, concept_type equipment
"mg/dL" -> primary_system ucum, concept_type unit
"ataxia" -> primary_system hpo, concept_type phenotype
"metformin 500 mg" -> primary_system rxnorm, concept_type drug

Never interpret equipment or supply queries as diagnoses.
A diagnosis or lab query is never a drug.
Add secondary systems when the query plausibly spans several systems.
Resolve references like "it", "that" or "those" against the conversation context
and put the resolved subject in refined_query.
When the user asks for lab tests for a condition, use the most specific common test:
- high cholesterol -> lipid profile
- kidney disease -> creatinine
- liver disease -> liver function panel
- thyroid -> TSH
- anemia -> CBC
Return only the JSON object, no explanations.`

const glossSystemPrompt = `For each code listed, explain briefly why it matches the query.
Return strict JSON: {"summary": string, "explanations": [{"system": string, "code": string, "explanation": string}]}.
Only explain codes that are listed. Return only the JSON object.`

// buildIntentPrompt renders the user message for a classification request.
func buildIntentPrompt(utterance string, snapshot domain.ConversationSnapshot, contextTurns int) string {
	var b strings.Builder
	b.WriteString(renderContext(snapshot, contextTurns))
	b.WriteString("\n\nCurrent query: ")
	b.WriteString(strings.TrimSpace(utterance))
	return b.String()
}

func renderContext(snapshot domain.ConversationSnapshot, contextTurns int) string {
	turns := snapshot.Turns
	if contextTurns > 0 && len(turns) > contextTurns {
		turns = turns[len(turns)-contextTurns:]
	}
	if len(turns) == 0 && !snapshot.HasTopic() {
		return "No previous context"
	}

	lines := make([]string, 0, len(turns)+1)
	for _, turn := range turns {
		lines = append(lines, fmt.Sprintf("Query: %q -> searched %q in %s",
			turn.UserUtterance, turn.ResolvedTopic, joinSystems(turn.DetectedSystems)))
	}
	if snapshot.HasTopic() {
		lines = append(lines, fmt.Sprintf("Last topic: %s", snapshot.LastTopic))
	}
	return strings.Join(lines, "\n")
}

// buildGlossPrompt lists the candidates the model may explain, grouped by system.
func buildGlossPrompt(queryTerm string, grouped []domain.SystemCandidates) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nResults:", queryTerm)
	for _, group := range grouped {
		fmt.Fprintf(&b, "\n%s (%d codes):", strings.ToUpper(string(group.System)), len(group.Candidates))
		for _, c := range group.Candidates {
			fmt.Fprintf(&b, "\n  - %s: %s", c.Code, c.Description)
		}
	}
	return b.String()
}

func joinSystems(systems []domain.CodingSystem) string {
	if len(systems) == 0 {
		return "no systems"
	}
	names := make([]string, len(systems))
	for i, s := range systems {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}
