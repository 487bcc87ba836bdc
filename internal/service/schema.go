package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// intentSchema constrains the classifier's JSON answer.
const intentSchema = `{
  "type": "object",
  "required": ["primary_system", "refined_query", "concept_type"],
  "properties": {
    "primary_system": {
      "type": "string",
      "enum": ["icd10cm", "loinc", "rxnorm", "hcpcs", "ucum", "hpo"]
    },
    "secondary_systems": {
      "type": "array",
      "items": {
        "type": "string",
        "enum": ["icd10cm", "loinc", "rxnorm", "hcpcs", "ucum", "hpo"]
      }
    },
    "refined_query": {"type": "string", "minLength": 1},
    "concept_type": {
      "type": "string",
      "enum": ["diagnosis", "lab", "drug", "equipment", "unit", "phenotype", "procedure", "unknown"]
    },
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

// glossSchema constrains the summarizer's optional explanation answer.
const glossSchema = `{
  "type": "object",
  "required": ["summary", "explanations"],
  "properties": {
    "summary": {"type": "string"},
    "explanations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["system", "code", "explanation"],
        "properties": {
          "system": {"type": "string"},
          "code": {"type": "string"},
          "explanation": {"type": "string"}
        }
      }
    }
  }
}`

var errNoJSONObject = errors.New("no JSON object found in response")

// JSONValidator validates model output against a JSON schema. Schemas are
// compiled once.
type JSONValidator struct {
	schema *gojsonschema.Schema
}

// NewJSONValidator compiles schema into a validator.
func NewJSONValidator(schema string) (*JSONValidator, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return &JSONValidator{schema: compiled}, nil
}

func mustValidator(schema string) *JSONValidator {
	v, err := NewJSONValidator(schema)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate checks that data conforms to the schema.
func (v *JSONValidator) Validate(data json.RawMessage) error {
	if !json.Valid(data) {
		return fmt.Errorf("data is not valid JSON")
	}

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}

	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(problems, "; "))
	}

	return nil
}

// extractJSONObject returns the first balanced JSON object in text. Models
// sometimes wrap their answer in prose or code fences.
func extractJSONObject(text string) (json.RawMessage, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, errNoJSONObject
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := json.RawMessage(text[start : i+1])
				if !json.Valid(candidate) {
					return nil, fmt.Errorf("invalid JSON in response")
				}
				return candidate, nil
			}
		}
	}
	return nil, errNoJSONObject
}
