package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/clinical-codes-finder/internal/domain"
)

const (
	// DefaultMaxResults is used when a lookup asks for zero or fewer results.
	DefaultMaxResults = 20
	// MaxListLimit is the largest maxList the Clinical Tables API accepts.
	MaxListLimit = 500
)

// ClinicalTablesClient searches the NLM Clinical Tables API
type ClinicalTablesClient struct {
	baseURL    string
	httpClient *http.Client
	limiters   map[domain.CodingSystem]*rate.Limiter
	logger     *logrus.Logger
}

// ClinicalTablesConfig represents configuration for the Clinical Tables client
type ClinicalTablesConfig struct {
	BaseURL   string        `json:"base_url"`
	Timeout   time.Duration `json:"timeout"`
	RateLimit int           `json:"rate_limit"` // requests per second per system
}

// searchFields describes how a dataset is queried and how rows map to candidates.
type searchFields struct {
	search  string
	display string
	extra   string
}

// Search and display fields per dataset.
var datasetFields = map[domain.CodingSystem]searchFields{
	domain.ICD10: {
		search:  "code,name",
		display: "code,name",
	},
	domain.LOINC: {
		search:  "text,COMPONENT,CONSUMER_NAME,RELATEDNAMES2,METHOD_TYP,SHORTNAME,LONG_COMMON_NAME,LOINC_NUM",
		display: "LOINC_NUM,LONG_COMMON_NAME",
	},
	domain.RXNORM: {
		search:  "DISPLAY_NAME,STRENGTHS_AND_FORMS,DISPLAY_NAME_SYNONYM",
		display: "DISPLAY_NAME",
		extra:   "STRENGTHS_AND_FORMS,RXCUIS",
	},
	domain.HCPCS: {
		search:  "code,short_desc,long_desc",
		display: "code,display",
	},
	domain.UCUM: {
		search:  "cs_code,name,synonyms,cs_code_tokens",
		display: "cs_code,name",
	},
	domain.HPO: {
		search:  "id,name,synonym.term",
		display: "id,name",
	},
}

// NewClinicalTablesClient creates a new Clinical Tables API client
func NewClinicalTablesClient(config ClinicalTablesConfig, logger *logrus.Logger) *ClinicalTablesClient {
	if config.BaseURL == "" {
		config.BaseURL = "https://clinicaltables.nlm.nih.gov/api"
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 10
	}
	if logger == nil {
		logger = logrus.New()
	}

	limiters := make(map[domain.CodingSystem]*rate.Limiter)
	for _, system := range domain.AllCodingSystems() {
		limiters[system] = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}

	return &ClinicalTablesClient{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiters: limiters,
		logger:   logger,
	}
}

// Lookup searches one coding system for term. It returns an empty, non-nil
// slice when the search succeeds with no matches, and a LookupUnavailable
// error for transport, status or decoding failures.
func (c *ClinicalTablesClient) Lookup(ctx context.Context, system domain.CodingSystem, term string, maxResults int) ([]domain.CodeCandidate, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, domain.NewValidationError("term", "search term is required", term)
	}
	fields, ok := datasetFields[system]
	if !ok {
		return nil, domain.NewValidationError("system", "unsupported coding system", system)
	}
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	if maxResults > MaxListLimit {
		maxResults = MaxListLimit
	}

	if err := c.limiters[system].Wait(ctx); err != nil {
		return nil, domain.NewLookupUnavailableError(system, fmt.Errorf("rate limit wait: %w", err))
	}

	body, err := c.fetch(ctx, system, fields, term, maxResults)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"system": system,
			"term":   term,
		}).WithError(err).Warn("Clinical Tables lookup failed")
		return nil, domain.NewLookupUnavailableError(system, err)
	}

	candidates, err := parseSearchResponse(system, body)
	if err != nil {
		return nil, domain.NewLookupUnavailableError(system, err)
	}
	if len(candidates) > maxResults {
		candidates = candidates[:maxResults]
	}

	c.logger.WithFields(logrus.Fields{
		"system":     system,
		"term":       term,
		"candidates": len(candidates),
	}).Debug("Clinical Tables lookup completed")

	return candidates, nil
}

func (c *ClinicalTablesClient) fetch(ctx context.Context, system domain.CodingSystem, fields searchFields, term string, maxResults int) ([]byte, error) {
	params := url.Values{}
	params.Set("terms", term)
	params.Set("maxList", strconv.Itoa(maxResults))
	params.Set("sf", fields.search)
	params.Set("df", fields.display)
	if fields.extra != "" {
		params.Set("ef", fields.extra)
	}

	searchURL := fmt.Sprintf("%s/%s/v3/search?%s", c.baseURL, system.Endpoint(), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// parseSearchResponse decodes the v3 search array:
// [total, codes, extraFields, displayRows, ...].
func parseSearchResponse(system domain.CodingSystem, body []byte) ([]domain.CodeCandidate, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(body, &parts); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parts) < 4 {
		return nil, fmt.Errorf("unexpected response shape: %d elements", len(parts))
	}

	var total int
	if err := json.Unmarshal(parts[0], &total); err != nil {
		return nil, fmt.Errorf("invalid total count: %w", err)
	}

	var rows [][]string
	if err := json.Unmarshal(parts[3], &rows); err != nil {
		return nil, fmt.Errorf("invalid display rows: %w", err)
	}

	candidates := make([]domain.CodeCandidate, 0, len(rows))
	if total == 0 || len(rows) == 0 {
		return candidates, nil
	}

	if system == domain.RXNORM {
		var extra map[string][][]string
		if err := json.Unmarshal(parts[2], &extra); err != nil {
			return nil, fmt.Errorf("invalid extra fields: %w", err)
		}
		return expandRxTerms(rows, extra), nil
	}

	for _, row := range rows {
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		code := strings.TrimSpace(row[0])
		description := ""
		if len(row) > 1 {
			description = strings.TrimSpace(row[1])
		}
		if description == "" {
			description = fmt.Sprintf("%s: %s", strings.ToUpper(system.Endpoint()), code)
		}
		candidates = append(candidates, domain.CodeCandidate{
			System:      system,
			Code:        code,
			Description: description,
		})
	}
	return candidates, nil
}

// expandRxTerms turns each drug row into one candidate per RxCUI, labelled with
// the matching strength and form.
func expandRxTerms(rows [][]string, extra map[string][][]string) []domain.CodeCandidate {
	rxcuis := extra["RXCUIS"]
	strengths := extra["STRENGTHS_AND_FORMS"]

	candidates := make([]domain.CodeCandidate, 0, len(rows))
	for i, row := range rows {
		if len(row) == 0 || i >= len(rxcuis) {
			continue
		}
		name := strings.TrimSpace(row[0])
		for j, rxcui := range rxcuis[i] {
			rxcui = strings.TrimSpace(rxcui)
			if rxcui == "" {
				continue
			}
			description := name
			if i < len(strengths) && j < len(strengths[i]) {
				description = strings.TrimSpace(name + " " + strings.TrimSpace(strengths[i][j]))
			}
			if description == "" {
				description = "RXTERMS: " + rxcui
			}
			candidates = append(candidates, domain.CodeCandidate{
				System:      domain.RXNORM,
				Code:        rxcui,
				Description: description,
			})
		}
	}
	return candidates
}

// Ping checks that the API answers a trivial search.
func (c *ClinicalTablesClient) Ping(ctx context.Context) error {
	_, err := c.fetch(ctx, domain.ICD10, datasetFields[domain.ICD10], "E11", 1)
	return err
}
