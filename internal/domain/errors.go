package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is a stable machine-readable error code.
type ErrorKind string

// Error codes for different failure scenarios
const (
	ErrKindEmptyQuery        ErrorKind = "EMPTY_QUERY"
	ErrKindNoContext         ErrorKind = "NO_CONTEXT"
	ErrKindLookupUnavailable ErrorKind = "LOOKUP_UNAVAILABLE"
	ErrKindStateReset        ErrorKind = "STATE_RESET"
	ErrKindClassification    ErrorKind = "CLASSIFICATION_ERROR"
	ErrKindValidation        ErrorKind = "VALIDATION_ERROR"
	ErrKindInternal          ErrorKind = "INTERNAL_ERROR"
)

// Sentinel errors for errors.Is checks. Every QueryError matches the sentinel
// of its kind.
var (
	ErrEmptyQuery        = errors.New("query is empty")
	ErrNoContext         = errors.New("query refers to an earlier topic but there is none")
	ErrLookupUnavailable = errors.New("coding system lookup unavailable")
	ErrStateReset        = errors.New("conversation was reset during the turn")
	ErrClassification    = errors.New("intent classification failed")
)

var kindSentinels = map[ErrorKind]error{
	ErrKindEmptyQuery:        ErrEmptyQuery,
	ErrKindNoContext:         ErrNoContext,
	ErrKindLookupUnavailable: ErrLookupUnavailable,
	ErrKindStateReset:        ErrStateReset,
	ErrKindClassification:    ErrClassification,
}

// QueryError is the error returned by the turn pipeline.
type QueryError struct {
	Kind    ErrorKind    `json:"code"`
	Message string       `json:"message"`
	System  CodingSystem `json:"system,omitempty"`
	Err     error        `json:"-"`
}

// Error implements the error interface
func (e *QueryError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.System != "" {
		msg = fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.System)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *QueryError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error for the error's kind.
func (e *QueryError) Is(target error) bool {
	if sentinel, ok := kindSentinels[e.Kind]; ok {
		return target == sentinel
	}
	return false
}

// NewEmptyQueryError is returned for blank utterances.
func NewEmptyQueryError() *QueryError {
	return &QueryError{Kind: ErrKindEmptyQuery, Message: "query must not be empty"}
}

// NewNoContextError is returned when an utterance only refers back to a topic
// and the conversation has none.
func NewNoContextError(utterance string) *QueryError {
	return &QueryError{
		Kind:    ErrKindNoContext,
		Message: fmt.Sprintf("cannot resolve %q without a previous topic", utterance),
	}
}

// NewLookupUnavailableError reports a failed lookup for one system.
func NewLookupUnavailableError(system CodingSystem, cause error) *QueryError {
	return &QueryError{
		Kind:    ErrKindLookupUnavailable,
		Message: "lookup failed",
		System:  system,
		Err:     cause,
	}
}

// NewStateResetError is returned when a reset happened while a turn was running.
func NewStateResetError() *QueryError {
	return &QueryError{Kind: ErrKindStateReset, Message: "conversation reset while the turn was in flight"}
}

// NewClassificationError reports a provider failure or an unparseable model output.
func NewClassificationError(message string, cause error) *QueryError {
	return &QueryError{Kind: ErrKindClassification, Message: message, Err: cause}
}

// KindOf returns the ErrorKind of err, or ErrKindInternal when err is not a QueryError.
func KindOf(err error) ErrorKind {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe.Kind
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ErrKindValidation
	}
	return ErrKindInternal
}

// APIError represents a standardized error response
type APIError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAPIError creates a new APIError with timestamp
func NewAPIError(code, message, details, requestID string) *APIError {
	return &APIError{
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UTC(),
		RequestID: requestID,
	}
}

// ValidationError represents input validation errors
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new ValidationError
func NewValidationError(field, message string, value interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Value:   value,
	}
}
