package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrLookupFailure       = errors.New("lookup failure")
	ErrEvaluationTimeout   = errors.New("evaluation timeout")
	ErrEvaluationFailed    = errors.New("evaluation failed")
	ErrChainIntegrity      = errors.New("audit chain integrity violation")
	ErrQueueSaturated      = errors.New("audit queue saturated")
	ErrPipelineClosed      = errors.New("audit pipeline closed")
	ErrPrincipalNotFound   = errors.New("principal not found")
	ErrPolicyNotFound      = errors.New("policy not found")
	ErrConfigInvalid       = errors.New("invalid configuration")
)

// Error codes carried by DomainError.
const (
	CodeLookupFailure    = "LOOKUP_FAILURE"
	CodeEvaluationError  = "EVALUATION_ERROR"
	CodeIntegrityFailure = "CHAIN_INTEGRITY_VIOLATION"
	CodeDenied           = "AUTHZ_DENIED"
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// LookupFailure reports that a collaborator (role, policy or resource store) could not
// be consulted. The returned error matches ErrLookupFailure and the cause.
func LookupFailure(what string, cause error) error {
	return &DomainError{
		Err:     errors.Join(ErrLookupFailure, cause),
		Code:    CodeLookupFailure,
		Message: fmt.Sprintf("lookup %s: %v", what, cause),
		Details: map[string]any{"lookup": what},
	}
}

// EvaluationError records a rule that could not be evaluated. It never counts as a
// violation.
type EvaluationError struct {
	PolicyID   string
	PolicyType PolicyType
	Err        error
}

func (e EvaluationError) Error() string {
	return fmt.Sprintf("policy %s (%s): %v", e.PolicyID, e.PolicyType, e.Err)
}

func (e EvaluationError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the evaluation was abandoned because its budget elapsed.
func (e EvaluationError) Timeout() bool {
	return errors.Is(e.Err, ErrEvaluationTimeout)
}

// ErrorResponse defines the standard JSON error model returned by the HTTP surface.
// It intentionally avoids exposing sensitive details while providing a stable machine-readable code.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}
