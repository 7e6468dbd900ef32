package contracts

import (
	"errors"
	"fmt"
	"strings"
)

// Deterministic error codes. Every failure mode surfaced to a caller carries
// one of these, and execution-path failures are recorded verbatim in the
// ERROR trace record's error_code field.
const (
	CodeValidation             = "ERR_VALIDATION"
	CodeInactiveFunction       = "ERR_INACTIVE_FUNCTION"
	CodeVersionNotFound        = "ERR_VERSION_NOT_FOUND"
	CodeExecutionTimeout       = "ERR_EXECUTION_TIMEOUT"
	CodeExecution              = "ERR_EXECUTION"
	CodeDuplicateVersion       = "ERR_DUPLICATE_VERSION"
	CodeSeparationOfDuties     = "ERR_SEPARATION_OF_DUTIES"
	CodeRuleConflict           = "ERR_RULE_CONFLICT"
	CodeLegalReference         = "ERR_LEGAL_REFERENCE"
	CodeInvalidStateTransition = "ERR_INVALID_STATE_TRANSITION"
	CodeExternalDependency     = "ERR_EXTERNAL_DEPENDENCY"
	CodeChainIntegrity         = "ERR_CHAIN_INTEGRITY"
	CodeDeterminismViolation   = "ERR_DETERMINISM_VIOLATION"
)

// Error is a typed domain error with a deterministic machine code.
type Error struct {
	ErrCode string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Code returns the deterministic machine code.
func (e *Error) Code() string { return e.ErrCode }

// NewError builds a typed domain error.
func NewError(code, format string, args ...any) *Error {
	return &Error{ErrCode: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a typed domain error wrapping a cause.
func WrapError(code string, err error, format string, args ...any) *Error {
	return &Error{ErrCode: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// coded is implemented by every error in this package that carries a code.
type coded interface{ Code() string }

// CodeOf extracts the deterministic code from an error chain, or "" if none.
func CodeOf(err error) string {
	for err != nil {
		if c, ok := err.(coded); ok {
			return c.Code()
		}
		err = errors.Unwrap(err)
	}
	return ""
}

// IsCode reports whether any error in the chain carries the given code.
func IsCode(err error, code string) bool { return CodeOf(err) == code }

// FieldViolation is a single schema violation.
type FieldViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError enumerates every violated field, not just the first.
type ValidationError struct {
	Subject    string // "input" or "output"
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = fmt.Sprintf("%s: %s", v.Field, v.Message)
	}
	return fmt.Sprintf("%s: %s schema violated: [%s]", CodeValidation, e.Subject, strings.Join(parts, "; "))
}

// Code returns the deterministic machine code.
func (e *ValidationError) Code() string { return CodeValidation }

// RuleConflict describes two rules of equal priority whose condition domains
// overlap yet produce materially different results.
type RuleConflict struct {
	RuleA    string `json:"rule_a"`
	RuleB    string `json:"rule_b"`
	Priority int    `json:"priority"`
	Detail   string `json:"detail"`
}

// RuleConflictError blocks registration of ambiguous rule logic.
type RuleConflictError struct {
	Conflicts []RuleConflict
}

func (e *RuleConflictError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = fmt.Sprintf("%s/%s@%d: %s", c.RuleA, c.RuleB, c.Priority, c.Detail)
	}
	return fmt.Sprintf("%s: conflicting rules: [%s]", CodeRuleConflict, strings.Join(parts, "; "))
}

// Code returns the deterministic machine code.
func (e *RuleConflictError) Code() string { return CodeRuleConflict }
