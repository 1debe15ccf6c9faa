package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeUnauthorized    ErrorType = "unauthorized"
	ErrorTypeForbidden       ErrorType = "forbidden"
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeConflict        ErrorType = "conflict"
	ErrorTypeInternal        ErrorType = "internal"
	ErrorTypeExternal        ErrorType = "external"
	ErrorTypeUnavailable     ErrorType = "unavailable"
	ErrorTypePolicyViolation ErrorType = "policy_violation"
)

// ErrorCode is the stable operator-facing identifier returned alongside safe messages
type ErrorCode string

const (
	CodeNotFound               ErrorCode = "NOT_FOUND"
	CodeInvalidInput           ErrorCode = "INVALID_INPUT"
	CodeUnauthorized           ErrorCode = "UNAUTHORIZED"
	CodeRateLimited            ErrorCode = "RATE_LIMITED"
	CodeConflict               ErrorCode = "CONFLICT"
	CodeInternal               ErrorCode = "INTERNAL"
	CodeExtractionFailure      ErrorCode = "EXTRACTION_FAILURE"
	CodeProviderRateLimited    ErrorCode = "PROVIDER_RATE_LIMITED"
	CodeProviderUnavailable    ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeGenerationUnavailable  ErrorCode = "GENERATION_UNAVAILABLE"
	CodeInsufficientGrounding  ErrorCode = "INSUFFICIENT_GROUNDING"
	CodeInconsistentActivation ErrorCode = "INCONSISTENT_ACTIVATION"
	CodeContentFiltered        ErrorCode = "CONTENT_FILTERED"
	CodeAuditUnavailable       ErrorCode = "AUDIT_UNAVAILABLE"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Code    ErrorCode
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is. A target without a code matches on type alone.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	if e.Type != t.Type {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Code:    defaultCode(errType),
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// NewCodedError creates a domain error carrying an explicit code
func NewCodedError(errType ErrorType, code ErrorCode, message string, err error) *DomainError {
	e := NewDomainError(errType, message, err)
	e.Code = code
	return e
}

func defaultCode(errType ErrorType) ErrorCode {
	switch errType {
	case ErrorTypeNotFound:
		return CodeNotFound
	case ErrorTypeValidation:
		return CodeInvalidInput
	case ErrorTypeUnauthorized, ErrorTypeForbidden:
		return CodeUnauthorized
	case ErrorTypeRateLimit:
		return CodeRateLimited
	case ErrorTypeConflict:
		return CodeConflict
	case ErrorTypeExternal, ErrorTypeUnavailable:
		return CodeProviderUnavailable
	case ErrorTypePolicyViolation:
		return CodeContentFiltered
	}
	return CodeInternal
}

// Domain error variables. Use them as errors.Is targets; build returned errors with the New* helpers.

var (
	// Not Found Errors
	ErrDocumentNotFound = NewDomainError(ErrorTypeNotFound, "policy document not found", nil)
	ErrQueryLogNotFound = NewDomainError(ErrorTypeNotFound, "query log not found", nil)

	// Validation Errors
	ErrInvalidInput      = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrEmptyQuestion     = NewDomainError(ErrorTypeValidation, "question cannot be empty", nil)
	ErrExtractionFailure = NewCodedError(ErrorTypeValidation, CodeExtractionFailure, "no text could be extracted from the document", nil)

	// Authorization Errors
	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidToken = NewDomainError(ErrorTypeUnauthorized, "invalid authentication token", nil)
	ErrTokenExpired = NewDomainError(ErrorTypeUnauthorized, "authentication token expired", nil)

	// Rate Limit Errors
	ErrRateLimitExceeded = NewDomainError(ErrorTypeRateLimit, "rate limit exceeded", nil)

	// Conflict Errors
	ErrConcurrentUpdate       = NewDomainError(ErrorTypeConflict, "concurrent update detected", nil)
	ErrInconsistentActivation = NewCodedError(ErrorTypeConflict, CodeInconsistentActivation, "document has more than one active version", nil)

	// Internal Errors
	ErrInternal          = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrDatabaseError     = NewDomainError(ErrorTypeInternal, "database error", nil)
	ErrTransactionFailed = NewDomainError(ErrorTypeInternal, "transaction failed", nil)
	ErrAuditUnavailable  = NewCodedError(ErrorTypeInternal, CodeAuditUnavailable, "audit record could not be persisted", nil)

	// Provider Errors
	ErrProviderRateLimited   = NewCodedError(ErrorTypeUnavailable, CodeProviderRateLimited, "provider rate limit reached", nil)
	ErrProviderUnavailable   = NewCodedError(ErrorTypeUnavailable, CodeProviderUnavailable, "provider unavailable", nil)
	ErrGenerationUnavailable = NewCodedError(ErrorTypeUnavailable, CodeGenerationUnavailable, "answer generation unavailable", nil)

	// Policy Violation Errors
	ErrContentFiltered = NewCodedError(ErrorTypePolicyViolation, CodeContentFiltered, "content filtered", nil)
)

// NewNotFound builds a not found error for the named resource
func NewNotFound(message string) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, nil)
}

// NewValidation builds a validation error
func NewValidation(message string) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, nil)
}

// NewExtractionFailure builds an ExtractionFailure error
func NewExtractionFailure(message string, err error) *DomainError {
	return NewCodedError(ErrorTypeValidation, CodeExtractionFailure, message, err)
}

// NewProviderRateLimited builds a ProviderRateLimited error
func NewProviderRateLimited(message string, err error) *DomainError {
	return NewCodedError(ErrorTypeUnavailable, CodeProviderRateLimited, message, err)
}

// NewProviderUnavailable builds a ProviderUnavailable error
func NewProviderUnavailable(message string, err error) *DomainError {
	return NewCodedError(ErrorTypeUnavailable, CodeProviderUnavailable, message, err)
}

// NewGenerationUnavailable builds a GenerationUnavailable error
func NewGenerationUnavailable(message string, err error) *DomainError {
	return NewCodedError(ErrorTypeUnavailable, CodeGenerationUnavailable, message, err)
}

// NewInconsistentActivation builds an InconsistentActivation error for a document name
func NewInconsistentActivation(name string, activeVersions int) *DomainError {
	return NewCodedError(ErrorTypeConflict, CodeInconsistentActivation, "document has more than one active version", nil).
		WithDetail("document", name).
		WithDetail("active_versions", activeVersions)
}

// NewContentFiltered builds a ContentFiltered error
func NewContentFiltered(message string, err error) *DomainError {
	return NewCodedError(ErrorTypePolicyViolation, CodeContentFiltered, message, err)
}

// Error type checking helper functions

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return GetErrorType(err) == ErrorTypeNotFound
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return GetErrorType(err) == ErrorTypeValidation
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	return GetErrorType(err) == ErrorTypeUnauthorized
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	return GetErrorType(err) == ErrorTypeForbidden
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	return GetErrorType(err) == ErrorTypeRateLimit
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	return GetErrorType(err) == ErrorTypeConflict
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return GetErrorType(err) == ErrorTypeInternal
}

// IsExternalError checks if an error is an external provider error
func IsExternalError(err error) bool {
	return GetErrorType(err) == ErrorTypeExternal
}

// IsUnavailableError checks if an error is a temporary unavailability (provider or generation)
func IsUnavailableError(err error) bool {
	return GetErrorType(err) == ErrorTypeUnavailable
}

// IsPolicyViolationError checks if an error is a policy violation error
func IsPolicyViolationError(err error) bool {
	return GetErrorType(err) == ErrorTypePolicyViolation
}

// IsExtractionFailure checks if an error is an ExtractionFailure
func IsExtractionFailure(err error) bool {
	return GetErrorCode(err) == CodeExtractionFailure
}

// IsInconsistentActivation checks if an error is an InconsistentActivation
func IsInconsistentActivation(err error) bool {
	return GetErrorCode(err) == CodeInconsistentActivation
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorCode returns the ErrorCode of a domain error, or empty string if not a domain error
func GetErrorCode(err error) ErrorCode {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapExternal wraps an error as an external provider error
func WrapExternal(message string, err error) error {
	return NewDomainError(ErrorTypeExternal, message, err)
}
