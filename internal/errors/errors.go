package errors

import (
	"errors"
	"fmt"
)

// CustomError represents a resolution error with a machine-readable code
type CustomError struct {
	Code       string // Machine-readable error code
	Message    string // Human-readable message
	StatusCode int    // HTTP status code
	Cause      error  // Underlying error
}

// Error implements the error interface
func (e *CustomError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface for wrapping errors
func (e *CustomError) Unwrap() error {
	return e.Cause
}

// Is matches any CustomError carrying the same code
func (e *CustomError) Is(target error) bool {
	t, ok := target.(*CustomError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewCustomError creates a new custom error
func NewCustomError(code string, message string, statusCode int) *CustomError {
	return &CustomError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// WithCause returns a copy carrying an underlying error.
// Sentinels are shared, so they are never mutated in place.
func (e *CustomError) WithCause(err error) *CustomError {
	c := *e
	c.Cause = err
	return &c
}

// WithMessage returns a copy with a replacement message. An empty message
// keeps the default.
func (e *CustomError) WithMessage(msg string) *CustomError {
	c := *e
	if msg != "" {
		c.Message = msg
	}
	return &c
}

// Error codes surfaced in ExtractionResult.ErrorCode
const (
	CodeInvalidURL            = "INVALID_URL"
	CodeUnsupportedPlatform   = "UNSUPPORTED_PLATFORM"
	CodeMaintenance           = "MAINTENANCE"
	CodePlatformDisabled      = "PLATFORM_DISABLED"
	CodeRateLimited           = "RATE_LIMITED"
	CodeCredentialRequired    = "CREDENTIAL_REQUIRED"
	CodeNoCredentialAvailable = "NO_CREDENTIAL_AVAILABLE"
	CodeAgeRestricted         = "AGE_RESTRICTED"
	CodeNoMediaFound          = "NO_MEDIA_FOUND"
	CodeUpstreamTimeout       = "UPSTREAM_TIMEOUT"
	CodeUpstreamError         = "UPSTREAM_ERROR"
	CodeInternal              = "INTERNAL_ERROR"

	// API-only codes, never produced by a resolution
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeNotFound       = "NOT_FOUND"
)

// Pre-defined errors
var (
	// Input errors (400)
	ErrInvalidURL = NewCustomError(
		CodeInvalidURL,
		"The provided URL is invalid",
		400,
	)

	ErrUnsupportedPlatform = NewCustomError(
		CodeUnsupportedPlatform,
		"This platform is not supported",
		400,
	)

	// Admission errors
	ErrMaintenance = NewCustomError(
		CodeMaintenance,
		"The service is under maintenance. Please try again later",
		503,
	)

	ErrPlatformDisabled = NewCustomError(
		CodePlatformDisabled,
		"This platform is temporarily disabled",
		503,
	)

	ErrRateLimited = NewCustomError(
		CodeRateLimited,
		"Too many requests. Please try again later",
		429,
	)

	// Credential errors
	ErrCredentialRequired = NewCustomError(
		CodeCredentialRequired,
		"This content requires an authenticated session",
		401,
	)

	ErrNoCredentialAvailable = NewCustomError(
		CodeNoCredentialAvailable,
		"No session is currently available to access this content",
		503,
	)

	ErrAgeRestricted = NewCustomError(
		CodeAgeRestricted,
		"This content is age-restricted",
		403,
	)

	// Extraction errors
	ErrNoMediaFound = NewCustomError(
		CodeNoMediaFound,
		"No downloadable media was found at this URL",
		404,
	)

	ErrUpstreamTimeout = NewCustomError(
		CodeUpstreamTimeout,
		"The platform did not respond in time",
		504,
	)

	ErrUpstreamError = NewCustomError(
		CodeUpstreamError,
		"The platform returned an unexpected response",
		502,
	)

	ErrInternal = NewCustomError(
		CodeInternal,
		"An internal server error occurred",
		500,
	)

	// API errors
	ErrInvalidRequest = NewCustomError(
		CodeInvalidRequest,
		"The request body is invalid",
		400,
	)

	ErrUnauthorized = NewCustomError(
		CodeUnauthorized,
		"Invalid or missing API key",
		401,
	)

	ErrNotFound = NewCustomError(
		CodeNotFound,
		"The requested resource was not found",
		404,
	)
)

var byCode = map[string]*CustomError{
	CodeInvalidURL:            ErrInvalidURL,
	CodeUnsupportedPlatform:   ErrUnsupportedPlatform,
	CodeMaintenance:           ErrMaintenance,
	CodePlatformDisabled:      ErrPlatformDisabled,
	CodeRateLimited:           ErrRateLimited,
	CodeCredentialRequired:    ErrCredentialRequired,
	CodeNoCredentialAvailable: ErrNoCredentialAvailable,
	CodeAgeRestricted:         ErrAgeRestricted,
	CodeNoMediaFound:          ErrNoMediaFound,
	CodeUpstreamTimeout:       ErrUpstreamTimeout,
	CodeUpstreamError:         ErrUpstreamError,
	CodeInternal:              ErrInternal,
	CodeInvalidRequest:        ErrInvalidRequest,
	CodeUnauthorized:          ErrUnauthorized,
	CodeNotFound:              ErrNotFound,
}

// FromCode returns the sentinel for a code, or ErrInternal
func FromCode(code string) *CustomError {
	if e, ok := byCode[code]; ok {
		return e
	}
	return ErrInternal
}

// IsCustomError checks if an error is a CustomError
func IsCustomError(err error) bool {
	var customErr *CustomError
	return errors.As(err, &customErr)
}

// GetStatusCode extracts HTTP status code from an error
func GetStatusCode(err error) int {
	var customErr *CustomError
	if errors.As(err, &customErr) {
		return customErr.StatusCode
	}
	return 500 // Default to internal server error
}

// GetErrorCode extracts error code from an error
func GetErrorCode(err error) string {
	var customErr *CustomError
	if errors.As(err, &customErr) {
		return customErr.Code
	}
	return CodeInternal
}

// GetErrorMessage extracts human-readable message from an error
func GetErrorMessage(err error) string {
	var customErr *CustomError
	if errors.As(err, &customErr) {
		return customErr.Message
	}
	return "An unknown error occurred"
}
