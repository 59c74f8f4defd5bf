// Package errors classifies pipeline failures into the kinds that drive retry
// and unit-state decisions: network, rate limit, data and storage errors.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	// Transient transport failures: timeouts, resets, HTTP 5xx
	ErrorTypeNetwork ErrorType = "network"
	// Provider throttling; handled by cooldown, never a unit failure
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// Malformed or unexpected response shape; retrying cannot help
	ErrorTypeData ErrorType = "data"
	// Unrecoverable write failure in the storage backend
	ErrorTypeStorage ErrorType = "storage"
	// Invalid configuration or arguments
	ErrorTypeConfiguration ErrorType = "configuration"
	// Operator interrupt or deadline
	ErrorTypeCanceled ErrorType = "canceled"
	// Unclassified errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err        error         `json:"error"`
	Type       ErrorType     `json:"type"`
	Retryable  bool          `json:"retryable"`
	Component  string        `json:"component"`
	Operation  string        `json:"operation"`
	StatusCode int           `json:"status_code,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Attempts   int           `json:"attempts"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	var b strings.Builder
	b.WriteString(string(ce.Type))
	b.WriteString(" error")
	if ce.Operation != "" {
		b.WriteString(" in ")
		if ce.Component != "" {
			b.WriteString(ce.Component)
			b.WriteString(".")
		}
		b.WriteString(ce.Operation)
	}
	if ce.Attempts > 1 {
		fmt.Fprintf(&b, " after %d attempts", ce.Attempts)
	}
	fmt.Fprintf(&b, ": %v", ce.Err)
	return b.String()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is matches another ClassifiedError by type, so errors.Is(err, ErrRateLimited) works.
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return false
}

// Sentinels for errors.Is checks against a kind.
var (
	ErrNetwork     = &ClassifiedError{Type: ErrorTypeNetwork}
	ErrRateLimited = &ClassifiedError{Type: ErrorTypeRateLimit}
	ErrData        = &ClassifiedError{Type: ErrorTypeData}
	ErrStorage     = &ClassifiedError{Type: ErrorTypeStorage}
)

func newClassified(t ErrorType, retryable bool, component, operation string, err error) *ClassifiedError {
	return &ClassifiedError{
		Err:       err,
		Type:      t,
		Retryable: retryable,
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}
}

// NewNetworkError wraps a transient transport failure.
func NewNetworkError(component, operation string, err error) *ClassifiedError {
	return newClassified(ErrorTypeNetwork, true, component, operation, err)
}

// NewServerError wraps an HTTP 5xx response as a network error.
func NewServerError(component, operation string, status int, err error) *ClassifiedError {
	ce := newClassified(ErrorTypeNetwork, true, component, operation, err)
	ce.StatusCode = status
	return ce
}

// NewRateLimitError wraps a throttling signal. retryAfter is zero when the
// provider gave no hint.
func NewRateLimitError(component, operation string, status int, retryAfter time.Duration, err error) *ClassifiedError {
	ce := newClassified(ErrorTypeRateLimit, true, component, operation, err)
	ce.StatusCode = status
	ce.RetryAfter = retryAfter
	return ce
}

// NewDataError wraps a malformed or unexpected provider response.
func NewDataError(component, operation string, err error) *ClassifiedError {
	return newClassified(ErrorTypeData, false, component, operation, err)
}

// NewStorageError wraps a storage backend failure.
func NewStorageError(component, operation string, err error) *ClassifiedError {
	return newClassified(ErrorTypeStorage, false, component, operation, err)
}

// NewConfigurationError wraps invalid configuration or arguments.
func NewConfigurationError(component, operation string, err error) *ClassifiedError {
	return newClassified(ErrorTypeConfiguration, false, component, operation, err)
}

// Classify returns err as a ClassifiedError, inferring the type when err was
// not created by one of the constructors above.
func Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	t := classifyErrorType(err)
	return newClassified(t, t == ErrorTypeNetwork || t == ErrorTypeRateLimit, component, operation, err)
}

func classifyErrorType(err error) ErrorType {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeCanceled
	}
	if isNetworkError(err) {
		return ErrorTypeNetwork
	}

	errStr := strings.ToLower(err.Error())
	if strings.Contains(errStr, "rate limit") || strings.Contains(errStr, "too many requests") {
		return ErrorTypeRateLimit
	}
	return ErrorTypeUnknown
}

// isNetworkError checks if the error is network-related
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no route to host",
		"network is unreachable",
		"i/o timeout",
		"tls handshake timeout",
		"server closed idle connection",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// GetErrorType extracts the error type, classifying unknown errors on the fly
func GetErrorType(err error) ErrorType {
	if err == nil {
		return ""
	}
	return Classify(err, "", "").Type
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// RetryAfterOf returns the provider's Retry-After hint carried by a rate limit error.
func RetryAfterOf(err error) time.Duration {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

// WrapError wraps an error with additional context
func WrapError(err error, component, operation, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s in %s.%s: %w", message, component, operation, err)
}
