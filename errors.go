package pagegen

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// ErrorKind classifies a provider or page failure.
type ErrorKind string

const (
	KindAuth            ErrorKind = "auth"
	KindQuota           ErrorKind = "quota"
	KindNetwork         ErrorKind = "network"
	KindTimeout         ErrorKind = "timeout"
	KindInvalidResponse ErrorKind = "invalid_response"

	// Page-level kinds that never come from a vendor.
	KindCancelled ErrorKind = "cancelled"
	KindStorage   ErrorKind = "storage"
)

// Retryable reports whether a failure of this kind may succeed on retry.
func (k ErrorKind) Retryable() bool {
	return k == KindNetwork || k == KindTimeout
}

// ProviderError is returned by a Generator when a vendor call fails.
type ProviderError struct {
	Kind       ErrorKind
	Provider   ProviderType
	Model      string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s provider error (%s", e.Kind, e.Provider)
	if e.Model != "" {
		msg += ", model " + e.Model
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(", status %d", e.StatusCode)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// RateLimitError is returned when a local or distributed rate limiter refuses a call.
type RateLimitError struct {
	RetryAfter time.Duration
	LimitType  string
	Model      string
	Err        error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %s limit, retry after %v",
		e.Model, e.LimitType, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports a provider config the factory cannot build.
type ConfigurationError struct {
	Capability Capability
	Provider   string
	Field      string
	Reason     string
}

func (e *ConfigurationError) Error() string {
	msg := "configuration error"
	if e.Capability != "" {
		msg += " for " + string(e.Capability)
	}
	if e.Provider != "" {
		msg += " provider " + e.Provider
	}
	if e.Field != "" {
		msg += ": field " + e.Field
	}
	return msg + ": " + e.Reason
}

// ValidationError reports bad input to a store operation.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NotFoundError reports an operation on an absent key.
type NotFoundError struct {
	Kind string // "provider", "record", "capability"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// InvalidStateError reports an operation on a record in the wrong lifecycle state.
type InvalidStateError struct {
	ID      string
	Current Status
	Op      string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("record %s: cannot %s in status %s", e.ID, e.Op, e.Current)
}

// ConnectionError reports a failed backend switch. The previous backend stays active.
type ConnectionError struct {
	Backend BackendKind
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connect to %s backend failed", e.Backend)
	}
	return fmt.Sprintf("connect to %s backend failed: %v", e.Backend, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsRateLimitError checks if an error is a RateLimitError.
func IsRateLimitError(err error) bool {
	var rlErr *RateLimitError
	return errors.As(err, &rlErr)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var c *ConfigurationError
	return errors.As(err, &c)
}

// IsInvalidState reports whether err is an InvalidStateError.
func IsInvalidState(err error) bool {
	var s *InvalidStateError
	return errors.As(err, &s)
}

// IsConnection reports whether err is a ConnectionError.
func IsConnection(err error) bool {
	var c *ConnectionError
	return errors.As(err, &c)
}

// KindOf returns the ErrorKind carried by err, classifying unknown errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ClassifyError(err)
}

// ClassifyError maps a transport-level error onto an ErrorKind.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case IsRateLimitError(err):
		return KindQuota
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return KindNetwork
	}
	return KindInvalidResponse
}

// KindFromStatus maps an HTTP status code onto an ErrorKind.
func KindFromStatus(code int) ErrorKind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code == http.StatusTooManyRequests || code == http.StatusPaymentRequired:
		return KindQuota
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code >= 500:
		return KindNetwork
	default:
		return KindInvalidResponse
	}
}

// NewProviderError wraps err with its classification.
func NewProviderError(provider ProviderType, model string, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProviderError{
		Kind:     ClassifyError(err),
		Provider: provider,
		Model:    model,
		Err:      err,
	}
}
