package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/kursadbilgin/broker-orchestrator/internal/domain"
)

// ErrorCode classifies foreseeable broker failures.
type ErrorCode string

const (
	CodeAuth              ErrorCode = "AUTH_REJECTED"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
	CodeRejected          ErrorCode = "REJECTED"
	CodeServerError       ErrorCode = "SERVER_ERROR"
	CodeMalformedResponse ErrorCode = "MALFORMED_RESPONSE"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeTransport         ErrorCode = "TRANSPORT"
)

func (c ErrorCode) String() string { return string(c) }

// ProviderError describes a failed broker call. Transient marks failures that
// are expected to succeed on a later attempt.
type ProviderError struct {
	Provider   domain.BrokerType
	Code       ErrorCode
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 5)
	if e.Provider != "" {
		parts = append(parts, fmt.Sprintf("provider %s error", e.Provider))
	} else {
		parts = append(parts, "provider error")
	}

	if e.Code != "" {
		parts = append(parts, string(e.Code))
	}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether an error is expected to clear on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// IsAuthError reports whether the broker rejected the instance credentials.
func IsAuthError(err error) bool {
	return CodeOf(err) == CodeAuth
}

// CodeOf returns the error code carried by err, or an empty code.
func CodeOf(err error) ErrorCode {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Code
	}
	return ""
}

func statusError(provider domain.BrokerType, statusCode int, body string) *ProviderError {
	code := CodeRejected
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		code = CodeAuth
	case statusCode == http.StatusTooManyRequests:
		code = CodeRateLimited
	case statusCode >= http.StatusInternalServerError:
		code = CodeServerError
	}

	return &ProviderError{
		Provider:   provider,
		Code:       code,
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, body),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

// transportError wraps a failure that happened before a response was read.
// Caller cancellation is returned unchanged so retry loops stop on it.
func transportError(provider domain.BrokerType, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	code := CodeTransport
	message := "provider request failed"
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		code = CodeTimeout
		message = "provider request timed out"
	}

	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Transient: true,
		Cause:     err,
	}
}

func malformedResponse(provider domain.BrokerType, statusCode int, err error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       CodeMalformedResponse,
		StatusCode: statusCode,
		Message:    "provider returned malformed response",
		Transient:  false,
		Cause:      err,
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}
