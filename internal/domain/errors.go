package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")

	ErrInstanceNotFound     = errors.New("instance not found")
	ErrUnregisteredProvider = errors.New("não está registrado")
	ErrProviderUnavailable  = errors.New("provider unavailable: circuit open")
	ErrNoAvailableProvider  = errors.New("nenhum provider disponível")
	ErrNormalization        = errors.New("webhook normalization failed")
)

// UnregisteredProviderError builds the error returned when no adapter serves a broker type.
func UnregisteredProviderError(provider BrokerType) error {
	return fmt.Errorf("provider %s %w", provider, ErrUnregisteredProvider)
}

// ProviderUnavailableError builds the error returned by an open circuit breaker.
func ProviderUnavailableError(provider BrokerType) error {
	return fmt.Errorf("%w: %s", ErrProviderUnavailable, provider)
}

// NoAvailableProviderError is returned when every candidate provider was exhausted.
type NoAvailableProviderError struct {
	Tried []BrokerType
	Cause error
}

func (e *NoAvailableProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 3)
	parts = append(parts, ErrNoAvailableProvider.Error())

	if len(e.Tried) > 0 {
		tried := make([]string, 0, len(e.Tried))
		for _, p := range e.Tried {
			tried = append(tried, p.String())
		}
		parts = append(parts, "tried="+strings.Join(tried, ","))
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *NoAvailableProviderError) Is(target error) bool {
	return target == ErrNoAvailableProvider
}

func (e *NoAvailableProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// NormalizationError reports a webhook payload that could not be mapped to an event.
// Raw always carries the original payload.
type NormalizationError struct {
	Provider BrokerType
	RawEvent string
	Reason   string
	Raw      []byte
}

func (e *NormalizationError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, ErrNormalization.Error())

	if e.Provider != "" {
		parts = append(parts, "provider="+e.Provider.String())
	}
	if e.RawEvent != "" {
		parts = append(parts, fmt.Sprintf("event=%q", e.RawEvent))
	}
	if reason := strings.TrimSpace(e.Reason); reason != "" {
		parts = append(parts, reason)
	}

	return strings.Join(parts, ": ")
}

func (e *NormalizationError) Is(target error) bool {
	return target == ErrNormalization
}
