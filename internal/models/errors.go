package models

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below match them with errors.Is.
var (
	ErrInvalidImage        = errors.New("invalid image")
	ErrProviderContract    = errors.New("embedding provider contract violation")
	ErrProviderUnavailable = errors.New("embedding provider unavailable")
	ErrStoreInconsistency  = errors.New("store inconsistency")
	ErrConfiguration       = errors.New("configuration error")
	ErrNotFound            = errors.New("not found")
)

// InvalidImageError reports input that is not a decodable image within the size limit.
type InvalidImageError struct {
	Reason string
	Err    error
}

func (e *InvalidImageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid image: %s: %v", e.Reason, e.Err)
	}
	return "invalid image: " + e.Reason
}

func (e *InvalidImageError) Is(target error) bool { return target == ErrInvalidImage }

func (e *InvalidImageError) Unwrap() error { return e.Err }

// ProviderContractViolation reports an embedding of the wrong shape or with non-finite values.
type ProviderContractViolation struct {
	Expected int
	Got      int
	Reason   string
}

func (e *ProviderContractViolation) Error() string {
	if e.Reason != "" {
		return "embedding provider contract violation: " + e.Reason
	}
	return fmt.Sprintf("embedding provider contract violation: expected %d dimensions, got %d", e.Expected, e.Got)
}

func (e *ProviderContractViolation) Is(target error) bool { return target == ErrProviderContract }

// ProviderUnavailableError reports a timeout or transport failure talking to the provider.
type ProviderUnavailableError struct {
	Provider string
	Err      error
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("embedding provider %s unavailable: %v", e.Provider, e.Err)
}

func (e *ProviderUnavailableError) Is(target error) bool { return target == ErrProviderUnavailable }

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

// StoreInconsistencyError reports an index entry whose record is missing from the store.
type StoreInconsistencyError struct {
	IDs []string
}

func (e *StoreInconsistencyError) Error() string {
	return fmt.Sprintf("store inconsistency: %d indexed image(s) missing from store: %v", len(e.IDs), e.IDs)
}

func (e *StoreInconsistencyError) Is(target error) bool { return target == ErrStoreInconsistency }

// ConfigurationError reports an invalid setting or request parameter.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// NewConfigError is shorthand for a ConfigurationError.
func NewConfigError(field, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
