package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/hyperjump/niteru/internal/models"
)

// statusFor maps an error to the HTTP status reported to clients.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, models.ErrConfiguration), errors.Is(err, models.ErrInvalidImage):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrProviderContract):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrProviderUnavailable), errors.Is(err, models.ErrStoreInconsistency):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorCode is a stable machine-readable name for the error kind.
func errorCode(err error) string {
	switch {
	case errors.Is(err, models.ErrConfiguration):
		return "invalid_request"
	case errors.Is(err, models.ErrInvalidImage):
		return "invalid_image"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrProviderContract):
		return "provider_contract_violation"
	case errors.Is(err, models.ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, models.ErrStoreInconsistency):
		return "store_inconsistency"
	default:
		return "internal"
	}
}
