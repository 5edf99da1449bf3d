package app

import (
	"errors"
	"fmt"
	"net/http"

	"daybook/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusBadRequest, "VALIDATION_FAILED", message, details)
}

func notFoundError(message string) *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", message, nil)
}

func conflictError(message string) *DomainError {
	return domainError(http.StatusConflict, "ORDINAL_CONFLICT", message, nil)
}

func storeError(err error) *DomainError {
	return domainError(http.StatusServiceUnavailable, "STORE_UNAVAILABLE", err.Error(), nil)
}

// mapStoreErr converts store sentinels into caller-facing domain errors.
// Anything unrecognized is treated as a transient backend failure.
func mapStoreErr(err error, notFoundMsg string) *DomainError {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFoundError(notFoundMsg)
	case errors.Is(err, store.ErrOrdinalConflict):
		return conflictError("ordinal contention persisted after retries")
	default:
		return storeError(err)
	}
}
