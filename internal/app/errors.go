package app

import (
	"errors"
	"fmt"
	"net/http"

	"fronting/core/internal/front"
	"fronting/core/internal/remote"
	"fronting/core/internal/store"
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

var errNotSignedIn = domainError(http.StatusConflict, "NOT_SIGNED_IN", "No system is signed in", nil)

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, front.ErrInvalidFrontRequest):
		return http.StatusUnprocessableEntity, "INVALID_FRONT_REQUEST", err.Error(), nil
	case errors.Is(err, front.ErrInvalidIdentity):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, front.ErrIdentityNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Identity not found", nil
	case errors.Is(err, front.ErrHistoryWriteFailed):
		return http.StatusInternalServerError, "HISTORY_WRITE_FAILED", "Front change could not be saved", nil
	case errors.Is(err, store.ErrTxNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Transaction is not queued", nil
	case errors.Is(err, store.ErrInvalidCursor):
		return http.StatusBadRequest, "INVALID_CURSOR", "Invalid cursor", nil
	case errors.Is(err, remote.ErrNoSession):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Session is not valid", nil
	case errors.Is(err, remote.ErrRejected):
		return http.StatusForbidden, "REJECTED", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
