package app

import (
	"errors"
	"fmt"
	"net/http"

	"meeplemeet/api/internal/auth"
	"meeplemeet/api/internal/discussion"
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

// mapError translates engine errors into an HTTP status and error code.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}

	var validation *discussion.ValidationError
	if errors.As(err, &validation) {
		fields := make([]map[string]string, 0, len(validation.Errors))
		for _, fe := range validation.Errors {
			fields = append(fields, map[string]string{"field": fe.Field, "message": fe.Message})
		}
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", validation.Error(), map[string]any{"fields": fields}
	}

	var denied *discussion.AuthorizationError
	if errors.As(err, &denied) {
		return http.StatusForbidden, "FORBIDDEN", denied.Reason, map[string]any{"action": denied.Action}
	}

	switch {
	case errors.Is(err, discussion.ErrValidation):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, discussion.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Forbidden", nil
	case errors.Is(err, discussion.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", err.Error(), nil
	case errors.Is(err, discussion.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Store unavailable", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
