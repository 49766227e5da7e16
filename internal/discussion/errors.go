package discussion

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the engine, the adapters and the transport.
var (
	ErrValidation       = errors.New("validation error")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// FieldError describes a validation error for a specific field.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError is returned before any store interaction takes place.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("validation: %s: %s", e.Errors[0].Field, e.Errors[0].Message)
	}
	return fmt.Sprintf("validation: %d errors", len(e.Errors))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Errors: []FieldError{{Field: field, Message: message}},
	}
}

// AuthorizationError rejects an actor that may not perform an action.
type AuthorizationError struct {
	Action  string
	ActorID string
	Reason  string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("%s denied for %s: %s", e.Action, e.ActorID, e.Reason)
}

func (e *AuthorizationError) Unwrap() error { return ErrForbidden }

func NewAuthorizationError(action, actorID, reason string) *AuthorizationError {
	return &AuthorizationError{Action: action, ActorID: actorID, Reason: reason}
}

// NotFoundError reports a discussion or message that does not exist (any
// more).
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// StoreError wraps a transport or backend failure. The engine never retries
// these; the cause stays reachable through errors.Is / errors.As.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStoreUnavailable, e.Err} }

func NewStoreError(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err}
}
