package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an AppError by how callers are expected to react to it.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindConflict          Kind = "conflict"
	KindNotFound          Kind = "not_found"
	KindDependency        Kind = "dependency"
	KindInvalidTransition Kind = "invalid_transition"
	KindInternal          Kind = "internal"
	KindRateLimited       Kind = "rate_limited"
)

// AppError represents an application error. Message is always safe to show to a user.
type AppError struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches AppErrors by code, so sentinels below work with errors.Is
// even after WithCause has copied them.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCause returns a copy of e that wraps err.
func (e *AppError) WithCause(err error) *AppError {
	cp := *e
	cp.Err = err
	return &cp
}

// NewAppError creates a new AppError
func NewAppError(kind Kind, code, message string, status int, err error) *AppError {
	return &AppError{
		Kind:    kind,
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// Common error constructors

// Validation creates an error for bad user input.
func Validation(message string, err error) *AppError {
	return NewAppError(KindValidation, "VALIDATION_FAILED", message, http.StatusBadRequest, err)
}

// Conflict creates an error for a lost race or duplicate request.
func Conflict(message string, err error) *AppError {
	return NewAppError(KindConflict, "CONFLICT", message, http.StatusConflict, err)
}

// NotFound creates a 404 error
func NotFound(message string, err error) *AppError {
	return NewAppError(KindNotFound, "NOT_FOUND", message, http.StatusNotFound, err)
}

// Dependency creates an error for an unavailable store, index or route provider.
func Dependency(message string, err error) *AppError {
	return NewAppError(KindDependency, "DEPENDENCY_UNAVAILABLE", message, http.StatusServiceUnavailable, err)
}

// InvalidTransition creates an error for a ride status change the lifecycle does not allow.
func InvalidTransition(message string, err error) *AppError {
	return NewAppError(KindInvalidTransition, "INVALID_TRANSITION", message, http.StatusUnprocessableEntity, err)
}

// Internal creates a 500 error
func Internal(message string, err error) *AppError {
	return NewAppError(KindInternal, "INTERNAL_ERROR", message, http.StatusInternalServerError, err)
}

// Domain-specific errors

var (
	ErrRideNotFound  = NewAppError(KindNotFound, "RIDE_NOT_FOUND", "Ride not found", http.StatusNotFound, nil)
	ErrUserNotFound  = NewAppError(KindNotFound, "USER_NOT_FOUND", "Please register first", http.StatusNotFound, nil)
	ErrOfferNotFound = NewAppError(KindNotFound, "OFFER_NOT_FOUND", "No offer for this ride was sent to you", http.StatusNotFound, nil)

	ErrActiveRide            = NewAppError(KindConflict, "ACTIVE_RIDE_EXISTS", "You already have an active ride", http.StatusConflict, nil)
	ErrAlreadyHandled        = NewAppError(KindConflict, "ALREADY_HANDLED", "This request was already handled", http.StatusConflict, nil)
	ErrRideNoLongerAvailable = NewAppError(KindConflict, "RIDE_UNAVAILABLE", "Ride no longer available", http.StatusConflict, nil)
	ErrOfferExpired          = NewAppError(KindConflict, "OFFER_EXPIRED", "This offer has expired", http.StatusConflict, nil)
	ErrOfferClosed           = NewAppError(KindConflict, "OFFER_CLOSED", "This offer is no longer open", http.StatusConflict, nil)
	ErrAlreadyRegistered     = NewAppError(KindConflict, "ALREADY_REGISTERED", "You are already registered", http.StatusConflict, nil)

	ErrNameTooShort       = NewAppError(KindValidation, "NAME_TOO_SHORT", "Name must be longer than 3 characters, please try again", http.StatusBadRequest, nil)
	ErrInvalidCoordinates = NewAppError(KindValidation, "INVALID_COORDINATES", "Invalid coordinates", http.StatusBadRequest, nil)
	ErrUnknownAction      = NewAppError(KindValidation, "UNKNOWN_ACTION", "Sorry, I don't know that action", http.StatusBadRequest, nil)

	ErrRateLimitExceeded = NewAppError(KindRateLimited, "RATE_LIMIT_EXCEEDED",
		"Too many requests. Please slow down and try again", http.StatusTooManyRequests, nil)
)

const (
	tryAgainMessage   = "Something went wrong on our side. Please try again in a moment"
	unexpectedMessage = "An unexpected error occurred"
)

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// GetAppError attempts to convert an error to AppError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(unexpectedMessage, err)
}

// KindOf reports the kind of err; errors that are not AppErrors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err is an AppError of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether repeating the same read may succeed.
func IsRetryable(err error) bool {
	return IsKind(err, KindDependency)
}

// UserMessage returns plain-language text for err. Internal details never leak.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return tryAgainMessage
	}
	switch appErr.Kind {
	case KindInternal, KindInvalidTransition:
		return tryAgainMessage
	}
	return appErr.Message
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
