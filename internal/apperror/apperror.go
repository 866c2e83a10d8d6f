// Package apperror defines the error taxonomy shared by every layer.
//
// Services return *AppError values that wrap one of the sentinels below.
// Callers branch with errors.Is (which kind?) and read Reason (which
// specific rejection?) so the presentation layer can render Message verbatim.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("Validation Error")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")
	ErrAuth       = errors.New("unauthorized")
	ErrTransient  = errors.New("temporarily unavailable")
)

// Reasons name the specific rejection inside a kind.
const (
	ReasonHandleTaken        = "HandleTaken"
	ReasonUserCodeTaken      = "UserCodeTaken"
	ReasonWeakCredential     = "WeakCredential"
	ReasonInvalidCredential  = "InvalidCredential"
	ReasonReauthRequired     = "ReauthRequired"
	ReasonSelfRequest        = "SelfRequest"
	ReasonAlreadyFriends     = "AlreadyFriends"
	ReasonBlocked            = "Blocked"
	ReasonDuplicatePending   = "DuplicatePending"
	ReasonWrongPassword      = "WrongPassword"
	ReasonConversationLocked = "ConversationLocked"
	ReasonNotSender          = "NotSender"
	ReasonNotParticipant     = "NotParticipant"
	ReasonNotRecipient       = "NotRecipient"
	ReasonUnlockRequired     = "UnlockRequired"
)

type AppError struct {
	Err     error  // actual error
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
	Reason  string // Optional: machine-readable sub-kind, e.g. "HandleTaken"
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(reason, message string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: message,
		Reason:  reason,
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(reason, message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
		Reason:  reason,
	}
}

// Unauthorized covers rejected credentials and chat-lock passwords.
// HTTP handlers map this to 401 Unauthorized.
func Unauthorized(reason, message string) *AppError {
	return &AppError{
		Err:     ErrAuth,
		Message: message,
		Reason:  reason,
	}
}

// Transient marks a failure that is safe to retry with backoff.
func Transient(message string, cause error) *AppError {
	return &AppError{
		Err:     errors.Join(ErrTransient, cause),
		Message: message,
	}
}

// ReasonOf returns the Reason of the first *AppError in err's chain.
func ReasonOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Reason
	}
	return ""
}
