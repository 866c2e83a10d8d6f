package apperror

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name    string
		err     *AppError
		kind    error
		notKind error
		reason  string
		field   string
		message string
	}{
		{
			name:    "not found",
			err:     NotFound("request", "r1"),
			kind:    ErrNotFound,
			notKind: ErrValidation,
			message: "request not found with id r1",
		},
		{
			name:    "validation carries field",
			err:     ValidationFailed("handle", "handle is required"),
			kind:    ErrValidation,
			notKind: ErrConflict,
			field:   "handle",
			message: "handle is required",
		},
		{
			name:    "conflict carries reason",
			err:     Conflict(ReasonDuplicatePending, "a friend request is already pending"),
			kind:    ErrConflict,
			notKind: ErrForbidden,
			reason:  ReasonDuplicatePending,
			message: "a friend request is already pending",
		},
		{
			name:    "forbidden",
			err:     Forbidden(ReasonNotSender, "only the sender can delete for everyone"),
			kind:    ErrForbidden,
			notKind: ErrAuth,
			reason:  ReasonNotSender,
			message: "only the sender can delete for everyone",
		},
		{
			name:    "unauthorized",
			err:     Unauthorized(ReasonConversationLocked, "conversation is locked"),
			kind:    ErrAuth,
			notKind: ErrForbidden,
			reason:  ReasonConversationLocked,
			message: "conversation is locked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("service: %w", tt.err)
			if !errors.Is(wrapped, tt.kind) {
				t.Errorf("errors.Is(%v, %v) = false through a wrap", wrapped, tt.kind)
			}
			if errors.Is(tt.err, tt.notKind) {
				t.Errorf("errors.Is(%v, %v) = true, want false", tt.err, tt.notKind)
			}
			if got := ReasonOf(wrapped); got != tt.reason {
				t.Errorf("ReasonOf() = %q, want %q", got, tt.reason)
			}
			if tt.err.Field != tt.field {
				t.Errorf("Field = %q, want %q", tt.err.Field, tt.field)
			}
			if tt.err.Error() != tt.message {
				t.Errorf("Error() = %q, want %q", tt.err.Error(), tt.message)
			}
		})
	}
}

func TestTransient_KeepsCause(t *testing.T) {
	err := Transient("store unavailable", context.DeadlineExceeded)

	if !errors.Is(err, ErrTransient) {
		t.Error("Transient error does not match ErrTransient")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("Transient error lost its cause")
	}
	if err.Error() != "store unavailable" {
		t.Errorf("Error() = %q, cause must not leak into the message", err.Error())
	}
}

func TestReasonOf_PlainError(t *testing.T) {
	if got := ReasonOf(errors.New("plain")); got != "" {
		t.Errorf("ReasonOf(plain) = %q, want empty", got)
	}
	if got := ReasonOf(nil); got != "" {
		t.Errorf("ReasonOf(nil) = %q, want empty", got)
	}
}
