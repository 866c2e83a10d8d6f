// Package service contains the business rules of the messaging core.
//
// THE THREE-LAYER ARCHITECTURE:
//
//	Handler (HTTP layer)     → parses requests, writes responses
//	Service (business layer) → validates, enforces rules, orchestrates
//	Repository (data layer)  → reads/writes the database
//
// Services accept primitives and return domain errors (apperror.*), never
// HTTP types or status codes, so every caller (HTTP handler, websocket
// stream, test) gets the same rules.
//
// Services depend on repository interfaces, not on *sqlite.DB. The server
// decides which implementation to inject.
package service

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/sakif/buddychat/internal/apperror"
)

// Validation limits.
const (
	MinHandleLength      = 3
	MaxHandleLength      = 32
	MaxDisplayNameLength = 64
	MinCredentialLength  = 8
	MaxCredentialBytes   = 72 // bcrypt input limit
	MinLockLength        = 4
	MaxTextLength        = 4000
	MaxRefLength         = 2048
	DefaultPageSize      = 50
	MaxPageSize          = 200
)

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9_.]+$`)

func validateHandle(handle string) error {
	n := utf8.RuneCountInString(handle)
	if n < MinHandleLength || n > MaxHandleLength {
		return apperror.ValidationFailed("handle",
			fmt.Sprintf("handle must be between %d and %d characters", MinHandleLength, MaxHandleLength))
	}
	if !handlePattern.MatchString(handle) {
		return apperror.ValidationFailed("handle",
			"handle may only contain letters, digits, underscores and dots")
	}
	return nil
}

func validateDisplayName(name string) error {
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return apperror.ValidationFailed("displayName",
			fmt.Sprintf("display name must be %d characters or less", MaxDisplayNameLength))
	}
	return nil
}

// validateCredential rejects credentials that are too short to be safe or
// too long for bcrypt.
func validateCredential(field, credential string) error {
	if utf8.RuneCountInString(credential) < MinCredentialLength {
		return &apperror.AppError{
			Err:     apperror.ErrValidation,
			Message: fmt.Sprintf("password must be at least %d characters", MinCredentialLength),
			Field:   field,
			Reason:  apperror.ReasonWeakCredential,
		}
	}
	if len(credential) > MaxCredentialBytes {
		return &apperror.AppError{
			Err:     apperror.ErrValidation,
			Message: fmt.Sprintf("password must be %d bytes or fewer", MaxCredentialBytes),
			Field:   field,
			Reason:  apperror.ReasonWeakCredential,
		}
	}
	return nil
}

// validateRef checks an opaque media/avatar reference. Nil is allowed.
func validateRef(field string, ref *string) error {
	if ref == nil {
		return nil
	}
	if len(*ref) > MaxRefLength {
		return apperror.ValidationFailed(field,
			fmt.Sprintf("%s must be %d bytes or less", field, MaxRefLength))
	}
	if strings.ContainsAny(*ref, "\r\n") {
		return apperror.ValidationFailed(field, field+" must be a single line")
	}
	return nil
}

// keyedMutex hands out one mutex per key. The conversation service holds
// the key's lock across "commit to store, then publish", so subscribers see
// events in commit order.
//
// Entries are reference-counted and removed when nobody holds or waits for
// them, so the map only contains keys that are in use right now.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires key's mutex and returns the function that releases it.
func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
