// Package model holds the chat domain types shared by storage, services and
// the HTTP layer. JSON tags define the wire shape.
package model

import "time"

// User represents a registered account.
//
// ID is an internal xid that never changes. Handle is the public, unique,
// case-sensitive username other people type to find you; it can be renamed.
// UserCode is a second shareable identifier ("ALICE-7Q2KD") that survives
// renames, so a code printed on a card keeps working.
//
// WHY `json:"-"` ON CredentialHash?
// The hash never leaves the server. The "-" tag makes encoding/json skip the
// field entirely, so a handler that accidentally writes a *User can't leak it.
type User struct {
	ID             string    `json:"id"`
	Handle         string    `json:"handle"`
	DisplayName    string    `json:"displayName"`
	AvatarRef      *string   `json:"avatarRef"` // opaque URI, nil when unset
	UserCode       string    `json:"userCode"`
	CredentialHash string    `json:"-"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// PublicUser is the projection of a User other accounts may see.
type PublicUser struct {
	ID          string  `json:"id"`
	Handle      string  `json:"handle"`
	DisplayName string  `json:"displayName"`
	AvatarRef   *string `json:"avatarRef"`
}

// Public strips everything but the fields shown in friend lists and search.
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:          u.ID,
		Handle:      u.Handle,
		DisplayName: u.DisplayName,
		AvatarRef:   u.AvatarRef,
	}
}

// Profile holds the optional fields supplied at registration.
type Profile struct {
	DisplayName string
	AvatarRef   *string
}

// ProfileUpdate is a partial update: nil fields are left untouched.
// An AvatarRef pointing at "" removes the avatar.
type ProfileUpdate struct {
	Handle      *string
	DisplayName *string
	AvatarRef   *string
}

// Session is the result of a successful authentication.
type Session struct {
	Token     string    `json:"token"`
	SessionID string    `json:"sessionId"`
	User      *User     `json:"user"`
	ExpiresAt time.Time `json:"expiresAt"`
}
