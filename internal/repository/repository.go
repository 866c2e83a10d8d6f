// Package repository declares the storage interfaces the service layer
// depends on. Services never import a concrete driver; the server wires a
// concrete implementation (see repository/sqlite) in at start-up.
package repository

import (
	"context"
	"time"

	"github.com/sakif/buddychat/internal/model"
)

type UserRepository interface {
	// CreateUser inserts a user. A duplicate handle or user code fails with
	// apperror.ErrConflict; the check and the insert are one atomic step.
	CreateUser(ctx context.Context, user *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByHandle(ctx context.Context, handle string) (*model.User, error)
	GetUserByCode(ctx context.Context, code string) (*model.User, error)
	// UpdateUser writes handle, display name and avatar. A handle already
	// owned by another user fails with apperror.ErrConflict.
	UpdateUser(ctx context.Context, user *model.User) error
	UpdateCredential(ctx context.Context, userID, credentialHash string) error
	ListUsersByID(ctx context.Context, ids []string) ([]model.User, error)
}

type RelationshipRepository interface {
	// CreateRequest inserts a pending edge after checking, in the same
	// transaction, for blocks, friendships and pending requests in either
	// direction.
	CreateRequest(ctx context.Context, rel *model.Relationship) error
	GetRelationship(ctx context.Context, id string) (*model.Relationship, error)
	// Accept flips a pending edge to accepted. Both friend projections read
	// from the same row, so they change together.
	Accept(ctx context.Context, id string, at time.Time) (*model.Relationship, error)
	// DeletePending removes a pending edge. It reports false when there was
	// nothing to delete.
	DeletePending(ctx context.Context, id string) (bool, error)
	// Block removes any pending/accepted edge for the pair and records the
	// block in one transaction.
	Block(ctx context.Context, blockerID, targetID string, at time.Time) (removed *model.Relationship, err error)
	Unblock(ctx context.Context, blockerID, targetID string) (bool, error)
	// IsBlocked reports whether either user blocks the other.
	IsBlocked(ctx context.Context, a, b string) (bool, error)
	ListFriends(ctx context.Context, userID string) ([]model.Relationship, error)
	ListBlocked(ctx context.Context, userID string) ([]model.Relationship, error)
	ListPending(ctx context.Context, userID string) (incoming, outgoing []model.Relationship, err error)
}

// MessageListOptions is a keyset page request: messages with Seq greater
// than AfterSeq, oldest first.
type MessageListOptions struct {
	Limit    int
	AfterSeq int64
	ViewerID string // suppressed messages for this viewer are skipped
}

type ConversationRepository interface {
	// EnsureConversation returns the conversation for key, creating it if
	// it does not exist yet.
	EnsureConversation(ctx context.Context, key, userA, userB string) (*model.Conversation, error)
	GetConversation(ctx context.Context, key string) (*model.Conversation, error)
	// SetLock replaces the lock hash (nil clears it) and bumps the lock
	// version. The new version is returned.
	SetLock(ctx context.Context, key string, lockHash *string) (int64, error)
	SetAppearance(ctx context.Context, key string, wallpaperRef, accentRef *string) error

	// AppendMessage assigns Seq and CreatedAt (never earlier than the
	// previous message of the conversation) and inserts the message. It
	// fails with Forbidden(Blocked) when either participant blocks the
	// other.
	AppendMessage(ctx context.Context, msg *model.Message, now time.Time) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	ListMessages(ctx context.Context, key string, opts MessageListOptions) ([]model.Message, error)
	// MarkRead sets read_at on every unread message in key not sent by
	// readerID and returns the ids it touched.
	MarkRead(ctx context.Context, key, readerID string, at time.Time) ([]string, error)
	DeleteMessage(ctx context.Context, id string) error
	HideMessage(ctx context.Context, id, viewerID string) error
	PurgeMessages(ctx context.Context, key string) (int64, error)
}
