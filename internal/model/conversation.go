package model

import "time"

// Conversation is the two-party chat between the users named in Key.
//
// The key is derived from the participants (see PairKey), so either side
// can address the conversation without a lookup. The row itself is created
// lazily the first time something needs to be stored for the pair.
type Conversation struct {
	Key          string    `json:"key"`
	UserA        string    `json:"userA"`
	UserB        string    `json:"userB"`
	LockHash     *string   `json:"-"`
	LockVersion  int64     `json:"-"`
	Locked       bool      `json:"locked"`
	WallpaperRef *string   `json:"wallpaperRef"`
	AccentRef    *string   `json:"accentRef"`
	CreatedAt    time.Time `json:"createdAt"`
}

// MessageBody carries text, a media reference, or both.
type MessageBody struct {
	Text     string  `json:"text,omitempty"`
	MediaRef *string `json:"mediaRef,omitempty"`
}

// Message is one entry in a conversation's history.
//
// Seq is assigned by the store and increases strictly within a
// conversation; it doubles as the pagination and resume cursor.
// CreatedAt is also server-assigned and never goes backwards within a
// conversation.
type Message struct {
	ID              string      `json:"id"`
	ConversationKey string      `json:"conversationKey"`
	Seq             int64       `json:"seq"`
	SenderID        string      `json:"senderId"`
	Body            MessageBody `json:"body"`
	CreatedAt       time.Time   `json:"createdAt"`
	ReadAt          *time.Time  `json:"readAt"`
}

// DeleteScope selects who stops seeing a deleted message.
type DeleteScope string

const (
	DeleteForSelf     DeleteScope = "self"
	DeleteForEveryone DeleteScope = "everyone"
)

// MessagePage is one page of ListMessages. NextCursor is empty when the
// history is exhausted.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"nextCursor"`
}
