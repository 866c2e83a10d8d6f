package model

import (
	"strings"
	"time"
)

// RelationshipState is the lifecycle state of an edge between two users.
type RelationshipState string

const (
	StatePending  RelationshipState = "pending"
	StateAccepted RelationshipState = "accepted"
	StateBlocked  RelationshipState = "blocked"
)

// Relationship is a friend request (pending), a friendship (accepted) or a
// block. Pending and accepted edges are keyed by the unordered pair, so
// there is at most one of them per pair. Blocks are directional: FromID is
// the blocker.
type Relationship struct {
	ID        string            `json:"id"`
	FromID    string            `json:"fromId"`
	ToID      string            `json:"toId"`
	State     RelationshipState `json:"state"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Involves reports whether userID is one of the two endpoints.
func (r *Relationship) Involves(userID string) bool {
	return r.FromID == userID || r.ToID == userID
}

// Other returns the endpoint that is not userID.
func (r *Relationship) Other(userID string) string {
	if r.FromID == userID {
		return r.ToID
	}
	return r.FromID
}

// PairKey returns the canonical key for an unordered pair of user ids.
// Both orderings of the same two ids produce the same key.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "_" + b
}

// SplitPairKey is the inverse of PairKey. ok is false when key is not a
// well-formed pair of two distinct, sorted ids.
func SplitPairKey(key string) (a, b string, ok bool) {
	a, b, found := strings.Cut(key, "_")
	if !found || a == "" || b == "" || strings.Contains(b, "_") || a >= b {
		return "", "", false
	}
	return a, b, true
}

// Contact pairs an edge with the public profile of the other user, which
// is what friend, block and request lists show.
type Contact struct {
	Relationship Relationship `json:"relationship"`
	User         PublicUser   `json:"user"`
}

// PendingRequests splits pending edges by direction.
type PendingRequests struct {
	Incoming []Contact `json:"incoming"`
	Outgoing []Contact `json:"outgoing"`
}
