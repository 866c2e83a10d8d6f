package service

import (
	"sync"
	"time"

	"github.com/sakif/buddychat/internal/auth"
	"github.com/sakif/buddychat/internal/model"
)

type grantKey struct {
	sessionID string
	convKey   string
}

type grant struct {
	version   int64
	expiresAt time.Time
}

// Gate remembers which sessions have unlocked which conversations.
//
// A grant records the lock version it was issued for. Setting, changing or
// clearing a lock bumps the conversation's version, so every older grant
// stops matching without anyone having to find and delete it. Grants also
// die with the session token that earned them.
type Gate struct {
	mu     sync.Mutex
	grants map[grantKey]grant
	now    func() time.Time
}

func NewGate() *Gate {
	return &Gate{
		grants: make(map[grantKey]grant),
		now:    time.Now,
	}
}

// Grant lets id's session through conv's lock at the given version.
func (g *Gate) Grant(id auth.Identity, convKey string, version int64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pruneLocked()
	g.grants[grantKey{id.SessionID, convKey}] = grant{
		version:   version,
		expiresAt: id.ExpiresAt,
	}
}

// Allowed reports whether id may read or write conv right now. Unlocked
// conversations are open to every participant.
func (g *Gate) Allowed(id auth.Identity, conv *model.Conversation) bool {
	if !conv.Locked {
		return true
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	gr, ok := g.grants[grantKey{id.SessionID, conv.Key}]
	if !ok {
		return false
	}
	if gr.version != conv.LockVersion {
		return false
	}
	if !gr.expiresAt.IsZero() && !g.now().Before(gr.expiresAt) {
		delete(g.grants, grantKey{id.SessionID, conv.Key})
		return false
	}
	return true
}

// Revoke drops every grant for convKey.
func (g *Gate) Revoke(convKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k := range g.grants {
		if k.convKey == convKey {
			delete(g.grants, k)
		}
	}
}

// Len returns the number of stored grants, expired ones included.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.grants)
}

func (g *Gate) pruneLocked() {
	now := g.now()
	for k, gr := range g.grants {
		if !gr.expiresAt.IsZero() && !now.Before(gr.expiresAt) {
			delete(g.grants, k)
		}
	}
}
