package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/buddychat/internal/apperror"
	"github.com/sakif/buddychat/internal/auth"
	"github.com/sakif/buddychat/internal/model"
)

func typingValues(events []model.Event) []bool {
	var out []bool
	for _, ev := range events {
		if sig, ok := ev.Payload.(model.TypingSignal); ok {
			out = append(out, sig.IsTyping)
		}
	}
	return out
}

func TestSetTyping_ExplicitStop(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	sub, err := f.env.typing.Subscribe(ctx, f.bob, f.key)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, f.env.typing.SetTyping(ctx, f.alice, f.key, true))
	require.NoError(t, f.env.typing.SetTyping(ctx, f.alice, f.key, true))

	typers, err := f.env.typing.Typing(ctx, f.bob, f.key)
	require.NoError(t, err)
	assert.Equal(t, []string{f.alice.UserID}, typers)

	require.NoError(t, f.env.typing.SetTyping(ctx, f.alice, f.key, false))
	require.NoError(t, f.env.typing.SetTyping(ctx, f.alice, f.key, false))

	assert.Equal(t, []bool{true, false}, typingValues(drain(sub)), "repeats are not republished")

	typers, err = f.env.typing.Typing(ctx, f.bob, f.key)
	require.NoError(t, err)
	assert.Empty(t, typers)
}

func TestSetTyping_QuietWindowExpires(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	sub, err := f.env.typing.Subscribe(ctx, f.bob, f.key)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, f.env.typing.SetTyping(ctx, f.alice, f.key, true))

	// The window is 30ms in tests.
	require.Eventually(t, func() bool {
		return len(sub.Events()) >= 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []bool{true, false}, typingValues(drain(sub)))
}

func TestSetTyping_RefreshExtendsWindow(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()

	sub, err := f.env.typing.Subscribe(ctx, f.bob, f.key)
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 4; i++ {
		require.NoError(t, f.env.typing.SetTyping(ctx, f.alice, f.key, true))
		time.Sleep(15 * time.Millisecond)
	}
	assert.Equal(t, []bool{true}, typingValues(drain(sub)), "still typing after more than one window")
}

func TestSetTyping_OutsiderAndBlocked(t *testing.T) {
	f := newChatFixture(t)
	ctx := context.Background()
	f.env.register(t, "eve")
	eve := f.env.login(t, "eve")

	err := f.env.typing.SetTyping(ctx, eve, f.key, true)
	assertAppError(t, err, apperror.ErrForbidden, apperror.ReasonNotParticipant)

	require.NoError(t, f.env.rels.Block(ctx, f.bob.UserID, f.alice.UserID))
	err = f.env.typing.SetTyping(ctx, f.alice, f.key, true)
	assertAppError(t, err, apperror.ErrForbidden, apperror.ReasonBlocked)
}

func TestGate_GrantExpiresWithSession(t *testing.T) {
	g := NewGate()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	conv := &model.Conversation{Key: "a_b", Locked: true, LockVersion: 3}
	id := auth.Identity{UserID: "a", SessionID: "s1", ExpiresAt: now.Add(time.Hour)}

	assert.False(t, g.Allowed(id, conv))
	g.Grant(id, conv.Key, 3)
	assert.True(t, g.Allowed(id, conv))

	other := id
	other.SessionID = "s2"
	assert.False(t, g.Allowed(other, conv), "grants are per session")

	conv.LockVersion = 4
	assert.False(t, g.Allowed(id, conv), "a new lock version voids the grant")
	conv.LockVersion = 3

	now = now.Add(2 * time.Hour)
	assert.False(t, g.Allowed(id, conv))
	assert.Zero(t, g.Len())
}

func TestGate_UnlockedIsOpen(t *testing.T) {
	g := NewGate()
	assert.True(t, g.Allowed(auth.Identity{UserID: "a", SessionID: "s"}, &model.Conversation{Key: "a_b"}))
}

func TestGate_Revoke(t *testing.T) {
	g := NewGate()
	id := auth.Identity{UserID: "a", SessionID: "s1"}
	g.Grant(id, "a_b", 1)
	g.Grant(id, "a_c", 1)

	g.Revoke("a_b")
	assert.False(t, g.Allowed(id, &model.Conversation{Key: "a_b", Locked: true, LockVersion: 1}))
	assert.True(t, g.Allowed(id, &model.Conversation{Key: "a_c", Locked: true, LockVersion: 1}))
}
