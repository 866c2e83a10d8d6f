package presence

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/buddychat/internal/ephemeral"
	"github.com/sakif/buddychat/internal/fanout"
	"github.com/sakif/buddychat/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(t *testing.T) (*Tracker, *fanout.Hub, *fakeClock, ephemeral.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := fanout.NewHub(16, logger, nil)
	store := ephemeral.NewMemoryStore()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}

	tr := NewTracker(Config{Timeout: 45 * time.Second, Sweep: time.Hour}, hub, store, logger, nil)
	tr.now = clock.Now
	t.Cleanup(hub.Close)
	return tr, hub, clock, store
}

// newPeerTracker builds a second process's tracker over the same store and
// clock, with its own hub and in-memory state.
func newPeerTracker(t *testing.T, store ephemeral.Store, clock *fakeClock) *Tracker {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := fanout.NewHub(16, logger, nil)
	tr := NewTracker(Config{Timeout: 45 * time.Second, Sweep: time.Hour}, hub, store, logger, nil)
	tr.now = clock.Now
	t.Cleanup(hub.Close)
	return tr
}

func states(events []model.Event) []model.PresenceState {
	var out []model.PresenceState
	for _, ev := range events {
		if rec, ok := ev.Payload.(model.PresenceRecord); ok {
			out = append(out, rec.State)
		}
	}
	return out
}

func drain(sub *fanout.Subscription) []model.Event {
	var out []model.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestSetOnline_Idempotent(t *testing.T) {
	tr, hub, _, _ := newTestTracker(t)
	ctx := context.Background()
	sub := hub.Subscribe("watcher", fanout.PresenceTopic("u1"))

	tr.SetOnline(ctx, "u1")
	tr.SetOnline(ctx, "u1")
	tr.Heartbeat(ctx, "u1")
	tr.SetOffline(ctx, "u1")
	tr.SetOffline(ctx, "u1")

	assert.Equal(t, []model.PresenceState{model.Online, model.Offline}, states(drain(sub)))
}

func TestSweep_ExpiresQuietUsers(t *testing.T) {
	tr, _, clock, _ := newTestTracker(t)
	ctx := context.Background()

	tr.SetOnline(ctx, "quiet")
	tr.SetOnline(ctx, "chatty")

	clock.Advance(30 * time.Second)
	tr.Heartbeat(ctx, "chatty")
	assert.Equal(t, 0, tr.Sweep(ctx))

	clock.Advance(20 * time.Second)
	assert.Equal(t, 1, tr.Sweep(ctx))

	snap := tr.Snapshot(ctx, []string{"quiet", "chatty"})
	assert.Equal(t, model.Offline, snap[0].State)
	assert.Equal(t, model.Online, snap[1].State)
	assert.Equal(t, 1, tr.Online())
}

func TestConnect_KeepsUserOnline(t *testing.T) {
	tr, _, clock, _ := newTestTracker(t)
	ctx := context.Background()

	release1 := tr.Connect(ctx, "u1")
	release2 := tr.Connect(ctx, "u1")

	// No heartbeats at all, but connections are open.
	clock.Advance(10 * time.Minute)
	assert.Equal(t, 0, tr.Sweep(ctx))

	release1()
	release1() // double release counts once
	assert.Equal(t, model.Online, tr.Snapshot(ctx, []string{"u1"})[0].State)

	release2()
	assert.Equal(t, model.Offline, tr.Snapshot(ctx, []string{"u1"})[0].State)
}

func TestSnapshot_UnknownAndStored(t *testing.T) {
	tr, _, clock, store := newTestTracker(t)
	ctx := context.Background()

	at := time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)
	beat := clock.Now().Add(-10 * time.Second)
	require.NoError(t, store.Set(ctx, "presence:remote", encodeRecord(model.PresenceRecord{
		UserID: "remote", State: model.Online, LastChanged: at,
	}, beat), 0))

	snap := tr.Snapshot(ctx, []string{"ghost", "remote"})
	require.Len(t, snap, 2)
	assert.Equal(t, model.PresenceRecord{UserID: "ghost", State: model.Offline}, snap[0])
	assert.Equal(t, model.Online, snap[1].State)
	assert.True(t, snap[1].LastChanged.Equal(at))
}

func TestTransition_PersistsToStore(t *testing.T) {
	tr, _, _, store := newTestTracker(t)
	ctx := context.Background()

	tr.SetOnline(ctx, "u1")
	val, ok, err := store.Get(ctx, "presence:u1")
	require.NoError(t, err)
	require.True(t, ok)

	rec, beat, err := decodeRecord("u1", val)
	require.NoError(t, err)
	assert.Equal(t, model.Online, rec.State)
	assert.False(t, beat.IsZero())
}

func TestSnapshot_StoredOnlineLapsesWithoutHeartbeat(t *testing.T) {
	first, _, clock, store := newTestTracker(t)
	ctx := context.Background()

	first.SetOnline(ctx, "u1")
	beat := clock.Now()

	// The first process goes away without ever saying u1 left.
	second := newPeerTracker(t, store, clock)
	assert.Equal(t, model.Online, second.Snapshot(ctx, []string{"u1"})[0].State)

	clock.Advance(time.Hour)
	second.Sweep(ctx)

	snap := second.Snapshot(ctx, []string{"u1"})
	assert.Equal(t, model.Offline, snap[0].State)
	assert.True(t, snap[0].LastChanged.Equal(beat.Add(45*time.Second)), "lapsed at %v", snap[0].LastChanged)
}

func TestSnapshot_HeartbeatsKeepStoredRecordFresh(t *testing.T) {
	first, _, clock, store := newTestTracker(t)
	second := newPeerTracker(t, store, clock)
	ctx := context.Background()

	first.SetOnline(ctx, "u1")
	for range 4 {
		clock.Advance(30 * time.Second)
		first.Heartbeat(ctx, "u1")
	}
	assert.Equal(t, model.Online, second.Snapshot(ctx, []string{"u1"})[0].State)
}

func TestSweep_RefreshesConnectedUsers(t *testing.T) {
	first, _, clock, store := newTestTracker(t)
	second := newPeerTracker(t, store, clock)
	ctx := context.Background()

	release := first.Connect(ctx, "u1")
	defer release()

	// A silent but open connection: only the sweep keeps the record alive.
	for range 10 {
		clock.Advance(30 * time.Second)
		assert.Equal(t, 0, first.Sweep(ctx))
	}
	assert.Equal(t, model.Online, second.Snapshot(ctx, []string{"u1"})[0].State)
}

func TestSetOffline_KeepsOpenConnectionsCounted(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)
	ctx := context.Background()

	release1 := tr.Connect(ctx, "u1")
	tr.SetOffline(ctx, "u1")
	assert.Equal(t, model.Offline, tr.Snapshot(ctx, []string{"u1"})[0].State)

	release2 := tr.Connect(ctx, "u1")
	assert.Equal(t, model.Online, tr.Snapshot(ctx, []string{"u1"})[0].State)

	// The older stream closing must not take the user offline while the
	// newer one is still open.
	release1()
	assert.Equal(t, model.Online, tr.Snapshot(ctx, []string{"u1"})[0].State)

	release2()
	assert.Equal(t, model.Offline, tr.Snapshot(ctx, []string{"u1"})[0].State)
}

func TestSubscribe_SnapshotThenChanges(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)
	ctx := context.Background()

	tr.SetOnline(ctx, "friend")
	snap, sub := tr.Subscribe(ctx, "me", []string{"friend"})
	defer sub.Close()

	require.Len(t, snap, 1)
	assert.Equal(t, model.Online, snap[0].State)

	tr.SetOffline(ctx, "friend")
	assert.Equal(t, []model.PresenceState{model.Offline}, states(drain(sub)))
}

func TestStartStop(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)
	tr.sweep = time.Millisecond

	tr.Start()
	tr.Start()
	time.Sleep(5 * time.Millisecond)
	tr.Stop()
	tr.Stop()
}

func TestDecodeRecord_Malformed(t *testing.T) {
	for _, val := range []string{
		"garbage",
		"online|2026-01-01T12:00:00Z",
		"online|not-a-time|2026-01-01T12:00:00Z",
		"online|2026-01-01T12:00:00Z|not-a-time",
	} {
		_, _, err := decodeRecord("u", val)
		assert.Error(t, err, val)
	}
}
