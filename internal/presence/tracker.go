// Package presence tracks which users are online.
//
// A user is online while they have at least one open realtime connection
// or have sent a heartbeat within the timeout. A reaper goroutine sweeps
// periodically and flips users who went quiet to offline, so a client that
// vanished without saying goodbye does not stay "online" forever.
//
// Every state change is published on the user's presence topic and
// mirrored into the ephemeral store. Online records in the store carry the
// last heartbeat and expire after the timeout unless refreshed, so other
// processes never see a user online past the grace period after this one
// lost track of them.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sakif/buddychat/internal/ephemeral"
	"github.com/sakif/buddychat/internal/fanout"
	"github.com/sakif/buddychat/internal/metrics"
	"github.com/sakif/buddychat/internal/model"
)

type userState struct {
	state       model.PresenceState
	lastChanged time.Time
	lastBeat    time.Time
	conns       int
}

// Tracker owns the presence state of every user this process has seen.
type Tracker struct {
	mu    sync.Mutex
	users map[string]*userState

	hub     *fanout.Hub
	store   ephemeral.Store
	logger  *slog.Logger
	metrics *metrics.Metrics

	timeout time.Duration
	sweep   time.Duration
	now     func() time.Time

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// Config controls the reaper.
type Config struct {
	// Timeout is how long after the last heartbeat a user without open
	// connections is considered gone.
	Timeout time.Duration
	// Sweep is how often the reaper runs.
	Sweep time.Duration
}

func NewTracker(cfg Config, hub *fanout.Hub, store ephemeral.Store, logger *slog.Logger, m *metrics.Metrics) *Tracker {
	return &Tracker{
		users:   make(map[string]*userState),
		hub:     hub,
		store:   store,
		logger:  logger,
		metrics: m,
		timeout: cfg.Timeout,
		sweep:   cfg.Sweep,
		now:     time.Now,
		done:    make(chan struct{}),
	}
}

// Start launches the reaper. Calling it twice is harmless.
func (t *Tracker) Start() {
	t.startOnce.Do(func() {
		t.logger.Info("starting presence reaper",
			slog.Duration("timeout", t.timeout),
			slog.Duration("sweep", t.sweep),
		)
		t.wg.Add(1)
		go t.reaper()
	})
}

// Stop halts the reaper and waits for it to exit.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		t.logger.Info("stopping presence reaper")
		close(t.done)
		t.wg.Wait()
	})
}

func (t *Tracker) reaper() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if n := t.Sweep(context.Background()); n > 0 {
				t.logger.Debug("presence sweep", slog.Int("expired", n))
			}
		}
	}
}

// SetOnline marks userID online and counts as a heartbeat. Calling it for
// a user who is already online only refreshes the heartbeat.
func (t *Tracker) SetOnline(ctx context.Context, userID string) {
	t.mu.Lock()
	u := t.user(userID)
	u.lastBeat = t.now()
	t.transition(userID, u, model.Online)
	rec, beat := u.record(userID), u.lastBeat
	t.mu.Unlock()

	// Persisted on every beat, not only on transitions, to push the
	// store's expiry forward.
	t.persist(ctx, rec, beat)
}

// SetOffline marks userID offline regardless of open connections. The
// connections stay counted: one opening later brings the user back online,
// and the last one closing keeps them offline.
func (t *Tracker) SetOffline(ctx context.Context, userID string) {
	t.mu.Lock()
	u := t.user(userID)
	_, changed := t.transition(userID, u, model.Offline)
	rec, beat := u.record(userID), u.lastBeat
	t.mu.Unlock()

	if changed {
		t.persist(ctx, rec, beat)
	}
}

// Heartbeat refreshes userID's liveness, bringing them online if needed.
func (t *Tracker) Heartbeat(ctx context.Context, userID string) {
	t.SetOnline(ctx, userID)
}

// Connect registers an open realtime connection for userID and returns the
// function to call when it closes. The user stays online while any
// connection is open; closing the last one takes them offline.
func (t *Tracker) Connect(ctx context.Context, userID string) (release func()) {
	t.mu.Lock()
	u := t.user(userID)
	u.conns++
	u.lastBeat = t.now()
	t.transition(userID, u, model.Online)
	rec, beat := u.record(userID), u.lastBeat
	t.mu.Unlock()

	t.persist(ctx, rec, beat)

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			u := t.user(userID)
			if u.conns > 0 {
				u.conns--
			}
			changed := false
			if u.conns == 0 {
				_, changed = t.transition(userID, u, model.Offline)
			}
			rec, beat := u.record(userID), u.lastBeat
			t.mu.Unlock()

			if changed {
				t.persist(context.Background(), rec, beat)
			}
		})
	}
}

// Sweep marks offline every online user with no open connection whose last
// heartbeat is older than the timeout, and refreshes the stored record of
// every user who still has a connection open. It returns how many users
// it expired.
func (t *Tracker) Sweep(ctx context.Context) int {
	now := t.now()
	cutoff := now.Add(-t.timeout)

	type write struct {
		rec  model.PresenceRecord
		beat time.Time
	}

	t.mu.Lock()
	var (
		writes  []write
		expired int
	)
	for id, u := range t.users {
		if u.state != model.Online {
			continue
		}
		if u.conns > 0 {
			u.lastBeat = now
			writes = append(writes, write{u.record(id), u.lastBeat})
			continue
		}
		if u.lastBeat.Before(cutoff) {
			if rec, changed := t.transition(id, u, model.Offline); changed {
				writes = append(writes, write{rec, u.lastBeat})
				expired++
			}
		}
	}
	t.mu.Unlock()

	for _, w := range writes {
		t.persist(ctx, w.rec, w.beat)
	}
	return expired
}

// Snapshot returns the current presence of each id, in order. Users this
// process has never seen are looked up in the ephemeral store and
// otherwise reported offline. A stored online record whose last heartbeat
// is older than the timeout counts as offline since the moment it lapsed.
func (t *Tracker) Snapshot(ctx context.Context, ids []string) []model.PresenceRecord {
	out := make([]model.PresenceRecord, 0, len(ids))
	var unknown []int

	t.mu.Lock()
	for _, id := range ids {
		if u, ok := t.users[id]; ok {
			out = append(out, model.PresenceRecord{UserID: id, State: u.state, LastChanged: u.lastChanged})
			continue
		}
		out = append(out, model.PresenceRecord{UserID: id, State: model.Offline})
		unknown = append(unknown, len(out)-1)
	}
	t.mu.Unlock()

	for _, i := range unknown {
		val, ok, err := t.store.Get(ctx, storeKey(out[i].UserID))
		if err != nil {
			t.logger.Warn("reading presence from store",
				slog.String("user_id", out[i].UserID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ok {
			continue
		}
		rec, beat, err := decodeRecord(out[i].UserID, val)
		if err != nil {
			continue
		}
		if lapsed := beat.Add(t.timeout); rec.State == model.Online && t.now().After(lapsed) {
			rec = model.PresenceRecord{UserID: rec.UserID, State: model.Offline, LastChanged: lapsed.UTC()}
		}
		out[i] = rec
	}
	return out
}

// Subscribe opens a subscription to the presence topics of ids and returns
// it together with a snapshot. The subscription is opened first, so no
// change can fall between the snapshot and the live events.
func (t *Tracker) Subscribe(ctx context.Context, owner string, ids []string) ([]model.PresenceRecord, *fanout.Subscription) {
	topics := make([]string, len(ids))
	for i, id := range ids {
		topics[i] = fanout.PresenceTopic(id)
	}
	sub := t.hub.Subscribe(owner, topics...)
	return t.Snapshot(ctx, ids), sub
}

// Online returns how many users are currently online.
func (t *Tracker) Online() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onlineLocked()
}

func (u *userState) record(id string) model.PresenceRecord {
	return model.PresenceRecord{UserID: id, State: u.state, LastChanged: u.lastChanged}
}

func (t *Tracker) user(id string) *userState {
	u, ok := t.users[id]
	if !ok {
		u = &userState{state: model.Offline}
		t.users[id] = u
	}
	return u
}

// transition moves u to state and publishes the change. Must be called with
// t.mu held, which keeps per-user events in order.
func (t *Tracker) transition(id string, u *userState, state model.PresenceState) (model.PresenceRecord, bool) {
	if u.state == state {
		return model.PresenceRecord{}, false
	}
	u.state = state
	u.lastChanged = t.now().UTC()

	rec := model.PresenceRecord{UserID: id, State: state, LastChanged: u.lastChanged}
	t.hub.Publish(fanout.PresenceTopic(id), model.Event{
		Type:    model.EventPresence,
		Payload: rec,
		At:      rec.LastChanged,
	})
	t.metrics.SetOnline(t.onlineLocked())
	return rec, true
}

func (t *Tracker) onlineLocked() int {
	n := 0
	for _, u := range t.users {
		if u.state == model.Online {
			n++
		}
	}
	return n
}

// persist mirrors rec into the ephemeral store. Online records live for
// one timeout past beat; offline ones are kept for a day so lastChanged
// survives without the store growing with every user who ever connected.
func (t *Tracker) persist(ctx context.Context, rec model.PresenceRecord, beat time.Time) {
	ttl := offlineRecordTTL
	if rec.State == model.Online {
		ttl = t.timeout
	}
	if err := t.store.Set(ctx, storeKey(rec.UserID), encodeRecord(rec, beat), ttl); err != nil {
		t.logger.Warn("writing presence to store",
			slog.String("user_id", rec.UserID),
			slog.String("error", err.Error()),
		)
	}
}

const offlineRecordTTL = 24 * time.Hour

func storeKey(userID string) string { return "presence:" + userID }

// encodeRecord stores "state|lastChanged|lastBeat".
func encodeRecord(rec model.PresenceRecord, beat time.Time) string {
	return string(rec.State) + "|" + rec.LastChanged.Format(time.RFC3339Nano) + "|" + beat.UTC().Format(time.RFC3339Nano)
}

func decodeRecord(userID, val string) (model.PresenceRecord, time.Time, error) {
	parts := strings.Split(val, "|")
	if len(parts) != 3 {
		return model.PresenceRecord{}, time.Time{}, fmt.Errorf("presence: malformed record %q", val)
	}
	changed, err := time.Parse(time.RFC3339Nano, parts[1])
	if err != nil {
		return model.PresenceRecord{}, time.Time{}, fmt.Errorf("presence: malformed time: %w", err)
	}
	beat, err := time.Parse(time.RFC3339Nano, parts[2])
	if err != nil {
		return model.PresenceRecord{}, time.Time{}, fmt.Errorf("presence: malformed heartbeat: %w", err)
	}
	return model.PresenceRecord{UserID: userID, State: model.PresenceState(parts[0]), LastChanged: changed}, beat, nil
}
