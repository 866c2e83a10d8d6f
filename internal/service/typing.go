package service

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sakif/buddychat/internal/auth"
	"github.com/sakif/buddychat/internal/ephemeral"
	"github.com/sakif/buddychat/internal/fanout"
	"github.com/sakif/buddychat/internal/model"
)

// DefaultTypingWindow is how long a "typing" signal lasts without a refresh.
const DefaultTypingWindow = 3 * time.Second

type typingEntry struct {
	timer *time.Timer
	gen   uint64
}

// TypingService publishes "is typing" signals. A true signal is withdrawn
// automatically when the quiet window passes without another true signal,
// so a client that disappears mid-sentence does not leave its user typing
// forever.
type TypingService struct {
	convs  *ConversationService
	hub    *fanout.Hub
	store  ephemeral.Store
	logger *slog.Logger
	window time.Duration

	mu      sync.Mutex
	typing  map[string]*typingEntry // key: conversation + "|" + user
	gen     uint64
	stopped bool
}

func NewTypingService(convs *ConversationService, hub *fanout.Hub, store ephemeral.Store, window time.Duration, logger *slog.Logger) *TypingService {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	return &TypingService{
		convs:  convs,
		hub:    hub,
		store:  store,
		logger: logger,
		window: window,
		typing: make(map[string]*typingEntry),
	}
}

// SetTyping records whether the caller is typing in key. Repeating true
// extends the window without publishing again; false for a user who is
// not typing does nothing.
func (s *TypingService) SetTyping(ctx context.Context, id auth.Identity, key string, isTyping bool) error {
	conv, err := s.convs.Authorize(ctx, id, key)
	if err != nil {
		return err
	}
	if isTyping {
		if err := s.convs.checkBlocked(ctx, conv.UserA, conv.UserB); err != nil {
			return err
		}
	}

	tk := key + "|" + id.UserID
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}

	entry, active := s.typing[tk]
	if !isTyping {
		if !active {
			return nil
		}
		entry.timer.Stop()
		delete(s.typing, tk)
		s.publishLocked(key, id.UserID, false, now)
		s.forget(ctx, key, id.UserID)
		return nil
	}

	s.gen++
	gen := s.gen
	if active {
		entry.timer.Stop()
	}
	s.typing[tk] = &typingEntry{
		gen:   gen,
		timer: time.AfterFunc(s.window, func() { s.expire(key, id.UserID, gen) }),
	}
	if !active {
		s.publishLocked(key, id.UserID, true, now)
	}
	if err := s.store.Set(ctx, storeTypingKey(key, id.UserID), now.Format(time.RFC3339Nano), s.window); err != nil {
		s.logger.Warn("writing typing marker",
			slog.String("conversation", key),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// Typing returns the ids of the users currently typing in key, sorted.
func (s *TypingService) Typing(ctx context.Context, id auth.Identity, key string) ([]string, error) {
	if _, err := s.convs.Authorize(ctx, id, key); err != nil {
		return nil, err
	}

	prefix := storeTypingKey(key, "")
	entries, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(entries))
	for k := range entries {
		users = append(users, strings.TrimPrefix(k, prefix))
	}
	sort.Strings(users)
	return users, nil
}

// Subscribe opens the caller's typing feed for key.
func (s *TypingService) Subscribe(ctx context.Context, id auth.Identity, key string) (*fanout.Subscription, error) {
	if _, err := s.convs.Authorize(ctx, id, key); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(id.SessionID, fanout.TypingTopic(key)), nil
}

// Stop cancels every pending quiet-window timer. Later calls to SetTyping
// are ignored.
func (s *TypingService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for k, e := range s.typing {
		e.timer.Stop()
		delete(s.typing, k)
	}
}

// expire runs when a quiet window passes. gen guards against a timer that
// fired just as a newer signal replaced it.
func (s *TypingService) expire(key, userID string, gen uint64) {
	tk := key + "|" + userID

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.typing[tk]
	if !ok || entry.gen != gen {
		return
	}
	delete(s.typing, tk)
	s.publishLocked(key, userID, false, time.Now().UTC())
	s.forget(context.Background(), key, userID)
}

func (s *TypingService) publishLocked(key, userID string, isTyping bool, at time.Time) {
	s.hub.Publish(fanout.TypingTopic(key), model.Event{
		Type: model.EventTyping,
		Payload: model.TypingSignal{
			ConversationKey: key,
			UserID:          userID,
			IsTyping:        isTyping,
			At:              at,
		},
		At: at,
	})
}

func (s *TypingService) forget(ctx context.Context, key, userID string) {
	if err := s.store.Delete(ctx, storeTypingKey(key, userID)); err != nil {
		s.logger.Warn("removing typing marker",
			slog.String("conversation", key),
			slog.String("error", err.Error()),
		)
	}
}

func storeTypingKey(key, userID string) string { return "typing:" + key + ":" + userID }
