package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sakif/buddychat/internal/apperror"
	"github.com/sakif/buddychat/internal/auth"
	"github.com/sakif/buddychat/internal/fanout"
	"github.com/sakif/buddychat/internal/metrics"
	"github.com/sakif/buddychat/internal/model"
	"github.com/sakif/buddychat/internal/repository"
)

// ConversationService stores and streams the messages of two-party
// conversations and enforces who may see them.
//
// ACCESS, in the order it is checked:
//  1. the key must name two distinct users and the caller must be one of them
//  2. the other participant must exist
//  3. if the conversation is locked, the caller's session must hold a
//     grant for the current lock version (see Gate)
//
// Sends additionally fail while either participant blocks the other.
type ConversationService struct {
	convs     repository.ConversationRepository
	rels      repository.RelationshipRepository
	users     repository.UserRepository
	passwords *auth.PasswordService
	gate      *Gate
	hub       *fanout.Hub
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// keys serialises "commit, then publish" per conversation.
	keys *keyedMutex
	now  func() time.Time
}

func NewConversationService(
	convs repository.ConversationRepository,
	rels repository.RelationshipRepository,
	users repository.UserRepository,
	passwords *auth.PasswordService,
	gate *Gate,
	hub *fanout.Hub,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ConversationService {
	return &ConversationService{
		convs:     convs,
		rels:      rels,
		users:     users,
		passwords: passwords,
		gate:      gate,
		hub:       hub,
		metrics:   m,
		logger:    logger,
		keys:      newKeyedMutex(),
		now:       time.Now,
	}
}

// GetConversation returns the conversation's metadata. It is readable
// while locked, so clients can tell they need to unlock.
func (s *ConversationService) GetConversation(ctx context.Context, id auth.Identity, key string) (*model.Conversation, error) {
	return s.participant(ctx, id, key)
}

// Authorize runs every read check against key and returns the
// conversation.
func (s *ConversationService) Authorize(ctx context.Context, id auth.Identity, key string) (*model.Conversation, error) {
	conv, err := s.participant(ctx, id, key)
	if err != nil {
		return nil, err
	}
	if !s.gate.Allowed(id, conv) {
		return nil, apperror.Unauthorized(apperror.ReasonConversationLocked, "this conversation is locked")
	}
	return conv, nil
}

// SendMessage appends a message and pushes it to the conversation's
// subscribers. Seq and CreatedAt are assigned by the server.
func (s *ConversationService) SendMessage(ctx context.Context, id auth.Identity, key string, body model.MessageBody) (*model.Message, error) {
	body, err := normalizeBody(body)
	if err != nil {
		return nil, err
	}

	conv, err := s.Authorize(ctx, id, key)
	if err != nil {
		return nil, err
	}
	if err := s.checkBlocked(ctx, conv.UserA, conv.UserB); err != nil {
		return nil, err
	}

	msg := &model.Message{
		ConversationKey: key,
		SenderID:        id.UserID,
		Body:            body,
	}

	unlock := s.keys.Lock(key)
	defer unlock()

	if err := s.convs.AppendMessage(ctx, msg, s.now()); err != nil {
		// A block that committed after checkBlocked is caught here.
		if errors.Is(err, apperror.ErrForbidden) {
			return nil, err
		}
		s.logger.Error("failed to store message",
			slog.String("conversation", key),
			slog.String("sender", id.UserID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.hub.Publish(fanout.ConversationTopic(key), model.Event{
		Type:    model.EventMessageCreated,
		Seq:     msg.Seq,
		Payload: *msg,
		At:      msg.CreatedAt,
	})
	s.metrics.MessageSent()
	return msg, nil
}

// ListMessages returns one page of history, oldest first, starting after
// cursor. The cursor is the Seq of the last message of the previous page;
// an empty cursor starts from the beginning.
func (s *ConversationService) ListMessages(ctx context.Context, id auth.Identity, key string, pageSize int, cursor string) (*model.MessagePage, error) {
	after, err := parseCursor(cursor)
	if err != nil {
		return nil, err
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	if _, err := s.Authorize(ctx, id, key); err != nil {
		return nil, err
	}
	return s.page(ctx, id, key, pageSize, after)
}

// MarkRead marks every unread message the caller did not send as read and
// returns their ids.
func (s *ConversationService) MarkRead(ctx context.Context, id auth.Identity, key string) ([]string, error) {
	if _, err := s.Authorize(ctx, id, key); err != nil {
		return nil, err
	}

	unlock := s.keys.Lock(key)
	defer unlock()

	at := s.now().UTC()
	ids, err := s.convs.MarkRead(ctx, key, id.UserID, at)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		s.hub.Publish(fanout.ConversationTopic(key), model.Event{
			Type:    model.EventMessageRead,
			Payload: model.ReadReceipt{ReaderID: id.UserID, MessageIDs: ids, ReadAt: at},
			At:      at,
		})
	}
	return ids, nil
}

// DeleteMessage removes a message for everyone (sender only, hard delete)
// or hides it from the caller's own view (any participant, no event).
func (s *ConversationService) DeleteMessage(ctx context.Context, id auth.Identity, messageID string, scope model.DeleteScope) error {
	if scope != model.DeleteForSelf && scope != model.DeleteForEveryone {
		return apperror.ValidationFailed("scope", `scope must be "self" or "everyone"`)
	}

	msg, err := s.convs.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if _, err := s.Authorize(ctx, id, msg.ConversationKey); err != nil {
		return err
	}

	if scope == model.DeleteForSelf {
		return s.convs.HideMessage(ctx, messageID, id.UserID)
	}

	if msg.SenderID != id.UserID {
		return apperror.Forbidden(apperror.ReasonNotSender, "only the sender can delete a message for everyone")
	}

	unlock := s.keys.Lock(msg.ConversationKey)
	defer unlock()

	if err := s.convs.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	s.hub.Publish(fanout.ConversationTopic(msg.ConversationKey), model.Event{
		Type:    model.EventMessageDeleted,
		Payload: model.MessageDeleted{MessageID: messageID},
	})
	return nil
}

// SetLock sets, changes (password != nil) or clears (password == nil) the
// conversation's password.
//
// Every call bumps the lock version, which voids all existing grants. The
// caller's session is re-granted straight away when a password is set, and
// every other stream on the conversation is closed with reason "locked".
func (s *ConversationService) SetLock(ctx context.Context, id auth.Identity, key string, password *string) (*model.Conversation, error) {
	conv, err := s.participant(ctx, id, key)
	if err != nil {
		return nil, err
	}
	if conv.Locked && !s.gate.Allowed(id, conv) {
		return nil, apperror.Unauthorized(apperror.ReasonUnlockRequired, "unlock the conversation before changing its password")
	}

	var hash *string
	if password != nil {
		if utf8.RuneCountInString(*password) < MinLockLength || len(*password) > MaxCredentialBytes {
			return nil, apperror.ValidationFailed("password",
				fmt.Sprintf("chat password must be between %d characters and %d bytes", MinLockLength, MaxCredentialBytes))
		}
		h, err := s.passwords.Hash(*password)
		if err != nil {
			return nil, fmt.Errorf("service/conversation: hashing lock: %w", err)
		}
		hash = &h
	}

	unlock := s.keys.Lock(key)
	defer unlock()

	version, err := s.convs.SetLock(ctx, key, hash)
	if err != nil {
		return nil, err
	}
	if hash != nil {
		s.gate.Grant(id, key, version)
	} else {
		s.gate.Revoke(key)
	}

	s.hub.Publish(fanout.ConversationTopic(key), model.Event{
		Type:    model.EventConversationLocked,
		Payload: model.LockChanged{Locked: hash != nil, ActorID: id.UserID},
	})
	if hash != nil {
		session := id.SessionID
		s.hub.CloseTopicWhere(fanout.ConversationTopic(key), fanout.ReasonLocked, func(owner string) bool {
			return owner != session
		})
		s.hub.CloseTopicWhere(fanout.TypingTopic(key), fanout.ReasonLocked, func(owner string) bool {
			return owner != session
		})
	}

	s.logger.Info("conversation lock changed",
		slog.String("conversation", key),
		slog.String("actor", id.UserID),
		slog.Bool("locked", hash != nil),
	)
	return s.convs.GetConversation(ctx, key)
}

// Unlock checks attempt against the conversation's password and, when it
// matches, grants the caller's session access until the lock changes or
// the session expires. Unlocking an unlocked conversation succeeds.
func (s *ConversationService) Unlock(ctx context.Context, id auth.Identity, key, attempt string) error {
	conv, err := s.participant(ctx, id, key)
	if err != nil {
		return err
	}
	if !conv.Locked {
		return nil
	}

	if err := s.passwords.Verify(*conv.LockHash, attempt); err != nil {
		if errors.Is(err, auth.ErrMismatch) {
			s.logger.Warn("wrong chat password",
				slog.String("conversation", key),
				slog.String("user_id", id.UserID),
			)
			return apperror.Unauthorized(apperror.ReasonWrongPassword, "wrong chat password")
		}
		return fmt.Errorf("service/conversation: verifying lock: %w", err)
	}

	s.gate.Grant(id, key, conv.LockVersion)
	return nil
}

// Purge deletes every message of the conversation for both participants.
// Sequence numbers are not reused afterwards.
func (s *ConversationService) Purge(ctx context.Context, id auth.Identity, key string) (int64, error) {
	if _, err := s.Authorize(ctx, id, key); err != nil {
		return 0, err
	}

	unlock := s.keys.Lock(key)
	defer unlock()

	n, err := s.convs.PurgeMessages(ctx, key)
	if err != nil {
		return 0, err
	}

	s.hub.Publish(fanout.ConversationTopic(key), model.Event{
		Type:    model.EventConversationPurged,
		Payload: model.ConversationPurged{ActorID: id.UserID, Deleted: n},
	})
	s.logger.Info("conversation purged",
		slog.String("conversation", key),
		slog.String("actor", id.UserID),
		slog.Int64("deleted", n),
	)
	return n, nil
}

// SetAppearance stores wallpaper and accent references. An empty string
// clears a reference; nil clears it too.
func (s *ConversationService) SetAppearance(ctx context.Context, id auth.Identity, key string, wallpaperRef, accentRef *string) (*model.Conversation, error) {
	wallpaperRef = emptyToNil(wallpaperRef)
	accentRef = emptyToNil(accentRef)
	if err := validateRef("wallpaperRef", wallpaperRef); err != nil {
		return nil, err
	}
	if err := validateRef("accentRef", accentRef); err != nil {
		return nil, err
	}

	if _, err := s.Authorize(ctx, id, key); err != nil {
		return nil, err
	}
	if err := s.convs.SetAppearance(ctx, key, wallpaperRef, accentRef); err != nil {
		return nil, err
	}
	return s.convs.GetConversation(ctx, key)
}

// Stream is an open conversation feed: the history after the requested
// cursor, then live events.
type Stream struct {
	Replay []model.Message
	Sub    *fanout.Subscription
	// LastSeq is the highest Seq in Replay (or the cursor when Replay is
	// empty). Live message events at or below it are duplicates.
	LastSeq int64
}

// OpenStream subscribes the caller's session to key and replays the
// messages after cursor.
//
// The subscription is opened BEFORE the history is read, so a message
// committed in between shows up in the replay, in the live feed, or in
// both; never in neither. LastSeq lets the caller drop the overlap.
func (s *ConversationService) OpenStream(ctx context.Context, id auth.Identity, key, cursor string) (*Stream, error) {
	after, err := parseCursor(cursor)
	if err != nil {
		return nil, err
	}
	if _, err := s.Authorize(ctx, id, key); err != nil {
		return nil, err
	}

	sub := s.hub.Subscribe(id.SessionID, fanout.ConversationTopic(key))

	stream := &Stream{Sub: sub, LastSeq: after}
	for {
		page, err := s.page(ctx, id, key, MaxPageSize, stream.LastSeq)
		if err != nil {
			sub.Close()
			return nil, err
		}
		stream.Replay = append(stream.Replay, page.Messages...)
		if n := len(page.Messages); n > 0 {
			stream.LastSeq = page.Messages[n-1].Seq
		}
		if page.NextCursor == "" {
			break
		}
	}
	return stream, nil
}

func (s *ConversationService) page(ctx context.Context, id auth.Identity, key string, pageSize int, after int64) (*model.MessagePage, error) {
	// One extra row tells us whether another page exists.
	msgs, err := s.convs.ListMessages(ctx, key, repository.MessageListOptions{
		Limit:    pageSize + 1,
		AfterSeq: after,
		ViewerID: id.UserID,
	})
	if err != nil {
		return nil, err
	}

	page := &model.MessagePage{Messages: msgs}
	if len(msgs) > pageSize {
		page.Messages = msgs[:pageSize]
		page.NextCursor = strconv.FormatInt(page.Messages[pageSize-1].Seq, 10)
	}
	if page.Messages == nil {
		page.Messages = []model.Message{}
	}
	return page, nil
}

// participant runs the membership checks and makes sure the conversation
// row exists.
func (s *ConversationService) participant(ctx context.Context, id auth.Identity, key string) (*model.Conversation, error) {
	a, b, ok := model.SplitPairKey(key)
	if !ok {
		return nil, apperror.ValidationFailed("key", "conversation key must be two user ids joined by '_'")
	}
	if id.UserID != a && id.UserID != b {
		return nil, apperror.Forbidden(apperror.ReasonNotParticipant, "you are not part of this conversation")
	}

	other := a
	if other == id.UserID {
		other = b
	}
	if _, err := s.users.GetUserByID(ctx, other); err != nil {
		return nil, err
	}

	return s.convs.EnsureConversation(ctx, key, a, b)
}

func (s *ConversationService) checkBlocked(ctx context.Context, a, b string) error {
	blocked, err := s.rels.IsBlocked(ctx, a, b)
	if err != nil {
		return err
	}
	if blocked {
		return apperror.Forbidden(apperror.ReasonBlocked, "messages cannot be sent while either of you blocks the other")
	}
	return nil
}

func normalizeBody(body model.MessageBody) (model.MessageBody, error) {
	body.MediaRef = emptyToNil(body.MediaRef)
	if strings.TrimSpace(body.Text) == "" {
		body.Text = ""
	}
	if body.Text == "" && body.MediaRef == nil {
		return body, apperror.ValidationFailed("body", "a message needs text, a media reference, or both")
	}
	if utf8.RuneCountInString(body.Text) > MaxTextLength {
		return body, apperror.ValidationFailed("text",
			fmt.Sprintf("message text must be %d characters or less", MaxTextLength))
	}
	if err := validateRef("mediaRef", body.MediaRef); err != nil {
		return body, err
	}
	return body, nil
}

func parseCursor(cursor string) (int64, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || n < 0 {
		return 0, apperror.ValidationFailed("cursor", "cursor must be a non-negative integer")
	}
	return n, nil
}

func emptyToNil(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
