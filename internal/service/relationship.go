package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/buddychat/internal/apperror"
	"github.com/sakif/buddychat/internal/fanout"
	"github.com/sakif/buddychat/internal/metrics"
	"github.com/sakif/buddychat/internal/model"
	"github.com/sakif/buddychat/internal/repository"
)

// RequestTarget names the recipient of a friend request, either by handle
// (what people type) or by id (what clients already have from a lookup).
type RequestTarget struct {
	Handle string
	UserID string
}

// RelationshipService runs the friend-request lifecycle:
//
//	(none) → pending → accepted
//	   ↑        ↓ reject
//	   └────────┘
//	any → blocked (by either side), blocked → (none) on unblock
//
// Every transition is published on the relationships topic of both users
// so their open lists update live.
type RelationshipService struct {
	rels    repository.RelationshipRepository
	users   repository.UserRepository
	hub     *fanout.Hub
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func NewRelationshipService(
	rels repository.RelationshipRepository,
	users repository.UserRepository,
	hub *fanout.Hub,
	m *metrics.Metrics,
	logger *slog.Logger,
) *RelationshipService {
	return &RelationshipService{
		rels:    rels,
		users:   users,
		hub:     hub,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// SendRequest creates a pending request from fromID to target.
func (s *RelationshipService) SendRequest(ctx context.Context, fromID string, target RequestTarget) (*model.Relationship, error) {
	to, err := s.resolve(ctx, target)
	if err != nil {
		return nil, err
	}
	if to.ID == fromID {
		return nil, &apperror.AppError{
			Err:     apperror.ErrValidation,
			Message: "you cannot send a friend request to yourself",
			Field:   "handle",
			Reason:  apperror.ReasonSelfRequest,
		}
	}

	rel := &model.Relationship{FromID: fromID, ToID: to.ID}
	if err := s.rels.CreateRequest(ctx, rel); err != nil {
		return nil, err
	}

	s.metrics.RelationshipTransition("requested")
	s.publish(model.EventRelationshipRequest, *rel, rel.FromID, rel.ToID)
	s.logger.Info("friend request sent",
		slog.String("request_id", rel.ID),
		slog.String("from", rel.FromID),
		slog.String("to", rel.ToID),
	)
	return rel, nil
}

// AcceptRequest turns a pending request into a friendship. Only the
// recipient may accept. Accepting twice returns the friendship unchanged.
func (s *RelationshipService) AcceptRequest(ctx context.Context, actorID, requestID string) (*model.Relationship, error) {
	rel, err := s.rels.GetRelationship(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if rel.ToID != actorID {
		return nil, apperror.Forbidden(apperror.ReasonNotRecipient, "only the recipient can accept a friend request")
	}
	if rel.State == model.StateAccepted {
		return rel, nil
	}

	rel, err = s.rels.Accept(ctx, requestID, s.now().UTC())
	if err != nil {
		return nil, err
	}

	s.metrics.RelationshipTransition("accepted")
	s.publish(model.EventRelationshipAccepted, *rel, rel.FromID, rel.ToID)
	s.logger.Info("friend request accepted",
		slog.String("request_id", rel.ID),
		slog.String("by", actorID),
	)
	return rel, nil
}

// RejectRequest removes a pending request. The recipient uses it to
// decline, the sender to cancel. A request that is already gone is a no-op.
func (s *RelationshipService) RejectRequest(ctx context.Context, actorID, requestID string) error {
	rel, err := s.rels.GetRelationship(ctx, requestID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil
		}
		return err
	}
	if !rel.Involves(actorID) {
		return apperror.Forbidden(apperror.ReasonNotParticipant, "this friend request is not yours")
	}
	if rel.State == model.StateAccepted {
		return apperror.Conflict(apperror.ReasonAlreadyFriends, "this request has already been accepted")
	}

	deleted, err := s.rels.DeletePending(ctx, requestID)
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}

	s.metrics.RelationshipTransition("rejected")
	s.publish(model.EventRelationshipRemoved, *rel, rel.FromID, rel.ToID)
	return nil
}

// Block stops all contact between byID and targetID: any friendship or
// pending request is deleted, new requests and messages are refused in
// both directions, and open streams on their conversation are closed.
func (s *RelationshipService) Block(ctx context.Context, byID, targetID string) error {
	if byID == targetID {
		return &apperror.AppError{
			Err:     apperror.ErrValidation,
			Message: "you cannot block yourself",
			Field:   "userId",
			Reason:  apperror.ReasonSelfRequest,
		}
	}
	if _, err := s.users.GetUserByID(ctx, targetID); err != nil {
		return err
	}

	now := s.now().UTC()
	removed, err := s.rels.Block(ctx, byID, targetID, now)
	if err != nil {
		s.logger.Error("failed to block user",
			slog.String("by", byID),
			slog.String("target", targetID),
			slog.String("error", err.Error()),
		)
		return err
	}

	if removed != nil {
		s.publish(model.EventRelationshipRemoved, *removed, byID, targetID)
	}
	s.publish(model.EventRelationshipBlocked, model.Relationship{
		ID:        model.PairKey(byID, targetID),
		FromID:    byID,
		ToID:      targetID,
		State:     model.StateBlocked,
		CreatedAt: now,
		UpdatedAt: now,
	}, byID, targetID)

	key := model.PairKey(byID, targetID)
	s.hub.Publish(fanout.ConversationTopic(key), model.Event{Type: model.EventConversationBlocked, At: now})
	s.hub.CloseTopic(fanout.ConversationTopic(key), fanout.ReasonBlocked)
	s.hub.CloseTopic(fanout.TypingTopic(key), fanout.ReasonBlocked)

	s.metrics.RelationshipTransition("blocked")
	s.logger.Info("user blocked", slog.String("by", byID), slog.String("target", targetID))
	return nil
}

// Unblock lifts byID's own block on targetID. A block placed by the other
// side stays, and no friendship comes back.
func (s *RelationshipService) Unblock(ctx context.Context, byID, targetID string) error {
	removed, err := s.rels.Unblock(ctx, byID, targetID)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}

	s.metrics.RelationshipTransition("unblocked")
	s.publish(model.EventRelationshipUnblock, model.Relationship{
		ID:     model.PairKey(byID, targetID),
		FromID: byID,
		ToID:   targetID,
	}, byID)
	return nil
}

func (s *RelationshipService) ListFriends(ctx context.Context, userID string) ([]model.Contact, error) {
	rels, err := s.rels.ListFriends(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.contacts(ctx, userID, rels)
}

func (s *RelationshipService) ListBlocked(ctx context.Context, userID string) ([]model.Contact, error) {
	rels, err := s.rels.ListBlocked(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.contacts(ctx, userID, rels)
}

// ListPending returns the requests waiting on userID and the ones userID
// is waiting on.
func (s *RelationshipService) ListPending(ctx context.Context, userID string) (*model.PendingRequests, error) {
	in, out, err := s.rels.ListPending(ctx, userID)
	if err != nil {
		return nil, err
	}
	incoming, err := s.contacts(ctx, userID, in)
	if err != nil {
		return nil, err
	}
	outgoing, err := s.contacts(ctx, userID, out)
	if err != nil {
		return nil, err
	}
	return &model.PendingRequests{Incoming: incoming, Outgoing: outgoing}, nil
}

// Subscribe opens the caller's live relationship feed.
func (s *RelationshipService) Subscribe(owner, userID string) *fanout.Subscription {
	return s.hub.Subscribe(owner, fanout.RelationshipsTopic(userID))
}

func (s *RelationshipService) resolve(ctx context.Context, target RequestTarget) (*model.User, error) {
	if id := strings.TrimSpace(target.UserID); id != "" {
		return s.users.GetUserByID(ctx, id)
	}
	handle := strings.TrimSpace(target.Handle)
	if handle == "" {
		return nil, apperror.ValidationFailed("handle", "a handle or user id is required")
	}
	return s.users.GetUserByHandle(ctx, handle)
}

// contacts attaches the other user's public profile to each edge. Edges
// whose other user cannot be loaded are dropped.
func (s *RelationshipService) contacts(ctx context.Context, userID string, rels []model.Relationship) ([]model.Contact, error) {
	out := make([]model.Contact, 0, len(rels))
	if len(rels) == 0 {
		return out, nil
	}

	ids := make([]string, len(rels))
	for i := range rels {
		ids[i] = rels[i].Other(userID)
	}
	users, err := s.users.ListUsersByID(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.PublicUser, len(users))
	for i := range users {
		byID[users[i].ID] = users[i].Public()
	}

	for _, rel := range rels {
		pub, ok := byID[rel.Other(userID)]
		if !ok {
			continue
		}
		out = append(out, model.Contact{Relationship: rel, User: pub})
	}
	return out, nil
}

func (s *RelationshipService) publish(typ model.EventType, rel model.Relationship, userIDs ...string) {
	at := rel.UpdatedAt
	if at.IsZero() {
		at = s.now().UTC()
	}
	for _, id := range userIDs {
		s.hub.Publish(fanout.RelationshipsTopic(id), model.Event{Type: typ, Payload: rel, At: at})
	}
}
