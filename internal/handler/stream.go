package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/sakif/buddychat/internal/auth"
	"github.com/sakif/buddychat/internal/fanout"
	"github.com/sakif/buddychat/internal/model"
	"github.com/sakif/buddychat/internal/presence"
	"github.com/sakif/buddychat/internal/service"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
	// Clients only send small heartbeat frames.
	streamReadLimit = 4096
)

// StreamHandler upgrades requests to websockets and pumps fan-out events
// to them as JSON frames.
//
// Every open stream counts as a presence connection for its user, and
// every frame the client sends counts as a heartbeat.
type StreamHandler struct {
	rels     *service.RelationshipService
	convs    *service.ConversationService
	typing   *service.TypingService
	tracker  *presence.Tracker
	logger   *slog.Logger
	upgrader *websocket.AcceptOptions
}

func NewStreamHandler(
	rels *service.RelationshipService,
	convs *service.ConversationService,
	typing *service.TypingService,
	tracker *presence.Tracker,
	originPatterns []string,
	logger *slog.Logger,
) *StreamHandler {
	return &StreamHandler{
		rels:     rels,
		convs:    convs,
		typing:   typing,
		tracker:  tracker,
		logger:   logger,
		upgrader: &websocket.AcceptOptions{OriginPatterns: originPatterns},
	}
}

// HandleRelationships streams the caller's relationship changes.
//
// WS: GET /api/stream/relationships
func (h *StreamHandler) HandleRelationships(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	sub := h.rels.Subscribe(id.SessionID, id.UserID)
	h.serve(w, r, id, sub, nil, nil)
}

// HandleConversation replays history after ?cursor= and then streams live
// conversation events. Live messages already covered by the replay are
// skipped, so a reconnecting client sees each message once.
//
// WS: GET /api/stream/conversations/{key}?cursor=N
func (h *StreamHandler) HandleConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	stream, err := h.convs.OpenStream(r.Context(), id, r.PathValue("key"), r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, err)
		return
	}

	topic := fanout.ConversationTopic(r.PathValue("key"))
	replay := make([]model.Event, len(stream.Replay))
	for i, msg := range stream.Replay {
		replay[i] = model.Event{
			Type:    model.EventMessageCreated,
			Topic:   topic,
			Seq:     msg.Seq,
			Payload: msg,
			At:      msg.CreatedAt,
		}
	}

	lastSeq := stream.LastSeq
	skip := func(ev model.Event) bool {
		return ev.Type == model.EventMessageCreated && ev.Seq <= lastSeq
	}
	h.serve(w, r, id, stream.Sub, replay, skip)
}

// HandlePresence sends a snapshot of the listed users, then their changes.
//
// WS: GET /api/stream/presence?ids=a,b
func (h *StreamHandler) HandlePresence(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	ids, err := parseIDs(r.URL.Query().Get("ids"))
	if err != nil {
		writeError(w, err)
		return
	}

	snapshot, sub := h.tracker.Subscribe(r.Context(), id.SessionID, ids)
	initial := make([]model.Event, len(snapshot))
	for i, rec := range snapshot {
		initial[i] = model.Event{
			Type:    model.EventPresence,
			Topic:   fanout.PresenceTopic(rec.UserID),
			Payload: rec,
			At:      rec.LastChanged,
		}
	}
	h.serve(w, r, id, sub, initial, nil)
}

// HandleTyping streams typing signals for a conversation.
//
// WS: GET /api/stream/typing/{key}
func (h *StreamHandler) HandleTyping(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	sub, err := h.typing.Subscribe(r.Context(), id, r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.serve(w, r, id, sub, nil, nil)
}

// serve owns the websocket for its lifetime: it writes initial, then every
// event from sub that skip does not reject, until either side goes away.
// sub is always closed on return.
func (h *StreamHandler) serve(w http.ResponseWriter, r *http.Request, id auth.Identity, sub *fanout.Subscription, initial []model.Event, skip func(model.Event) bool) {
	defer sub.Close()

	conn, err := websocket.Accept(w, r, h.upgrader)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(streamReadLimit)

	// The request context is not tied to the hijacked connection; the
	// reader goroutine cancels ctx when the client disconnects.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := h.tracker.Connect(ctx, id.UserID)
	defer release()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
			h.tracker.Heartbeat(ctx, id.UserID)
		}
	}()

	for _, ev := range initial {
		if err := h.write(ctx, conn, ev); err != nil {
			return
		}
	}

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ping.C:
			pctx, pcancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				return
			}

		case ev, ok := <-sub.Events():
			if !ok {
				reason := sub.Reason()
				conn.Close(closeStatus(reason), reason)
				return
			}
			if skip != nil && skip(ev) {
				continue
			}
			if err := h.write(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func (h *StreamHandler) write(ctx context.Context, conn *websocket.Conn, ev model.Event) error {
	wctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()

	err := wsjson.Write(wctx, conn, ev)
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("stream write failed",
			slog.String("topic", ev.Topic),
			slog.String("error", err.Error()),
		)
	}
	return err
}

// closeStatus maps a stream.closed reason to a websocket close code.
func closeStatus(reason string) websocket.StatusCode {
	switch reason {
	case fanout.ReasonShutdown:
		return websocket.StatusGoingAway
	case fanout.ReasonSlowConsumer:
		return websocket.StatusTryAgainLater
	case fanout.ReasonBlocked, fanout.ReasonLocked:
		return websocket.StatusPolicyViolation
	}
	return websocket.StatusNormalClosure
}
