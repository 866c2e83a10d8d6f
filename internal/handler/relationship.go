package handler

import (
	"log/slog"
	"net/http"

	"github.com/sakif/buddychat/internal/service"
)

// RelationshipHandler serves friend requests, friend lists and blocks.
type RelationshipHandler struct {
	svc    *service.RelationshipService
	logger *slog.Logger
}

func NewRelationshipHandler(svc *service.RelationshipService, logger *slog.Logger) *RelationshipHandler {
	return &RelationshipHandler{svc: svc, logger: logger}
}

type sendRequestRequest struct {
	Handle string `json:"handle" validate:"required_without=UserID"`
	UserID string `json:"userId"`
}

// HandleSend sends a friend request by handle or user id.
//
// HTTP: POST /api/requests
func (h *RelationshipHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req sendRequestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	rel, err := h.svc.SendRequest(r.Context(), id.UserID, service.RequestTarget{Handle: req.Handle, UserID: req.UserID})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

// HandleListPending returns incoming and outgoing pending requests.
//
// HTTP: GET /api/requests
func (h *RelationshipHandler) HandleListPending(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	pending, err := h.svc.ListPending(r.Context(), id.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

// HandleAccept accepts a request addressed to the caller.
//
// HTTP: POST /api/requests/{id}/accept
func (h *RelationshipHandler) HandleAccept(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	rel, err := h.svc.AcceptRequest(r.Context(), id.UserID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

// HandleReject declines (recipient) or cancels (sender) a pending request.
//
// HTTP: POST /api/requests/{id}/reject
func (h *RelationshipHandler) HandleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if err := h.svc.RejectRequest(r.Context(), id.UserID, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListFriends returns the caller's friends.
//
// HTTP: GET /api/friends
func (h *RelationshipHandler) HandleListFriends(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	friends, err := h.svc.ListFriends(r.Context(), id.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, friends)
}

// HandleListBlocked returns the users the caller blocks.
//
// HTTP: GET /api/blocks
func (h *RelationshipHandler) HandleListBlocked(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	blocked, err := h.svc.ListBlocked(r.Context(), id.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, blocked)
}

// HandleBlock blocks a user.
//
// HTTP: POST /api/blocks/{userID}
func (h *RelationshipHandler) HandleBlock(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if err := h.svc.Block(r.Context(), id.UserID, r.PathValue("userID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleUnblock lifts the caller's block on a user.
//
// HTTP: DELETE /api/blocks/{userID}
func (h *RelationshipHandler) HandleUnblock(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	if err := h.svc.Unblock(r.Context(), id.UserID, r.PathValue("userID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
