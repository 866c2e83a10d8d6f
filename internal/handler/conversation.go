package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sakif/buddychat/internal/apperror"
	"github.com/sakif/buddychat/internal/model"
	"github.com/sakif/buddychat/internal/service"
)

// ConversationHandler serves message history, sending, locks and the
// typing signal of a conversation addressed by its pair key.
type ConversationHandler struct {
	convs  *service.ConversationService
	typing *service.TypingService
	logger *slog.Logger
}

func NewConversationHandler(convs *service.ConversationService, typing *service.TypingService, logger *slog.Logger) *ConversationHandler {
	return &ConversationHandler{convs: convs, typing: typing, logger: logger}
}

type sendMessageRequest struct {
	Text     string  `json:"text" validate:"max=4000"`
	MediaRef *string `json:"mediaRef" validate:"omitempty,max=2048"`
}

type lockRequest struct {
	// Password nil (or JSON null) clears the lock.
	Password *string `json:"password"`
}

type unlockRequest struct {
	Password string `json:"password" validate:"required"`
}

type appearanceRequest struct {
	WallpaperRef *string `json:"wallpaperRef" validate:"omitempty,max=2048"`
	AccentRef    *string `json:"accentRef" validate:"omitempty,max=2048"`
}

type typingRequest struct {
	IsTyping bool `json:"isTyping"`
}

// HandleGet returns the conversation's metadata (lock flag, appearance).
//
// HTTP: GET /api/conversations/{key}
func (h *ConversationHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	conv, err := h.convs.GetConversation(r.Context(), id, r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// HandleListMessages returns one page of history.
//
// HTTP: GET /api/conversations/{key}/messages?limit=50&cursor=123
func (h *ConversationHandler) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, apperror.ValidationFailed("limit", "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	page, err := h.convs.ListMessages(r.Context(), id, r.PathValue("key"), limit, r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// HandleSend posts a message.
//
// HTTP: POST /api/conversations/{key}/messages
func (h *ConversationHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	msg, err := h.convs.SendMessage(r.Context(), id, r.PathValue("key"), model.MessageBody{
		Text:     req.Text,
		MediaRef: req.MediaRef,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// HandleMarkRead marks the other participant's messages as read.
//
// HTTP: POST /api/conversations/{key}/read
func (h *ConversationHandler) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	ids, err := h.convs.MarkRead(r.Context(), id, r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"messageIds": ids})
}

// HandleDeleteMessage deletes a message for everyone or hides it for the
// caller. The scope defaults to "self".
//
// HTTP: DELETE /api/messages/{id}?scope=self|everyone
func (h *ConversationHandler) HandleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	scope := model.DeleteScope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = model.DeleteForSelf
	}
	if err := h.convs.DeleteMessage(r.Context(), id, r.PathValue("id"), scope); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetLock sets, changes or (with a null password) clears the chat
// password.
//
// HTTP: PUT /api/conversations/{key}/lock
func (h *ConversationHandler) HandleSetLock(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req lockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	conv, err := h.convs.SetLock(r.Context(), id, r.PathValue("key"), req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// HandleUnlock grants the caller's session access to a locked
// conversation.
//
// HTTP: POST /api/conversations/{key}/unlock
func (h *ConversationHandler) HandleUnlock(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req unlockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.convs.Unlock(r.Context(), id, r.PathValue("key"), req.Password); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandlePurge deletes the whole history for both participants.
//
// HTTP: DELETE /api/conversations/{key}/messages
func (h *ConversationHandler) HandlePurge(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	n, err := h.convs.Purge(r.Context(), id, r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// HandleSetAppearance stores wallpaper and accent references.
//
// HTTP: PUT /api/conversations/{key}/appearance
func (h *ConversationHandler) HandleSetAppearance(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req appearanceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	conv, err := h.convs.SetAppearance(r.Context(), id, r.PathValue("key"), req.WallpaperRef, req.AccentRef)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// HandleSetTyping records whether the caller is typing.
//
// HTTP: POST /api/conversations/{key}/typing
func (h *ConversationHandler) HandleSetTyping(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req typingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.typing.SetTyping(r.Context(), id, r.PathValue("key"), req.IsTyping); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleTyping lists who is typing right now.
//
// HTTP: GET /api/conversations/{key}/typing
func (h *ConversationHandler) HandleTyping(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	users, err := h.typing.Typing(r.Context(), id, r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"userIds": users})
}
