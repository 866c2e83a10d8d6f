package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sakif/buddychat/internal/apperror"
	"github.com/sakif/buddychat/internal/presence"
)

// maxPresenceIDs bounds one snapshot or presence stream.
const maxPresenceIDs = 200

// PresenceHandler serves heartbeats and presence snapshots.
type PresenceHandler struct {
	tracker *presence.Tracker
	logger  *slog.Logger
}

func NewPresenceHandler(tracker *presence.Tracker, logger *slog.Logger) *PresenceHandler {
	return &PresenceHandler{tracker: tracker, logger: logger}
}

// HandleHeartbeat keeps the caller online for another timeout period.
//
// HTTP: POST /api/presence/heartbeat
func (h *PresenceHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	h.tracker.Heartbeat(r.Context(), id.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleOffline marks the caller offline straight away, for clients that
// are closing.
//
// HTTP: POST /api/presence/offline
func (h *PresenceHandler) HandleOffline(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	h.tracker.SetOffline(r.Context(), id.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// HandleSnapshot returns the presence of each listed user.
//
// HTTP: GET /api/presence?ids=a,b,c
func (h *PresenceHandler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireIdentity(w, r); !ok {
		return
	}
	ids, err := parseIDs(r.URL.Query().Get("ids"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.tracker.Snapshot(r.Context(), ids))
}

// parseIDs splits a comma-separated id list, dropping blanks and
// duplicates.
func parseIDs(raw string) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, apperror.ValidationFailed("ids", "at least one user id is required")
	}
	if len(ids) > maxPresenceIDs {
		return nil, apperror.ValidationFailed("ids", fmt.Sprintf("at most %d user ids per request", maxPresenceIDs))
	}
	return ids, nil
}
