package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/buddychat/internal/model"
	"github.com/sakif/buddychat/internal/service"
)

// IdentityHandler serves registration, login and the caller's own profile.
type IdentityHandler struct {
	svc    *service.IdentityService
	logger *slog.Logger
	// secureCookie marks the session cookie Secure (HTTPS only).
	secureCookie bool
}

func NewIdentityHandler(svc *service.IdentityService, secureCookie bool, logger *slog.Logger) *IdentityHandler {
	return &IdentityHandler{svc: svc, secureCookie: secureCookie, logger: logger}
}

type registerRequest struct {
	Handle      string  `json:"handle" validate:"required"`
	Credential  string  `json:"credential" validate:"required"`
	DisplayName string  `json:"displayName" validate:"max=64"`
	AvatarRef   *string `json:"avatarRef" validate:"omitempty,max=2048"`
}

type loginRequest struct {
	Handle     string `json:"handle" validate:"required"`
	Credential string `json:"credential" validate:"required"`
}

type updateProfileRequest struct {
	Handle      *string `json:"handle"`
	DisplayName *string `json:"displayName"`
	AvatarRef   *string `json:"avatarRef"`
}

type changeCredentialRequest struct {
	Credential    string `json:"credential" validate:"required"`
	NewCredential string `json:"newCredential" validate:"required"`
}

// HandleRegister creates an account.
//
// HTTP: POST /auth/register
func (h *IdentityHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	user, err := h.svc.Register(r.Context(), req.Handle, req.Credential, model.Profile{
		DisplayName: req.DisplayName,
		AvatarRef:   req.AvatarRef,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// HandleLogin checks credentials and starts a session. The token is
// returned in the body and also set as an HttpOnly cookie for browsers.
//
// HTTP: POST /auth/login
func (h *IdentityHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	sess, err := h.svc.Authenticate(r.Context(), req.Handle, req.Credential)
	if err != nil {
		writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    sess.Token,
		Path:     "/",
		Expires:  sess.ExpiresAt,
		MaxAge:   int(time.Until(sess.ExpiresAt).Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, sess)
}

// HandleLogout clears the session cookie. The token itself stays valid
// until it expires; clients holding it in memory should drop it.
//
// HTTP: POST /auth/logout
func (h *IdentityHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

// HandleMe returns the caller's full profile.
//
// HTTP: GET /api/me
func (h *IdentityHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	user, err := h.svc.GetUser(r.Context(), id.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// HandleUpdateMe applies a partial profile update. Omitted fields are left
// alone; "avatarRef": "" removes the avatar.
//
// HTTP: PATCH /api/me
func (h *IdentityHandler) HandleUpdateMe(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req updateProfileRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	user, err := h.svc.UpdateProfile(r.Context(), id.UserID, model.ProfileUpdate{
		Handle:      req.Handle,
		DisplayName: req.DisplayName,
		AvatarRef:   req.AvatarRef,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// HandleChangeCredential replaces the caller's password.
//
// HTTP: POST /api/me/credential
func (h *IdentityHandler) HandleChangeCredential(w http.ResponseWriter, r *http.Request) {
	id, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req changeCredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := h.svc.ChangeCredential(r.Context(), id.UserID, req.Credential, req.NewCredential); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleLookupHandle finds a user by exact handle.
//
// HTTP: GET /api/users/{handle}
func (h *IdentityHandler) HandleLookupHandle(w http.ResponseWriter, r *http.Request) {
	user, err := h.svc.LookupByHandle(r.Context(), r.PathValue("handle"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// HandleLookupCode finds a user by their shareable code.
//
// HTTP: GET /api/users/code/{code}
func (h *IdentityHandler) HandleLookupCode(w http.ResponseWriter, r *http.Request) {
	user, err := h.svc.LookupByCode(r.Context(), r.PathValue("code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
