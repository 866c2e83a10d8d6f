package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/sakif/buddychat/internal/apperror"
	"github.com/sakif/buddychat/internal/auth"
	"github.com/sakif/buddychat/internal/model"
	"github.com/sakif/buddychat/internal/repository"
)

// IdentityService owns user accounts: registration, login, profile edits
// and credential changes.
//
//	Handler (HTTP) → IdentityService → UserRepository (DB)
//	               ↘ TokenService (JWT), PasswordService (bcrypt)
type IdentityService struct {
	users     repository.UserRepository
	tokens    *auth.TokenService
	passwords *auth.PasswordService
	logger    *slog.Logger
}

func NewIdentityService(
	users repository.UserRepository,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	logger *slog.Logger,
) *IdentityService {
	return &IdentityService{
		users:     users,
		tokens:    tokens,
		passwords: passwords,
		logger:    logger,
	}
}

// userCodeAttempts bounds retries when a freshly generated user code
// collides with an existing one.
const userCodeAttempts = 5

// Register creates an account.
//
// HANDLE UNIQUENESS is enforced by the repository's UNIQUE index, not by a
// lookup here: a "does this handle exist?" check followed by an insert
// would let two concurrent registrations of the same handle both pass.
func (s *IdentityService) Register(ctx context.Context, handle, credential string, profile model.Profile) (*model.User, error) {
	handle = strings.TrimSpace(handle)
	if err := validateHandle(handle); err != nil {
		return nil, err
	}
	if err := validateCredential("credential", credential); err != nil {
		return nil, err
	}
	displayName := strings.TrimSpace(profile.DisplayName)
	if displayName == "" {
		displayName = handle
	}
	if err := validateDisplayName(displayName); err != nil {
		return nil, err
	}
	if err := validateRef("avatarRef", profile.AvatarRef); err != nil {
		return nil, err
	}

	hash, err := s.passwords.Hash(credential)
	if err != nil {
		return nil, fmt.Errorf("service/identity: hashing credential: %w", err)
	}

	user := &model.User{
		Handle:         handle,
		DisplayName:    displayName,
		AvatarRef:      profile.AvatarRef,
		CredentialHash: hash,
	}

	for attempt := 1; ; attempt++ {
		user.UserCode, err = newUserCode(handle)
		if err != nil {
			return nil, fmt.Errorf("service/identity: generating user code: %w", err)
		}

		err = s.users.CreateUser(ctx, user)
		if err == nil {
			break
		}
		if apperror.ReasonOf(err) == apperror.ReasonUserCodeTaken && attempt < userCodeAttempts {
			continue
		}
		if errors.Is(err, apperror.ErrConflict) {
			return nil, err
		}
		s.logger.Error("failed to register user",
			slog.String("handle", handle),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	s.logger.Info("user registered",
		slog.String("user_id", user.ID),
		slog.String("handle", user.Handle),
	)
	return user, nil
}

// Authenticate checks handle + credential and starts a new session.
//
// An unknown handle and a wrong credential produce the same error, so the
// endpoint cannot be used to probe which handles exist.
func (s *IdentityService) Authenticate(ctx context.Context, handle, credential string) (*model.Session, error) {
	invalid := apperror.Unauthorized(apperror.ReasonInvalidCredential, "handle or password is incorrect")

	user, err := s.users.GetUserByHandle(ctx, strings.TrimSpace(handle))
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, invalid
		}
		return nil, err
	}

	if err := s.passwords.Verify(user.CredentialHash, credential); err != nil {
		if errors.Is(err, auth.ErrMismatch) {
			return nil, invalid
		}
		return nil, fmt.Errorf("service/identity: verifying credential: %w", err)
	}

	token, claims, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, fmt.Errorf("service/identity: issuing token for %s: %w", user.ID, err)
	}

	s.logger.Info("user authenticated",
		slog.String("user_id", user.ID),
		slog.String("session_id", claims.SessionID),
	)
	return &model.Session{
		Token:     token,
		SessionID: claims.SessionID,
		User:      user,
		ExpiresAt: claims.ExpiresAt,
	}, nil
}

// UpdateProfile applies a partial profile update. A rename goes through the
// same UNIQUE index as registration; keeping your own handle is not a
// conflict.
func (s *IdentityService) UpdateProfile(ctx context.Context, userID string, upd model.ProfileUpdate) (*model.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if upd.Handle != nil {
		handle := strings.TrimSpace(*upd.Handle)
		if err := validateHandle(handle); err != nil {
			return nil, err
		}
		user.Handle = handle
	}
	if upd.DisplayName != nil {
		name := strings.TrimSpace(*upd.DisplayName)
		if name == "" {
			return nil, apperror.ValidationFailed("displayName", "display name cannot be empty")
		}
		if err := validateDisplayName(name); err != nil {
			return nil, err
		}
		user.DisplayName = name
	}
	if upd.AvatarRef != nil {
		if *upd.AvatarRef == "" {
			user.AvatarRef = nil
		} else {
			if err := validateRef("avatarRef", upd.AvatarRef); err != nil {
				return nil, err
			}
			ref := *upd.AvatarRef
			user.AvatarRef = &ref
		}
	}

	if err := s.users.UpdateUser(ctx, user); err != nil {
		if !errors.Is(err, apperror.ErrConflict) {
			s.logger.Error("failed to update profile",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}
	return user, nil
}

// ChangeCredential replaces the account password after re-verifying the
// current one.
func (s *IdentityService) ChangeCredential(ctx context.Context, userID, oldCredential, newCredential string) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}

	if err := s.passwords.Verify(user.CredentialHash, oldCredential); err != nil {
		if errors.Is(err, auth.ErrMismatch) {
			return apperror.Unauthorized(apperror.ReasonReauthRequired, "current password is incorrect")
		}
		return fmt.Errorf("service/identity: verifying credential: %w", err)
	}
	if err := validateCredential("newCredential", newCredential); err != nil {
		return err
	}

	hash, err := s.passwords.Hash(newCredential)
	if err != nil {
		return fmt.Errorf("service/identity: hashing credential: %w", err)
	}
	if err := s.users.UpdateCredential(ctx, userID, hash); err != nil {
		s.logger.Error("failed to change credential",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return err
	}

	s.logger.Info("credential changed", slog.String("user_id", userID))
	return nil
}

func (s *IdentityService) GetUser(ctx context.Context, userID string) (*model.User, error) {
	if userID == "" {
		return nil, apperror.ValidationFailed("id", "user id is required")
	}
	return s.users.GetUserByID(ctx, userID)
}

// LookupByHandle finds another user by their exact handle.
func (s *IdentityService) LookupByHandle(ctx context.Context, handle string) (*model.PublicUser, error) {
	user, err := s.users.GetUserByHandle(ctx, strings.TrimSpace(handle))
	if err != nil {
		return nil, err
	}
	pub := user.Public()
	return &pub, nil
}

// LookupByCode finds a user by their shareable code. Codes are matched
// case-insensitively since people read them aloud.
func (s *IdentityService) LookupByCode(ctx context.Context, code string) (*model.PublicUser, error) {
	user, err := s.users.GetUserByCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return nil, err
	}
	pub := user.Public()
	return &pub, nil
}

const userCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// newUserCode builds "ALICE-7Q2KD": up to five letters/digits of the handle,
// upper-cased, then five random characters.
func newUserCode(handle string) (string, error) {
	var prefix strings.Builder
	for _, r := range strings.ToUpper(handle) {
		if prefix.Len() == 5 {
			break
		}
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			prefix.WriteRune(r)
		}
	}
	if prefix.Len() == 0 {
		prefix.WriteString("USER")
	}

	suffix := make([]byte, 5)
	max := big.NewInt(int64(len(userCodeAlphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		suffix[i] = userCodeAlphabet[n.Int64()]
	}
	return prefix.String() + "-" + string(suffix), nil
}
