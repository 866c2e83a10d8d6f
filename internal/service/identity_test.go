package service

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/buddychat/internal/apperror"
	"github.com/sakif/buddychat/internal/auth"
	"github.com/sakif/buddychat/internal/model"
	"github.com/sakif/buddychat/internal/repository"
)

func strPtr(s string) *string { return &s }

func TestRegister(t *testing.T) {
	env := newTestEnv(t)

	u, err := env.identity.Register(context.Background(), "  alice ", "password123", model.Profile{})
	require.NoError(t, err)

	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "alice", u.Handle)
	assert.Equal(t, "alice", u.DisplayName, "display name defaults to the handle")
	assert.Regexp(t, regexp.MustCompile(`^ALICE-[A-Z2-9]{5}$`), u.UserCode)
	assert.NotEqual(t, "password123", u.CredentialHash)
}

func TestRegister_Rejections(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "taken")

	tests := []struct {
		name       string
		handle     string
		credential string
		kind       error
		reason     string
	}{
		{"short handle", "ab", "password123", apperror.ErrValidation, ""},
		{"bad characters", "no spaces", "password123", apperror.ErrValidation, ""},
		{"short credential", "bob", "short", apperror.ErrValidation, apperror.ReasonWeakCredential},
		{"long credential", "bob", strings.Repeat("x", 73), apperror.ErrValidation, apperror.ReasonWeakCredential},
		{"handle taken", "taken", "password123", apperror.ErrConflict, apperror.ReasonHandleTaken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.identity.Register(context.Background(), tt.handle, tt.credential, model.Profile{})
			assertAppError(t, err, tt.kind, tt.reason)
		})
	}
}

func TestRegister_ConcurrentSameHandle(t *testing.T) {
	env := newTestEnv(t)

	const racers = 6
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.identity.Register(context.Background(), "popular", "password123", model.Profile{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case apperror.ReasonOf(err) == apperror.ReasonHandleTaken:
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, racers-1, conflicts)
}

// collidingUsers makes the first n CreateUser calls fail as if the user
// code were taken.
type collidingUsers struct {
	repository.UserRepository
	n     int
	calls int
}

func (c *collidingUsers) CreateUser(ctx context.Context, u *model.User) error {
	c.calls++
	if c.calls <= c.n {
		return apperror.Conflict(apperror.ReasonUserCodeTaken, "user code taken")
	}
	return c.UserRepository.CreateUser(ctx, u)
}

func TestRegister_RetriesUserCodeCollision(t *testing.T) {
	env := newTestEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo := &collidingUsers{UserRepository: env.db, n: 2}
	svc := NewIdentityService(repo, env.tokens, auth.NewPasswordService(bcrypt.MinCost), logger)

	_, err := svc.Register(context.Background(), "lucky", "password123", model.Profile{})
	require.NoError(t, err)
	assert.Equal(t, 3, repo.calls)

	repo = &collidingUsers{UserRepository: env.db, n: userCodeAttempts}
	svc = NewIdentityService(repo, env.tokens, auth.NewPasswordService(bcrypt.MinCost), logger)
	_, err = svc.Register(context.Background(), "unlucky", "password123", model.Profile{})
	assertAppError(t, err, apperror.ErrConflict, apperror.ReasonUserCodeTaken)
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	u := env.register(t, "alice")

	sess, err := env.identity.Authenticate(context.Background(), "alice", "password123")
	require.NoError(t, err)
	assert.Equal(t, u.ID, sess.User.ID)
	assert.NotEmpty(t, sess.SessionID)

	claims, err := env.tokens.Validate(sess.Token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, claims.UserID)
	assert.Equal(t, sess.SessionID, claims.SessionID)

	other, err := env.identity.Authenticate(context.Background(), "alice", "password123")
	require.NoError(t, err)
	assert.NotEqual(t, sess.SessionID, other.SessionID, "every login is a new session")
}

func TestAuthenticate_SameErrorForUnknownAndWrong(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")

	_, errWrong := env.identity.Authenticate(context.Background(), "alice", "wrong-password")
	_, errUnknown := env.identity.Authenticate(context.Background(), "nobody", "password123")

	assertAppError(t, errWrong, apperror.ErrAuth, apperror.ReasonInvalidCredential)
	assertAppError(t, errUnknown, apperror.ErrAuth, apperror.ReasonInvalidCredential)
	assert.Equal(t, errWrong.Error(), errUnknown.Error())
}

func TestUpdateProfile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.register(t, "alice")
	env.register(t, "bob")

	updated, err := env.identity.UpdateProfile(ctx, u.ID, model.ProfileUpdate{
		DisplayName: strPtr("Alice A."),
		AvatarRef:   strPtr("blob://avatars/alice.png"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Alice A.", updated.DisplayName)
	require.NotNil(t, updated.AvatarRef)

	// Keeping your own handle is not a conflict.
	_, err = env.identity.UpdateProfile(ctx, u.ID, model.ProfileUpdate{Handle: strPtr("alice")})
	assert.NoError(t, err)

	_, err = env.identity.UpdateProfile(ctx, u.ID, model.ProfileUpdate{Handle: strPtr("bob")})
	assertAppError(t, err, apperror.ErrConflict, apperror.ReasonHandleTaken)

	cleared, err := env.identity.UpdateProfile(ctx, u.ID, model.ProfileUpdate{AvatarRef: strPtr("")})
	require.NoError(t, err)
	assert.Nil(t, cleared.AvatarRef)

	renamed, err := env.identity.UpdateProfile(ctx, u.ID, model.ProfileUpdate{Handle: strPtr("alicia")})
	require.NoError(t, err)
	assert.Equal(t, u.UserCode, renamed.UserCode, "user code survives a rename")

	found, err := env.identity.LookupByCode(ctx, strings.ToLower(u.UserCode))
	require.NoError(t, err)
	assert.Equal(t, "alicia", found.Handle)
}

func TestUpdateProfile_EmptyDisplayName(t *testing.T) {
	env := newTestEnv(t)
	u := env.register(t, "alice")

	_, err := env.identity.UpdateProfile(context.Background(), u.ID, model.ProfileUpdate{DisplayName: strPtr("  ")})
	assertAppError(t, err, apperror.ErrValidation, "")
}

func TestChangeCredential(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.register(t, "alice")

	err := env.identity.ChangeCredential(ctx, u.ID, "not-it", "new-password")
	assertAppError(t, err, apperror.ErrAuth, apperror.ReasonReauthRequired)

	err = env.identity.ChangeCredential(ctx, u.ID, "password123", "short")
	assertAppError(t, err, apperror.ErrValidation, apperror.ReasonWeakCredential)

	require.NoError(t, env.identity.ChangeCredential(ctx, u.ID, "password123", "new-password"))

	_, err = env.identity.Authenticate(ctx, "alice", "password123")
	assert.ErrorIs(t, err, apperror.ErrAuth)
	_, err = env.identity.Authenticate(ctx, "alice", "new-password")
	assert.NoError(t, err)
}

func TestLookupByHandle_PublicFieldsOnly(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, "alice")

	pub, err := env.identity.LookupByHandle(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", pub.Handle)

	_, err = env.identity.LookupByHandle(context.Background(), "Alice")
	assert.ErrorIs(t, err, apperror.ErrNotFound, "handles are case-sensitive")
}

func TestNewUserCode(t *testing.T) {
	tests := []struct {
		handle string
		prefix string
	}{
		{"alice", "ALICE-"},
		{"bo", "BO-"},
		{"j.r_smith", "JRSMI-"},
		{"___", "USER-"},
	}
	for _, tt := range tests {
		code, err := newUserCode(tt.handle)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(code, tt.prefix), "code %q for %q", code, tt.handle)
		assert.Len(t, code, len(tt.prefix)+5)
	}
}
