// Package auth issues and checks session tokens, hashes secrets, and
// provides the HTTP middleware that turns a token into a request identity.
//
// SESSION MODEL:
//  1. POST /auth/login verifies handle + credential
//  2. The server issues a signed JWT carrying the user id ("sub") and a
//     fresh session id ("jti")
//  3. The client sends it back as "Authorization: Bearer <jwt>", a "token"
//     cookie, or a ?token= query parameter on websocket upgrades
//  4. RequireAuth validates it and stores an Identity in the request context
//
// The session id is what per-session state hangs off (conversation unlock
// grants in particular). Two logins by the same user are two sessions.
//
// JWT STRUCTURE (three base64-encoded parts separated by dots):
//
//	HEADER.PAYLOAD.SIGNATURE
//	- Header:    {"alg":"HS256","typ":"JWT"}
//	- Payload:   {"sub":"<user id>","jti":"<session id>","exp":...}
//	- Signature: HMAC-SHA256(header+"."+payload, secretKey)
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "buddychat"

// DefaultSessionTTL is used when NewTokenService is given a zero TTL.
const DefaultSessionTTL = 24 * time.Hour

// ErrTokenExpired is returned by Validate for a well-signed but expired token.
var ErrTokenExpired = errors.New("auth: token expired")

// TokenService creates and validates session tokens.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService. The secret must be at least 16
// characters; in production use 32 random bytes, e.g.
// JWT_SECRET=$(openssl rand -hex 32).
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

// Claims is what a valid token says about its bearer.
type Claims struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

// Issue starts a new session for userID and returns its signed token.
func (s *TokenService) Issue(userID string) (string, Claims, error) {
	return s.IssueWithDuration(userID, s.ttl)
}

// IssueWithDuration is Issue with an explicit lifetime. Tests use a
// negative duration to mint already-expired tokens.
func (s *TokenService) IssueWithDuration(userID string, d time.Duration) (string, Claims, error) {
	now := time.Now()
	c := Claims{
		UserID:    userID,
		SessionID: uuid.NewString(),
		ExpiresAt: now.Add(d).Truncate(time.Second),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   c.UserID,
		ID:        c.SessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(c.ExpiresAt),
		Issuer:    issuer,
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", Claims{}, fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, c, nil
}

// Validate parses and verifies a token.
//
// jwt.WithValidMethods pins HS256, which shuts out the "alg: none" and
// algorithm-confusion tricks. Issuer and expiry are both required.
func (s *TokenService) Validate(tokenStr string) (Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&jwt.RegisteredClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, fmt.Errorf("auth: invalid token: %w", err)
	}

	rc, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return Claims{}, errors.New("auth: invalid token claims")
	}
	if rc.Subject == "" || rc.ID == "" {
		return Claims{}, errors.New("auth: token has no subject or session")
	}

	return Claims{
		UserID:    rc.Subject,
		SessionID: rc.ID,
		ExpiresAt: rc.ExpiresAt.Time,
	}, nil
}
