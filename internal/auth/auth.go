// Package auth issues and verifies session tokens for OAuth-authenticated
// users. The OAuth code exchange itself lives behind the Exchanger interface.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the session token lifetime.
const DefaultTokenTTL = 7 * 24 * time.Hour

// ErrInvalidToken is returned for malformed, forged, or expired tokens.
var ErrInvalidToken = errors.New("auth: invalid or expired token")

// ErrExchangerUnconfigured is returned when no OAuth exchanger is wired.
var ErrExchangerUnconfigured = errors.New("auth: oauth exchange is not configured")

// UserInfo is the minimal identity carried in a session token.
type UserInfo struct {
	Provider  string
	UserID    string
	Email     string
	Name      string
	AvatarURL string
}

// Exchanger swaps an OAuth authorization code for the user's identity.
type Exchanger interface {
	Exchange(ctx context.Context, provider, code, redirectURI string) (UserInfo, error)
}

// ExchangerFunc adapts a function to the Exchanger interface.
type ExchangerFunc func(ctx context.Context, provider, code, redirectURI string) (UserInfo, error)

// Exchange implements Exchanger.
func (f ExchangerFunc) Exchange(ctx context.Context, provider, code, redirectURI string) (UserInfo, error) {
	return f(ctx, provider, code, redirectURI)
}

// UnconfiguredExchanger rejects every exchange attempt.
func UnconfiguredExchanger() Exchanger {
	return ExchangerFunc(func(context.Context, string, string, string) (UserInfo, error) {
		return UserInfo{}, ErrExchangerUnconfigured
	})
}

type sessionClaims struct {
	Provider string `json:"provider"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 session tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer constructs an issuer. The secret must be non-empty.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth: token secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for the user, returning the token and its expiry.
func (iss *TokenIssuer) Issue(user UserInfo) (string, time.Time, error) {
	now := iss.now()
	expiresAt := now.Add(iss.ttl)
	claims := sessionClaims{
		Provider: user.Provider,
		Email:    user.Email,
		Name:     user.Name,
		Avatar:   user.AvatarURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Provider + ":" + user.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(iss.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify checks the signature and expiry and recovers the user identity.
func (iss *TokenIssuer) Verify(token string) (UserInfo, error) {
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return iss.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return iss.now() }))
	if err != nil || !parsed.Valid {
		return UserInfo{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok {
		return UserInfo{}, ErrInvalidToken
	}
	provider, userID, found := strings.Cut(claims.Subject, ":")
	if !found || provider == "" || userID == "" {
		return UserInfo{}, ErrInvalidToken
	}
	return UserInfo{
		Provider:  provider,
		UserID:    userID,
		Email:     claims.Email,
		Name:      claims.Name,
		AvatarURL: claims.Avatar,
	}, nil
}

// EmailAllowed applies the optional sign-in allowlist. An empty allowlist
// admits everyone.
func EmailAllowed(email string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	email = strings.ToLower(strings.TrimSpace(email))
	for _, allowed := range allowlist {
		if email == strings.ToLower(strings.TrimSpace(allowed)) {
			return true
		}
	}
	return false
}
