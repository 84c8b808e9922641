package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/botchat/botchat-backend/internal/auth"
	"github.com/botchat/botchat-backend/internal/quota"
)

// AuthURLProvider builds the authorization URL for an OAuth provider.
type AuthURLProvider interface {
	AuthURL(provider, redirectURI string) (string, error)
}

// AuthURLFunc adapts a function to AuthURLProvider.
type AuthURLFunc func(provider, redirectURI string) (string, error)

func (f AuthURLFunc) AuthURL(provider, redirectURI string) (string, error) {
	return f(provider, redirectURI)
}

// UserStore is the account surface the auth endpoints need.
type UserStore interface {
	GetOrCreateUser(ctx context.Context, oauthProvider, oauthID, email string) (quota.User, error)
	GetUser(ctx context.Context, userID string) (quota.User, error)
	GetQuota(ctx context.Context, userID string) (quota.Snapshot, error)
}

// AuthHandler serves the OAuth session endpoints.
type AuthHandler struct {
	urls          AuthURLProvider
	exchanger     auth.Exchanger
	issuer        *auth.TokenIssuer
	users         UserStore
	allowedEmails []string
	logger        *slog.Logger
}

// NewAuthHandler wires the auth endpoints.
func NewAuthHandler(urls AuthURLProvider, exchanger auth.Exchanger, issuer *auth.TokenIssuer, users UserStore, allowedEmails []string, logger *slog.Logger) *AuthHandler {
	if exchanger == nil {
		exchanger = auth.UnconfiguredExchanger()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		urls:          urls,
		exchanger:     exchanger,
		issuer:        issuer,
		users:         users,
		allowedEmails: allowedEmails,
		logger:        logger,
	}
}

type authURLRequest struct {
	Provider    string `json:"provider"`
	RedirectURI string `json:"redirect_uri"`
}

// URL returns the provider authorization URL the frontend redirects to.
func (h *AuthHandler) URL(ctx context.Context, c *app.RequestContext) {
	var req authURLRequest
	if err := c.BindJSON(&req); err != nil || req.Provider == "" {
		c.JSON(consts.StatusBadRequest, errBody("provider is required"))
		return
	}
	if h.urls == nil {
		c.JSON(consts.StatusServiceUnavailable, errBody("oauth is not configured"))
		return
	}
	url, err := h.urls.AuthURL(req.Provider, req.RedirectURI)
	if err != nil {
		c.JSON(consts.StatusBadRequest, errBody(err.Error()))
		return
	}
	c.JSON(consts.StatusOK, map[string]string{"url": url})
}

type authCallbackRequest struct {
	Provider    string `json:"provider"`
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri"`
}

// Callback exchanges an OAuth code for a session token, creating or
// linking the user account by email.
func (h *AuthHandler) Callback(ctx context.Context, c *app.RequestContext) {
	var req authCallbackRequest
	if err := c.BindJSON(&req); err != nil || req.Provider == "" || req.Code == "" {
		c.JSON(consts.StatusBadRequest, errBody("provider and code are required"))
		return
	}

	user, err := h.exchanger.Exchange(ctx, req.Provider, req.Code, req.RedirectURI)
	if err != nil {
		if errors.Is(err, auth.ErrExchangerUnconfigured) {
			c.JSON(consts.StatusServiceUnavailable, errBody("oauth is not configured"))
			return
		}
		h.logger.Warn("oauth exchange failed",
			slog.String("provider", req.Provider),
			slog.String("error", err.Error()))
		c.JSON(consts.StatusUnauthorized, errBody("oauth code exchange failed"))
		return
	}

	if !auth.EmailAllowed(user.Email, h.allowedEmails) {
		c.JSON(consts.StatusForbidden, errBody("email is not on the allowlist"))
		return
	}

	if h.users != nil {
		if _, persistErr := h.users.GetOrCreateUser(ctx, user.Provider, user.UserID, user.Email); persistErr != nil {
			// Login still succeeds; the account row is recreated on the
			// next run or quota read.
			h.logger.Warn("persist user failed", slog.String("error", persistErr.Error()))
		}
	}

	if h.issuer == nil {
		c.JSON(consts.StatusServiceUnavailable, errBody("session auth is not configured"))
		return
	}
	token, expiresAt, err := h.issuer.Issue(user)
	if err != nil {
		h.logger.Error("issue token failed", slog.String("error", err.Error()))
		c.JSON(consts.StatusInternalServerError, errBody("internal server error"))
		return
	}

	h.logger.Info("user authenticated",
		slog.String("provider", user.Provider),
		slog.String("email", maskEmail(user.Email)))
	c.JSON(consts.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expiresAt.Unix(),
		"user":       userBody(user),
	})
}

// Me returns the authenticated user's profile.
func (h *AuthHandler) Me(ctx context.Context, c *app.RequestContext) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(consts.StatusUnauthorized, errBody("authentication required"))
		return
	}
	c.JSON(consts.StatusOK, userBody(user))
}

// Quota returns the authenticated user's quota snapshot.
func (h *AuthHandler) Quota(ctx context.Context, c *app.RequestContext) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(consts.StatusUnauthorized, errBody("authentication required"))
		return
	}
	dbUser, err := h.users.GetOrCreateUser(ctx, user.Provider, user.UserID, user.Email)
	if err != nil {
		h.logger.Error("resolve user failed", slog.String("error", err.Error()))
		c.JSON(consts.StatusInternalServerError, errBody("internal server error"))
		return
	}
	snapshot, err := h.users.GetQuota(ctx, dbUser.ID)
	if err != nil {
		h.logger.Error("read quota failed", slog.String("error", err.Error()))
		c.JSON(consts.StatusInternalServerError, errBody("internal server error"))
		return
	}
	c.JSON(consts.StatusOK, map[string]any{
		"used":           snapshot.Used,
		"limit":          snapshot.Limit,
		"remaining":      snapshot.Remaining,
		"period_ends_at": snapshot.PeriodEndsAt.Unix(),
		"is_paid":        snapshot.IsPaid,
	})
}

// EncryptionKey returns the user's client-side encryption key. Provider
// credentials encrypted with it never reach the server.
func (h *AuthHandler) EncryptionKey(ctx context.Context, c *app.RequestContext) {
	user, ok := currentUser(c)
	if !ok {
		c.JSON(consts.StatusUnauthorized, errBody("authentication required"))
		return
	}
	dbUser, err := h.users.GetOrCreateUser(ctx, user.Provider, user.UserID, user.Email)
	if err != nil || dbUser.EncryptionKey == "" {
		c.JSON(consts.StatusNotFound, errBody("user encryption key not found"))
		return
	}
	c.JSON(consts.StatusOK, map[string]string{"encryption_key": dbUser.EncryptionKey})
}

func userBody(user auth.UserInfo) map[string]any {
	return map[string]any{
		"provider": user.Provider,
		"id":       user.UserID,
		"email":    user.Email,
		"name":     user.Name,
		"avatar":   user.AvatarURL,
	}
}

func maskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 1 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}
