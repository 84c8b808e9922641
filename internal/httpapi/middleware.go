package httpapi

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/botchat/botchat-backend/internal/auth"
)

const userContextKey = "auth_user"

// CORS applies the configured allowed origins and answers preflight
// requests.
func CORS(origins []string) app.HandlerFunc {
	allowAll := len(origins) == 0
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(ctx context.Context, c *app.RequestContext) {
		origin := string(c.GetHeader("Origin"))
		switch {
		case allowAll:
			c.Response.Header.Set("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			c.Response.Header.Set("Access-Control-Allow-Origin", origin)
			c.Response.Header.Set("Vary", "Origin")
		}
		c.Response.Header.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Response.Header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, x-api-key")
		c.Response.Header.Set("Access-Control-Max-Age", "86400")

		if string(c.Method()) == "OPTIONS" {
			c.AbortWithStatus(consts.StatusNoContent)
			return
		}
		c.Next(ctx)
	}
}

// Recovery converts handler panics into a sanitized 500 response.
func Recovery(logger *slog.Logger) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("handler panicked",
					slog.String("method", string(c.Method())),
					slog.String("path", string(c.Path())),
					slog.String("panic", fmt.Sprintf("%v", rec)),
					slog.String("stack", string(debug.Stack())))
				c.JSON(consts.StatusInternalServerError, errBody("internal server error"))
				c.Abort()
			}
		}()
		c.Next(ctx)
	}
}

// Gate authenticates a request from either a bearer session token or the
// static service key. An invalid credential always fails; a missing one is
// allowed only when required is false, leaving the request anonymous.
func Gate(issuer *auth.TokenIssuer, staticKey string, required bool) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		authz := string(c.GetHeader("Authorization"))
		if token, ok := strings.CutPrefix(authz, "Bearer "); ok {
			if issuer == nil {
				c.JSON(consts.StatusUnauthorized, errBody("session auth is not configured"))
				c.Abort()
				return
			}
			user, err := issuer.Verify(token)
			if err != nil {
				c.JSON(consts.StatusUnauthorized, errBody("invalid or expired token"))
				c.Abort()
				return
			}
			c.Set(userContextKey, user)
			c.Next(ctx)
			return
		}

		if key := c.GetHeader("x-api-key"); len(key) > 0 {
			if staticKey != "" && subtle.ConstantTimeCompare(key, []byte(staticKey)) == 1 {
				c.Next(ctx)
				return
			}
			c.JSON(consts.StatusUnauthorized, errBody("unauthorized"))
			c.Abort()
			return
		}

		if required {
			c.JSON(consts.StatusUnauthorized, errBody("authentication required"))
			c.Abort()
			return
		}
		c.Next(ctx)
	}
}

// RequireUser admits only requests carrying a valid session token; the
// static service key is not an identity.
func RequireUser(issuer *auth.TokenIssuer) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		authz := string(c.GetHeader("Authorization"))
		token, ok := strings.CutPrefix(authz, "Bearer ")
		if !ok || issuer == nil {
			c.JSON(consts.StatusUnauthorized, errBody("authentication required"))
			c.Abort()
			return
		}
		user, err := issuer.Verify(token)
		if err != nil {
			c.JSON(consts.StatusUnauthorized, errBody("invalid or expired token"))
			c.Abort()
			return
		}
		c.Set(userContextKey, user)
		c.Next(ctx)
	}
}

// currentUser returns the session identity set by Gate or RequireUser.
func currentUser(c *app.RequestContext) (auth.UserInfo, bool) {
	val, exists := c.Get(userContextKey)
	if !exists {
		return auth.UserInfo{}, false
	}
	user, ok := val.(auth.UserInfo)
	return user, ok
}

func errBody(detail string) map[string]any {
	return map[string]any{"detail": detail}
}
