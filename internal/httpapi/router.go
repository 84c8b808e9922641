// Package httpapi exposes the fan-out backend over HTTP: run creation,
// the per-run SSE event stream, synthesis, session auth, and BYOK key
// management.
package httpapi

import (
	"log/slog"

	"github.com/cloudwego/hertz/pkg/app/server"

	"github.com/botchat/botchat-backend/internal/auth"
)

// Deps carries everything route registration needs.
type Deps struct {
	Runs     *RunHandler
	Auth     *AuthHandler
	Settings *SettingsHandler

	Issuer      *auth.TokenIssuer
	StaticKey   string
	CORSOrigins []string
	Logger      *slog.Logger
}

// Setup registers all routes and global middleware.
func Setup(h *server.Hertz, deps Deps) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h.Use(Recovery(logger))
	h.Use(CORS(deps.CORSOrigins))

	h.GET("/health", deps.Runs.Health)

	// Anonymous pure-BYOK runs are allowed; the create handler rejects
	// anonymous platform-key usage itself.
	optional := Gate(deps.Issuer, deps.StaticKey, false)
	runs := h.Group("/runs")
	runs.Use(optional)
	{
		runs.POST("", deps.Runs.Create)
		runs.GET("/:id/events", deps.Runs.StreamEvents)
		runs.POST("/:id/synthesize", deps.Runs.Synthesize)
	}

	authGroup := h.Group("/auth")
	{
		authGroup.POST("/url", deps.Auth.URL)
		authGroup.POST("/callback", deps.Auth.Callback)

		sessioned := authGroup.Group("")
		sessioned.Use(RequireUser(deps.Issuer))
		{
			sessioned.GET("/me", deps.Auth.Me)
			sessioned.GET("/quota", deps.Auth.Quota)
			sessioned.GET("/encryption-key", deps.Auth.EncryptionKey)
		}
	}

	settings := h.Group("/settings")
	settings.Use(Gate(deps.Issuer, deps.StaticKey, true))
	{
		settings.GET("/providers", deps.Settings.Providers)
		settings.POST("/keys", deps.Settings.SaveKey)
		settings.POST("/keys/verify", deps.Settings.VerifyKey)
		settings.DELETE("/keys/:provider", deps.Settings.DeleteKey)
	}
}
