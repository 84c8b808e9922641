package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/botchat/botchat-backend/internal/keycheck"
	"github.com/botchat/botchat-backend/internal/keystore"
	"github.com/botchat/botchat-backend/internal/provider/contracts"
)

// KeyVerifier checks a provider credential with a minimal live call.
type KeyVerifier interface {
	Verify(ctx context.Context, kind contracts.Kind, apiKey string) (keycheck.Result, error)
}

// SettingsHandler serves BYOK credential management.
type SettingsHandler struct {
	keys         *keystore.Store
	verifier     KeyVerifier
	staticKey    string
	platformKeys map[contracts.Kind]string
	logger       *slog.Logger
}

// NewSettingsHandler wires the settings endpoints.
func NewSettingsHandler(keys *keystore.Store, verifier KeyVerifier, staticKey string, platformKeys map[contracts.Kind]string, logger *slog.Logger) *SettingsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettingsHandler{
		keys:         keys,
		verifier:     verifier,
		staticKey:    staticKey,
		platformKeys: platformKeys,
		logger:       logger,
	}
}

// credential scopes key storage to the caller: session users get their own
// vault, static-key callers share the deployment vault.
func (h *SettingsHandler) credential(c *app.RequestContext) (string, bool) {
	if user, ok := currentUser(c); ok {
		return "user:" + user.Provider + ":" + user.UserID, true
	}
	if h.staticKey != "" {
		return "service:" + h.staticKey, true
	}
	return "", false
}

// Providers lists the closed provider set with stored-key and platform-key
// status.
func (h *SettingsHandler) Providers(ctx context.Context, c *app.RequestContext) {
	credential, ok := h.credential(c)
	if !ok {
		c.JSON(consts.StatusUnauthorized, errBody("authentication required"))
		return
	}
	stored, err := h.keys.Providers(credential)
	if err != nil {
		h.logger.Error("list stored keys failed", slog.String("error", err.Error()))
		c.JSON(consts.StatusInternalServerError, errBody("internal server error"))
		return
	}

	providers := make([]map[string]any, 0, len(contracts.Kinds()))
	for _, kind := range contracts.Kinds() {
		masked, configured := stored[string(kind)]
		providers = append(providers, map[string]any{
			"provider":           string(kind),
			"display_name":       kind.DisplayName(),
			"configured":         configured,
			"masked_key":         masked,
			"platform_available": h.platformKeys[kind] != "",
		})
	}
	c.JSON(consts.StatusOK, map[string]any{"providers": providers})
}

type saveKeyRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
}

// SaveKey verifies and stores a provider credential.
func (h *SettingsHandler) SaveKey(ctx context.Context, c *app.RequestContext) {
	credential, ok := h.credential(c)
	if !ok {
		c.JSON(consts.StatusUnauthorized, errBody("authentication required"))
		return
	}
	var req saveKeyRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, errBody("invalid request body"))
		return
	}
	kind, err := contracts.ParseKind(req.Provider)
	if err != nil {
		c.JSON(consts.StatusBadRequest, errBody(err.Error()))
		return
	}

	if h.verifier != nil {
		result, verifyErr := h.verifier.Verify(ctx, kind, req.APIKey)
		if verifyErr != nil {
			h.logger.Error("key verification failed", slog.String("error", verifyErr.Error()))
			c.JSON(consts.StatusInternalServerError, errBody("internal server error"))
			return
		}
		if !result.Valid {
			c.JSON(consts.StatusBadRequest, errBody(fmt.Sprintf("Invalid API key: %s", result.Message)))
			return
		}
	}

	if err := h.keys.Save(credential, kind, req.APIKey); err != nil {
		h.logger.Error("save key failed", slog.String("error", err.Error()))
		c.JSON(consts.StatusInternalServerError, errBody("internal server error"))
		return
	}
	c.JSON(consts.StatusOK, map[string]any{
		"ok":      true,
		"message": fmt.Sprintf("%s key saved successfully", kind),
	})
}

// DeleteKey removes a stored provider credential.
func (h *SettingsHandler) DeleteKey(ctx context.Context, c *app.RequestContext) {
	credential, ok := h.credential(c)
	if !ok {
		c.JSON(consts.StatusUnauthorized, errBody("authentication required"))
		return
	}
	kind, err := contracts.ParseKind(c.Param("provider"))
	if err != nil {
		c.JSON(consts.StatusBadRequest, errBody(err.Error()))
		return
	}

	switch err := h.keys.Delete(credential, kind); {
	case errors.Is(err, keystore.ErrNotFound):
		c.JSON(consts.StatusOK, map[string]any{
			"ok":      false,
			"message": fmt.Sprintf("No key found for %s", kind),
		})
	case err != nil:
		h.logger.Error("delete key failed", slog.String("error", err.Error()))
		c.JSON(consts.StatusInternalServerError, errBody("internal server error"))
	default:
		c.JSON(consts.StatusOK, map[string]any{
			"ok":      true,
			"message": fmt.Sprintf("%s key deleted", kind),
		})
	}
}

type verifyKeyRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
}

// VerifyKey checks a provider credential without saving it.
func (h *SettingsHandler) VerifyKey(ctx context.Context, c *app.RequestContext) {
	var req verifyKeyRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, errBody("invalid request body"))
		return
	}
	kind, err := contracts.ParseKind(req.Provider)
	if err != nil {
		c.JSON(consts.StatusBadRequest, errBody(err.Error()))
		return
	}
	if h.verifier == nil {
		c.JSON(consts.StatusServiceUnavailable, errBody("key verification is not configured"))
		return
	}
	result, err := h.verifier.Verify(ctx, kind, req.APIKey)
	if err != nil {
		h.logger.Error("key verification failed", slog.String("error", err.Error()))
		c.JSON(consts.StatusInternalServerError, errBody("internal server error"))
		return
	}
	c.JSON(consts.StatusOK, result)
}
