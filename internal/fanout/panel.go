package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/botchat/botchat-backend/api/events"
	"github.com/botchat/botchat-backend/internal/attach"
	"github.com/botchat/botchat-backend/internal/provider/contracts"
	"github.com/botchat/botchat-backend/internal/run"
)

// runPanel drives one panel through its forward-only lifecycle: start,
// privacy, tokens, then exactly one terminal event. Retries happen inside a
// single panel_start/terminal pair and only before any token has streamed.
func (c *Coordinator) runPanel(ctx context.Context, r *run.Run, cfg contracts.PanelConfig, message string, bundle *attach.Bundle) {
	r.Publish(events.KindPanelStart, events.PanelStart{ConfigID: cfg.ID})

	kind := cfg.Kind()
	adapter, ok := c.catalog.Adapter(kind)
	if !ok {
		r.Publish(events.KindPanelError, events.PanelError{
			ConfigID: cfg.ID,
			Error:    fmt.Sprintf("provider %q is not supported", cfg.Provider),
		})
		return
	}

	apiKey := cfg.ProviderKey
	byok := apiKey != ""
	if !byok {
		apiKey = c.platformKeys[kind]
		if apiKey == "" {
			r.Publish(events.KindPanelError, events.PanelError{
				ConfigID: cfg.ID,
				Error:    fmt.Sprintf("%s is not available without your own API key", kind.DisplayName()),
			})
			return
		}
		r.MarkPlatformPanel(cfg.ID)
	}

	r.Publish(events.KindPanelPrivacy, events.PanelPrivacy{
		ConfigID: cfg.ID,
		Privacy:  adapter.PrivacyInfo(byok),
	})

	native, extracted := bundle.ForKind(kind)
	req := contracts.Request{
		Message:    attach.ComposeMessage(message, extracted),
		Model:      cfg.Model,
		System:     cfg.System,
		MaxTokens:  cfg.MaxTokens,
		APIKey:     apiKey,
		WebSearch:  cfg.WebSearchEnabled,
		NativeFile: native,
	}

	for retries := 0; ; {
		emitted := false
		var parts []string
		result, err := adapter.Stream(ctx, req, func(token string) error {
			emitted = true
			parts = append(parts, token)
			r.Publish(events.KindPanelToken, events.PanelToken{ConfigID: cfg.ID, Token: token})
			return nil
		})
		if err == nil {
			final := strings.TrimSpace(strings.Join(parts, ""))
			r.SetFinal(cfg.ID, final)
			if r.IsPlatformPanel(cfg.ID) {
				r.MarkPlatformSuccess(cfg.ID)
			}
			r.Publish(events.KindPanelFinal, events.PanelFinal{ConfigID: cfg.ID, Final: final})
			if len(result.Citations) > 0 {
				r.Publish(events.KindPanelCitations, events.PanelCitations{
					ConfigID:  cfg.ID,
					Citations: result.Citations,
				})
			}
			return
		}

		class := contracts.Classify(err)
		if class.Retryable() && !emitted && retries < c.maxRetries {
			wait := time.Duration(1<<retries) * time.Second
			c.logger.Warn("panel rate limited, backing off",
				slog.String("run_id", r.ID),
				slog.String("config_id", cfg.ID),
				slog.String("provider", string(kind)),
				slog.Duration("wait", wait),
				slog.Int("attempt", retries+1))
			retries++
			c.sleep(ctx, wait)
			continue
		}

		c.logger.Error("panel failed",
			slog.String("run_id", r.ID),
			slog.String("config_id", cfg.ID),
			slog.String("provider", string(kind)),
			slog.String("class", string(class)),
			slog.Bool("streamed", emitted))
		r.Publish(events.KindPanelError, events.PanelError{
			ConfigID: cfg.ID,
			Error:    sanitizedMessage(kind, err),
		})
		return
	}
}

// sanitizedMessage keeps raw backend detail out of the client stream.
func sanitizedMessage(kind contracts.Kind, err error) string {
	var apiErr *contracts.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return fmt.Sprintf("%s request failed, please try again", kind.DisplayName())
}
