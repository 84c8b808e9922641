// Package anthropic streams messages from the Anthropic API.
package anthropic

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/botchat/botchat-backend/api/events"
	"github.com/botchat/botchat-backend/internal/provider/contracts"
	"github.com/botchat/botchat-backend/providers/common/streamhttp"
)

const (
	defaultEndpoint  = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4000
	webSearchTool    = "web_search_20250305"
)

// Adapter implements the streaming contract against the messages API.
type Adapter struct {
	client   *streamhttp.Client
	endpoint string
}

// New constructs the adapter. An empty endpoint selects the public API.
func New(client *streamhttp.Client, endpoint string) *Adapter {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Adapter{client: client, endpoint: endpoint}
}

// Kind identifies the backend family.
func (a *Adapter) Kind() contracts.Kind { return contracts.KindAnthropic }

func buildBody(req contracts.Request) map[string]any {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var userContent any = req.Message
	if req.NativeFile != nil && strings.HasPrefix(req.NativeFile.MIME, "image/") {
		userContent = []map[string]any{
			{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": req.NativeFile.MIME,
					"data":       base64.StdEncoding.EncodeToString(req.NativeFile.Bytes),
				},
			},
			{"type": "text", "text": req.Message},
		}
	}

	body := map[string]any{
		"model":      req.Model,
		"max_tokens": maxTokens,
		"stream":     true,
		"messages": []map[string]any{
			{"role": "user", "content": userContent},
		},
	}
	if req.System != "" {
		body["system"] = req.System
	}
	if req.WebSearch {
		body["tools"] = []map[string]any{
			{"type": webSearchTool, "name": "web_search"},
		}
	}
	return body
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type     string `json:"type"`
		Text     string `json:"text"`
		Citation struct {
			URL   string `json:"url"`
			Title string `json:"title"`
		} `json:"citation"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream runs one message attempt, forwarding text deltas and collecting
// web-search citations for the terminal result.
func (a *Adapter) Stream(ctx context.Context, req contracts.Request, fn contracts.TokenFunc) (contracts.Result, error) {
	body, err := a.client.Open(ctx, a.Kind(), streamhttp.Request{
		Endpoint: a.endpoint,
		Headers: map[string]string{
			"x-api-key":         req.APIKey,
			"anthropic-version": apiVersion,
		},
		Body: buildBody(req),
	})
	if err != nil {
		return contracts.Result{}, err
	}
	defer body.Close()

	var result contracts.Result
	var streamErr *contracts.APIError
	seen := make(map[string]bool)
	err = streamhttp.ParseSSE(body, func(ev streamhttp.Event) error {
		var event streamEvent
		if err := sonic.UnmarshalString(ev.Data, &event); err != nil {
			return nil
		}
		switch event.Type {
		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				if event.Delta.Text != "" {
					return fn(event.Delta.Text)
				}
			case "citations_delta":
				if url := event.Delta.Citation.URL; url != "" && !seen[url] {
					seen[url] = true
					result.Citations = append(result.Citations, events.Citation{
						URL:   url,
						Title: event.Delta.Citation.Title,
					})
				}
			}
		case "error":
			// Mid-stream faults arrive as an error event on a 200 response.
			status := 500
			if event.Error.Type == "overloaded_error" || event.Error.Type == "rate_limit_error" {
				status = 429
			}
			streamErr = streamhttp.NormalizeStatus(a.Kind(), status, []byte(event.Error.Type))
		}
		return nil
	})
	if err != nil {
		return contracts.Result{}, err
	}
	if streamErr != nil {
		return contracts.Result{}, streamErr
	}
	return result, nil
}

// PrivacyInfo reports the static data-handling description for the key mode.
func (a *Adapter) PrivacyInfo(byok bool) map[string]any {
	info := map[string]any{
		"provider":         "anthropic",
		"provider_name":    "Anthropic (Claude)",
		"docs_url":         "https://www.anthropic.com/policies/privacy",
		"training_opt_out": true,
		"compliance":       []string{"SOC 2 Type 2"},
		"privacy_level":    "high",
		"data_retention":   "Up to 30 days for trust & safety (application logs)",
	}
	if byok {
		info["backend"] = "byok"
		info["privacy_summary"] = "BYOK - Data not used for training, retained up to 30 days for safety"
	} else {
		info["backend"] = "platform"
		info["privacy_summary"] = "Platform key - Data not used for training, retained up to 30 days"
	}
	return info
}
