// Package openai streams chat completions from the OpenAI API.
package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/botchat/botchat-backend/api/events"
	"github.com/botchat/botchat-backend/internal/provider/contracts"
	"github.com/botchat/botchat-backend/providers/common/streamhttp"
)

const (
	defaultEndpoint  = "https://api.openai.com/v1/chat/completions"
	defaultMaxTokens = 4000
)

// Adapter implements the streaming contract against the chat completions API.
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
func (a *Adapter) Kind() contracts.Kind { return contracts.KindOpenAI }

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

func buildBody(req contracts.Request) map[string]any {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	messages := make([]message, 0, 2)
	if req.System != "" {
		messages = append(messages, message{Role: "system", Content: req.System})
	}

	var userContent any = req.Message
	if req.NativeFile != nil && strings.HasPrefix(req.NativeFile.MIME, "image/") {
		encoded := base64.StdEncoding.EncodeToString(req.NativeFile.Bytes)
		userContent = []contentPart{
			{Type: "image_url", ImageURL: &imageURL{
				URL:    fmt.Sprintf("data:%s;base64,%s", req.NativeFile.MIME, encoded),
				Detail: "auto",
			}},
			{Type: "text", Text: req.Message},
		}
	}
	messages = append(messages, message{Role: "user", Content: userContent})

	// store=false disables request/response storage; the primary privacy
	// control for both key modes.
	body := map[string]any{
		"model":                 req.Model,
		"messages":              messages,
		"stream":                true,
		"store":                 false,
		"max_completion_tokens": maxTokens,
	}
	if req.WebSearch {
		body["web_search_options"] = map[string]any{}
	}
	return body
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content     string `json:"content"`
			Annotations []struct {
				Type        string `json:"type"`
				URLCitation struct {
					URL   string `json:"url"`
					Title string `json:"title"`
				} `json:"url_citation"`
			} `json:"annotations"`
		} `json:"delta"`
	} `json:"choices"`
}

// Stream runs one completion attempt, forwarding text deltas in order and
// collecting url_citation annotations for the terminal result.
func (a *Adapter) Stream(ctx context.Context, req contracts.Request, fn contracts.TokenFunc) (contracts.Result, error) {
	body, err := a.client.Open(ctx, a.Kind(), streamhttp.Request{
		Endpoint: a.endpoint,
		Headers:  map[string]string{"Authorization": "Bearer " + req.APIKey},
		Body:     buildBody(req),
	})
	if err != nil {
		return contracts.Result{}, err
	}
	defer body.Close()

	var result contracts.Result
	seen := make(map[string]bool)
	err = streamhttp.ParseSSE(body, func(ev streamhttp.Event) error {
		if ev.Data == "[DONE]" {
			return nil
		}
		var chunk streamChunk
		if err := sonic.UnmarshalString(ev.Data, &chunk); err != nil {
			// Skip undecodable keepalive frames rather than killing the panel.
			return nil
		}
		for _, choice := range chunk.Choices {
			for _, ann := range choice.Delta.Annotations {
				if ann.Type != "url_citation" || ann.URLCitation.URL == "" || seen[ann.URLCitation.URL] {
					continue
				}
				seen[ann.URLCitation.URL] = true
				result.Citations = append(result.Citations, events.Citation{
					URL:   ann.URLCitation.URL,
					Title: ann.URLCitation.Title,
				})
			}
			if choice.Delta.Content != "" {
				if err := fn(choice.Delta.Content); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return contracts.Result{}, err
	}
	return result, nil
}

// PrivacyInfo reports the static data-handling description for the key mode.
func (a *Adapter) PrivacyInfo(byok bool) map[string]any {
	info := map[string]any{
		"provider":        "openai",
		"provider_name":   "OpenAI",
		"docs_url":        "https://openai.com/policies/api-data-usage-policies",
		"training_opt_out": true,
		"store_disabled":  true,
		"compliance":      []string{"SOC 2 Type 2"},
		"privacy_level":   "medium",
	}
	if byok {
		info["backend"] = "byok"
		info["data_retention"] = "Application state/logs retained up to 30 days, then removed"
		info["privacy_summary"] = "BYOK - store=false set, data retained up to 30 days unless a ZDR agreement applies"
	} else {
		info["backend"] = "platform"
		info["data_retention"] = "Application state/logs retained up to 30 days, then removed"
		info["privacy_summary"] = "Platform key - store=false set, data retained up to 30 days"
	}
	return info
}
