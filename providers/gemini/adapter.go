// Package gemini streams generated content from the Gemini API.
package gemini

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
	defaultBaseURL   = "https://generativelanguage.googleapis.com/v1beta"
	defaultMaxTokens = 4000
)

// Adapter implements the streaming contract against streamGenerateContent.
type Adapter struct {
	client  *streamhttp.Client
	baseURL string
}

// New constructs the adapter. An empty base URL selects the public API.
func New(client *streamhttp.Client, baseURL string) *Adapter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Adapter{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// Kind identifies the backend family.
func (a *Adapter) Kind() contracts.Kind { return contracts.KindGemini }

func buildBody(req contracts.Request) map[string]any {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	parts := make([]map[string]any, 0, 2)
	if req.NativeFile != nil {
		// Gemini accepts PDFs and images natively as inline data.
		parts = append(parts, map[string]any{
			"inline_data": map[string]any{
				"mime_type": req.NativeFile.MIME,
				"data":      base64.StdEncoding.EncodeToString(req.NativeFile.Bytes),
			},
		})
	}
	parts = append(parts, map[string]any{"text": req.Message})

	body := map[string]any{
		"contents": []map[string]any{
			{"role": "user", "parts": parts},
		},
		"generationConfig": map[string]any{
			"maxOutputTokens": maxTokens,
		},
	}
	if req.System != "" {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": req.System}},
		}
	}
	if req.WebSearch {
		body["tools"] = []map[string]any{
			{"google_search": map[string]any{}},
		}
	}
	return body
}

type streamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		GroundingMetadata struct {
			GroundingChunks []struct {
				Web struct {
					URI   string `json:"uri"`
					Title string `json:"title"`
				} `json:"web"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
}

// Stream runs one generation attempt, forwarding text parts and collecting
// grounding citations for the terminal result.
func (a *Adapter) Stream(ctx context.Context, req contracts.Request, fn contracts.TokenFunc) (contracts.Result, error) {
	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse", a.baseURL, req.Model)
	body, err := a.client.Open(ctx, a.Kind(), streamhttp.Request{
		Endpoint:         endpoint,
		QueryAPIKeyParam: "key",
		APIKey:           req.APIKey,
		Body:             buildBody(req),
	})
	if err != nil {
		return contracts.Result{}, err
	}
	defer body.Close()

	var result contracts.Result
	seen := make(map[string]bool)
	err = streamhttp.ParseSSE(body, func(ev streamhttp.Event) error {
		var chunk streamChunk
		if err := sonic.UnmarshalString(ev.Data, &chunk); err != nil {
			return nil
		}
		for _, candidate := range chunk.Candidates {
			for _, grounding := range candidate.GroundingMetadata.GroundingChunks {
				if uri := grounding.Web.URI; uri != "" && !seen[uri] {
					seen[uri] = true
					result.Citations = append(result.Citations, events.Citation{
						URL:   uri,
						Title: grounding.Web.Title,
					})
				}
			}
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					if err := fn(part.Text); err != nil {
						return err
					}
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

// PrivacyInfo reports the static data-handling description for the backend
// selected by the key mode: AI Studio for BYOK, Vertex AI for platform.
func (a *Adapter) PrivacyInfo(byok bool) map[string]any {
	info := map[string]any{
		"provider":      "gemini",
		"provider_name": "Google Gemini",
		"docs_url":      "https://cloud.google.com/vertex-ai/generative-ai/docs/data-governance",
	}
	if byok {
		info["backend"] = "ai_studio"
		info["data_retention"] = "May be retained for abuse monitoring (paid tier: ~24-72h)"
		info["training_opt_out"] = "Paid tier only"
		info["compliance"] = []string{"SOC 2"}
		info["privacy_summary"] = "AI Studio API - Paid tier data not used for training, free tier may be used"
		info["privacy_level"] = "medium"
		info["free_tier_warning"] = "Free tier usage may be used for model improvements"
	} else {
		info["backend"] = "vertex_ai"
		info["data_retention"] = "Request data not used for model training"
		info["training_opt_out"] = true
		info["enterprise_grade"] = true
		info["compliance"] = []string{"SOC 2", "ISO 27001", "HIPAA eligible"}
		info["privacy_summary"] = "Enterprise Vertex AI - Data not used for training, processed in specified region"
		info["privacy_level"] = "high"
	}
	return info
}
