// Package keycheck verifies user-supplied provider API keys with one
// minimal live call per backend.
package keycheck

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/botchat/botchat-backend/internal/provider/contracts"
)

const verifyTimeout = 10 * time.Second

// Result is the outcome of one verification call.
type Result struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

// Verifier issues the per-provider verification calls. Base URLs are
// overridable for tests.
type Verifier struct {
	client        *http.Client
	openaiBase    string
	anthropicBase string
	geminiBase    string
}

// New constructs a verifier against the public APIs.
func New() *Verifier {
	return &Verifier{
		client:        &http.Client{Timeout: verifyTimeout},
		openaiBase:    "https://api.openai.com",
		anthropicBase: "https://api.anthropic.com",
		geminiBase:    "https://generativelanguage.googleapis.com",
	}
}

// Verify checks the key against its provider. The returned error covers
// transport faults only; an invalid key is a non-error Result.
func (v *Verifier) Verify(ctx context.Context, kind contracts.Kind, apiKey string) (Result, error) {
	if apiKey == "" {
		return Result{Valid: false, Message: "API key is required."}, nil
	}
	switch kind {
	case contracts.KindOpenAI:
		return v.verifyByModelList(ctx, v.openaiBase+"/v1/models",
			map[string]string{"Authorization": "Bearer " + apiKey})
	case contracts.KindAnthropic:
		return v.verifyAnthropic(ctx, apiKey)
	case contracts.KindGemini:
		return v.verifyByModelList(ctx, v.geminiBase+"/v1beta/models?key="+apiKey, nil)
	default:
		return Result{}, fmt.Errorf("keycheck: unsupported provider %q", kind)
	}
}

func (v *Verifier) verifyByModelList(ctx context.Context, endpoint string, headers map[string]string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, fmt.Errorf("keycheck request: %w", err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return Result{Valid: false, Message: "Connection failed - try again."}, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var payload struct {
			Data   []any `json:"data"`
			Models []any `json:"models"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		count := 0
		if err := sonic.Unmarshal(raw, &payload); err == nil {
			count = len(payload.Data) + len(payload.Models)
		}
		return Result{Valid: true, Message: fmt.Sprintf("Valid! Access to %d models.", count)}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Result{Valid: false, Message: "Invalid API key."}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{Valid: true, Message: "Valid (rate limited - try again later)."}, nil
	default:
		return Result{Valid: false, Message: fmt.Sprintf("Unexpected response: %d", resp.StatusCode)}, nil
	}
}

// verifyAnthropic uses a one-token messages call; the auth check happens
// before model validation, so a 400 after auth still means the key works.
func (v *Verifier) verifyAnthropic(ctx context.Context, apiKey string) (Result, error) {
	payload, err := sonic.Marshal(map[string]any{
		"model":      "claude-3-haiku-20240307",
		"max_tokens": 1,
		"messages":   []map[string]any{{"role": "user", "content": "Hi"}},
	})
	if err != nil {
		return Result{}, fmt.Errorf("keycheck payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		v.anthropicBase+"/v1/messages", strings.NewReader(string(payload)))
	if err != nil {
		return Result{}, fmt.Errorf("keycheck request: %w", err)
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return Result{Valid: false, Message: "Connection failed - try again."}, nil
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return Result{Valid: true, Message: "Valid! API key verified."}, nil
	case http.StatusUnauthorized:
		return Result{Valid: false, Message: "Invalid API key."}, nil
	case http.StatusForbidden:
		return Result{Valid: false, Message: "Access denied."}, nil
	case http.StatusTooManyRequests:
		return Result{Valid: true, Message: "Valid (rate limited - try again later)."}, nil
	case http.StatusBadRequest:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if body := strings.ToLower(string(raw)); strings.Contains(body, "credit") || strings.Contains(body, "billing") {
			return Result{Valid: false, Message: "API key valid but no credits. Add billing in the provider console."}, nil
		}
		return Result{Valid: true, Message: "Valid! API key verified."}, nil
	default:
		return Result{Valid: false, Message: fmt.Sprintf("Unexpected response: %d", resp.StatusCode)}, nil
	}
}
