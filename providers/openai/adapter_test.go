package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/botchat/botchat-backend/internal/provider/contracts"
	"github.com/botchat/botchat-backend/providers/common/streamhttp"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) (*Adapter, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(streamhttp.NewClient(5*time.Second), server.URL), server
}

func TestStreamForwardsTokensInOrder(t *testing.T) {
	t.Parallel()

	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		var body map[string]any
		payload, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(payload, &body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["store"] != false {
			t.Errorf("store must be false, got %v", body["store"])
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"Hel"}}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"lo"}}]}`+"\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	})

	var tokens []string
	result, err := adapter.Stream(context.Background(), contracts.Request{
		Message: "hi", Model: "gpt-4o", APIKey: "sk-test",
	}, func(token string) error {
		tokens = append(tokens, token)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if strings.Join(tokens, "") != "Hello" {
		t.Fatalf("tokens = %v", tokens)
	}
	if len(result.Citations) != 0 {
		t.Fatalf("unexpected citations: %v", result.Citations)
	}
}

func TestStreamCollectsCitations(t *testing.T) {
	t.Parallel()

	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"a","annotations":[{"type":"url_citation","url_citation":{"url":"https://example.com","title":"Example"}}]}}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{"annotations":[{"type":"url_citation","url_citation":{"url":"https://example.com","title":"Example"}}]}}]}`+"\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	})

	result, err := adapter.Stream(context.Background(), contracts.Request{
		Message: "hi", Model: "gpt-4o", APIKey: "k", WebSearch: true,
	}, func(string) error { return nil })
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(result.Citations) != 1 || result.Citations[0].URL != "https://example.com" {
		t.Fatalf("citations = %v", result.Citations)
	}
}

func TestStreamClassifiesRateLimit(t *testing.T) {
	t.Parallel()

	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := adapter.Stream(context.Background(), contracts.Request{
		Message: "hi", Model: "gpt-4o", APIKey: "k",
	}, func(string) error { return nil })
	var apiErr *contracts.APIError
	if !errors.As(err, &apiErr) || apiErr.Class != contracts.ErrorRateLimited {
		t.Fatalf("expected rate_limited, got %v", err)
	}
}

func TestBuildBodyOmitsSearchWhenDisabled(t *testing.T) {
	t.Parallel()

	body := buildBody(contracts.Request{Message: "hi", Model: "gpt-4o"})
	if _, ok := body["web_search_options"]; ok {
		t.Fatalf("web_search_options must be absent when disabled")
	}
	if body["max_completion_tokens"] != defaultMaxTokens {
		t.Fatalf("default max tokens = %v", body["max_completion_tokens"])
	}
}

func TestPrivacyInfoDistinguishesKeyMode(t *testing.T) {
	t.Parallel()

	adapter := New(streamhttp.NewClient(time.Second), "")
	if adapter.PrivacyInfo(true)["backend"] != "byok" {
		t.Fatalf("expected byok backend")
	}
	if adapter.PrivacyInfo(false)["backend"] != "platform" {
		t.Fatalf("expected platform backend")
	}
}
