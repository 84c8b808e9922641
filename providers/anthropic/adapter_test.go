package anthropic

import (
	"context"
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

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(streamhttp.NewClient(5*time.Second), server.URL)
}

func TestStreamForwardsTextDeltas(t *testing.T) {
	t.Parallel()

	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "sk-ant" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != apiVersion {
			t.Errorf("anthropic-version = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		io.WriteString(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n")
		io.WriteString(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n")
		io.WriteString(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	})

	var tokens []string
	_, err := adapter.Stream(context.Background(), contracts.Request{
		Message: "hi", Model: "claude-sonnet-4", APIKey: "sk-ant",
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
}

func TestStreamCollectsCitations(t *testing.T) {
	t.Parallel()

	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"citations_delta\",\"citation\":{\"url\":\"https://example.com\",\"title\":\"Example\"}}}\n\n")
		io.WriteString(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	})

	result, err := adapter.Stream(context.Background(), contracts.Request{
		Message: "hi", Model: "claude-sonnet-4", APIKey: "k", WebSearch: true,
	}, func(string) error { return nil })
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(result.Citations) != 1 || result.Citations[0].Title != "Example" {
		t.Fatalf("citations = %v", result.Citations)
	}
}

func TestStreamSurfacesMidStreamOverload(t *testing.T) {
	t.Parallel()

	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"overloaded\"}}\n\n")
	})

	_, err := adapter.Stream(context.Background(), contracts.Request{
		Message: "hi", Model: "claude-sonnet-4", APIKey: "k",
	}, func(string) error { return nil })
	var apiErr *contracts.APIError
	if !errors.As(err, &apiErr) || apiErr.Class != contracts.ErrorRateLimited {
		t.Fatalf("expected rate_limited, got %v", err)
	}
}

func TestBuildBodyIncludesSearchTool(t *testing.T) {
	t.Parallel()

	body := buildBody(contracts.Request{Message: "hi", Model: "m", WebSearch: true, System: "be brief"})
	tools, ok := body["tools"].([]map[string]any)
	if !ok || len(tools) != 1 || tools[0]["type"] != webSearchTool {
		t.Fatalf("tools = %v", body["tools"])
	}
	if body["system"] != "be brief" {
		t.Fatalf("system = %v", body["system"])
	}
}
