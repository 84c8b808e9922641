package failover_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/botchat/botchat-backend/api/events"
	"github.com/botchat/botchat-backend/internal/fanout"
	"github.com/botchat/botchat-backend/internal/provider/contracts"
	"github.com/botchat/botchat-backend/internal/provider/registry"
	"github.com/botchat/botchat-backend/internal/run"
	"github.com/botchat/botchat-backend/providers/anthropic"
	"github.com/botchat/botchat-backend/providers/common/streamhttp"
	"github.com/botchat/botchat-backend/providers/gemini"
	"github.com/botchat/botchat-backend/providers/openai"
)

func newCoordinator(t *testing.T, backendURL string) *fanout.Coordinator {
	t.Helper()
	client := streamhttp.NewClient(5 * time.Second)
	catalog, err := registry.NewCatalog([]contracts.Adapter{
		openai.New(client, backendURL),
		anthropic.New(client, backendURL),
		gemini.New(client, backendURL),
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return fanout.New(fanout.Config{
		Catalog: catalog,
		Logger:  slog.Default(),
		Sleep:   func(context.Context, time.Duration) {},
	})
}

func drain(r *run.Run) []events.Frame {
	var frames []events.Frame
	for {
		frame, ok := r.Events.NextOrTimeout(10 * time.Millisecond)
		if !ok {
			if r.Done() && r.Events.Len() == 0 {
				return frames
			}
			continue
		}
		frames = append(frames, frame)
	}
}

func countKind(frames []events.Frame, kind events.Kind) int {
	n := 0
	for _, frame := range frames {
		if frame.Kind == kind {
			n++
		}
	}
	return n
}

// TestRateLimitRecovery drives a real adapter against a backend that
// rejects the first two attempts with 429. The retries must be invisible:
// one panel_start, one panel_final, no panel_error.
func TestRateLimitRecovery(t *testing.T) {
	var attempts atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"recovered"}}]}`+"\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(backend.Close)

	coord := newCoordinator(t, backend.URL)
	r := run.New("run-recovery", run.Identity{}, time.Now())
	coord.Dispatch(context.Background(), r, []contracts.PanelConfig{
		{ID: "p1", Provider: "openai", Model: "gpt-4o", ProviderKey: "sk-test"},
	}, "hello", 1, nil)

	frames := drain(r)
	if got := attempts.Load(); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	if n := countKind(frames, events.KindPanelStart); n != 1 {
		t.Fatalf("panel_start count = %d, want 1", n)
	}
	if n := countKind(frames, events.KindPanelError); n != 0 {
		t.Fatalf("panel_error count = %d, want 0", n)
	}
	if n := countKind(frames, events.KindPanelFinal); n != 1 {
		t.Fatalf("panel_final count = %d, want 1", n)
	}
}

// TestRateLimitBudgetExhausted verifies a backend that never recovers is
// surfaced once, after the full retry budget, with a sanitized message.
func TestRateLimitBudgetExhausted(t *testing.T) {
	var attempts atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(backend.Close)

	coord := newCoordinator(t, backend.URL)
	r := run.New("run-exhausted", run.Identity{}, time.Now())
	coord.Dispatch(context.Background(), r, []contracts.PanelConfig{
		{ID: "p1", Provider: "anthropic", Model: "claude-sonnet-4", ProviderKey: "sk-test"},
	}, "hello", 1, nil)

	frames := drain(r)
	if got := attempts.Load(); got != 4 {
		t.Fatalf("attempts = %d, want initial + 3 retries", got)
	}
	if n := countKind(frames, events.KindPanelError); n != 1 {
		t.Fatalf("panel_error count = %d, want 1", n)
	}
	for _, frame := range frames {
		if frame.Kind == events.KindPanelError {
			if !strings.Contains(string(frame.Data), "rate limit") {
				t.Fatalf("panel_error = %s", frame.Data)
			}
		}
	}
}

// TestAuthFailureIsTerminal verifies a 401 is never retried across
// providers.
func TestAuthFailureIsTerminal(t *testing.T) {
	var attempts atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(backend.Close)

	coord := newCoordinator(t, backend.URL)
	r := run.New("run-auth", run.Identity{}, time.Now())
	coord.Dispatch(context.Background(), r, []contracts.PanelConfig{
		{ID: "p1", Provider: "openai", Model: "gpt-4o", ProviderKey: "sk-bad"},
		{ID: "p2", Provider: "gemini", Model: "gemini-2.0-flash", ProviderKey: "sk-bad"},
	}, "hello", 2, nil)

	frames := drain(r)
	if got := attempts.Load(); got != 2 {
		t.Fatalf("attempts = %d, want one per panel", got)
	}
	if n := countKind(frames, events.KindPanelError); n != 2 {
		t.Fatalf("panel_error count = %d, want 2", n)
	}
}
