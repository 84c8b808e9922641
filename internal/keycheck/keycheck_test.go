package keycheck

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/botchat/botchat-backend/internal/provider/contracts"
)

func newTestVerifier(t *testing.T, handler http.HandlerFunc) *Verifier {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	v := New()
	v.openaiBase = server.URL
	v.anthropicBase = server.URL
	v.geminiBase = server.URL
	return v
}

func TestVerifyOpenAIValidKey(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, `{"data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"}]}`)
	})

	result, err := v.Verify(context.Background(), contracts.KindOpenAI, "sk-good")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Valid || !strings.Contains(result.Message, "2 models") {
		t.Fatalf("result = %+v", result)
	}
}

func TestVerifyInvalidKey(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	result, err := v.Verify(context.Background(), contracts.KindGemini, "bad")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Valid {
		t.Fatalf("invalid key must not verify: %+v", result)
	}
}

func TestVerifyAnthropicBillingRequired(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") == "" {
			t.Errorf("missing x-api-key header")
		}
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"Your credit balance is too low"}}`)
	})

	result, err := v.Verify(context.Background(), contracts.KindAnthropic, "sk-ant")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Valid || !strings.Contains(result.Message, "credits") {
		t.Fatalf("result = %+v", result)
	}
}

func TestVerifyRateLimitedKeyStillValid(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	result, err := v.Verify(context.Background(), contracts.KindAnthropic, "sk-ant")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Valid {
		t.Fatalf("rate limited key is still valid: %+v", result)
	}
}

func TestVerifyEmptyKey(t *testing.T) {
	t.Parallel()

	result, err := New().Verify(context.Background(), contracts.KindOpenAI, "")
	if err != nil || result.Valid {
		t.Fatalf("empty key must fail fast: %+v, %v", result, err)
	}
}
