package httpapi

import (
	"context"
	"strings"
	"testing"

	"github.com/cloudwego/hertz/pkg/common/ut"

	"github.com/botchat/botchat-backend/internal/keycheck"
	"github.com/botchat/botchat-backend/internal/keystore"
	"github.com/botchat/botchat-backend/internal/provider/contracts"
)

type allowAllVerifier struct{}

func (allowAllVerifier) Verify(ctx context.Context, kind contracts.Kind, apiKey string) (keycheck.Result, error) {
	if apiKey == "" {
		return keycheck.Result{Valid: false, Message: "API key is empty"}, nil
	}
	return keycheck.Result{Valid: true, Message: "API key verified"}, nil
}

func newTestKeystore(t *testing.T) *keystore.Store {
	t.Helper()
	store, err := keystore.New(t.TempDir())
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	return store
}

func TestSettingsRequiresCredential(t *testing.T) {
	s := newTestServer(t, nil)

	resp := ut.PerformRequest(s.hertz.Engine, "GET", "/settings/providers", nil)
	if resp.Code != 401 {
		t.Fatalf("anonymous status = %d", resp.Code)
	}

	resp = ut.PerformRequest(s.hertz.Engine, "GET", "/settings/providers", nil,
		ut.Header{Key: "x-api-key", Value: "wrong"})
	if resp.Code != 401 {
		t.Fatalf("wrong key status = %d", resp.Code)
	}
}

func TestSettingsKeyLifecycle(t *testing.T) {
	s := newTestServer(t, map[contracts.Kind]string{contracts.KindGemini: "sk-platform"})
	apiKey := ut.Header{Key: "x-api-key", Value: "service-key"}

	resp := postJSON(t, s.hertz, "/settings/keys", map[string]string{
		"provider": "openai", "api_key": "sk-mine-12345",
	}, apiKey)
	if resp.Code != 200 || !strings.Contains(resp.Body.String(), "saved") {
		t.Fatalf("save: status = %d, body = %s", resp.Code, resp.Body.String())
	}

	resp = ut.PerformRequest(s.hertz.Engine, "GET", "/settings/providers", nil, apiKey)
	if resp.Code != 200 {
		t.Fatalf("providers: status = %d", resp.Code)
	}
	body := resp.Body.String()
	if !strings.Contains(body, `"configured":true`) {
		t.Fatalf("saved provider must show configured:\n%s", body)
	}
	if !strings.Contains(body, `"platform_available":true`) {
		t.Fatalf("gemini platform key must be visible:\n%s", body)
	}
	if strings.Contains(body, "sk-mine-12345") {
		t.Fatalf("raw key must never appear in listings:\n%s", body)
	}

	resp = ut.PerformRequest(s.hertz.Engine, "DELETE", "/settings/keys/openai", nil, apiKey)
	if resp.Code != 200 || !strings.Contains(resp.Body.String(), `"ok":true`) {
		t.Fatalf("delete: status = %d, body = %s", resp.Code, resp.Body.String())
	}

	resp = ut.PerformRequest(s.hertz.Engine, "DELETE", "/settings/keys/openai", nil, apiKey)
	if resp.Code != 200 || !strings.Contains(resp.Body.String(), `"ok":false`) {
		t.Fatalf("second delete: status = %d, body = %s", resp.Code, resp.Body.String())
	}
}

func TestSettingsSaveRejectsInvalidKey(t *testing.T) {
	s := newTestServer(t, nil)
	apiKey := ut.Header{Key: "x-api-key", Value: "service-key"}

	resp := postJSON(t, s.hertz, "/settings/keys", map[string]string{
		"provider": "openai", "api_key": "",
	}, apiKey)
	if resp.Code != 400 || !strings.Contains(resp.Body.String(), "Invalid API key") {
		t.Fatalf("status = %d, body = %s", resp.Code, resp.Body.String())
	}

	resp = postJSON(t, s.hertz, "/settings/keys", map[string]string{
		"provider": "mistral", "api_key": "sk-x",
	}, apiKey)
	if resp.Code != 400 {
		t.Fatalf("unknown provider status = %d", resp.Code)
	}
}

func TestSettingsVerifyKey(t *testing.T) {
	s := newTestServer(t, nil)
	apiKey := ut.Header{Key: "x-api-key", Value: "service-key"}

	resp := postJSON(t, s.hertz, "/settings/keys/verify", map[string]string{
		"provider": "anthropic", "api_key": "sk-ant",
	}, apiKey)
	if resp.Code != 200 || !strings.Contains(resp.Body.String(), `"valid":true`) {
		t.Fatalf("status = %d, body = %s", resp.Code, resp.Body.String())
	}
}
