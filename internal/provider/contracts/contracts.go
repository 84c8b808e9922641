// Package contracts defines the uniform provider-adapter contract: the closed
// backend-kind set, the per-panel dispatch configuration, the streaming
// request/result shapes, and the normalized error taxonomy shared by every
// adapter.
package contracts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/botchat/botchat-backend/api/events"
)

// Kind identifies one AI backend family.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindAnthropic Kind = "anthropic"
	KindGemini    Kind = "gemini"
)

// Kinds returns the closed backend-kind set in deterministic order.
func Kinds() []Kind {
	return []Kind{KindAnthropic, KindGemini, KindOpenAI}
}

// Validate enforces the closed backend-kind set.
func (k Kind) Validate() error {
	switch k {
	case KindOpenAI, KindAnthropic, KindGemini:
		return nil
	default:
		return fmt.Errorf("unsupported provider kind: %q", k)
	}
}

// DisplayName returns the human-facing provider name used in sanitized
// error messages.
func (k Kind) DisplayName() string {
	switch k {
	case KindOpenAI:
		return "OpenAI"
	case KindAnthropic:
		return "Anthropic"
	case KindGemini:
		return "Gemini"
	default:
		return string(k)
	}
}

// ParseKind normalizes and validates a caller-supplied provider string.
func ParseKind(raw string) (Kind, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(raw)))
	if err := kind.Validate(); err != nil {
		return "", err
	}
	return kind, nil
}

// PanelConfig is one backend dispatch unit within a run, keyed by a
// caller-supplied id that correlates all events for the panel.
type PanelConfig struct {
	ID               string `json:"id"`
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	System           string `json:"system"`
	MaxTokens        int    `json:"max_tokens,omitempty"`
	ProviderKey      string `json:"provider_key,omitempty"`
	WebSearchEnabled bool   `json:"web_search_enabled"`
}

// Validate enforces required fields and the closed provider set.
func (c PanelConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("config id is required")
	}
	if _, err := ParseKind(c.Provider); err != nil {
		return err
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("config %s: model is required", c.ID)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("config %s: max_tokens must be >=0", c.ID)
	}
	return nil
}

// Kind returns the validated backend kind. Call Validate first.
func (c PanelConfig) Kind() Kind {
	kind, _ := ParseKind(c.Provider)
	return kind
}

// NativeFile is an attachment passed through to a backend in its native
// format (images everywhere, PDFs for backends with native PDF support).
type NativeFile struct {
	Bytes []byte
	MIME  string
	Name  string
}

// Request carries one streaming attempt's dispatch parameters. Message
// already includes any extracted attachment text.
type Request struct {
	Message    string
	Model      string
	System     string
	MaxTokens  int
	APIKey     string
	WebSearch  bool
	NativeFile *NativeFile
}

// Result is the terminal metadata of a successful stream, separate from the
// token sequence by design: citations arrive after the last text increment.
type Result struct {
	Citations []events.Citation
}

// TokenFunc receives text increments in strict arrival order. Returning an
// error aborts the stream.
type TokenFunc func(token string) error

// Adapter is the uniform per-backend streaming contract. Stream emits zero
// or more tokens via fn and returns terminal metadata; failures are
// normalized into *APIError with sanitized messages.
type Adapter interface {
	Kind() Kind
	Stream(ctx context.Context, req Request, fn TokenFunc) (Result, error)
	PrivacyInfo(byok bool) map[string]any
}

// ErrorClass is the normalized provider-failure taxonomy.
type ErrorClass string

const (
	// ErrorRateLimited is the only transient class; it is retried with
	// exponential backoff before surfacing.
	ErrorRateLimited ErrorClass = "rate_limited"
	// ErrorAuthentication covers invalid or under-privileged credentials.
	ErrorAuthentication ErrorClass = "authentication"
	// ErrorModelNotFound covers unknown or unavailable model names.
	ErrorModelNotFound ErrorClass = "model_not_found"
	// ErrorContextLength covers inputs exceeding the model context window.
	ErrorContextLength ErrorClass = "context_length"
	// ErrorBadRequest covers other malformed-request rejections.
	ErrorBadRequest ErrorClass = "bad_request"
	// ErrorUnknown covers everything else; surfaced with a generic message
	// so raw backend detail never reaches the client.
	ErrorUnknown ErrorClass = "unknown"
)

// Retryable reports whether the class is transient.
func (c ErrorClass) Retryable() bool {
	return c == ErrorRateLimited
}

// APIError is a classified, sanitized provider failure. Message never
// contains user content or raw backend exception text.
type APIError struct {
	Provider Kind
	Class    ErrorClass
	Message  string
	Status   int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Class)
}

// Classify extracts the error class, defaulting to unknown for errors that
// did not pass through an adapter's normalization.
func Classify(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return ErrorUnknown
}
