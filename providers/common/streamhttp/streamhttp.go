// Package streamhttp is the shared transport for streaming provider calls:
// it issues the JSON POST, normalizes HTTP failures into the closed error
// taxonomy with sanitized messages, and parses the SSE response body.
package streamhttp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/botchat/botchat-backend/internal/provider/contracts"
)

const errorBodySampleBytes = 8192

// Request describes one streaming provider call.
type Request struct {
	Endpoint         string
	Headers          map[string]string
	QueryAPIKeyParam string
	APIKey           string
	Body             any
}

// Client issues streaming requests with a shared timeout.
type Client struct {
	http    *http.Client
	timeout time.Duration
}

// NewClient constructs a streaming client. The timeout covers the whole
// stream, connect through last byte.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{http: &http.Client{}, timeout: timeout}
}

// Open issues the request and returns the response body once the status is
// normalized. Callers must Close the returned reader.
func (c *Client) Open(ctx context.Context, kind contracts.Kind, req Request) (io.ReadCloser, error) {
	payload, err := sonic.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", kind, err)
	}

	endpoint := req.Endpoint
	if req.QueryAPIKeyParam != "" && req.APIKey != "" {
		endpoint, err = withQuery(endpoint, req.QueryAPIKeyParam, req.APIKey)
		if err != nil {
			return nil, fmt.Errorf("build %s endpoint: %w", kind, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build %s request: %w", kind, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		cancel()
		return nil, normalizeNetworkError(kind, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		sample, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodySampleBytes))
		resp.Body.Close()
		cancel()
		return nil, NormalizeStatus(kind, resp.StatusCode, sample)
	}
	return &cancelReadCloser{body: resp.Body, cancel: cancel}, nil
}

type cancelReadCloser struct {
	body   io.ReadCloser
	cancel context.CancelFunc
}

func (r *cancelReadCloser) Read(p []byte) (int, error) { return r.body.Read(p) }

func (r *cancelReadCloser) Close() error {
	err := r.body.Close()
	r.cancel()
	return err
}

func withQuery(rawEndpoint string, key string, value string) (string, error) {
	u, err := url.Parse(rawEndpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func normalizeNetworkError(kind contracts.Kind, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &contracts.APIError{
		Provider: kind,
		Class:    contracts.ErrorUnknown,
		Message:  fmt.Sprintf("%s request failed, please try again", kind.DisplayName()),
	}
}

// NormalizeStatus maps an HTTP failure status and a bounded body sample into
// a classified, sanitized error. The raw body never leaves this function.
func NormalizeStatus(kind contracts.Kind, status int, body []byte) *contracts.APIError {
	apiErr := &contracts.APIError{Provider: kind, Status: status}
	name := kind.DisplayName()
	switch {
	case status == http.StatusTooManyRequests:
		apiErr.Class = contracts.ErrorRateLimited
		apiErr.Message = fmt.Sprintf("%s rate limit reached, please retry shortly", name)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		apiErr.Class = contracts.ErrorAuthentication
		apiErr.Message = fmt.Sprintf("%s API key is invalid or lacks access", name)
	case status == http.StatusNotFound:
		apiErr.Class = contracts.ErrorModelNotFound
		apiErr.Message = fmt.Sprintf("%s model not found or unavailable", name)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		if looksLikeContextLength(body) {
			apiErr.Class = contracts.ErrorContextLength
			apiErr.Message = fmt.Sprintf("input too long for the %s model's context window", name)
		} else {
			apiErr.Class = contracts.ErrorBadRequest
			apiErr.Message = fmt.Sprintf("%s rejected the request as invalid", name)
		}
	default:
		apiErr.Class = contracts.ErrorUnknown
		apiErr.Message = fmt.Sprintf("%s request failed, please try again", name)
	}
	return apiErr
}

func looksLikeContextLength(body []byte) bool {
	sample := strings.ToLower(string(body))
	for _, marker := range []string{"context_length", "context length", "maximum context", "too long", "token limit", "exceeds the maximum"} {
		if strings.Contains(sample, marker) {
			return true
		}
	}
	return false
}

// Event captures one SSE event envelope from a provider stream.
type Event struct {
	Event string
	Data  string
}

// ParseSSE reads server-sent events from reader and invokes fn for each
// complete event.
func ParseSSE(reader io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(reader)
	// Allow moderately large payload lines.
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)

	var eventName string
	var dataLines []string

	flush := func() error {
		if len(dataLines) == 0 {
			eventName = ""
			return nil
		}
		ev := Event{
			Event: strings.TrimSpace(eventName),
			Data:  strings.Join(dataLines, "\n"),
		}
		eventName = ""
		dataLines = dataLines[:0]
		return fn(ev)
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flush()
}
