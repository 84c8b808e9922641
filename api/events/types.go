// Package events defines the client-facing event stream contract: the closed
// set of event kinds, their payload shapes, and the SSE text framing used on
// the wire.
package events

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Kind identifies one event type on a run's stream.
type Kind string

const (
	KindHello          Kind = "hello"
	KindRunStart       Kind = "run_start"
	KindPanelStart     Kind = "panel_start"
	KindPanelPrivacy   Kind = "panel_privacy"
	KindPanelToken     Kind = "panel_token"
	KindPanelFinal     Kind = "panel_final"
	KindPanelCitations Kind = "panel_citations"
	KindPanelError     Kind = "panel_error"
	KindRunDone        Kind = "run_done"
	KindRunError       Kind = "run_error"
	KindPing           Kind = "ping"
	KindGoodbye        Kind = "goodbye"
	KindSynthStart     Kind = "synth_start"
	KindSynthToken     Kind = "synth_token"
	KindSynthFinal     Kind = "synth_final"
)

// Validate enforces the closed event-kind set.
func (k Kind) Validate() error {
	switch k {
	case KindHello, KindRunStart, KindPanelStart, KindPanelPrivacy,
		KindPanelToken, KindPanelFinal, KindPanelCitations, KindPanelError,
		KindRunDone, KindRunError, KindPing, KindGoodbye,
		KindSynthStart, KindSynthToken, KindSynthFinal:
		return nil
	default:
		return fmt.Errorf("unsupported event kind: %q", k)
	}
}

// Hello greets a freshly subscribed stream reader.
type Hello struct {
	RunID string `json:"run_id"`
}

// RunStart announces fan-out with the panel count.
type RunStart struct {
	RunID string `json:"run_id"`
	N     int    `json:"n"`
}

// PanelStart marks the beginning of one panel's dispatch.
type PanelStart struct {
	ConfigID string `json:"config_id"`
}

// PanelPrivacy carries backend-specific data-handling metadata, emitted
// before the panel's first token.
type PanelPrivacy struct {
	ConfigID string `json:"config_id"`
	Privacy  any    `json:"privacy"`
}

// PanelToken carries one text increment.
type PanelToken struct {
	ConfigID string `json:"config_id"`
	Token    string `json:"token"`
}

// PanelFinal carries the concatenated, trimmed panel answer.
type PanelFinal struct {
	ConfigID string `json:"config_id"`
	Final    string `json:"final"`
}

// Citation is one retrieval-augmentation source reference.
type Citation struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// PanelCitations follows panel_final when the backend returned citation
// metadata from web search.
type PanelCitations struct {
	ConfigID  string     `json:"config_id"`
	Citations []Citation `json:"citations"`
}

// PanelError carries a sanitized terminal error for one panel.
type PanelError struct {
	ConfigID string `json:"config_id"`
	Error    string `json:"error"`
}

// QuotaSnapshot mirrors the quota store's post-increment view.
type QuotaSnapshot struct {
	Used         int   `json:"used"`
	Limit        int   `json:"limit"`
	Remaining    int   `json:"remaining"`
	PeriodEndsAt int64 `json:"period_ends_at,omitempty"`
	IsPaid       bool  `json:"is_paid"`
}

// RunDone terminates a run's event stream; Quota is present only when a
// reconciliation succeeded.
type RunDone struct {
	RunID string         `json:"run_id"`
	Quota *QuotaSnapshot `json:"quota,omitempty"`
}

// RunError reports a coordinator-level fault outside any single panel.
type RunError struct {
	RunID string `json:"run_id"`
	Error string `json:"error"`
}

// Ping keeps proxies from buffering or closing an idle stream.
type Ping struct {
	T float64 `json:"t"`
}

// Goodbye closes a drained stream.
type Goodbye struct {
	RunID string `json:"run_id"`
}

// SynthStart announces a synthesis pass over collected panel finals.
type SynthStart struct {
	Include []string `json:"include"`
}

// SynthToken carries one synthesis text increment.
type SynthToken struct {
	Token string `json:"token"`
}

// SynthFinal carries the complete synthesized answer.
type SynthFinal struct {
	Final string `json:"final"`
}

// Frame is one encoded event held on a run's channel: the kind plus its
// JSON-serialized payload.
type Frame struct {
	Kind Kind
	Data []byte
}

// NewFrame serializes payload and wraps it with its kind.
func NewFrame(kind Kind, payload any) (Frame, error) {
	if err := kind.Validate(); err != nil {
		return Frame{}, err
	}
	data, err := sonic.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Frame{Kind: kind, Data: data}, nil
}

// SSE renders the frame in EventSource text framing:
// "event: <kind>\ndata: <json>\n\n".
func (f Frame) SSE() string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", f.Kind, f.Data)
}
