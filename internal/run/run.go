// Package run holds per-run streaming state and the process-wide registry
// that owns run lifecycle and TTL eviction.
package run

import (
	"sort"
	"sync"
	"time"

	"github.com/botchat/botchat-backend/api/events"
)

// Identity names the authenticated owner of a run. Anonymous pure-BYOK runs
// carry a zero Identity.
type Identity struct {
	UserID string
	Email  string
}

// Anonymous reports whether the run has no authenticated owner.
func (i Identity) Anonymous() bool { return i.UserID == "" }

// Run is the live state of one fan-out: its event stream, collected panel
// finals, and platform-key bookkeeping for quota reconciliation.
type Run struct {
	ID        string
	CreatedAt time.Time
	Identity  Identity
	Events    *EventChannel

	mu                sync.Mutex
	done              bool
	finals            map[string]string
	platformPanels    map[string]bool
	succeededPlatform []string
}

// New creates a run in the not-done state.
func New(id string, identity Identity, now time.Time) *Run {
	return &Run{
		ID:             id,
		CreatedAt:      now,
		Identity:       identity,
		Events:         NewEventChannel(),
		finals:         make(map[string]string),
		platformPanels: make(map[string]bool),
	}
}

// Publish encodes and enqueues one event. Encoding failures are impossible
// for the fixed payload types and are swallowed to keep producers non-blocking.
func (r *Run) Publish(kind events.Kind, payload any) {
	frame, err := events.NewFrame(kind, payload)
	if err != nil {
		return
	}
	r.Events.Publish(frame)
}

// MarkDone flips the run to its terminal state. The transition is one-way.
func (r *Run) MarkDone() {
	r.mu.Lock()
	r.done = true
	r.mu.Unlock()
}

// Done reports whether the run reached its terminal state.
func (r *Run) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// SetFinal records a panel's final text. First write wins; a retried panel
// must never overwrite a delivered final.
func (r *Run) SetFinal(configID, final string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.finals[configID]; exists {
		return
	}
	r.finals[configID] = final
}

// Finals returns a copy of the collected panel finals.
func (r *Run) Finals() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.finals))
	for id, final := range r.finals {
		out[id] = final
	}
	return out
}

// FinalIDs returns the panel ids with a recorded final, sorted.
func (r *Run) FinalIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.finals))
	for id := range r.finals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarkPlatformPanel records that a panel was dispatched on a platform
// credential rather than BYOK.
func (r *Run) MarkPlatformPanel(configID string) {
	r.mu.Lock()
	r.platformPanels[configID] = true
	r.mu.Unlock()
}

// IsPlatformPanel reports whether the panel used a platform credential.
func (r *Run) IsPlatformPanel(configID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.platformPanels[configID]
}

// MarkPlatformSuccess records a succeeded platform-credential panel.
func (r *Run) MarkPlatformSuccess(configID string) {
	r.mu.Lock()
	r.succeededPlatform = append(r.succeededPlatform, configID)
	r.mu.Unlock()
}

// PlatformSuccessCount is the number of succeeded platform-credential
// panels, the amount a quota reconciliation charges.
func (r *Run) PlatformSuccessCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.succeededPlatform)
}
