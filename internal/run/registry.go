package run

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTTL is how long a finished run stays resumable for late readers.
	DefaultTTL = 60 * time.Second
	// MinTTL guards against configs that would evict runs mid-stream.
	MinTTL = 10 * time.Second
	// DefaultSweepInterval is the background eviction cadence.
	DefaultSweepInterval = 60 * time.Second
)

// Registry is the process-wide id to run map. Finished runs are evicted by a
// background sweep once older than the TTL; in-flight runs are never evicted.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*Run

	ttl           time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewRegistry creates a registry. The TTL is clamped to MinTTL and a
// non-positive sweep interval falls back to the default.
func NewRegistry(ttl, sweepInterval time.Duration, logger *slog.Logger) *Registry {
	if ttl < MinTTL {
		ttl = MinTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		runs:          make(map[string]*Run),
		ttl:           ttl,
		sweepInterval: sweepInterval,
		logger:        logger,
		now:           time.Now,
		stop:          make(chan struct{}),
	}
}

// Create registers a new run with a fresh id.
func (reg *Registry) Create(identity Identity) *Run {
	r := New(uuid.NewString(), identity, reg.now())
	reg.mu.Lock()
	reg.runs[r.ID] = r
	reg.mu.Unlock()
	return r
}

// Get looks up a run by id.
func (reg *Registry) Get(id string) (*Run, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.runs[id]
	return r, ok
}

// Purge drops a run immediately, regardless of age. Used when a reader has
// fully drained a finished stream.
func (reg *Registry) Purge(id string) {
	reg.mu.Lock()
	delete(reg.runs, id)
	reg.mu.Unlock()
}

// Len reports the number of registered runs.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.runs)
}

// Start launches the background sweep.
func (reg *Registry) Start() {
	reg.wg.Add(1)
	go func() {
		defer reg.wg.Done()
		ticker := time.NewTicker(reg.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				reg.Sweep()
			case <-reg.stop:
				return
			}
		}
	}()
}

// Stop halts the sweep and waits for it to exit.
func (reg *Registry) Stop() {
	close(reg.stop)
	reg.wg.Wait()
}

// Sweep evicts finished runs older than the TTL.
func (reg *Registry) Sweep() {
	cutoff := reg.now().Add(-reg.ttl)

	reg.mu.Lock()
	var evicted []string
	for id, r := range reg.runs {
		if r.Done() && r.CreatedAt.Before(cutoff) {
			delete(reg.runs, id)
			evicted = append(evicted, id)
		}
	}
	remaining := len(reg.runs)
	reg.mu.Unlock()

	if len(evicted) > 0 {
		reg.logger.Debug("evicted expired runs",
			slog.Int("evicted", len(evicted)),
			slog.Int("remaining", remaining))
	}
}
