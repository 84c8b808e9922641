// Package fanout dispatches one user query to multiple backend panels
// concurrently and joins the results into a single terminal event.
package fanout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/botchat/botchat-backend/api/events"
	"github.com/botchat/botchat-backend/internal/attach"
	"github.com/botchat/botchat-backend/internal/provider/contracts"
	"github.com/botchat/botchat-backend/internal/provider/registry"
	"github.com/botchat/botchat-backend/internal/quota"
	"github.com/botchat/botchat-backend/internal/run"
)

const (
	// MaxParallelCeiling caps concurrent panels per run regardless of the
	// caller's request.
	MaxParallelCeiling = 10
	// DefaultMaxRetries is the rate-limit retry budget per panel.
	DefaultMaxRetries = 3
)

// QuotaReconciler charges succeeded platform panels once per run.
type QuotaReconciler interface {
	Reconcile(ctx context.Context, userID string, successCount int) *quota.Snapshot
}

// Config wires a coordinator.
type Config struct {
	Catalog      registry.Catalog
	PlatformKeys map[contracts.Kind]string
	Reconciler   QuotaReconciler
	Logger       *slog.Logger
	MaxRetries   int
	// Sleep is the backoff wait, injectable for tests.
	Sleep func(ctx context.Context, d time.Duration)
}

// Coordinator runs the fan-out for each run.
type Coordinator struct {
	catalog      registry.Catalog
	platformKeys map[contracts.Kind]string
	reconciler   QuotaReconciler
	logger       *slog.Logger
	maxRetries   int
	sleep        func(ctx context.Context, d time.Duration)
}

// New constructs a coordinator with defaults applied.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.PlatformKeys == nil {
		cfg.PlatformKeys = map[contracts.Kind]string{}
	}
	return &Coordinator{
		catalog:      cfg.Catalog,
		platformKeys: cfg.PlatformKeys,
		reconciler:   cfg.Reconciler,
		logger:       cfg.Logger,
		maxRetries:   cfg.MaxRetries,
		sleep:        cfg.Sleep,
	}
}

// HasPlatformKey reports whether a platform credential is configured for the
// backend kind.
func (c *Coordinator) HasPlatformKey(kind contracts.Kind) bool {
	return c.platformKeys[kind] != ""
}

// Dispatch fans the message out to every panel config under a bounded
// semaphore, joins, reconciles quota, and terminates the stream. It marks
// the run done on every exit path.
func (c *Coordinator) Dispatch(ctx context.Context, r *run.Run, configs []contracts.PanelConfig, message string, maxParallel int, bundle *attach.Bundle) {
	defer r.MarkDone()
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("fanout panicked",
				slog.String("run_id", r.ID),
				slog.Any("panic", rec))
			r.Publish(events.KindRunError, events.RunError{
				RunID: r.ID,
				Error: "internal error, please retry the run",
			})
		}
	}()

	r.Publish(events.KindRunStart, events.RunStart{RunID: r.ID, N: len(configs)})
	if len(configs) == 0 {
		r.Publish(events.KindRunDone, events.RunDone{RunID: r.ID})
		return
	}

	if maxParallel < 1 {
		maxParallel = 1
	}
	if maxParallel > MaxParallelCeiling {
		maxParallel = MaxParallelCeiling
	}
	sem := semaphore.NewWeighted(int64(maxParallel))

	var wg sync.WaitGroup
	for _, cfg := range configs {
		wg.Add(1)
		go func(cfg contracts.PanelConfig) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				r.Publish(events.KindPanelError, events.PanelError{
					ConfigID: cfg.ID,
					Error:    "run cancelled before dispatch",
				})
				return
			}
			defer sem.Release(1)
			c.runPanel(ctx, r, cfg, message, bundle)
		}(cfg)
	}
	wg.Wait()

	done := events.RunDone{RunID: r.ID}
	if !r.Identity.Anonymous() {
		if count := r.PlatformSuccessCount(); count > 0 && c.reconciler != nil {
			if snapshot := c.reconciler.Reconcile(ctx, r.Identity.UserID, count); snapshot != nil {
				done.Quota = &events.QuotaSnapshot{
					Used:         snapshot.Used,
					Limit:        snapshot.Limit,
					Remaining:    snapshot.Remaining,
					PeriodEndsAt: snapshot.PeriodEndsAt.Unix(),
					IsPaid:       snapshot.IsPaid,
				}
			}
		}
	}
	r.Publish(events.KindRunDone, done)
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
