package quota

import (
	"context"
	"log/slog"
)

// Incrementer charges quota usage. Satisfied by *Store.
type Incrementer interface {
	IncrementQuota(ctx context.Context, userID string, count int) (Snapshot, error)
}

// Reconciler charges succeeded platform-credential panels after a run joins.
// Failures are logged and swallowed: delivered answers are never rolled back
// over billing bookkeeping.
type Reconciler struct {
	store  Incrementer
	logger *slog.Logger
}

// NewReconciler constructs a reconciler.
func NewReconciler(store Incrementer, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, logger: logger}
}

// Reconcile charges successCount messages to userID. It returns the
// post-increment snapshot, or nil when there was nothing to charge or the
// store failed.
func (r *Reconciler) Reconcile(ctx context.Context, userID string, successCount int) *Snapshot {
	if userID == "" || successCount < 1 {
		return nil
	}
	snapshot, err := r.store.IncrementQuota(ctx, userID, successCount)
	if err != nil {
		r.logger.Error("quota reconciliation failed",
			slog.String("user_id", userID),
			slog.Int("count", successCount),
			slog.Any("error", err))
		return nil
	}
	r.logger.Debug("quota reconciled",
		slog.String("user_id", userID),
		slog.Int("count", successCount),
		slog.Int("used", snapshot.Used),
		slog.Int("remaining", snapshot.Remaining))
	return &snapshot
}
