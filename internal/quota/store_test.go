package quota

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "quota.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGetOrCreateUserIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.GetOrCreateUser(ctx, "github", "42", "dev@example.com")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	if first.EncryptionKey == "" || len(first.EncryptionKey) != 64 {
		t.Fatalf("expected 64-char hex encryption key, got %q", first.EncryptionKey)
	}

	second, err := store.GetOrCreateUser(ctx, "github", "42", "dev@example.com")
	if err != nil {
		t.Fatalf("GetOrCreateUser again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same user, got %q and %q", first.ID, second.ID)
	}
}

func TestEmailLinksAcrossOAuthProviders(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	github, err := store.GetOrCreateUser(ctx, "github", "42", "dev@example.com")
	if err != nil {
		t.Fatalf("GetOrCreateUser github: %v", err)
	}
	google, err := store.GetOrCreateUser(ctx, "google", "g-77", "dev@example.com")
	if err != nil {
		t.Fatalf("GetOrCreateUser google: %v", err)
	}
	if google.ID != github.ID {
		t.Fatalf("email-linked sign-in must resolve to the same user")
	}
}

func TestQuotaFreeTierDefaults(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	user, _ := store.GetOrCreateUser(ctx, "github", "1", "")

	snapshot, err := store.GetQuota(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetQuota: %v", err)
	}
	if snapshot.Limit != FreeTierQuota || snapshot.Used != 0 || snapshot.Remaining != FreeTierQuota || snapshot.IsPaid {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}

func TestIncrementQuota(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	user, _ := store.GetOrCreateUser(ctx, "github", "1", "")

	snapshot, err := store.IncrementQuota(ctx, user.ID, 3)
	if err != nil {
		t.Fatalf("IncrementQuota: %v", err)
	}
	if snapshot.Used != 3 || snapshot.Remaining != FreeTierQuota-3 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	if _, err := store.IncrementQuota(ctx, user.ID, 0); err == nil {
		t.Fatalf("expected error for zero increment")
	}
	if _, err := store.IncrementQuota(ctx, "nope", 1); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestQuotaPeriodRollsOver(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	user, _ := store.GetOrCreateUser(ctx, "github", "1", "")

	if _, err := store.IncrementQuota(ctx, user.ID, 10); err != nil {
		t.Fatalf("IncrementQuota: %v", err)
	}

	store.now = func() time.Time { return time.Now().AddDate(0, 0, PeriodDays+1) }

	snapshot, err := store.GetQuota(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetQuota: %v", err)
	}
	if snapshot.Used != 0 {
		t.Fatalf("expired period must read as zero usage, got %+v", snapshot)
	}

	snapshot, err = store.IncrementQuota(ctx, user.ID, 1)
	if err != nil {
		t.Fatalf("IncrementQuota after rollover: %v", err)
	}
	if snapshot.Used != 1 {
		t.Fatalf("rollover increment must restart the count, got %+v", snapshot)
	}
}

func TestPaidSubscriptionRaisesLimit(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	user, _ := store.GetOrCreateUser(ctx, "github", "1", "")

	ends := time.Now().AddDate(0, 1, 0)
	if err := store.SetSubscription(ctx, user.ID, "active", &ends); err != nil {
		t.Fatalf("SetSubscription: %v", err)
	}

	snapshot, err := store.GetQuota(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetQuota: %v", err)
	}
	if !snapshot.IsPaid || snapshot.Limit != PaidTierQuota {
		t.Fatalf("unexpected paid snapshot: %+v", snapshot)
	}

	lapsed := time.Now().Add(-time.Hour)
	if err := store.SetSubscription(ctx, user.ID, "active", &lapsed); err != nil {
		t.Fatalf("SetSubscription lapsed: %v", err)
	}
	snapshot, _ = store.GetQuota(ctx, user.ID)
	if snapshot.IsPaid || snapshot.Limit != FreeTierQuota {
		t.Fatalf("lapsed subscription must fall back to free tier: %+v", snapshot)
	}
}
