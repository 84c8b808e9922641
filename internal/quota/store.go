// Package quota persists users and their monthly message allowances in
// sqlite and reconciles usage after each run.
package quota

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	// FreeTierQuota is messages per rolling period for free users.
	FreeTierQuota = 100
	// PaidTierQuota is messages per billing period for subscribed users.
	PaidTierQuota = 5000
	// PeriodDays is the rolling quota window for free users.
	PeriodDays = 30
)

// ErrUserNotFound is returned for quota operations on unknown users.
var ErrUserNotFound = errors.New("quota: user not found")

// User is one authenticated account keyed by OAuth identity.
type User struct {
	ID                 string
	OAuthProvider      string
	OAuthID            string
	Email              string
	SubscriptionStatus string
	SubscriptionEndsAt *time.Time
	EncryptionKey      string
	QuotaUsed          int
	QuotaPeriodStart   time.Time
	CreatedAt          time.Time
}

// Paid reports whether the subscription entitles the user to the paid tier
// at the given instant.
func (u User) Paid(now time.Time) bool {
	switch u.SubscriptionStatus {
	case "active", "trialing":
	default:
		return false
	}
	if u.SubscriptionEndsAt != nil && now.After(*u.SubscriptionEndsAt) {
		return false
	}
	return true
}

// Snapshot is the computed quota view returned to clients and attached to
// run_done events.
type Snapshot struct {
	Used         int
	Limit        int
	Remaining    int
	PeriodEndsAt time.Time
	IsPaid       bool
}

// Store is the sqlite-backed user and quota store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	oauth_provider TEXT NOT NULL,
	oauth_id TEXT NOT NULL,
	email TEXT,
	subscription_status TEXT NOT NULL DEFAULT 'none',
	subscription_ends_at INTEGER,
	encryption_key TEXT NOT NULL,
	quota_used INTEGER NOT NULL DEFAULT 0,
	quota_period_start INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(oauth_provider, oauth_id)
);
CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
`

// Open opens (creating if needed) the store at path.
func Open(path string) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open quota store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init quota schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// GetOrCreateUser resolves an OAuth identity to a user, linking accounts by
// email so a subscription is shared across OAuth providers, creating the
// user on first sign-in.
func (s *Store) GetOrCreateUser(ctx context.Context, oauthProvider, oauthID, email string) (User, error) {
	if user, err := s.userByOAuth(ctx, oauthProvider, oauthID); err == nil {
		return user, nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return User{}, err
	}

	if email != "" {
		if user, err := s.userByEmail(ctx, email); err == nil {
			return user, nil
		} else if !errors.Is(err, ErrUserNotFound) {
			return User{}, err
		}
	}

	now := s.now()
	user := User{
		ID:                 uuid.NewString(),
		OAuthProvider:      oauthProvider,
		OAuthID:            oauthID,
		Email:              email,
		SubscriptionStatus: "none",
		EncryptionKey:      newEncryptionKey(),
		QuotaPeriodStart:   now,
		CreatedAt:          now,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, oauth_provider, oauth_id, email, subscription_status,
			encryption_key, quota_used, quota_period_start, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		user.ID, user.OAuthProvider, user.OAuthID, nullable(user.Email),
		user.SubscriptionStatus, user.EncryptionKey,
		now.Unix(), now.Unix(), now.Unix())
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// GetUser looks up a user by id.
func (s *Store) GetUser(ctx context.Context, userID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, selectUser+` WHERE id = ?`, userID))
}

func (s *Store) userByOAuth(ctx context.Context, provider, oauthID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		selectUser+` WHERE oauth_provider = ? AND oauth_id = ?`, provider, oauthID))
}

func (s *Store) userByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		selectUser+` WHERE email = ? ORDER BY created_at LIMIT 1`, email))
}

const selectUser = `
	SELECT id, oauth_provider, oauth_id, COALESCE(email, ''),
		subscription_status, subscription_ends_at, encryption_key,
		quota_used, quota_period_start, created_at
	FROM users`

func (s *Store) scanUser(row *sql.Row) (User, error) {
	var user User
	var endsAt sql.NullInt64
	var periodStart, createdAt int64
	err := row.Scan(&user.ID, &user.OAuthProvider, &user.OAuthID, &user.Email,
		&user.SubscriptionStatus, &endsAt, &user.EncryptionKey,
		&user.QuotaUsed, &periodStart, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	if endsAt.Valid {
		t := time.Unix(endsAt.Int64, 0)
		user.SubscriptionEndsAt = &t
	}
	user.QuotaPeriodStart = time.Unix(periodStart, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	return user, nil
}

// GetQuota computes the user's current quota view, applying any pending
// period reset read-only.
func (s *Store) GetQuota(ctx context.Context, userID string) (Snapshot, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot, _ := s.computeSnapshot(user)
	return snapshot, nil
}

// IncrementQuota charges count messages against the user's allowance,
// resetting the period first when it has rolled over, and returns the
// post-increment view.
func (s *Store) IncrementQuota(ctx context.Context, userID string, count int) (Snapshot, error) {
	if count < 1 {
		return Snapshot{}, fmt.Errorf("quota increment must be >=1, got %d", count)
	}
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}

	now := s.now()
	_, needsReset := s.computeSnapshot(user)
	if needsReset {
		user.QuotaUsed = 0
		user.QuotaPeriodStart = now
	}
	user.QuotaUsed += count

	_, err = s.db.ExecContext(ctx, `
		UPDATE users SET quota_used = ?, quota_period_start = ?, updated_at = ?
		WHERE id = ?`,
		user.QuotaUsed, user.QuotaPeriodStart.Unix(), now.Unix(), user.ID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("increment quota: %w", err)
	}
	snapshot, _ := s.computeSnapshot(user)
	return snapshot, nil
}

// SetSubscription updates the subscription status, used when billing state
// changes out of band.
func (s *Store) SetSubscription(ctx context.Context, userID, status string, endsAt *time.Time) error {
	var ends any
	if endsAt != nil {
		ends = endsAt.Unix()
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET subscription_status = ?, subscription_ends_at = ?, updated_at = ?
		WHERE id = ?`,
		status, ends, s.now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("set subscription: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// computeSnapshot derives the quota view and whether the stored period has
// rolled over. Paid periods align with the billing cycle; free periods roll
// every PeriodDays from the stored start.
func (s *Store) computeSnapshot(user User) (Snapshot, bool) {
	now := s.now()
	isPaid := user.Paid(now)

	limit := FreeTierQuota
	if isPaid {
		limit = PaidTierQuota
	}

	var periodEnd time.Time
	if isPaid && user.SubscriptionEndsAt != nil {
		periodEnd = *user.SubscriptionEndsAt
	} else {
		periodEnd = user.QuotaPeriodStart.AddDate(0, 0, PeriodDays)
	}

	used := user.QuotaUsed
	needsReset := now.After(periodEnd)
	if needsReset {
		used = 0
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		Used:         used,
		Limit:        limit,
		Remaining:    remaining,
		PeriodEndsAt: periodEnd,
		IsPaid:       isPaid,
	}, needsReset
}

func newEncryptionKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(err)
	}
	return hex.EncodeToString(raw)
}

func nullable(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
