package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"lendbot/pkg/logx"
)

var ErrClosed = errors.New("storage closed")

// Config selects and configures a storage driver.
type Config struct {
	Driver      string
	Path        string        // sqlite file path
	DSN         string        // postgres connection string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// UserState is one user's notification record.
//
// Invariant: DMChannelID is non-empty iff DMReady is true. The readiness flag
// is monotonic through this layer: MarkDMReady never un-sets it and UpsertUser
// never clears it.
type UserState struct {
	UserID             string
	ChatUserID         string
	ChatUsername       string
	DMReady            bool
	DMChannelID        string
	LastNotificationID string
}

// SentKey identifies one deliverable notification.
type SentKey struct {
	Action    string
	RequestID string
	UserID    string
}

// Store is the persistence API shared by the readiness store and the ledger.
// Implementations must be safe for concurrent use by multiple writers.
type Store interface {
	GetUser(ctx context.Context, userID string) (UserState, bool, error)
	GetUserByChatID(ctx context.Context, chatUserID string) (UserState, bool, error)

	// UpsertUser creates or refreshes the identity fields of a record.
	// It never touches DMReady, DMChannelID, or LastNotificationID.
	UpsertUser(ctx context.Context, st UserState) error

	// MarkDMReady flips the readiness flag for the user whose userID or
	// chatUserID equals ref. Returns false (no error) when the user is
	// already ready or unknown.
	MarkDMReady(ctx context.Context, ref, dmChannelID string) (bool, error)

	SetLastNotification(ctx context.Context, userID, notificationID string) error
	ListDMReady(ctx context.Context) ([]UserState, error)

	// InsertSent records a delivery with insert-if-absent semantics.
	// Returns false when a live record already exists for the key.
	InsertSent(ctx context.Context, key SentKey, now time.Time, ttl time.Duration) (bool, error)
	HasSent(ctx context.Context, key SentKey, now time.Time) (bool, error)

	// SweepSent deletes records whose expiry has passed and reports how many.
	SweepSent(ctx context.Context, now time.Time) (int, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
