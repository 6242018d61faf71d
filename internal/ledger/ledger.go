// Package ledger provides time-bounded delivery dedup records keyed by
// (action, request id, user id), with a periodic sweep of expired entries.
package ledger

import (
	"context"
	"time"

	"lendbot/internal/domain"
	"lendbot/internal/storage"
	"lendbot/pkg/logx"
)

const (
	DefaultTTL           = time.Hour
	DefaultSweepInterval = 5 * time.Minute
)

type Ledger struct {
	st  storage.Store
	log logx.Logger
	ttl time.Duration

	now func() time.Time
}

type Option func(*Ledger)

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(st storage.Store, ttl time.Duration, log logx.Logger, opts ...Option) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Ledger{st: st, log: log, ttl: ttl, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

func key(action domain.Action, requestID, userID string) storage.SentKey {
	return storage.SentKey{Action: string(action), RequestID: requestID, UserID: userID}
}

// HasBeenSent reports whether a live record exists for the key.
func (l *Ledger) HasBeenSent(ctx context.Context, action domain.Action, requestID, userID string) (bool, error) {
	return l.st.HasSent(ctx, key(action, requestID, userID), l.now())
}

// RecordSent inserts a record with TTL-based expiry. The bool reports whether
// this call created the record; false means a live record already existed.
// Callers must not rely on double-insert semantics.
func (l *Ledger) RecordSent(ctx context.Context, action domain.Action, requestID, userID string) (bool, error) {
	inserted, err := l.st.InsertSent(ctx, key(action, requestID, userID), l.now(), l.ttl)
	if err != nil {
		return false, err
	}
	if !inserted {
		l.log.Debug("duplicate ledger insert ignored",
			logx.String("action", string(action)),
			logx.String("request", requestID),
			logx.String("user", userID))
	}
	return inserted, nil
}

// SweepExpired deletes all records whose expiry has passed. Idempotent and
// side-effect-free when nothing has expired.
func (l *Ledger) SweepExpired(ctx context.Context) (int, error) {
	n, err := l.st.SweepSent(ctx, l.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.log.Debug("swept expired ledger records", logx.Int("count", n))
	}
	return n, nil
}

// TTL returns the configured record lifetime.
func (l *Ledger) TTL() time.Duration { return l.ttl }
