package storage

import (
	"context"
	"testing"
	"time"

	"lendbot/pkg/logx"
)

func nopLogger() logx.Logger { return logx.Nop() }

func TestMemoryUserLifecycle(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	defer st.Close()

	if err := st.UpsertUser(ctx, UserState{UserID: "u1", ChatUserID: "c1", ChatUsername: "jdoe"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	got, ok, err := st.GetUser(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("GetUser: ok=%v err=%v", ok, err)
	}
	if got.DMReady || got.DMChannelID != "" {
		t.Fatalf("fresh user must not be DM-ready: %+v", got)
	}

	got, ok, err = st.GetUserByChatID(ctx, "c1")
	if err != nil || !ok || got.UserID != "u1" {
		t.Fatalf("GetUserByChatID: %+v ok=%v err=%v", got, ok, err)
	}

	changed, err := st.MarkDMReady(ctx, "c1", "dm-chan")
	if err != nil || !changed {
		t.Fatalf("MarkDMReady: changed=%v err=%v", changed, err)
	}
	// Second transition is a no-op by either reference.
	changed, err = st.MarkDMReady(ctx, "u1", "other-chan")
	if err != nil || changed {
		t.Fatalf("MarkDMReady repeat: changed=%v err=%v", changed, err)
	}
	got, _, _ = st.GetUser(ctx, "u1")
	if !got.DMReady || got.DMChannelID != "dm-chan" {
		t.Fatalf("readiness state: %+v", got)
	}

	// Upsert refreshes identity without clearing readiness.
	if err := st.UpsertUser(ctx, UserState{UserID: "u1", ChatUserID: "c1", ChatUsername: "renamed"}); err != nil {
		t.Fatalf("UpsertUser refresh: %v", err)
	}
	got, _, _ = st.GetUser(ctx, "u1")
	if !got.DMReady || got.DMChannelID != "dm-chan" || got.ChatUsername != "renamed" {
		t.Fatalf("upsert clobbered readiness: %+v", got)
	}

	if err := st.SetLastNotification(ctx, "u1", "post-9"); err != nil {
		t.Fatalf("SetLastNotification: %v", err)
	}
	got, _, _ = st.GetUser(ctx, "u1")
	if got.LastNotificationID != "post-9" {
		t.Fatalf("LastNotificationID = %q", got.LastNotificationID)
	}

	ready, err := st.ListDMReady(ctx)
	if err != nil || len(ready) != 1 || ready[0].UserID != "u1" {
		t.Fatalf("ListDMReady: %+v err=%v", ready, err)
	}
}

func TestMemoryMarkDMReadyUnknownUser(t *testing.T) {
	st := NewMemory()
	defer st.Close()
	changed, err := st.MarkDMReady(context.Background(), "nobody", "ch")
	if err != nil || changed {
		t.Fatalf("unknown user: changed=%v err=%v", changed, err)
	}
}

func TestMemorySentLedger(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	defer st.Close()

	key := SentKey{Action: "BORROW", RequestID: "r1", UserID: "u1"}
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ttl := time.Hour

	ins, err := st.InsertSent(ctx, key, now, ttl)
	if err != nil || !ins {
		t.Fatalf("first insert: ins=%v err=%v", ins, err)
	}
	ins, err = st.InsertSent(ctx, key, now.Add(time.Minute), ttl)
	if err != nil || ins {
		t.Fatalf("duplicate insert within TTL: ins=%v err=%v", ins, err)
	}
	has, err := st.HasSent(ctx, key, now.Add(30*time.Minute))
	if err != nil || !has {
		t.Fatalf("HasSent live: has=%v err=%v", has, err)
	}
	has, err = st.HasSent(ctx, key, now.Add(ttl))
	if err != nil || has {
		t.Fatalf("HasSent at expiry: has=%v err=%v", has, err)
	}

	// Expired record is reclaimable without a sweep.
	ins, err = st.InsertSent(ctx, key, now.Add(2*time.Hour), ttl)
	if err != nil || !ins {
		t.Fatalf("insert over expired: ins=%v err=%v", ins, err)
	}
}

func TestMemorySweepSent(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	defer st.Close()

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	live := SentKey{Action: "BORROW", RequestID: "live", UserID: "u1"}
	dead := SentKey{Action: "RETURN", RequestID: "dead", UserID: "u1"}
	if _, err := st.InsertSent(ctx, live, now, time.Hour); err != nil {
		t.Fatalf("insert live: %v", err)
	}
	if _, err := st.InsertSent(ctx, dead, now.Add(-2*time.Hour), time.Hour); err != nil {
		t.Fatalf("insert dead: %v", err)
	}

	n, err := st.SweepSent(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("SweepSent: n=%d err=%v", n, err)
	}
	// Live record survives the sweep.
	has, err := st.HasSent(ctx, live, now)
	if err != nil || !has {
		t.Fatalf("live record swept: has=%v err=%v", has, err)
	}
	// Sweep is idempotent.
	n, err = st.SweepSent(ctx, now)
	if err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
}

func TestMemoryClosed(t *testing.T) {
	st := NewMemory()
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := st.GetUser(context.Background(), "u1"); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	st, err := Open(Config{Driver: "memory"}, nopLogger())
	if err != nil {
		t.Fatalf("Open memory: %v", err)
	}
	_ = st.Close()

	if _, err := Open(Config{Driver: "etcd"}, nopLogger()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
