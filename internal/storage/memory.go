package storage

import (
	"context"
	"sync"
	"time"
)

// memoryStore keeps everything in process-local maps.
// Suitable for tests and development; dedup does not survive restarts.
type memoryStore struct {
	mu     sync.RWMutex
	users  map[string]UserState // by userID
	byChat map[string]string    // chatUserID -> userID
	sent   map[SentKey]time.Time
	closed bool
}

func NewMemory() Store {
	return &memoryStore{
		users:  map[string]UserState{},
		byChat: map[string]string{},
		sent:   map[SentKey]time.Time{},
	}
}

func (m *memoryStore) GetUser(_ context.Context, userID string) (UserState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return UserState{}, false, ErrClosed
	}
	st, ok := m.users[userID]
	return st, ok, nil
}

func (m *memoryStore) GetUserByChatID(_ context.Context, chatUserID string) (UserState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return UserState{}, false, ErrClosed
	}
	id, ok := m.byChat[chatUserID]
	if !ok {
		return UserState{}, false, nil
	}
	st, ok := m.users[id]
	return st, ok, nil
}

func (m *memoryStore) UpsertUser(_ context.Context, st UserState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cur, ok := m.users[st.UserID]
	if ok {
		// Refresh identity only; readiness and delivery bookkeeping stay.
		cur.ChatUserID = st.ChatUserID
		cur.ChatUsername = st.ChatUsername
	} else {
		cur = UserState{
			UserID:       st.UserID,
			ChatUserID:   st.ChatUserID,
			ChatUsername: st.ChatUsername,
		}
	}
	m.users[st.UserID] = cur
	if cur.ChatUserID != "" {
		m.byChat[cur.ChatUserID] = cur.UserID
	}
	return nil
}

func (m *memoryStore) MarkDMReady(_ context.Context, ref, dmChannelID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	id := ref
	if _, ok := m.users[id]; !ok {
		id = m.byChat[ref]
	}
	st, ok := m.users[id]
	if !ok || st.DMReady {
		return false, nil
	}
	st.DMReady = true
	st.DMChannelID = dmChannelID
	m.users[id] = st
	return true, nil
}

func (m *memoryStore) SetLastNotification(_ context.Context, userID, notificationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	st, ok := m.users[userID]
	if !ok {
		return nil
	}
	st.LastNotificationID = notificationID
	m.users[userID] = st
	return nil
}

func (m *memoryStore) ListDMReady(_ context.Context) ([]UserState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []UserState
	for _, st := range m.users {
		if st.DMReady {
			out = append(out, st)
		}
	}
	return out, nil
}

func (m *memoryStore) InsertSent(_ context.Context, key SentKey, now time.Time, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if exp, ok := m.sent[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.sent[key] = now.Add(ttl)
	return true, nil
}

func (m *memoryStore) HasSent(_ context.Context, key SentKey, now time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	exp, ok := m.sent[key]
	return ok && now.Before(exp), nil
}

func (m *memoryStore) SweepSent(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	n := 0
	for k, exp := range m.sent {
		if !now.Before(exp) {
			delete(m.sent, k)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
