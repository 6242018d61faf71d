// Package readiness tracks which users can receive direct messages.
//
// A user becomes DM-ready when an inbound direct message from them is
// observed on the event stream. The flag is monotonic through this package:
// once ready, no event can un-set it.
package readiness

import (
	"context"
	"fmt"
	"strings"

	"lendbot/internal/storage"
	"lendbot/pkg/logx"
)

// UserState is re-exported so callers don't reach into storage directly.
type UserState = storage.UserState

type Store struct {
	st  storage.Store
	log logx.Logger
}

func New(st storage.Store, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{st: st, log: log}
}

func (s *Store) Get(ctx context.Context, userID string) (UserState, bool, error) {
	return s.st.GetUser(ctx, userID)
}

func (s *Store) GetByChatUserID(ctx context.Context, chatUserID string) (UserState, bool, error) {
	return s.st.GetUserByChatID(ctx, chatUserID)
}

// Upsert creates the record if absent and refreshes the chat identity fields.
// An existing DM-ready flag is never cleared by this call.
func (s *Store) Upsert(ctx context.Context, userID, chatUserID, chatUsername string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("readiness: empty user id")
	}
	return s.st.UpsertUser(ctx, UserState{
		UserID:       userID,
		ChatUserID:   chatUserID,
		ChatUsername: chatUsername,
	})
}

// MarkDMReady flips the readiness flag for the user identified by either the
// application user id or the chat-platform user id, recording the direct
// channel. It is a no-op (not an error) when the user is already ready, so
// duplicate event delivery is tolerated. The returned bool reports whether
// this call performed the transition.
func (s *Store) MarkDMReady(ctx context.Context, ref, dmChannelID string) (bool, error) {
	changed, err := s.st.MarkDMReady(ctx, ref, dmChannelID)
	if err != nil {
		return false, err
	}
	if changed {
		s.log.Info("user is now dm-ready", logx.String("user", ref), logx.String("channel", dmChannelID))
	}
	return changed, nil
}

func (s *Store) SetLastNotification(ctx context.Context, userID, notificationID string) error {
	return s.st.SetLastNotification(ctx, userID, notificationID)
}

// ListDMReady returns every user with a confirmed direct channel.
func (s *Store) ListDMReady(ctx context.Context) ([]UserState, error) {
	return s.st.ListDMReady(ctx)
}
