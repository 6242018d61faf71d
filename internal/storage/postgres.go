package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"lendbot/pkg/logx"
)

const postgresOpTimeout = 5 * time.Second

type postgresStore struct {
	db  *sql.DB
	log logx.Logger
}

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	st := &postgresStore{db: db, log: log}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOpTimeout)
	defer cancel()
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_state (
			user_id              TEXT PRIMARY KEY,
			chat_user_id         TEXT NOT NULL DEFAULT '',
			chat_username        TEXT NOT NULL DEFAULT '',
			dm_ready             BOOLEAN NOT NULL DEFAULT FALSE,
			dm_channel_id        TEXT NOT NULL DEFAULT '',
			last_notification_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user_state_chat_user ON user_state(chat_user_id)`,
		`CREATE TABLE IF NOT EXISTS sent_ledger (
			action     TEXT NOT NULL,
			request_id TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			PRIMARY KEY (action, request_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sent_ledger_expires ON sent_ledger(expires_at)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *postgresStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, postgresOpTimeout)
}

func (s *postgresStore) scanUser(row *sql.Row) (UserState, bool, error) {
	var st UserState
	err := row.Scan(&st.UserID, &st.ChatUserID, &st.ChatUsername, &st.DMReady, &st.DMChannelID, &st.LastNotificationID)
	if errors.Is(err, sql.ErrNoRows) {
		return UserState{}, false, nil
	}
	if err != nil {
		return UserState{}, false, err
	}
	return st, true, nil
}

func (s *postgresStore) GetUser(ctx context.Context, userID string) (UserState, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM user_state WHERE user_id = $1`, userID)
	return s.scanUser(row)
}

func (s *postgresStore) GetUserByChatID(ctx context.Context, chatUserID string) (UserState, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM user_state WHERE chat_user_id = $1`, chatUserID)
	return s.scanUser(row)
}

func (s *postgresStore) UpsertUser(ctx context.Context, st UserState) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_state(user_id, chat_user_id, chat_username) VALUES($1,$2,$3)
		 ON CONFLICT (user_id) DO UPDATE SET
		   chat_user_id = EXCLUDED.chat_user_id,
		   chat_username = EXCLUDED.chat_username`,
		st.UserID, st.ChatUserID, st.ChatUsername,
	)
	return err
}

func (s *postgresStore) MarkDMReady(ctx context.Context, ref, dmChannelID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_state SET dm_ready = TRUE, dm_channel_id = $1
		 WHERE (user_id = $2 OR chat_user_id = $2) AND NOT dm_ready`,
		dmChannelID, ref,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *postgresStore) SetLastNotification(ctx context.Context, userID, notificationID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_state SET last_notification_id = $1 WHERE user_id = $2`,
		notificationID, userID,
	)
	return err
}

func (s *postgresStore) ListDMReady(ctx context.Context) ([]UserState, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM user_state WHERE dm_ready ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserState
	for rows.Next() {
		var st UserState
		if err := rows.Scan(&st.UserID, &st.ChatUserID, &st.ChatUsername, &st.DMReady, &st.DMChannelID, &st.LastNotificationID); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *postgresStore) InsertSent(ctx context.Context, key SentKey, now time.Time, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sent_ledger(action, request_id, user_id, created_at, expires_at)
		 VALUES($1,$2,$3,$4,$5)
		 ON CONFLICT (action, request_id, user_id) DO UPDATE SET
		   created_at = EXCLUDED.created_at,
		   expires_at = EXCLUDED.expires_at
		 WHERE sent_ledger.expires_at <= EXCLUDED.created_at`,
		key.Action, key.RequestID, key.UserID, now.UnixMilli(), now.Add(ttl).UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *postgresStore) HasSent(ctx context.Context, key SentKey, now time.Time) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sent_ledger
		 WHERE action = $1 AND request_id = $2 AND user_id = $3 AND expires_at > $4`,
		key.Action, key.RequestID, key.UserID, now.UnixMilli(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *postgresStore) SweepSent(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sent_ledger WHERE expires_at <= $1`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
