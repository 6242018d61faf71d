package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"lendbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const userColumns = `user_id, chat_user_id, chat_username, dm_ready, dm_channel_id, last_notification_id`

func scanUser(row *sql.Row) (UserState, bool, error) {
	var st UserState
	var ready int
	err := row.Scan(&st.UserID, &st.ChatUserID, &st.ChatUsername, &ready, &st.DMChannelID, &st.LastNotificationID)
	if errors.Is(err, sql.ErrNoRows) {
		return UserState{}, false, nil
	}
	if err != nil {
		return UserState{}, false, err
	}
	st.DMReady = ready != 0
	return st, true, nil
}

func (s *sqliteStore) GetUser(ctx context.Context, userID string) (UserState, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM user_state WHERE user_id = ?`, userID)
	return scanUser(row)
}

func (s *sqliteStore) GetUserByChatID(ctx context.Context, chatUserID string) (UserState, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM user_state WHERE chat_user_id = ?`, chatUserID)
	return scanUser(row)
}

func (s *sqliteStore) UpsertUser(ctx context.Context, st UserState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_state(user_id, chat_user_id, chat_username) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   chat_user_id = excluded.chat_user_id,
		   chat_username = excluded.chat_username`,
		st.UserID, st.ChatUserID, st.ChatUsername,
	)
	return err
}

func (s *sqliteStore) MarkDMReady(ctx context.Context, ref, dmChannelID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user_state SET dm_ready = 1, dm_channel_id = ?
		 WHERE (user_id = ? OR chat_user_id = ?) AND dm_ready = 0`,
		dmChannelID, ref, ref,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) SetLastNotification(ctx context.Context, userID, notificationID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE user_state SET last_notification_id = ? WHERE user_id = ?`,
		notificationID, userID,
	)
	return err
}

func (s *sqliteStore) ListDMReady(ctx context.Context) ([]UserState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM user_state WHERE dm_ready = 1 ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserState
	for rows.Next() {
		var st UserState
		var ready int
		if err := rows.Scan(&st.UserID, &st.ChatUserID, &st.ChatUsername, &ready, &st.DMChannelID, &st.LastNotificationID); err != nil {
			return nil, err
		}
		st.DMReady = ready != 0
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) InsertSent(ctx context.Context, key SentKey, now time.Time, ttl time.Duration) (bool, error) {
	// Insert-if-absent; an expired row may be reclaimed in place so dedup
	// never depends on the sweep having run.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sent_ledger(action, request_id, user_id, created_at, expires_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(action, request_id, user_id) DO UPDATE SET
		   created_at = excluded.created_at,
		   expires_at = excluded.expires_at
		 WHERE sent_ledger.expires_at <= excluded.created_at`,
		key.Action, key.RequestID, key.UserID, now.UnixMilli(), now.Add(ttl).UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) HasSent(ctx context.Context, key SentKey, now time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sent_ledger
		 WHERE action = ? AND request_id = ? AND user_id = ? AND expires_at > ?`,
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

func (s *sqliteStore) SweepSent(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sent_ledger WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
