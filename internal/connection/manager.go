// Package connection owns the single persistent event-stream connection to
// the chat platform: handshake, hello acknowledgment, event ingestion, and
// reconnection with linear capped backoff and a bounded retry budget.
//
// Events are read and handled on one goroutine, so per-connection ordering
// is preserved without extra synchronization.
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"lendbot/internal/chat"
	"lendbot/internal/eventbus"
	"lendbot/internal/message"
	"lendbot/internal/readiness"
	rtsup "lendbot/internal/runtime/supervisor"
	"lendbot/pkg/logx"
)

const backoffCapFactor = 5

// ErrRetriesExhausted is recorded when the reconnect budget runs out.
// This is fatal: it requires external intervention (process restart).
var ErrRetriesExhausted = errors.New("connection: reconnect attempts exhausted")

type Config struct {
	// BaseInterval is the backoff unit. delay = BaseInterval * min(attempts, 5).
	BaseInterval time.Duration
	// MaxAttempts is the reconnect budget before the manager goes Failed.
	MaxAttempts int
}

// WelcomeNotice is published on the event bus when a user turns DM-ready.
type WelcomeNotice struct {
	UserID      string `json:"user_id"`
	ChatUserID  string `json:"chat_user_id"`
	DMChannelID string `json:"dm_channel_id"`
	WelcomeSent bool   `json:"welcome_sent"`
}

type Manager struct {
	cfg    Config
	dialer chat.EventDialer
	gw     chat.Gateway
	users  *readiness.Store
	bus    eventbus.Bus
	log    logx.Logger

	mu       sync.Mutex
	state    State
	attempts int
	bot      chat.User
	botKnown bool
	sup      *rtsup.Supervisor
}

func NewManager(cfg Config, dialer chat.EventDialer, gw chat.Gateway, users *readiness.Store, bus eventbus.Bus, log logx.Logger) *Manager {
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		gw:     gw,
		users:  users,
		bus:    bus,
		log:    log,
		state:  StateDisconnected,
	}
}

// Start launches the connection loop. It is idempotent while running.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.sup != nil {
		m.mu.Unlock()
		return
	}
	m.sup = rtsup.New(ctx, rtsup.WithLogger(m.log.With(logx.String("comp", "connection"))))
	sup := m.sup
	m.mu.Unlock()

	sup.Go0("stream.run", m.run)
}

// Stop cancels the loop, including any pending reconnect timer, and waits
// until it has exited or ctx expires.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	sup := m.sup
	m.sup = nil
	m.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	m.setState(StateDisconnected)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:             m.state,
		Connected:         m.state == StateConnected,
		ReconnectAttempts: m.attempts,
		BotID:             m.bot.ID,
	}
}

// BotIdentity returns the cached bot account (zero value until resolved).
func (m *Manager) BotIdentity() chat.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bot
}

// CachedIdentity adapts the cached bot account to the dispatcher's identity
// seam. While the account is unresolved it resolves through the gateway and
// caches, so a DM delivery never pays the lookup twice per process.
func (m *Manager) CachedIdentity() func(ctx context.Context) (chat.User, error) {
	return func(ctx context.Context) (chat.User, error) {
		m.mu.Lock()
		known := m.botKnown
		u := m.bot
		m.mu.Unlock()
		if known {
			return u, nil
		}
		if err := m.ensureIdentity(ctx); err != nil {
			return chat.User{}, err
		}
		return m.BotIdentity(), nil
	}
}

func (m *Manager) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}

		m.setState(StateConnecting)
		if err := m.ensureIdentity(ctx); err != nil {
			m.log.Warn("bot identity resolution failed", logx.Err(err))
			if !m.backoff(ctx) {
				return
			}
			continue
		}

		conn, err := m.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.setState(StateDisconnected)
				return
			}
			m.log.Warn("stream dial failed", logx.Err(err))
			if !m.backoff(ctx) {
				return
			}
			continue
		}

		// The auth challenge went out with the dial; the connection is not
		// usable until the hello acknowledgment arrives.
		m.setState(StateAuthenticating)
		err = m.serve(ctx, conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return
		}
		m.log.Warn("stream closed", logx.Err(err))
		if !m.backoff(ctx) {
			return
		}
	}
}

// ensureIdentity resolves and caches the bot's own account once per process.
// The id is needed to ignore self-authored events.
func (m *Manager) ensureIdentity(ctx context.Context) error {
	m.mu.Lock()
	known := m.botKnown
	m.mu.Unlock()
	if known {
		return nil
	}
	u, err := m.gw.BotIdentity(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.bot = u
	m.botKnown = true
	m.mu.Unlock()
	m.log.Info("bot identity resolved", logx.String("bot_id", u.ID), logx.String("username", u.Username))
	return nil
}

// serve waits for the hello acknowledgment, then ingests events until the
// connection dies. Malformed frames (heartbeats, pings) are skipped silently.
func (m *Manager) serve(ctx context.Context, conn chat.EventConn) error {
	for {
		ev, err := conn.ReadEvent(ctx)
		if errors.Is(err, chat.ErrMalformedEvent) {
			continue
		}
		if err != nil {
			return err
		}
		if ev.Type == chat.EventHello {
			m.connected()
			break
		}
		// Anything before hello is not trusted; drop it.
	}

	for {
		ev, err := conn.ReadEvent(ctx)
		if errors.Is(err, chat.ErrMalformedEvent) {
			continue
		}
		if err != nil {
			return err
		}
		m.handleEvent(ctx, ev)
	}
}

func (m *Manager) connected() {
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
	m.setState(StateConnected)
	m.log.Info("event stream connected")
}

// backoff increments the attempt counter and sleeps the scheduled delay.
// Returns false when the budget is exhausted (Failed, terminal) or the
// context was canceled (Disconnected).
func (m *Manager) backoff(ctx context.Context) bool {
	m.mu.Lock()
	m.attempts++
	attempts := m.attempts
	max := m.cfg.MaxAttempts
	base := m.cfg.BaseInterval
	m.mu.Unlock()

	// Exhaustion still routes through Reconnecting so observers see the
	// final attempt before the terminal transition.
	m.setState(StateReconnecting)
	if attempts >= max {
		m.setState(StateFailed)
		m.log.Error("giving up on event stream", logx.Int("attempts", attempts), logx.Err(ErrRetriesExhausted))
		return false
	}

	delay := backoffDelay(base, attempts)
	m.log.Info("reconnect scheduled", logx.Int("attempt", attempts), logx.Duration("delay", delay))

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		m.setState(StateDisconnected)
		return false
	case <-t.C:
		return true
	}
}

// backoffDelay is the reconnect schedule: base, 2*base, and so on, capped
// at backoffCapFactor*base.
func backoffDelay(base time.Duration, attempts int) time.Duration {
	factor := attempts
	if factor < 1 {
		factor = 1
	}
	if factor > backoffCapFactor {
		factor = backoffCapFactor
	}
	return base * time.Duration(factor)
}

func (m *Manager) setState(to State) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	attempts := m.attempts
	m.mu.Unlock()

	m.log.Debug("connection state", logx.String("from", from.String()), logx.String("to", to.String()))
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{
			Type: eventbus.TypeConnState,
			Data: StateChange{From: from, To: to, Attempts: attempts},
		})
	}
}

// handleEvent reacts to inbound platform events. Only direct-channel posts
// authored by someone other than the bot are of interest: they prove the
// author can exchange DMs with us.
func (m *Manager) handleEvent(ctx context.Context, ev chat.Event) {
	if ev.Type != chat.EventPosted {
		return
	}
	if ev.Data.ChannelType != string(chat.ChannelDirect) {
		return
	}
	post, err := ev.DecodePost()
	if err != nil {
		return
	}
	m.mu.Lock()
	botID := m.bot.ID
	m.mu.Unlock()
	if post.UserID == "" || post.UserID == botID {
		return
	}

	st, ok, err := m.users.GetByChatUserID(ctx, post.UserID)
	if err != nil {
		m.log.Warn("readiness lookup failed", logx.String("chat_user", post.UserID), logx.Err(err))
		return
	}
	if !ok || st.DMReady {
		return
	}

	changed, err := m.users.MarkDMReady(ctx, post.UserID, post.ChannelID)
	if err != nil {
		m.log.Warn("readiness transition failed", logx.String("chat_user", post.UserID), logx.Err(err))
		return
	}
	if !changed {
		// A concurrent or redelivered event won the transition.
		return
	}

	// One-time welcome. Failure is logged, not retried, and does not roll
	// back the readiness transition.
	welcomeSent := true
	if _, err := m.gw.CreatePost(ctx, post.ChannelID, message.Welcome(st.ChatUsername)); err != nil {
		welcomeSent = false
		m.log.Warn("welcome message failed", logx.String("user", st.UserID), logx.Err(err))
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{
			Type: eventbus.TypeConnWelcome,
			Data: WelcomeNotice{
				UserID:      st.UserID,
				ChatUserID:  post.UserID,
				DMChannelID: post.ChannelID,
				WelcomeSent: welcomeSent,
			},
		})
	}
}
