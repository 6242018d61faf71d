package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"lendbot/internal/chat"
	"lendbot/internal/eventbus"
	"lendbot/internal/readiness"
	"lendbot/internal/storage"
	"lendbot/pkg/logx"
)

// scriptConn replays a fixed sequence of frames, then blocks until the
// context is canceled (or fails with finalErr when set).
type scriptConn struct {
	mu       sync.Mutex
	frames   []frame
	idx      int
	finalErr error
	closed   bool
}

type frame struct {
	ev  chat.Event
	err error
}

func (c *scriptConn) ReadEvent(ctx context.Context) (chat.Event, error) {
	c.mu.Lock()
	if c.idx < len(c.frames) {
		f := c.frames[c.idx]
		c.idx++
		c.mu.Unlock()
		return f.ev, f.err
	}
	final := c.finalErr
	c.mu.Unlock()
	if final != nil {
		return chat.Event{}, final
	}
	<-ctx.Done()
	return chat.Event{}, ctx.Err()
}

func (c *scriptConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// scriptDialer hands out scripted connections, one per dial, and fails once
// the script runs out.
type scriptDialer struct {
	mu    sync.Mutex
	dials []dialResult
	idx   int
	calls int
}

type dialResult struct {
	conn *scriptConn
	err  error
}

func (d *scriptDialer) Dial(context.Context) (chat.EventConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.idx >= len(d.dials) {
		return nil, fmt.Errorf("dial: %w", chat.ErrTransient)
	}
	r := d.dials[d.idx]
	d.idx++
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}

func (d *scriptDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// connGateway implements chat.Gateway; only BotIdentity and CreatePost
// matter to the connection manager.
type connGateway struct {
	mu        sync.Mutex
	bot       chat.User
	botErr    error
	botCalls  int
	posts     []chat.Post
	postErr   error
	idCounter int
}

func (g *connGateway) BotIdentity(context.Context) (chat.User, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.botCalls++
	if g.botErr != nil {
		return chat.User{}, g.botErr
	}
	return g.bot, nil
}

func (g *connGateway) botCallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.botCalls
}

func (g *connGateway) setBotErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.botErr = err
}

func (g *connGateway) CreatePost(_ context.Context, channelID, msg string) (chat.Post, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.postErr != nil {
		return chat.Post{}, g.postErr
	}
	g.idCounter++
	p := chat.Post{ID: fmt.Sprintf("w-%d", g.idCounter), ChannelID: channelID, Message: msg}
	g.posts = append(g.posts, p)
	return p, nil
}

func (g *connGateway) postCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.posts)
}

func (g *connGateway) ResolveUserByUsername(context.Context, string) (chat.User, error) {
	return chat.User{}, chat.ErrNotFound
}
func (g *connGateway) IsChannelMember(context.Context, string, string) (bool, error) {
	return false, nil
}
func (g *connGateway) AddChannelMember(context.Context, string, string) error { return nil }
func (g *connGateway) GetOrCreateDirectChannel(context.Context, string, string) (chat.Channel, error) {
	return chat.Channel{}, nil
}

func helloFrame() frame {
	return frame{ev: chat.Event{Type: chat.EventHello}}
}

func postedFrame(t *testing.T, chatUserID, channelID string) frame {
	t.Helper()
	b, err := json.Marshal(chat.Post{ID: "p-" + chatUserID, ChannelID: channelID, UserID: chatUserID, Message: "hi"})
	if err != nil {
		t.Fatalf("marshal post: %v", err)
	}
	return frame{ev: chat.Event{
		Type: chat.EventPosted,
		Data: chat.EventData{ChannelType: string(chat.ChannelDirect), Post: string(b)},
	}}
}

func waitForState(t *testing.T, events <-chan eventbus.Event, want State) StateChange {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type != eventbus.TypeConnState {
				continue
			}
			sc, ok := ev.Data.(StateChange)
			if !ok {
				t.Fatalf("unexpected payload %T", ev.Data)
			}
			if sc.To == want {
				return sc
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func newConnEnv(t *testing.T, cfg Config, dialer chat.EventDialer, gw chat.Gateway) (*Manager, *readiness.Store, <-chan eventbus.Event) {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	users := readiness.New(st, logx.Nop())
	bus := eventbus.New()
	events, unsub := bus.Subscribe(128)
	t.Cleanup(unsub)
	m := NewManager(cfg, dialer, gw, users, bus, logx.Nop())
	return m, users, events
}

func TestManagerConnectsOnHello(t *testing.T) {
	conn := &scriptConn{frames: []frame{helloFrame()}}
	dialer := &scriptDialer{dials: []dialResult{{conn: conn}}}
	gw := &connGateway{bot: chat.User{ID: "bot-1", Username: "lendbot", IsBot: true}}
	m, _, events := newConnEnv(t, Config{BaseInterval: time.Millisecond, MaxAttempts: 3}, dialer, gw)

	m.Start(context.Background())
	defer func() { _ = m.Stop(context.Background()) }()

	waitForState(t, events, StateConnecting)
	waitForState(t, events, StateAuthenticating)
	waitForState(t, events, StateConnected)

	st := m.Status()
	if !st.Connected || st.State != StateConnected {
		t.Fatalf("Status after hello: %+v", st)
	}
	if st.ReconnectAttempts != 0 {
		t.Fatalf("attempts = %d after clean connect", st.ReconnectAttempts)
	}
	if st.BotID != "bot-1" {
		t.Fatalf("bot id = %q", st.BotID)
	}
}

func TestManagerRetriesThenConnects(t *testing.T) {
	conn := &scriptConn{frames: []frame{helloFrame()}}
	dialer := &scriptDialer{dials: []dialResult{
		{err: fmt.Errorf("refused: %w", chat.ErrTransient)},
		{err: fmt.Errorf("refused: %w", chat.ErrTransient)},
		{conn: conn},
	}}
	gw := &connGateway{bot: chat.User{ID: "bot-1"}}
	m, _, events := newConnEnv(t, Config{BaseInterval: time.Millisecond, MaxAttempts: 10}, dialer, gw)

	m.Start(context.Background())
	defer func() { _ = m.Stop(context.Background()) }()

	sc := waitForState(t, events, StateReconnecting)
	if sc.Attempts != 1 {
		t.Fatalf("first reconnect carries attempts=%d", sc.Attempts)
	}
	waitForState(t, events, StateConnected)

	if got := dialer.dialCount(); got != 3 {
		t.Fatalf("dial count = %d, want 3", got)
	}
	// Connecting resets the budget.
	if st := m.Status(); st.ReconnectAttempts != 0 {
		t.Fatalf("attempts not reset: %+v", st)
	}
}

func TestManagerFailsAfterRetryBudget(t *testing.T) {
	dialer := &scriptDialer{} // every dial fails
	gw := &connGateway{bot: chat.User{ID: "bot-1"}}
	m, _, events := newConnEnv(t, Config{BaseInterval: time.Millisecond, MaxAttempts: 3}, dialer, gw)

	m.Start(context.Background())
	defer func() { _ = m.Stop(context.Background()) }()

	// Every attempt, the exhausting one included, passes through
	// Reconnecting before the terminal Failed transition.
	for want := 1; want <= 3; want++ {
		sc := waitForState(t, events, StateReconnecting)
		if sc.Attempts != want {
			t.Fatalf("reconnect transition carried attempts=%d, want %d", sc.Attempts, want)
		}
	}
	waitForState(t, events, StateFailed)
	st := m.Status()
	if st.State != StateFailed || st.Connected {
		t.Fatalf("Status after exhaustion: %+v", st)
	}
	if st.ReconnectAttempts != 3 {
		t.Fatalf("attempts = %d, want 3", st.ReconnectAttempts)
	}
	// Terminal: no further dials happen.
	n := dialer.dialCount()
	time.Sleep(20 * time.Millisecond)
	if dialer.dialCount() != n {
		t.Fatalf("manager kept dialing after Failed")
	}
}

func TestManagerStopCancelsPendingReconnect(t *testing.T) {
	dialer := &scriptDialer{} // fails, scheduling a 1h backoff
	gw := &connGateway{bot: chat.User{ID: "bot-1"}}
	m, _, events := newConnEnv(t, Config{BaseInterval: time.Hour, MaxAttempts: 5}, dialer, gw)

	m.Start(context.Background())
	waitForState(t, events, StateReconnecting)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Stop waited out the reconnect timer")
	}
	if st := m.Status(); st.State != StateDisconnected {
		t.Fatalf("state after Stop: %+v", st)
	}
}

func TestManagerDropsFramesBeforeHello(t *testing.T) {
	// A posted event arriving before the hello ack must not be trusted.
	conn := &scriptConn{frames: []frame{
		postedFrame(t, "chat-1", "dm-1"),
		{err: chat.ErrMalformedEvent},
		helloFrame(),
	}}
	dialer := &scriptDialer{dials: []dialResult{{conn: conn}}}
	gw := &connGateway{bot: chat.User{ID: "bot-1"}}
	m, users, events := newConnEnv(t, Config{BaseInterval: time.Millisecond, MaxAttempts: 3}, dialer, gw)

	ctx := context.Background()
	if err := users.Upsert(ctx, "u1", "chat-1", "jdoe"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	m.Start(ctx)
	defer func() { _ = m.Stop(context.Background()) }()
	waitForState(t, events, StateConnected)

	st, _, err := users.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st.DMReady {
		t.Fatalf("pre-hello event flipped readiness")
	}
}

func TestManagerMarksUserDMReadyAndWelcomesOnce(t *testing.T) {
	conn := &scriptConn{frames: []frame{
		helloFrame(),
		{err: chat.ErrMalformedEvent},                  // heartbeat noise
		{ev: chat.Event{Type: chat.EventDirectAdded}},  // ignored kind
		postedFrame(t, "bot-1", "dm-0"),                // own post, ignored
		postedFrame(t, "chat-unknown", "dm-x"),         // unknown user, ignored
		postedFrame(t, "chat-1", "dm-1"),               // readiness flip
		postedFrame(t, "chat-1", "dm-1"),               // duplicate, no second welcome
	}}
	dialer := &scriptDialer{dials: []dialResult{{conn: conn}}}
	gw := &connGateway{bot: chat.User{ID: "bot-1", Username: "lendbot"}}
	m, users, events := newConnEnv(t, Config{BaseInterval: time.Millisecond, MaxAttempts: 3}, dialer, gw)

	ctx := context.Background()
	if err := users.Upsert(ctx, "u1", "chat-1", "jdoe"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	m.Start(ctx)
	defer func() { _ = m.Stop(context.Background()) }()

	// The welcome notice signals the whole script up to the flip ran.
	deadline := time.After(5 * time.Second)
	var notice WelcomeNotice
	for {
		var ev eventbus.Event
		select {
		case ev = <-events:
		case <-deadline:
			t.Fatalf("no welcome notice")
		}
		if ev.Type != eventbus.TypeConnWelcome {
			continue
		}
		var ok bool
		notice, ok = ev.Data.(WelcomeNotice)
		if !ok {
			t.Fatalf("unexpected payload %T", ev.Data)
		}
		break
	}
	if notice.UserID != "u1" || notice.ChatUserID != "chat-1" || notice.DMChannelID != "dm-1" || !notice.WelcomeSent {
		t.Fatalf("welcome notice: %+v", notice)
	}

	st, _, err := users.Get(ctx, "u1")
	if err != nil || !st.DMReady || st.DMChannelID != "dm-1" {
		t.Fatalf("readiness: %+v err=%v", st, err)
	}

	// Give the duplicate frame time to be handled, then confirm one welcome.
	time.Sleep(50 * time.Millisecond)
	if n := gw.postCount(); n != 1 {
		t.Fatalf("welcome posted %d times", n)
	}
}

func TestManagerWelcomeFailureKeepsReadiness(t *testing.T) {
	conn := &scriptConn{frames: []frame{
		helloFrame(),
		postedFrame(t, "chat-1", "dm-1"),
	}}
	dialer := &scriptDialer{dials: []dialResult{{conn: conn}}}
	gw := &connGateway{
		bot:     chat.User{ID: "bot-1"},
		postErr: fmt.Errorf("post: %w", chat.ErrTransient),
	}
	m, users, events := newConnEnv(t, Config{BaseInterval: time.Millisecond, MaxAttempts: 3}, dialer, gw)

	ctx := context.Background()
	if err := users.Upsert(ctx, "u1", "chat-1", "jdoe"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	m.Start(ctx)
	defer func() { _ = m.Stop(context.Background()) }()

	deadline := time.After(5 * time.Second)
	for {
		var ev eventbus.Event
		select {
		case ev = <-events:
		case <-deadline:
			t.Fatalf("no welcome notice")
		}
		if ev.Type != eventbus.TypeConnWelcome {
			continue
		}
		notice := ev.Data.(WelcomeNotice)
		if notice.WelcomeSent {
			t.Fatalf("welcome reported as sent: %+v", notice)
		}
		break
	}

	// Readiness is not rolled back by the welcome failure.
	st, _, err := users.Get(ctx, "u1")
	if err != nil || !st.DMReady {
		t.Fatalf("readiness rolled back: %+v err=%v", st, err)
	}
}

func TestManagerReconnectsWhenStreamDies(t *testing.T) {
	first := &scriptConn{
		frames:   []frame{helloFrame()},
		finalErr: fmt.Errorf("reset: %w", chat.ErrTransient),
	}
	second := &scriptConn{frames: []frame{helloFrame()}}
	dialer := &scriptDialer{dials: []dialResult{{conn: first}, {conn: second}}}
	gw := &connGateway{bot: chat.User{ID: "bot-1"}}
	m, _, events := newConnEnv(t, Config{BaseInterval: time.Millisecond, MaxAttempts: 5}, dialer, gw)

	m.Start(context.Background())
	defer func() { _ = m.Stop(context.Background()) }()

	waitForState(t, events, StateConnected)
	waitForState(t, events, StateReconnecting)
	waitForState(t, events, StateConnected)

	if got := dialer.dialCount(); got != 2 {
		t.Fatalf("dial count = %d, want 2", got)
	}
	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if !closed {
		t.Fatalf("dead connection was not closed")
	}
}

func TestBackoffDelaySchedule(t *testing.T) {
	base := 5 * time.Second
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 15 * time.Second},
		{5, 25 * time.Second},
		{8, 25 * time.Second}, // capped at base*5
	}
	for _, c := range cases {
		if got := backoffDelay(base, c.attempts); got != c.want {
			t.Fatalf("attempt %d: delay %v, want %v", c.attempts, got, c.want)
		}
	}
	if got := backoffDelay(base, 0); got != base {
		t.Fatalf("attempt 0: delay %v, want base %v", got, base)
	}
}

func TestCachedIdentityResolvesOnceAndCaches(t *testing.T) {
	gw := &connGateway{bot: chat.User{ID: "bot-1", Username: "lendbot", IsBot: true}}
	gw.setBotErr(chat.ErrTransient)
	m, _, _ := newConnEnv(t, Config{BaseInterval: time.Millisecond, MaxAttempts: 3}, &scriptDialer{}, gw)

	ctx := context.Background()
	identity := m.CachedIdentity()

	if _, err := identity(ctx); !errors.Is(err, chat.ErrTransient) {
		t.Fatalf("identity while gateway is down = %v, want transient", err)
	}

	gw.setBotErr(nil)
	u, err := identity(ctx)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	if u.ID != "bot-1" {
		t.Fatalf("identity resolved %+v", u)
	}

	// Resolved once; every later call serves the cache.
	calls := gw.botCallCount()
	for i := 0; i < 3; i++ {
		if u, err := identity(ctx); err != nil || u.ID != "bot-1" {
			t.Fatalf("cached identity = %+v, %v", u, err)
		}
	}
	if got := gw.botCallCount(); got != calls {
		t.Fatalf("gateway identity calls went %d -> %d after caching", calls, got)
	}
	if got := m.BotIdentity(); got.ID != "bot-1" {
		t.Fatalf("manager cache = %+v", got)
	}
}

func TestStateStrings(t *testing.T) {
	want := map[State]string{
		StateDisconnected:   "disconnected",
		StateConnecting:     "connecting",
		StateAuthenticating: "authenticating",
		StateConnected:      "connected",
		StateReconnecting:   "reconnecting",
		StateFailed:         "failed",
	}
	for s, str := range want {
		if s.String() != str {
			t.Fatalf("State(%d).String() = %q, want %q", s, s.String(), str)
		}
	}
	if State(99).String() != "unknown" {
		t.Fatalf("out-of-range state: %q", State(99).String())
	}
	if errors.Is(ErrRetriesExhausted, chat.ErrTransient) {
		t.Fatalf("retry exhaustion must not look transient")
	}
}
