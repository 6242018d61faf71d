// Package app assembles the service: config, logging, storage, the chat
// gateway, the event-stream connection manager, the dispatcher, the ledger
// sweeper, and the optional metrics listener.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lendbot/internal/chat"
	"lendbot/internal/config"
	"lendbot/internal/connection"
	"lendbot/internal/eventbus"
	"lendbot/internal/ledger"
	"lendbot/internal/metrics"
	"lendbot/internal/notify"
	"lendbot/internal/readiness"
	"lendbot/internal/runtime/supervisor"
	"lendbot/internal/storage"
	logx "lendbot/pkg/logx"
)

// App owns every long-lived component. Initialize builds them, Start runs
// them under one supervisor, Shutdown stops them in reverse order.
type App struct {
	cfgPath    string
	cfg        *config.Config
	instanceID string

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	client  *chat.Client
	users   *readiness.Store
	ledger  *ledger.Ledger
	sweeper *ledger.Sweeper
	conn    *connection.Manager
	notif   *notify.Service
	bridge  *metrics.Bridge

	sup *supervisor.Supervisor

	initialized bool
}

// Status is the operational snapshot exposed by the service surface.
type Status struct {
	InstanceID        string `json:"instance_id"`
	Connected         bool   `json:"connected"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	BotID             string `json:"bot_id,omitempty"`
}

func New(cfgPath string) *App {
	return &App{cfgPath: cfgPath, instanceID: uuid.NewString(), log: logx.Nop()}
}

// Initialize loads and validates config and constructs every component.
// A config.ErrConfiguration here is fatal: nothing has been started yet.
func (a *App) Initialize(ctx context.Context) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	a.logs, a.log = logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.log = a.log.With(logx.String("comp", "app"))

	a.bus = eventbus.New()

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busyTimeout,
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = store
	a.users = readiness.New(store, a.log.With(logx.String("comp", "readiness")))

	ttl, err := config.ParseDurationOrDefault("ledger.ttl", cfg.Ledger.TTL, ledger.DefaultTTL)
	if err != nil {
		return err
	}
	sweep, err := config.ParseDurationOrDefault("ledger.sweep_interval", cfg.Ledger.SweepInterval, ledger.DefaultSweepInterval)
	if err != nil {
		return err
	}
	a.ledger = ledger.New(store, ttl, a.log.With(logx.String("comp", "ledger")))
	a.sweeper = ledger.NewSweeper(a.ledger, sweep, a.log.With(logx.String("comp", "ledger")))

	callTimeout, err := config.ParseDurationField("chat.call_timeout", cfg.Chat.CallTimeout)
	if err != nil {
		return err
	}
	client, err := chat.NewClient(chat.ClientConfig{
		BaseURL:     cfg.Chat.BaseURL,
		Token:       cfg.Chat.Token,
		CallTimeout: callTimeout,
		PostsPerSec: cfg.Chat.PostsPerSec,
	}, a.log.With(logx.String("comp", "chat")))
	if err != nil {
		return fmt.Errorf("chat client: %w", err)
	}
	a.client = client

	base, err := config.ParseDurationField("connection.base_reconnect_interval", cfg.Connection.BaseReconnectInterval)
	if err != nil {
		return err
	}
	dialer := &chat.StreamDialer{URL: client.StreamURL(), Token: cfg.Chat.Token}
	a.conn = connection.NewManager(connection.Config{
		BaseInterval: base,
		MaxAttempts:  cfg.Connection.MaxReconnectAttempts,
	}, dialer, client, a.users, a.bus, a.log.With(logx.String("comp", "connection")))

	a.notif = notify.New(client, a.users, a.ledger, cfg.Chat.NotificationChannelID,
		a.conn.CachedIdentity(), a.bus, a.log.With(logx.String("comp", "dispatch")))

	if cfg.Metrics.Enabled {
		a.bridge = metrics.NewBridge(a.bus, a.log)
	}

	a.initialized = true
	a.log.Info("initialized",
		logx.String("instance", a.instanceID),
		logx.String("storage", cfg.Storage.Driver),
		logx.Duration("ledger_ttl", ttl))
	return nil
}

// Start launches the background components. Initialize must have succeeded.
func (a *App) Start(ctx context.Context) error {
	if !a.initialized {
		return fmt.Errorf("app: Start before Initialize")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	if err := a.sweeper.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("ledger sweeper: %w", err)
	}
	a.conn.Start(a.sup.Context())

	if a.bridge != nil {
		a.sup.Go0("metrics.bridge", func(c context.Context) {
			a.bridge.Run(c.Done())
		})
		addr := a.cfg.Metrics.Addr
		if addr == "" {
			addr = "127.0.0.1:9090"
		}
		a.sup.Go("metrics.listener", func(c context.Context) error {
			return metrics.Serve(c, addr, a.log)
		})
	}

	// Hot reload applies only the logging section; everything else needs a
	// restart and the watcher says so implicitly by ignoring it. A broken
	// watcher session returns an error and the supervisor restarts it.
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return config.Watch(c, a.cfgPath, a.log.With(logx.String("comp", "config")), func(cfg *config.Config) {
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
		})
	}, 250*time.Millisecond, 5*time.Second)

	a.log.Info("started")
	return nil
}

// Send dispatches one notification. Safe to call from any goroutine once
// Initialize has succeeded; delivery does not require the stream to be up.
func (a *App) Send(ctx context.Context, req notify.Request) notify.Result {
	return a.notif.Send(ctx, req)
}

// Dispatcher exposes the notification service for callers that embed the app.
func (a *App) Dispatcher() *notify.Service { return a.notif }

// IsReady reports whether the app is initialized and the event stream is
// currently connected.
func (a *App) IsReady() bool {
	return a.initialized && a.conn != nil && a.conn.Status().Connected
}

func (a *App) Status() Status {
	st := Status{InstanceID: a.instanceID}
	if a.conn != nil {
		cs := a.conn.Status()
		st.Connected = cs.Connected
		st.ReconnectAttempts = cs.ReconnectAttempts
		st.BotID = cs.BotID
	}
	return st
}

// Shutdown stops components in reverse start order and closes storage.
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	if a.conn != nil {
		if err := a.conn.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	if a.sup != nil {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.sup.Stop(wctx); err != nil && firstErr == nil {
			firstErr = err
		}
		cancel()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return firstErr
}
