// Package metrics exposes Prometheus instrumentation for the dispatch
// pipeline. Collectors are fed from the event bus rather than from call
// sites, so the dispatcher and connection manager stay metrics-agnostic.
//
// Label cardinality is kept bounded: "channel" is one of dm|channel and
// "action" is one of the three lifecycle actions.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"lendbot/internal/connection"
	"lendbot/internal/eventbus"
	"lendbot/internal/notify"
	logx "lendbot/pkg/logx"
)

var (
	// sentTotal counts successful deliveries by action and channel.
	sentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lendbot_notifications_sent_total",
			Help: "Total number of notifications delivered.",
		},
		[]string{"action", "channel"},
	)

	// dedupedTotal counts requests short-circuited by the sent ledger.
	dedupedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lendbot_notifications_deduplicated_total",
			Help: "Total number of duplicate notification requests suppressed.",
		},
		[]string{"action"},
	)

	// failedTotal counts failed deliveries by action and attempted channel.
	failedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lendbot_notifications_failed_total",
			Help: "Total number of notification requests that failed.",
		},
		[]string{"action", "channel"},
	)

	// connState reports the current connection state as an enum gauge.
	connState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lendbot_connection_state",
			Help: "Current event stream connection state (0=disconnected, 1=connecting, 2=authenticating, 3=connected, 4=reconnecting, 5=failed).",
		},
	)

	// reconnectsTotal counts entries into the reconnecting state.
	reconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lendbot_connection_reconnects_total",
			Help: "Total number of reconnect attempts against the event stream.",
		},
	)

	// welcomesTotal counts DM readiness transitions, split by whether the
	// one-time welcome message was actually delivered.
	welcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lendbot_dm_welcomes_total",
			Help: "Total number of users transitioned to DM-ready.",
		},
		[]string{"welcome_sent"},
	)
)

func init() {
	prometheus.MustRegister(sentTotal, dedupedTotal, failedTotal, connState, reconnectsTotal, welcomesTotal)
}

// Bridge turns bus events into collector updates.
type Bridge struct {
	bus eventbus.Bus
	log logx.Logger
}

func NewBridge(bus eventbus.Bus, log logx.Logger) *Bridge {
	return &Bridge{bus: bus, log: log.With(logx.String("component", "metrics"))}
}

// Run consumes bus events until the subscription channel closes. It is meant
// to be driven by the supervisor; Stop the bus (or unsubscribe) to end it.
func (b *Bridge) Run(stop <-chan struct{}) {
	ch, unsub := b.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b.observe(ev)
		}
	}
}

func (b *Bridge) observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.TypeNotifySent:
		if n, ok := ev.Data.(notify.SentNotice); ok {
			sentTotal.WithLabelValues(n.Action, n.Channel).Inc()
		}
	case eventbus.TypeNotifyDeduped:
		if n, ok := ev.Data.(notify.SentNotice); ok {
			dedupedTotal.WithLabelValues(n.Action).Inc()
		}
	case eventbus.TypeNotifyFailed:
		if n, ok := ev.Data.(notify.FailureNotice); ok {
			failedTotal.WithLabelValues(n.Action, n.Channel).Inc()
		}
	case eventbus.TypeConnState:
		if sc, ok := ev.Data.(connection.StateChange); ok {
			connState.Set(float64(sc.To))
			if sc.To == connection.StateReconnecting {
				reconnectsTotal.Inc()
			}
		}
	case eventbus.TypeConnWelcome:
		if w, ok := ev.Data.(connection.WelcomeNotice); ok {
			if w.WelcomeSent {
				welcomesTotal.WithLabelValues("true").Inc()
			} else {
				welcomesTotal.WithLabelValues("false").Inc()
			}
		}
	default:
		b.log.Debug("unhandled bus event", logx.String("type", ev.Type))
	}
}
