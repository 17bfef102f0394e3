package metrics

import (
	"context"
	"net/http"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

// Collector turns bus events into Prometheus metrics. It owns its registry
// so several collectors can coexist in one process.
type Collector struct {
	registry *prometheus.Registry

	events        *prometheus.CounterVec
	channelState  *prometheus.GaugeVec
	drops         prometheus.Counter
	sendResults   *prometheus.CounterVec
	notifications prometheus.Counter
	timelineLen   *prometheus.GaugeVec
}

// New creates a collector with Go runtime metrics registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_events_total",
			Help:      "Events published on the in-process bus, by kind.",
		}, []string{"kind"}),
		channelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_state",
			Help:      "1 for the push channel's current state, 0 otherwise.",
		}, []string{"state"}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_drops_total",
			Help:      "Unrequested push channel disconnects.",
		}),
		sendResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outgoing messages by result.",
		}, []string{"result"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_scheduled_total",
			Help:      "Notifications handed to the presenter.",
		}),
		timelineLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timeline_messages",
			Help:      "Messages held in each conversation timeline.",
		}, []string{"conversation_id"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.events, c.channelState, c.drops, c.sendResults, c.notifications, c.timelineLen,
	)
	c.setState(status.Disconnected)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Run consumes every bus event until ctx is done.
func (c *Collector) Run(ctx context.Context, b *bus.Bus) {
	ch, unsub := b.Subscribe("", 256)
	defer unsub()
	for {
		select {
		case evt := <-ch:
			c.Observe(evt)
		case <-ctx.Done():
			return
		}
	}
}

// Observe records one event.
func (c *Collector) Observe(evt bus.Event) {
	c.events.WithLabelValues(evt.Kind).Inc()

	switch evt.Kind {
	case bus.KindChannelState:
		if sc, ok := evt.Payload.(status.StatusChange); ok {
			c.setState(sc.To)
		}
	case bus.KindChannelDropped:
		c.drops.Inc()
	case bus.KindSendAck:
		c.sendResults.WithLabelValues("ok").Inc()
	case bus.KindSendFailed:
		c.sendResults.WithLabelValues("failed").Inc()
	case bus.KindNotification:
		c.notifications.Inc()
	case bus.KindTimeline:
		if u, ok := evt.Payload.(chatsync.TimelineUpdate); ok {
			c.timelineLen.WithLabelValues(u.ConversationID).Set(float64(u.Len))
		}
	}
}

func (c *Collector) setState(current status.State) {
	for _, s := range []status.State{status.Disconnected, status.Connecting, status.Open, status.Closing} {
		v := 0.0
		if s == current {
			v = 1
		}
		c.channelState.WithLabelValues(string(s)).Set(v)
	}
}
