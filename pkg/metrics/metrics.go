// Package metrics provides Prometheus metrics for the WebSocket server and its event queue
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Phases reported by the server_phase gauge
var phases = []string{"created", "starting", "running", "stopped", "failed"}

// Collector tracks server activity and mirrors it into a private Prometheus
// registry. All methods are safe on a nil *Collector.
type Collector struct {
	registry *prometheus.Registry

	connectionsActive  prometheus.Gauge
	connectionsTotal   prometheus.Counter
	connectionDuration prometheus.Histogram
	closes             *prometheus.CounterVec
	handshakesRejected *prometheus.CounterVec
	messages           *prometheus.CounterVec
	commandsDropped    *prometheus.CounterVec
	eventsDelivered    prometheus.Counter
	eventsDropped      prometheus.Counter
	eventBacklog       prometheus.Gauge
	serverPhase        *prometheus.GaugeVec

	mu       sync.RWMutex
	active   int64
	opened   int64
	closed   int64
	rejected int64
	received int64
	sent     int64
	dropped  int64
}

// New creates a collector whose metric names are prefixed with namespace
func New(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Currently registered WebSocket connections",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Admitted WebSocket connections",
		}),
		connectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of closed connections",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}),
		closes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Closed connections by cleanliness",
		}, []string{"clean"}),
		handshakesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_rejected_total",
			Help:      "Upgrade requests refused by admission policy",
		}, []string{"reason"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "WebSocket messages by direction and type",
		}, []string{"direction", "type"}),
		commandsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_dropped_total",
			Help:      "Send/close commands that could not be applied, by diagnostic code",
		}, []string{"code"}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Events handed to the consumer",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events rejected by the queue or failed by the consumer",
		}),
		eventBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_backlog",
			Help:      "Events queued for the consumer",
		}),
		serverPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_phase",
			Help:      "1 for the current server lifecycle phase",
		}, []string{"phase"}),
	}

	c.registry.MustRegister(
		c.connectionsActive,
		c.connectionsTotal,
		c.connectionDuration,
		c.closes,
		c.handshakesRejected,
		c.messages,
		c.commandsDropped,
		c.eventsDelivered,
		c.eventsDropped,
		c.eventBacklog,
		c.serverPhase,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.SetPhase("created")

	return c
}

// Registry returns the underlying Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordOpened records an admitted connection
func (c *Collector) RecordOpened() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.active++
	c.opened++
	c.mu.Unlock()
	c.connectionsActive.Inc()
	c.connectionsTotal.Inc()
}

// RecordClosed records a connection teardown
func (c *Collector) RecordClosed(clean bool, lifetime time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.active--
	c.closed++
	c.mu.Unlock()
	c.connectionsActive.Dec()
	label := "false"
	if clean {
		label = "true"
	}
	c.closes.WithLabelValues(label).Inc()
	c.connectionDuration.Observe(lifetime.Seconds())
}

// RecordRejected records a refused handshake
func (c *Collector) RecordRejected(reason string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.rejected++
	c.mu.Unlock()
	c.handshakesRejected.WithLabelValues(reason).Inc()
}

func messageType(binary bool) string {
	if binary {
		return "binary"
	}
	return "text"
}

// RecordReceived records an inbound message
func (c *Collector) RecordReceived(binary bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.received++
	c.mu.Unlock()
	c.messages.WithLabelValues("in", messageType(binary)).Inc()
}

// RecordSent records an outbound message accepted by the write queue
func (c *Collector) RecordSent(binary bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.sent++
	c.mu.Unlock()
	c.messages.WithLabelValues("out", messageType(binary)).Inc()
}

// RecordCommandDropped records a command rejected with a diagnostic code
func (c *Collector) RecordCommandDropped(code string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
	c.commandsDropped.WithLabelValues(code).Inc()
}

// RecordEventDelivered records an event handed to the consumer
func (c *Collector) RecordEventDelivered() {
	if c == nil {
		return
	}
	c.eventsDelivered.Inc()
}

// RecordEventDropped records an event that never reached the consumer
func (c *Collector) RecordEventDropped() {
	if c == nil {
		return
	}
	c.eventsDropped.Inc()
}

// SetBacklog updates the event backlog gauge
func (c *Collector) SetBacklog(n int) {
	if c == nil {
		return
	}
	c.eventBacklog.Set(float64(n))
}

// SetPhase marks phase as the current lifecycle phase
func (c *Collector) SetPhase(phase string) {
	if c == nil {
		return
	}
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		c.serverPhase.WithLabelValues(p).Set(v)
	}
}

// ResetConnections zeroes the active gauge after a registry clear
func (c *Collector) ResetConnections() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.active = 0
	c.mu.Unlock()
	c.connectionsActive.Set(0)
}

// GetSnapshot returns the in-process counters
func (c *Collector) GetSnapshot() map[string]int64 {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]int64{
		"active":            c.active,
		"opened":            c.opened,
		"closed":            c.closed,
		"rejected":          c.rejected,
		"messages_received": c.received,
		"messages_sent":     c.sent,
		"commands_dropped":  c.dropped,
	}
}
