// Package eventbus queues server events for the single consumer. Delivery
// never blocks the producer: events wait in an unbounded FIFO (capped by
// MaxBacklog) and one pump goroutine hands them to the consumer in order.
package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/armorclaw/wsbridge/pkg/logger"
	"github.com/armorclaw/wsbridge/pkg/metrics"
	"github.com/armorclaw/wsbridge/pkg/wsserver"
)

// Consumer handles events one at a time, in delivery order
type Consumer interface {
	Consume(ev wsserver.Event) error
}

// ConsumerFunc adapts a function to Consumer
type ConsumerFunc func(wsserver.Event) error

func (f ConsumerFunc) Consume(ev wsserver.Event) error { return f(ev) }

// Config holds event bus configuration
type Config struct {
	// MaxBacklog caps queued events; 0 means unbounded.
	MaxBacklog int
	Logger     *logger.Logger
	Metrics    *metrics.Collector
}

// DefaultConfig returns default event bus configuration
func DefaultConfig() Config {
	return Config{MaxBacklog: 10000}
}

// Stats is a point-in-time view of the bus
type Stats struct {
	Backlog    int       `json:"backlog"`
	Delivered  uint64    `json:"delivered"`
	Failed     uint64    `json:"failed"`
	Dropped    uint64    `json:"dropped"`
	Consumer   string    `json:"consumer,omitempty"`
	AttachedAt time.Time `json:"attached_at,omitempty"`
}

type attachment struct {
	id       string
	consumer Consumer
	since    time.Time
}

// Bus implements wsserver.Sink
type Bus struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pending  *queue.Queue
	consumer *attachment
	busy     bool
	closed   bool
	done     chan struct{}

	maxBacklog int
	delivered  uint64
	failed     uint64
	dropped    uint64

	log         *logger.Logger
	securityLog *logger.SecurityLogger
	metrics     *metrics.Collector
}

// New creates a bus and starts its pump
func New(cfg Config) *Bus {
	if cfg.Logger == nil {
		cfg.Logger = logger.Global()
	}
	b := &Bus{
		pending:     queue.New(),
		done:        make(chan struct{}),
		maxBacklog:  cfg.MaxBacklog,
		log:         cfg.Logger.WithComponent("eventbus"),
		securityLog: logger.NewSecurityLogger(cfg.Logger),
		metrics:     cfg.Metrics,
	}
	b.cond = sync.NewCond(&b.mu)
	go b.pump()
	return b
}

// Deliver enqueues ev. It only fails when the bus is closed, the event is
// nil or the backlog is full.
func (b *Bus) Deliver(ev wsserver.Event) error {
	if ev == nil {
		return ErrNilEvent()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed("Deliver")
	}
	if b.maxBacklog > 0 && b.pending.Length() >= b.maxBacklog {
		b.dropped++
		b.metrics.RecordEventDropped()
		return ErrBacklogFull(string(ev.Kind()), b.pending.Length())
	}

	b.pending.Add(ev)
	b.metrics.SetBacklog(b.pending.Length())
	b.cond.Broadcast()
	return nil
}

// Attach makes c the consumer. Events queued while nobody was attached
// are delivered to it first.
func (b *Bus) Attach(id string, c Consumer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed("Attach")
	}
	if b.consumer != nil {
		return ErrConsumerAttached(b.consumer.id, id)
	}
	b.consumer = &attachment{id: id, consumer: c, since: time.Now()}
	b.cond.Broadcast()

	b.securityLog.LogSecurityEvent("consumer_attached",
		slog.String("consumer_id", id),
		slog.Int("backlog", b.pending.Length()))
	return nil
}

// Detach removes the consumer with id. Events keep queueing until the
// next Attach. Detach waits for an in-flight Consume to return, so it
// must not be called from inside Consume.
func (b *Bus) Detach(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.consumer == nil || b.consumer.id != id {
		return ErrConsumerNotFound(id)
	}
	for b.busy {
		b.cond.Wait()
	}
	if b.consumer == nil || b.consumer.id != id {
		return ErrConsumerNotFound(id)
	}
	b.consumer = nil

	b.securityLog.LogSecurityEvent("consumer_detached",
		slog.String("consumer_id", id),
		slog.Int("backlog", b.pending.Length()))
	return nil
}

// Close stops the pump. Events still queued are discarded. Like Detach it
// waits for an in-flight Consume.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	discarded := b.pending.Length()
	b.dropped += uint64(discarded)
	b.pending = queue.New()
	b.cond.Broadcast()
	b.mu.Unlock()

	<-b.done
	b.metrics.SetBacklog(0)
	b.log.Info("event bus closed", "discarded", discarded)
}

// Stats returns counters and the current backlog
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Backlog:   b.pending.Length(),
		Delivered: b.delivered,
		Failed:    b.failed,
		Dropped:   b.dropped,
	}
	if b.consumer != nil {
		s.Consumer = b.consumer.id
		s.AttachedAt = b.consumer.since
	}
	return s
}

func (b *Bus) pump() {
	defer close(b.done)

	for {
		b.mu.Lock()
		for !b.closed && (b.consumer == nil || b.pending.Length() == 0) {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			return
		}
		ev := b.pending.Remove().(wsserver.Event)
		att := b.consumer
		b.busy = true
		b.metrics.SetBacklog(b.pending.Length())
		b.mu.Unlock()

		err := att.consumer.Consume(ev)

		b.mu.Lock()
		b.busy = false
		if err != nil {
			b.failed++
		} else {
			b.delivered++
		}
		b.cond.Broadcast()
		b.mu.Unlock()

		if err != nil {
			eerr := ErrConsumerFailed(att.id, string(ev.Kind()), err)
			b.metrics.RecordEventDropped()
			b.log.Warn("consumer failed", "code", string(eerr.Code), "error", eerr)
			continue
		}
		b.metrics.RecordEventDelivered()
	}
}
