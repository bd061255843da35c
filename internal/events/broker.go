package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chimera-autarch/autarch/internal/idgen"
	"github.com/chimera-autarch/autarch/internal/observability"
)

// Config tunes the broker's bounded buffers.
type Config struct {
	// BufferSize is the capacity of the diagnostic ring buffer.
	BufferSize int

	// SubscriberQueueSize is the per-subscriber pending-delivery capacity.
	SubscriberQueueSize int

	// DropAlertThreshold is the number of drops, broker-wide, within
	// DropAlertWindow that triggers a system_alert publish. Zero disables
	// alerting.
	DropAlertThreshold int

	// DropAlertWindow bounds the rolling window DropAlertThreshold is
	// measured over.
	DropAlertWindow time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize:          1000,
		SubscriberQueueSize: 256,
		DropAlertThreshold:  50,
		DropAlertWindow:     time.Minute,
	}
}

// Broker is an in-process typed pub/sub fanout with bounded retained
// history and per-subscriber bounded, priority-ordered delivery.
type Broker struct {
	cfg     Config
	logger  *slog.Logger
	ids     *idgen.Generator
	metrics *observability.Metrics

	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	nextSubID uint64

	statsMu     sync.Mutex
	totalEvents uint64
	byType      map[string]uint64

	ringMu sync.Mutex
	ring   []Event

	dropWindowMu    sync.Mutex
	dropWindowStart time.Time
	dropWindowCount int
	alerting        bool
}

// New creates a Broker. logger defaults to slog.Default() if nil. metrics
// may be nil.
func New(cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.SubscriberQueueSize <= 0 {
		cfg.SubscriberQueueSize = DefaultConfig().SubscriberQueueSize
	}
	return &Broker{
		cfg:     cfg,
		logger:  logger.With("component", "events.broker"),
		ids:     idgen.New(),
		metrics: metrics,
		subs:    make(map[uint64]*subscriber),
		byType:  make(map[string]uint64),
	}
}

// Publish assigns a monotonic id, timestamps the event, and fans it out to
// every subscriber whose filter matches. Never blocks on a slow subscriber.
func (b *Broker) Publish(eventType string, data any, priority int) Event {
	ev := Event{
		ID:        b.ids.Next(),
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
		Priority:  priority,
	}

	b.mu.RLock()
	for _, s := range b.subs {
		if s.matches(ev.Type) {
			if s.enqueue(ev) {
				b.recordDrop(s)
			}
		}
	}
	b.mu.RUnlock()

	b.recordStats(ev)
	if b.metrics != nil {
		b.metrics.RecordBrokerPublish(ev.Type)
	}
	return ev
}

// PublishDefault publishes using the event type's documented default
// priority (see DefaultPriority).
func (b *Broker) PublishDefault(eventType string, data any) Event {
	return b.Publish(eventType, data, DefaultPriority(eventType))
}

func (b *Broker) recordStats(ev Event) {
	b.statsMu.Lock()
	b.totalEvents++
	b.byType[ev.Type]++
	b.statsMu.Unlock()

	b.ringMu.Lock()
	b.ring = append(b.ring, ev)
	if len(b.ring) > b.cfg.BufferSize {
		b.ring = b.ring[len(b.ring)-b.cfg.BufferSize:]
	}
	b.ringMu.Unlock()
}

func (b *Broker) recordDrop(s *subscriber) {
	b.logger.Warn("dropped event for slow subscriber",
		"client_id", s.clientID, "total_dropped", s.Dropped())
	if b.metrics != nil {
		b.metrics.RecordBrokerDrop(s.clientID)
	}

	if b.cfg.DropAlertThreshold <= 0 {
		return
	}

	b.dropWindowMu.Lock()
	now := time.Now()
	if b.dropWindowStart.IsZero() || now.Sub(b.dropWindowStart) > b.cfg.DropAlertWindow {
		b.dropWindowStart = now
		b.dropWindowCount = 0
		b.alerting = false
	}
	b.dropWindowCount++
	shouldAlert := !b.alerting && b.dropWindowCount >= b.cfg.DropAlertThreshold
	if shouldAlert {
		b.alerting = true
	}
	b.dropWindowMu.Unlock()

	if shouldAlert {
		b.Publish(TypeSystemAlert, map[string]any{
			"reason": "event_drop_threshold_exceeded",
			"window": b.cfg.DropAlertWindow.String(),
		}, DefaultPriority(TypeSystemAlert))
	}
}

// Subscribe registers a new subscriber. typeFilter is either a specific
// event type or WildcardFilter.
func (b *Broker) Subscribe(clientID, typeFilter string) (*Subscription, <-chan Event) {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	sub := newSubscriber(id, clientID, typeFilter, b.cfg.SubscriberQueueSize)
	b.subs[id] = sub
	b.mu.Unlock()

	return &Subscription{id: id, ClientID: clientID, TypeFilter: typeFilter}, sub.Events()
}

// Unsubscribe tears down a subscription, releasing its pump goroutine.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	s, ok := b.subs[sub.id]
	if ok {
		delete(b.subs, sub.id)
	}
	b.mu.Unlock()
	if ok {
		s.close()
	}
}

// Stats returns a point-in-time snapshot of broker counters.
func (b *Broker) Stats() Stats {
	b.statsMu.Lock()
	byType := make(map[string]uint64, len(b.byType))
	for k, v := range b.byType {
		byType[k] = v
	}
	total := b.totalEvents
	b.statsMu.Unlock()

	b.mu.RLock()
	active := len(b.subs)
	b.mu.RUnlock()

	b.ringMu.Lock()
	recent := make([]Event, len(b.ring))
	copy(recent, b.ring)
	b.ringMu.Unlock()

	return Stats{
		TotalEvents:       total,
		ByType:            byType,
		ActiveSubscribers: active,
		Recent:            recent,
	}
}

// DroppedFor returns the drop count for a specific subscription, mainly for
// tests and diagnostics.
func (b *Broker) DroppedFor(sub *Subscription) uint64 {
	if sub == nil {
		return 0
	}
	b.mu.RLock()
	s, ok := b.subs[sub.id]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	return s.Dropped()
}
