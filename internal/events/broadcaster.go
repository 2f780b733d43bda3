// Package events implements the fan-out broadcaster for real-time observers.
// Delivery is best effort and at most once per subscriber: a full buffer
// drops the event, and consumers recover by re-fetching authoritative state.
// New subscribers receive no backlog.
package events

import (
	"sync"

	"github.com/rs/xid"

	"pkt.systems/pickd/api"
	"pkt.systems/pickd/internal/clock"
	"pkt.systems/pickd/internal/loggingutil"
	"pkt.systems/pickd/internal/metrics"
	"pkt.systems/pslog"
)

// DefaultBuffer is the per-subscriber channel depth when callers pass 0.
const DefaultBuffer = 64

// Broadcaster maintains the registry of live subscriber channels.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	logger  pslog.Logger
	clock   clock.Clock
	metrics *metrics.Set
}

// Subscription is one observer's channel into the broadcaster.
type Subscription struct {
	ch        chan api.Event
	b         *Broadcaster
	closeOnce sync.Once
}

// New constructs a Broadcaster. Metrics may be nil.
func New(logger pslog.Logger, clk clock.Clock, set *metrics.Set) *Broadcaster {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Broadcaster{
		subs:    make(map[*Subscription]struct{}),
		logger:  loggingutil.WithSubsystem(logger, "events"),
		clock:   clk,
		metrics: set,
	}
}

// Subscribe registers a new observer channel. buffer <= 0 selects
// DefaultBuffer.
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{
		ch: make(chan api.Event, buffer),
		b:  b,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	b.metrics.SetSubscribers(count)
	b.logger.Debug("subscriber.added", "subscribers", count)
	return sub
}

// Events exposes the subscriber's receive channel. It is closed when the
// subscription is closed.
func (s *Subscription) Events() <-chan api.Event {
	return s.ch
}

// Close deregisters the subscription and closes its channel. Safe to call
// more than once and safe against concurrent Publish.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s)
		count := len(s.b.subs)
		close(s.ch)
		s.b.mu.Unlock()
		s.b.metrics.SetSubscribers(count)
		s.b.logger.Debug("subscriber.removed", "subscribers", count)
	})
}

// Publish fans the event out to every current subscriber without blocking.
// Full subscriber buffers drop the event; the observer re-fetches on its next
// poll.
func (b *Broadcaster) Publish(eventType string, payload map[string]any) {
	event := api.Event{
		ID:        xid.New().String(),
		Type:      eventType,
		Timestamp: b.clock.Now().Unix(),
		Payload:   payload,
	}
	b.mu.Lock()
	dropped := 0
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			dropped++
		}
	}
	subscribers := len(b.subs)
	b.mu.Unlock()

	b.metrics.IncEvent(eventType)
	if dropped > 0 {
		for range dropped {
			b.metrics.IncDropped()
		}
		b.logger.Debug("publish.dropped",
			"type", eventType,
			"dropped", dropped,
			"subscribers", subscribers,
		)
	}
}
