// Package broadcast fans committed change events out to connected sessions,
// relays them between instances over Redis and exports them to a queue.
package broadcast

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

var (
	// ErrHubClosed is returned by Subscribe after Close and reported by
	// subscriptions ended by shutdown.
	ErrHubClosed = errors.New("hub closed")
	// ErrEvicted reports a subscription dropped because its buffer was full.
	ErrEvicted = errors.New("subscriber too slow, evicted")
)

const DefaultBuffer = 64

// Subscription is one session's outbound event channel. Events arrive on C
// in publish order; C is closed when the subscription ends.
type Subscription struct {
	SessionID string
	C         <-chan domain.ChangeEvent

	ch  chan domain.ChangeEvent
	hub *Hub
	err error
}

// Close releases the subscription. Closing a handle that was already
// replaced or evicted is a no-op.
func (s *Subscription) Close() {
	s.hub.remove(s, nil)
}

// Err explains why C was closed: nil after Close or Unsubscribe, ErrEvicted
// or ErrHubClosed otherwise. Only meaningful once C is closed.
func (s *Subscription) Err() error {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return s.err
}

// Hub maps each session to a buffered channel. Publish never blocks: a
// subscriber whose buffer is full is evicted so the others keep receiving.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	buffer int
	closed bool
	log    *log.Logger

	subscribers prometheus.Gauge
	published   prometheus.Counter
	evicted     prometheus.Counter
}

// HubOption customizes a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the logger used for evictions.
func WithHubLogger(l *log.Logger) HubOption {
	return func(h *Hub) { h.log = l }
}

// WithRegisterer registers the hub metrics with reg.
func WithRegisterer(reg prometheus.Registerer) HubOption {
	return func(h *Hub) {
		f := promauto.With(reg)
		h.subscribers = f.NewGauge(prometheus.GaugeOpts{
			Name: "taskboard_stream_subscribers",
			Help: "Sessions currently subscribed to change events.",
		})
		h.published = f.NewCounter(prometheus.CounterOpts{
			Name: "taskboard_events_published_total",
			Help: "Change events published to the hub.",
		})
		h.evicted = f.NewCounter(prometheus.CounterOpts{
			Name: "taskboard_stream_evictions_total",
			Help: "Subscribers dropped because their buffer was full.",
		})
	}
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, opts ...HubOption) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	h := &Hub{subs: map[string]*Subscription{}, buffer: buffer, log: log.StandardLogger()}
	WithRegisterer(nil)(h)
	for _, o := range opts {
		o(h)
	}
	return h
}

// Subscribe registers a channel for sessionID. An existing subscription for
// the same session is closed and replaced, so a session never receives an
// event twice.
func (h *Hub) Subscribe(sessionID string) (*Subscription, error) {
	ch := make(chan domain.ChangeEvent, h.buffer)
	s := &Subscription{SessionID: sessionID, C: ch, ch: ch, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if old, ok := h.subs[sessionID]; ok {
		h.drop(old, nil)
	}
	h.subs[sessionID] = s
	h.subscribers.Inc()
	return s, nil
}

// Unsubscribe removes the session's channel. Unknown sessions are ignored.
func (h *Hub) Unsubscribe(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[sessionID]; ok {
		h.drop(s, nil)
	}
}

func (h *Hub) remove(s *Subscription, reason error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[s.SessionID] != s {
		return false
	}
	h.drop(s, reason)
	return true
}

// drop must be called with h.mu held.
func (h *Hub) drop(s *Subscription, reason error) {
	delete(h.subs, s.SessionID)
	s.err = reason
	close(s.ch)
	h.subscribers.Dec()
}

// Publish delivers ev to every current subscriber without blocking.
func (h *Hub) Publish(ev domain.ChangeEvent) {
	var slow []*Subscription
	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	for _, s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()
	h.published.Inc()

	for _, s := range slow {
		if h.remove(s, ErrEvicted) {
			h.evicted.Inc()
			h.log.WithFields(log.Fields{"session": s.SessionID, "event": ev.Type}).Warn("stream subscriber too slow, evicted")
		}
	}
}

// Len returns the number of subscribed sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, s := range h.subs {
		h.drop(s, ErrHubClosed)
	}
}
