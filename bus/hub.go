package bus

import (
	"log/slog"
	"sync"
)

// defaultMailbox is the per-subscriber buffered event capacity. A
// subscriber whose mailbox fills is detached rather than blocking the
// publisher.
const defaultMailbox = 64

// Conn is one observer connection. Implementations must tolerate
// WriteEvent and Close being called from the hub's writer goroutine.
type Conn interface {
	ID() string
	WriteEvent(ev Event) error
	Close() error
}

// subscriber wraps a Conn in a bounded mailbox with a single writer
// goroutine, so per-subscriber delivery preserves publish order.
// topics is guarded by the hub mutex.
type subscriber struct {
	conn    Conn
	mailbox chan Event
	done    chan struct{}
	once    sync.Once
	topics  map[string]struct{}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// Hub fans events out to attached subscribers. All methods are safe
// for concurrent use.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]*subscriber         // conn id → subscriber
	topics  map[string]map[string]struct{} // topic → conn ids
	mailbox int
	closed  bool
	logger  *slog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithMailboxSize overrides the per-subscriber mailbox capacity.
func WithMailboxSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.mailbox = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// NewHub creates an event hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:    make(map[string]*subscriber),
		topics:  make(map[string]map[string]struct{}),
		mailbox: defaultMailbox,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Attach registers a connection. Attaching an already attached
// connection is a no-op.
func (h *Hub) Attach(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if _, ok := h.subs[conn.ID()]; ok {
		return
	}
	sub := &subscriber{
		conn:    conn,
		mailbox: make(chan Event, h.mailbox),
		done:    make(chan struct{}),
		topics:  make(map[string]struct{}),
	}
	h.subs[conn.ID()] = sub
	go h.writeLoop(sub)
	h.logger.Debug("Subscriber attached", "conn_id", conn.ID())
}

// Detach unregisters a connection and removes it from every topic.
// Detaching an unknown connection is a no-op.
func (h *Hub) Detach(conn Conn) {
	h.mu.Lock()
	sub := h.detachLocked(conn.ID())
	h.mu.Unlock()
	if sub != nil {
		sub.close()
	}
}

// detachLocked removes the subscriber from the maps in one pass and
// returns it so the caller can close it outside the lock.
func (h *Hub) detachLocked(connID string) *subscriber {
	sub, ok := h.subs[connID]
	if !ok {
		return nil
	}
	delete(h.subs, connID)
	for topic := range sub.topics {
		set := h.topics[topic]
		delete(set, connID)
		if len(set) == 0 {
			delete(h.topics, topic)
		}
	}
	h.logger.Debug("Subscriber detached", "conn_id", connID)
	return sub
}

// Subscribe adds the connection to a topic set. The connection must
// already be attached; otherwise the call is ignored.
func (h *Hub) Subscribe(conn Conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[conn.ID()]
	if !ok {
		return
	}
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[string]struct{})
		h.topics[topic] = set
	}
	set[conn.ID()] = struct{}{}
	sub.topics[topic] = struct{}{}
}

// Unsubscribe removes the connection from a topic set.
func (h *Hub) Unsubscribe(conn Conn, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[conn.ID()]; ok {
		delete(sub.topics, topic)
	}
	set, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(set, conn.ID())
	if len(set) == 0 {
		delete(h.topics, topic)
	}
}

// Publish delivers the event on a topic. Connections with at least
// one subscription only receive topics they subscribed to;
// connections with no subscriptions receive every event. Slow
// subscribers are detached; publish never blocks and never fails.
func (h *Hub) Publish(topic string, ev Event) {
	h.deliver(topic, ev)
}

// Broadcast delivers the event to every attached connection
// regardless of subscriptions.
func (h *Hub) Broadcast(ev Event) {
	h.deliver("", ev)
}

// deliver fans the event out. An empty topic means unconditional
// delivery.
func (h *Hub) deliver(topic string, ev Event) {
	h.mu.Lock()
	var overflowed []*subscriber
	for id, sub := range h.subs {
		if topic != "" && len(sub.topics) > 0 {
			if _, want := sub.topics[topic]; !want {
				continue
			}
		}
		select {
		case sub.mailbox <- ev:
		default:
			// Mailbox full: the subscriber is not keeping up.
			h.detachLocked(id)
			overflowed = append(overflowed, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range overflowed {
		h.logger.Warn("Subscriber mailbox full, detaching", "conn_id", sub.conn.ID())
		sub.close()
	}
}

// writeLoop drains one subscriber's mailbox. A write error detaches
// the subscriber.
func (h *Hub) writeLoop(sub *subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.mailbox:
			if err := sub.conn.WriteEvent(ev); err != nil {
				h.logger.Debug("Subscriber write failed, detaching",
					"conn_id", sub.conn.ID(), "error", err)
				h.mu.Lock()
				h.detachLocked(sub.conn.ID())
				h.mu.Unlock()
				sub.close()
				return
			}
		}
	}
}

// Subscribers returns how many connections are attached.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// SubscribedTo reports whether the connection is in the topic set.
func (h *Hub) SubscribedTo(connID, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.topics[topic]
	if !ok {
		return false
	}
	_, ok = set[connID]
	return ok
}

// Close detaches every subscriber and rejects further attaches.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for id := range h.subs {
		if sub := h.detachLocked(id); sub != nil {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}
