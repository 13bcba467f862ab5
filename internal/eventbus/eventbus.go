// Package eventbus adapts the generic bus.Bus/bus.Connection trie to
// gesha's closed Event sum type (spec §4.1). Every Event variant is
// published on a single fixed topic token; subscribers pick individual
// kinds or the multi-wildcard topic to observe every event (SubscribeAll,
// currently used only by tests).
package eventbus

import (
	"gesha/bus"
	"gesha/types"
)

// Wildcard subscribes to every event kind.
const Wildcard = "#"

func topicFor(kind types.EventKind) bus.Topic { return bus.T(string(kind)) }

// Bus owns the underlying trie bus and mints component connections.
type Bus struct {
	raw *bus.Bus
}

// New creates an event bus. queueLen is the per-subscription backlog: every
// subscription gets its own channel of that capacity (the supervisor passes
// 10,000).
func New(queueLen int) *Bus {
	return &Bus{raw: bus.NewBus(queueLen)}
}

// Connect returns a named Connection for one component.
func (b *Bus) Connect(name string) *Connection {
	return &Connection{conn: b.raw.NewConnection(name)}
}

// Connection is a typed front door onto one bus.Connection.
type Connection struct {
	conn *bus.Connection
}

// Publish sends ev to every current subscriber of ev.Kind (and any
// multi-wildcard subscribers). Never blocks: a lagging subscriber loses its
// oldest queued event instead (spec §4.1).
func (c *Connection) Publish(ev types.Event) {
	c.conn.Publish(c.conn.NewMessage(topicFor(ev.Kind), ev, false))
}

// PublishRetained is used for the handful of events whose last value should
// be replayed to late subscribers (mirrors the teacher's retained-message
// idiom for capability status/value topics).
func (c *Connection) PublishRetained(ev types.Event) {
	c.conn.Publish(c.conn.NewMessage(topicFor(ev.Kind), ev, true))
}

// Subscription wraps a bus.Subscription, exposing typed Events.
type Subscription struct {
	sub *bus.Subscription
}

// Subscribe opens a queue that receives every event of the given kind.
func (c *Connection) Subscribe(kind types.EventKind) *Subscription {
	return &Subscription{sub: c.conn.Subscribe(topicFor(kind))}
}

// SubscribeAll opens a queue that receives every event published on the bus.
func (c *Connection) SubscribeAll() *Subscription {
	return &Subscription{sub: c.conn.Subscribe(bus.T(Wildcard))}
}

// Channel exposes the underlying delivery channel.
func (s *Subscription) Channel() <-chan *bus.Message { return s.sub.Channel() }

// Next blocks until the next Event arrives, returning ok=false if the
// subscription channel was closed.
func (s *Subscription) Next() (types.Event, bool) {
	m, ok := <-s.sub.Channel()
	if !ok || m == nil {
		return types.Event{}, false
	}
	ev, ok := m.Payload.(types.Event)
	return ev, ok
}

func (s *Subscription) Unsubscribe() { s.sub.Unsubscribe() }

func (c *Connection) Disconnect() { c.conn.Disconnect() }
