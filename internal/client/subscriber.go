package client

import (
	"sync"

	"github.com/omochice/wired-socket/pkg/protocol"
)

// Subscriber receives session notifications. Each subscriber is called from
// its own goroutine, never from the receive loop, and sees events in the
// order they happened. Subscribers are compared by identity, so register
// pointer types.
type Subscriber interface {
	OnConnected(s *Session)
	OnConnectFailed(s *Session, err error)
	// OnDisconnected carries the error that ended the session, or nil when
	// the caller disconnected.
	OnDisconnected(s *Session, err error)
	OnMessage(s *Session, msg *protocol.Message)
}

// EventKind tags an Event.
type EventKind int

const (
	EventConnected EventKind = iota
	EventConnectFailed
	EventDisconnected
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connect failed"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is one notification as a value.
type Event struct {
	Kind    EventKind
	Session *Session
	Message *protocol.Message
	Err     error
}

// ChannelSubscriber turns notifications into Events on a channel so a
// collaborator can pull them onto its own goroutine. A full channel stalls
// only this subscriber.
type ChannelSubscriber struct {
	events chan Event
}

// NewChannelSubscriber creates a subscriber whose channel holds buffer events.
func NewChannelSubscriber(buffer int) *ChannelSubscriber {
	return &ChannelSubscriber{events: make(chan Event, buffer)}
}

// Events returns the event stream.
func (c *ChannelSubscriber) Events() <-chan Event { return c.events }

func (c *ChannelSubscriber) OnConnected(s *Session) {
	c.events <- Event{Kind: EventConnected, Session: s}
}

func (c *ChannelSubscriber) OnConnectFailed(s *Session, err error) {
	c.events <- Event{Kind: EventConnectFailed, Session: s, Err: err}
}

func (c *ChannelSubscriber) OnDisconnected(s *Session, err error) {
	c.events <- Event{Kind: EventDisconnected, Session: s, Err: err}
}

func (c *ChannelSubscriber) OnMessage(s *Session, msg *protocol.Message) {
	c.events <- Event{Kind: EventMessage, Session: s, Message: msg}
}

// mailbox runs queued calls in order on one goroutine. The queue is
// unbounded so that posting never blocks the receive loop.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newMailbox() *mailbox {
	m := &mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *mailbox) post(fn func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// close stops accepting calls. Calls already posted still run.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		closed := m.closed
		m.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-m.wake
			continue
		}
		for _, fn := range batch {
			fn()
		}
	}
}
