package client

import (
	"sync"

	"github.com/omochice/wired-socket/internal/logger"
	"github.com/omochice/wired-socket/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// ChangeKind tells whether a session joined or left a Connections set.
type ChangeKind int

const (
	SessionAdded ChangeKind = iota
	SessionRemoved
)

// Change is one membership change of a Connections set.
type Change struct {
	Kind    ChangeKind
	Session *Session
}

// Connections holds the live sessions of an application. Sessions leave the
// set on their own when they disconnect or fail to connect.
type Connections struct {
	mu       sync.RWMutex
	sessions []*Session
	trackers map[*Session]*tracker
	changes  chan Change
	log      *logrus.Logger
}

// NewConnections creates an empty set. Change notifications are buffered up
// to buffer entries; when the buffer is full new changes are dropped.
func NewConnections(buffer int, log *logrus.Logger) *Connections {
	if log == nil {
		log = logger.New()
	}
	return &Connections{
		trackers: make(map[*Session]*tracker),
		changes:  make(chan Change, buffer),
		log:      log,
	}
}

// Add inserts s. It reports false if s is already present or has already
// ended.
func (c *Connections) Add(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.trackers[s]; ok {
		return false
	}
	tr := &tracker{owner: c}
	// the tracker's Remove waits on c.mu, so it cannot run before the insert
	if !s.subscribe(tr) {
		return false
	}
	c.trackers[s] = tr
	c.sessions = append(c.sessions, s)
	c.publish(Change{Kind: SessionAdded, Session: s})
	return true
}

// Remove deletes s. It reports false if s was not present.
func (c *Connections) Remove(s *Session) bool {
	c.mu.Lock()
	tr, ok := c.trackers[s]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.trackers, s)
	for i, existing := range c.sessions {
		if existing == s {
			c.sessions = append(c.sessions[:i], c.sessions[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	s.Unsubscribe(tr)
	c.publish(Change{Kind: SessionRemoved, Session: s})
	return true
}

// Len returns the number of sessions.
func (c *Connections) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// All returns the sessions in the order they were added.
func (c *Connections) All() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Session(nil), c.sessions...)
}

// Changes returns the membership change stream.
func (c *Connections) Changes() <-chan Change { return c.changes }

func (c *Connections) publish(ch Change) {
	select {
	case c.changes <- ch:
	default:
		c.log.WithField("session", ch.Session.ID()).Warn("Connections change buffer full, dropping change")
	}
}

// tracker removes its session from the owner when the session ends.
type tracker struct {
	owner *Connections
}

func (t *tracker) OnConnected(*Session) {}

func (t *tracker) OnConnectFailed(s *Session, _ error) { t.owner.Remove(s) }

func (t *tracker) OnDisconnected(s *Session, _ error) { t.owner.Remove(s) }

func (t *tracker) OnMessage(*Session, *protocol.Message) {}
