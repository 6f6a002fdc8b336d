// Package client implements the authenticated control connection to a
// server and the delivery of its traffic to subscribers.
package client

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/omochice/wired-socket/internal/logger"
	"github.com/omochice/wired-socket/internal/transport"
	"github.com/omochice/wired-socket/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// DefaultReplyTimeout bounds each request/reply step of the connect sequence.
const DefaultReplyTimeout = 10 * time.Second

// Options configures a Session.
type Options struct {
	Spec         *protocol.Spec
	Logger       *logrus.Logger
	ReplyTimeout time.Duration
	Application  Application

	Nick   string
	Status string
	Icon   []byte
}

type subscription struct {
	sub Subscriber
	box *mailbox
}

// Session is one authenticated connection. It is used for a single connect
// attempt; after it disconnects a new Session is needed.
type Session struct {
	id           string
	spec         *protocol.Spec
	logger       *logrus.Logger
	log          *logrus.Entry
	replyTimeout time.Duration
	app          Application

	mu           sync.Mutex
	transport    *transport.Transport
	endpoint     transport.Endpoint
	passwordHash string
	connected    bool
	finished     bool
	nick         string
	status       string
	icon         []byte
	userID       uint32
	serverInfo   ServerInfo

	subsMu sync.Mutex
	subs   []subscription

	lastActivity atomic.Int64
	userClosed   atomic.Bool
	finishOnce   sync.Once
	done         chan struct{}
}

// New creates a disconnected Session.
func New(opts Options) *Session {
	spec := opts.Spec
	if spec == nil {
		spec = protocol.DefaultSpec()
	}
	log := opts.Logger
	if log == nil {
		log = logger.New()
	}
	timeout := opts.ReplyTimeout
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	app := opts.Application
	if app.Name == "" {
		app = DefaultApplication
	}
	id := uuid.NewString()
	return &Session{
		id:           id,
		spec:         spec,
		logger:       log,
		log:          log.WithField("session", id[:8]),
		replyTimeout: timeout,
		app:          app,
		nick:         opts.Nick,
		status:       opts.Status,
		icon:         append([]byte(nil), opts.Icon...),
		done:         make(chan struct{}),
	}
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Subscribe registers sub for notifications. Registering the same subscriber
// twice, or registering on a session that has ended, has no effect.
func (s *Session) Subscribe(sub Subscriber) { s.subscribe(sub) }

// subscribe reports whether sub is registered once it returns.
func (s *Session) subscribe(sub Subscriber) bool {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.mu.Lock()
	finished := s.finished
	s.mu.Unlock()
	if finished {
		return false
	}
	for _, existing := range s.subs {
		if existing.sub == sub {
			return true
		}
	}
	s.subs = append(s.subs, subscription{sub: sub, box: newMailbox()})
	return true
}

// Unsubscribe removes sub. Notifications already queued for it still run.
func (s *Session) Unsubscribe(sub Subscriber) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for i, existing := range s.subs {
		if existing.sub == sub {
			existing.box.close()
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}

func (s *Session) notify(fn func(Subscriber)) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, entry := range s.subs {
		sub := entry.sub
		entry.box.post(func() { fn(sub) })
	}
}

// Connect runs handshake, client info, login and presence in order, then
// starts the receive loop. A failure at any step tears the transport down,
// notifies OnConnectFailed and returns a *ConnectError.
func (s *Session) Connect(ctx context.Context, ep transport.Endpoint) error {
	s.mu.Lock()
	if s.transport != nil {
		s.mu.Unlock()
		return &ConnectError{Step: StepHandshake, Err: errors.New("session already used")}
	}
	t := transport.New(transport.Options{Spec: s.spec, Logger: s.logger})
	s.transport = t
	s.endpoint = ep
	s.endpoint.Password = ""
	s.mu.Unlock()

	s.log.WithField("server", ep.Address()).Info("Connecting")
	if err := s.connect(ctx, t, ep); err != nil {
		t.Disconnect()
		s.log.WithError(err).Error("Connect failed")
		s.finishOnce.Do(func() {
			s.mu.Lock()
			s.finished = true
			s.mu.Unlock()
			s.notify(func(sub Subscriber) { sub.OnConnectFailed(s, err) })
			s.closeSubscribers()
			close(s.done)
		})
		return err
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.touch()

	s.log.WithField("user_id", s.UserID()).Info("Connected")
	s.notify(func(sub Subscriber) { sub.OnConnected(s) })
	go s.receiveLoop(t)
	return nil
}

func (s *Session) connect(ctx context.Context, t *transport.Transport, ep transport.Endpoint) error {
	if err := t.Connect(ctx, ep); err != nil {
		return &ConnectError{Step: StepHandshake, Err: err}
	}

	hash := PasswordHash(ep.Password)
	ep.Password = ""
	userID, info, err := s.authenticate(ctx, t, ep.Login, hash)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.passwordHash = hash
	s.userID = userID
	s.serverInfo = info
	nick, status, icon := s.nick, s.status, s.icon
	s.mu.Unlock()

	presence := []struct {
		step  Step
		name  string
		field string
		value any
	}{
		{StepNick, protocol.MsgSetNick, protocol.FieldUserNick, nick},
		{StepStatus, protocol.MsgSetStatus, protocol.FieldUserStatus, status},
		{StepIcon, protocol.MsgSetIcon, protocol.FieldUserIcon, icon},
	}
	for _, p := range presence {
		msg, err := protocol.Build(s.spec, p.name, map[string]any{p.field: p.value})
		if err != nil {
			return &ConnectError{Step: p.step, Err: err}
		}
		reply, err := s.request(ctx, t, msg)
		if err != nil {
			return &ConnectError{Step: p.step, Err: err}
		}
		if err := expectOkay(reply); err != nil {
			return &ConnectError{Step: p.step, Err: err}
		}
	}
	return nil
}

// authenticate runs the client info and login exchanges on t.
func (s *Session) authenticate(ctx context.Context, t *transport.Transport, login, hash string) (uint32, ServerInfo, error) {
	hello, err := clientInfo(s.spec, s.app)
	if err != nil {
		return 0, ServerInfo{}, &ConnectError{Step: StepClientInfo, Err: err}
	}
	reply, err := s.request(ctx, t, hello)
	if err != nil {
		return 0, ServerInfo{}, &ConnectError{Step: StepClientInfo, Err: err}
	}
	if reply.Name != protocol.MsgServerInfo {
		return 0, ServerInfo{}, &ConnectError{Step: StepClientInfo, Err: replyError(reply)}
	}
	info := parseServerInfo(reply)

	msg, err := protocol.Build(s.spec, protocol.MsgSendLogin, map[string]any{
		protocol.FieldUserLogin:    login,
		protocol.FieldUserPassword: hash,
	})
	if err != nil {
		return 0, ServerInfo{}, &ConnectError{Step: StepLogin, Err: err}
	}
	reply, err = s.request(ctx, t, msg)
	if err != nil {
		return 0, ServerInfo{}, &ConnectError{Step: StepLogin, Err: err}
	}
	if reply.Name != protocol.MsgLogin {
		return 0, ServerInfo{}, &ConnectError{Step: StepLogin, Err: fmt.Errorf("%w: %w", ErrAuthentication, replyError(reply))}
	}
	userID, ok := reply.Uint32(protocol.FieldUserID)
	if !ok {
		return 0, ServerInfo{}, &ConnectError{Step: StepLogin, Err: fmt.Errorf("%w: login reply has no user id", ErrAuthentication)}
	}
	return userID, info, nil
}

// request sends msg and returns the first reply that is not a keep-alive
// ping. Pings are answered on the way.
func (s *Session) request(ctx context.Context, t *transport.Transport, msg *protocol.Message) (*protocol.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, s.replyTimeout)
	defer cancel()
	reply, err := t.Request(ctx, msg)
	for err == nil && reply.Name == protocol.MsgSendPing {
		s.log.WithField("request", msg.Name).Debug("Answered ping while waiting for reply")
		reply, err = t.Request(ctx, protocol.NewMessage(protocol.MsgPing, s.spec))
	}
	return reply, err
}

func expectOkay(reply *protocol.Message) error {
	if reply.Name == protocol.MsgOkay {
		return nil
	}
	return replyError(reply)
}

// replyError describes an unexpected reply as an ErrServer.
func replyError(reply *protocol.Message) error {
	if reply.Name != protocol.MsgError {
		return fmt.Errorf("%w: unexpected reply %s", ErrServer, reply.Name)
	}
	code, _ := reply.Uint32(protocol.FieldErrorCode)
	text, _ := reply.String(protocol.FieldErrorString)
	return fmt.Errorf("%w: code %d: %s", ErrServer, code, text)
}

// PasswordHash is the login hash of password: lowercase hex SHA-1.
func PasswordHash(password string) string {
	sum := sha1.Sum([]byte(password))
	return hex.EncodeToString(sum[:])
}

func (s *Session) receiveLoop(t *transport.Transport) {
	for {
		msg, err := t.Receive()
		if err != nil {
			s.finish(t, err)
			return
		}
		s.touch()

		if msg.Name == protocol.MsgSendPing {
			if err := t.Send(protocol.NewMessage(protocol.MsgPing, s.spec)); err != nil {
				s.finish(t, err)
				return
			}
			s.log.Debug("Answered ping")
			continue
		}
		s.notify(func(sub Subscriber) { sub.OnMessage(s, msg) })
	}
}

func (s *Session) finish(t *transport.Transport, err error) {
	s.finishOnce.Do(func() {
		t.Disconnect()
		if s.userClosed.Load() {
			err = nil
		}
		s.mu.Lock()
		s.connected = false
		s.finished = true
		s.mu.Unlock()

		if err != nil {
			s.log.WithError(err).Warn("Disconnected")
		} else {
			s.log.Info("Disconnected")
		}
		s.notify(func(sub Subscriber) { sub.OnDisconnected(s, err) })
		s.closeSubscribers()
		close(s.done)
	})
}

func (s *Session) closeSubscribers() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, entry := range s.subs {
		entry.box.close()
	}
	s.subs = nil
}

// Disconnect closes the session. It is safe to call from any goroutine,
// including a subscriber, and more than once. Subscribers see
// OnDisconnected with a nil error.
func (s *Session) Disconnect() {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return
	}
	s.userClosed.Store(true)
	t.Disconnect()
}

// Done is closed once the session has ended and its final notification is
// queued.
func (s *Session) Done() <-chan struct{} { return s.done }

// Connected reports whether the receive loop is running.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time the last inbound frame arrived, or the zero
// time before connecting.
func (s *Session) LastActivity() time.Time {
	ns := s.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// UserID returns the id the server assigned at login.
func (s *Session) UserID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// ServerInfo returns the server's self-description.
func (s *Session) ServerInfo() ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// Transport returns the underlying transport, or nil before Connect.
func (s *Session) Transport() *transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}

// Send writes msg on the session's transport. Replies arrive as ordinary
// messages.
func (s *Session) Send(msg *protocol.Message) error {
	s.mu.Lock()
	t, connected := s.transport, s.connected
	s.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	return t.Send(msg)
}

func (s *Session) sendFields(name string, values map[string]any) error {
	msg, err := protocol.Build(s.spec, name, values)
	if err != nil {
		return err
	}
	return s.Send(msg)
}

// JoinChannel asks to join a chat. It does not wait for the reply; the user
// list arrives later through OnMessage.
func (s *Session) JoinChannel(id uint32) error {
	return s.sendFields(protocol.MsgJoinChat, map[string]any{protocol.FieldChatID: id})
}

// SendSay posts text to a chat.
func (s *Session) SendSay(chatID uint32, text string) error {
	return s.sendFields(protocol.MsgSendSay, map[string]any{
		protocol.FieldChatID:  chatID,
		protocol.FieldChatSay: text,
	})
}

// SetNick updates the nickname, announcing it when connected.
func (s *Session) SetNick(nick string) error {
	s.mu.Lock()
	s.nick = nick
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return nil
	}
	return s.sendFields(protocol.MsgSetNick, map[string]any{protocol.FieldUserNick: nick})
}

// SetStatus updates the status text, announcing it when connected.
func (s *Session) SetStatus(status string) error {
	s.mu.Lock()
	s.status = status
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return nil
	}
	return s.sendFields(protocol.MsgSetStatus, map[string]any{protocol.FieldUserStatus: status})
}

// SetIcon updates the icon, announcing it when connected.
func (s *Session) SetIcon(icon []byte) error {
	icon = append([]byte(nil), icon...)
	s.mu.Lock()
	s.icon = icon
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return nil
	}
	return s.sendFields(protocol.MsgSetIcon, map[string]any{protocol.FieldUserIcon: icon})
}

// Nick returns the current nickname.
func (s *Session) Nick() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nick
}

// DialTransfer opens a second transport to the session's server and logs in
// with the session's credentials. The caller owns the returned transport.
func (s *Session) DialTransfer(ctx context.Context) (*transport.Transport, error) {
	s.mu.Lock()
	ep, hash, connected := s.endpoint, s.passwordHash, s.connected
	s.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	t := transport.New(transport.Options{Spec: s.spec, Logger: s.logger})
	if err := t.Connect(ctx, ep); err != nil {
		return nil, &ConnectError{Step: StepHandshake, Err: err}
	}
	if _, _, err := s.authenticate(ctx, t, ep.Login, hash); err != nil {
		t.Disconnect()
		return nil, err
	}
	return t, nil
}
