package server

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/omochice/wired-socket/internal/transport"
	"github.com/omochice/wired-socket/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// Error codes carried in wired.error.
const (
	ErrorInternal          uint32 = 0
	ErrorUnrecognized      uint32 = 1
	ErrorLoginFailed       uint32 = 3
	ErrorNotLoggedIn       uint32 = 4
	ErrorFileNotFound      uint32 = 20
	ErrorPermissionDenied  uint32 = 21
	ErrorTransferNotActive uint32 = 22
)

// peer is one client connection.
type peer struct {
	server *Server
	t      *transport.Transport
	log    *logrus.Entry

	id       uint32
	login    string
	transfer atomic.Bool
	present  atomic.Bool
	pongs    atomic.Int64

	mu     sync.Mutex
	nick   string
	status string
	icon   []byte
	chats  map[uint32]bool
}

func newPeer(s *Server, t *transport.Transport, log *logrus.Entry) *peer {
	return &peer{
		server: s,
		t:      t,
		log:    log,
		chats:  make(map[uint32]bool),
	}
}

func (p *peer) send(msg *protocol.Message) {
	if err := p.t.Send(msg); err != nil {
		p.server.log.WithError(err).WithFields(logrus.Fields{
			"user_id": p.id,
			"message": msg.Name,
		}).Debug("Failed to send")
	}
}

func (p *peer) sendError(code uint32, text string) {
	p.send(p.server.message(protocol.MsgError, map[string]any{
		protocol.FieldErrorCode:   code,
		protocol.FieldErrorString: text,
	}))
}

func (p *peer) okay() {
	p.send(p.server.message(protocol.MsgOkay, nil))
}

func (p *peer) close() {
	p.t.Disconnect()
}

func (p *peer) isTransfer() bool { return p.transfer.Load() }

// pingable reports whether keep-alive pings may be sent. Before presence is
// published the client is still waiting on replies, and transfer
// connections carry raw data.
func (p *peer) pingable() bool { return p.present.Load() && !p.isTransfer() }

func (p *peer) inChat(id uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chats[id]
}

func (p *peer) loggedIn() bool { return p.id != 0 }

// serve reads requests until the connection ends.
func (p *peer) serve() {
	defer func() {
		if p.loggedIn() {
			p.server.hub.unregister(p)
			p.log.Info("User left")
		}
		p.t.Disconnect()
	}()

	for {
		msg, err := p.t.Receive()
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) {
				p.log.WithError(err).Warn("Connection failed")
			}
			return
		}
		p.log.WithField("message", msg.Describe()).Debug("Request")
		if !p.handle(msg) {
			return
		}
	}
}

// handle answers one request. It returns false when the connection should
// end.
func (p *peer) handle(msg *protocol.Message) bool {
	switch msg.Name {
	case protocol.MsgClientInfo:
		p.send(p.serverInfo())
		return true
	case protocol.MsgSendLogin:
		return p.handleLogin(msg)
	case protocol.MsgPing:
		p.pongs.Add(1)
		return true
	}

	if !p.loggedIn() {
		p.sendError(ErrorNotLoggedIn, "login required")
		return true
	}

	switch msg.Name {
	case protocol.MsgSetNick:
		p.mu.Lock()
		p.nick, _ = msg.String(protocol.FieldUserNick)
		p.mu.Unlock()
		p.okay()
	case protocol.MsgSetStatus:
		p.mu.Lock()
		p.status, _ = msg.String(protocol.FieldUserStatus)
		p.mu.Unlock()
		p.okay()
	case protocol.MsgSetIcon:
		p.mu.Lock()
		p.icon, _ = msg.Bytes(protocol.FieldUserIcon)
		p.mu.Unlock()
		p.okay()
		p.present.Store(true)
	case protocol.MsgJoinChat:
		p.handleJoin(msg)
	case protocol.MsgSendSay:
		p.handleSay(msg)
	case protocol.MsgListDirectory:
		p.handleList(msg)
	case protocol.MsgDownloadFile:
		p.transfer.Store(true)
		return p.handleDownload(msg)
	case protocol.MsgUploadFile:
		p.transfer.Store(true)
		return p.handleUpload(msg)
	default:
		p.log.WithField("message", msg.Name).Warn("Unrecognized request")
		p.sendError(ErrorUnrecognized, "unrecognized message "+msg.Name)
	}
	return true
}

func (p *peer) serverInfo() *protocol.Message {
	s := p.server
	count, size := s.rootStats()
	return s.message(protocol.MsgServerInfo, map[string]any{
		protocol.FieldApplicationName:    "wired-socket-server",
		protocol.FieldApplicationVersion: "1.0",
		protocol.FieldApplicationBuild:   "1",
		protocol.FieldOSName:             runtime.GOOS,
		protocol.FieldOSVersion:          runtime.Version(),
		protocol.FieldArch:               runtime.GOARCH,
		protocol.FieldSupportsRsrc:       false,
		protocol.FieldServerName:         s.opts.Name,
		protocol.FieldServerDescription:  s.opts.Description,
		protocol.FieldStartTime:          s.startTime.Unix(),
		protocol.FieldFilesCount:         count,
		protocol.FieldFilesSize:          size,
	})
}

func (p *peer) handleLogin(msg *protocol.Message) bool {
	if p.loggedIn() {
		p.sendError(ErrorLoginFailed, "already logged in")
		return true
	}
	login, _ := msg.String(protocol.FieldUserLogin)
	hash, _ := msg.String(protocol.FieldUserPassword)
	want, ok := p.server.accounts[login]
	if !ok || want != hash {
		p.log.WithField("login", login).Warn("Login failed")
		p.sendError(ErrorLoginFailed, "login failed")
		return true
	}

	p.id = p.server.nextID.Add(1)
	p.login = login
	p.log = p.log.WithFields(logrus.Fields{"user_id": p.id, "login": login})
	p.server.hub.register(p)
	p.log.Info("User logged in")

	p.send(p.server.message(protocol.MsgLogin, map[string]any{
		protocol.FieldUserID: p.id,
	}))
	return true
}

func (p *peer) handleJoin(msg *protocol.Message) {
	chat, _ := msg.Uint32(protocol.FieldChatID)
	p.mu.Lock()
	p.chats[chat] = true
	p.mu.Unlock()

	s := p.server
	var users []*protocol.Message
	for _, member := range s.hub.members(chat) {
		member.mu.Lock()
		users = append(users, s.message(protocol.MsgChatUser, map[string]any{
			protocol.FieldUserID:     member.id,
			protocol.FieldUserNick:   member.nick,
			protocol.FieldUserStatus: member.status,
			protocol.FieldUserIdle:   false,
		}))
		member.mu.Unlock()
	}
	p.send(s.message(protocol.MsgChatUserList, map[string]any{
		protocol.FieldChatID:    chat,
		protocol.FieldChatUsers: users,
	}))
	p.send(s.message(protocol.MsgChatUserListDone, map[string]any{
		protocol.FieldChatID: chat,
	}))
}

func (p *peer) handleSay(msg *protocol.Message) {
	chat, _ := msg.Uint32(protocol.FieldChatID)
	text, _ := msg.String(protocol.FieldChatSay)
	if !p.inChat(chat) {
		p.sendError(ErrorPermissionDenied, "not in chat")
		return
	}
	p.server.hub.broadcast(chat, p.server.message(protocol.MsgSay, map[string]any{
		protocol.FieldChatID:  chat,
		protocol.FieldUserID:  p.id,
		protocol.FieldChatSay: text,
	}))
}
