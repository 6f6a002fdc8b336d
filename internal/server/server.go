// Package server is a reference implementation of the protocol's server
// side. It accepts raw TCP and WebSocket clients on one port, authenticates
// them, and serves presence, chat, and files from a root directory.
package server

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omochice/wired-socket/internal/logger"
	"github.com/omochice/wired-socket/internal/transport"
	"github.com/omochice/wired-socket/internal/transport/ws"
	"github.com/omochice/wired-socket/pkg/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultHandshakeTimeout bounds protocol detection and the handshake.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultMaxTransfers is the number of transfers served at once.
	DefaultMaxTransfers = 4
)

// Options configures a Server.
type Options struct {
	Spec   *protocol.Spec
	Logger *logrus.Logger

	Name        string
	Description string
	// Accounts maps login to plaintext password. A "guest" account with an
	// empty password allows anonymous logins.
	Accounts map[string]string
	// Root is the directory served to clients. Empty disables file access.
	Root string

	// PingInterval between keep-alive pings. Zero disables them.
	PingInterval     time.Duration
	HandshakeTimeout time.Duration

	Ciphers      []transport.Cipher
	Compressions []transport.Compression

	ChunkSize    int
	MaxTransfers int
	// ChunkDelay pauses between data chunks to simulate a slow link.
	ChunkDelay time.Duration
}

// Server accepts client connections.
type Server struct {
	opts      Options
	spec      *protocol.Spec
	logger    *logrus.Logger
	log       *logrus.Entry
	accounts  map[string]string
	hub       *Hub
	slots     *semaphore.Weighted
	queued    atomic.Int32
	nextID    atomic.Uint32
	startTime time.Time

	listener net.Listener

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	cancel  context.CancelFunc
	stopped bool
	done    chan struct{}
}

// New creates a Server.
func New(opts Options) *Server {
	spec := opts.Spec
	if spec == nil {
		spec = protocol.DefaultSpec()
	}
	log := opts.Logger
	if log == nil {
		log = logger.New()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 64 << 10
	}
	if opts.MaxTransfers <= 0 {
		opts.MaxTransfers = DefaultMaxTransfers
	}
	accounts := make(map[string]string, len(opts.Accounts))
	for login, password := range opts.Accounts {
		sum := sha1.Sum([]byte(password))
		accounts[login] = hex.EncodeToString(sum[:])
	}
	return &Server{
		opts:      opts,
		spec:      spec,
		logger:    log,
		log:       logrus.NewEntry(log),
		accounts:  accounts,
		hub:       NewHub(),
		slots:     semaphore.NewWeighted(int64(opts.MaxTransfers)),
		startTime: time.Now(),
		conns:     make(map[net.Conn]struct{}),
		done:      make(chan struct{}),
	}
}

// Listen binds the server to address.
func (s *Server) Listen(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener
	s.log.WithField("address", listener.Addr().String()).Info("Server listening (TCP and WebSocket)")
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Serve accepts connections until ctx is cancelled or Stop is called, then
// closes every connection and waits for the handlers to return.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.cancel = cancel
	s.mu.Unlock()
	defer close(s.done)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = s.listener.Close()
		s.closeConns()
		return nil
	})
	g.Go(func() error { return s.acceptLoop(gctx, g) })
	if s.opts.PingInterval > 0 {
		g.Go(func() error {
			s.pingLoop(gctx)
			return nil
		})
	}
	err := g.Wait()
	s.log.Info("Server stopped")
	return err
}

// Stop shuts the server down and waits for Serve to return.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		if s.listener != nil {
			_ = s.listener.Close()
		}
		return
	}
	cancel()
	<-s.done
}

func (s *Server) acceptLoop(ctx context.Context, g *errgroup.Group) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.WithError(err).Warn("Failed to accept connection")
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		g.Go(func() error {
			defer s.untrack(conn)
			s.handleConnection(ctx, conn)
			return nil
		})
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for conn := range conns {
		_ = conn.Close()
	}
	s.hub.closeAll()
}

// handleConnection detects the carrier, runs the handshake and serves the
// peer until it disconnects.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := s.log.WithField("remote", conn.RemoteAddr().String())

	kind, reader, err := detectProtocol(conn)
	if err != nil {
		log.WithError(err).Debug("Failed to peek connection")
		return
	}

	var stream transport.Stream
	if kind == protocolWebSocket {
		wsConn, err := ws.Upgrade(conn, reader)
		if err != nil {
			log.WithError(err).Warn("Failed to upgrade connection")
			return
		}
		stream = wsConn
	} else {
		stream = &bufferedConn{Conn: conn, reader: reader}
	}

	hctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	t, err := transport.Accept(hctx, stream, transport.ServerOptions{
		Spec:         s.spec,
		Logger:       s.logger,
		Ciphers:      s.opts.Ciphers,
		Compressions: s.opts.Compressions,
	})
	cancel()
	if err != nil {
		log.WithError(err).Warn("Handshake failed")
		return
	}
	log.WithFields(logrus.Fields{
		"carrier":     kind,
		"cipher":      t.Cipher(),
		"compression": t.Compression(),
	}).Info("Client connected")

	p := newPeer(s, t, log)
	p.serve()
}

func (s *Server) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range s.hub.snapshot() {
				if p.pingable() {
					p.send(s.message(protocol.MsgSendPing, nil))
				}
			}
		}
	}
}

// Ping sends a keep-alive ping to the user.
func (s *Server) Ping(userID uint32) error {
	p, ok := s.hub.get(userID)
	if !ok {
		return fmt.Errorf("no user %d", userID)
	}
	return p.t.Send(s.message(protocol.MsgSendPing, nil))
}

// PongCount returns how many ping replies the user has sent.
func (s *Server) PongCount(userID uint32) int {
	p, ok := s.hub.get(userID)
	if !ok {
		return 0
	}
	return int(p.pongs.Load())
}

// Kick closes the user's connection.
func (s *Server) Kick(userID uint32) error {
	p, ok := s.hub.get(userID)
	if !ok {
		return fmt.Errorf("no user %d", userID)
	}
	p.close()
	return nil
}

// Users returns the ids of the logged-in users.
func (s *Server) Users() []uint32 {
	peers := s.hub.snapshot()
	ids := make([]uint32, len(peers))
	for i, p := range peers {
		ids[i] = p.id
	}
	return ids
}

// message builds a message from the embedded schema. The field sets used by
// the server always match the schema, so a failure is a programming error.
func (s *Server) message(name string, values map[string]any) *protocol.Message {
	msg, err := protocol.Build(s.spec, name, values)
	if err != nil {
		panic(fmt.Sprintf("server: building %s: %v", name, err))
	}
	return msg
}
