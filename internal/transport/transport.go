// Package transport owns the protocol stream: it runs the handshake,
// negotiates cipher and compression, and moves length-prefixed frames.
package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/omochice/wired-socket/internal/logger"
	"github.com/omochice/wired-socket/internal/transport/tcp"
	"github.com/omochice/wired-socket/internal/transport/ws"
	"github.com/omochice/wired-socket/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// DefaultMaxFrameSize bounds a single transport frame.
const DefaultMaxFrameSize = 16 << 20

const (
	frameHeaderSize = 4
	aeadOverhead    = 16
)

// Stream is the byte stream a Transport runs on.
type Stream interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	SetDeadline(t time.Time) error
}

// State is the lifecycle position of a Transport.
type State int

const (
	StateDisconnected State = iota
	StateHandshaking
	StateReady
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Options configures a Transport.
type Options struct {
	Spec         *protocol.Spec
	Logger       *logrus.Logger
	MaxFrameSize int
}

// Transport is one protocol connection. Send may be called from any
// goroutine; frames are written one at a time. Receive must have a single
// caller at a time.
type Transport struct {
	spec     *protocol.Spec
	log      *logrus.Entry
	maxFrame int

	mu     sync.Mutex
	state  State
	used   bool
	stream Stream
	remote string

	writeMu sync.Mutex
	readMu  sync.Mutex
	reader  *bufio.Reader

	cipher      Cipher
	compression Compression
	sealer      *frameCipher
	opener      *frameCipher
	comp        compressor

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a disconnected Transport.
func New(opts Options) *Transport {
	spec := opts.Spec
	if spec == nil {
		spec = protocol.DefaultSpec()
	}
	log := opts.Logger
	if log == nil {
		log = logger.New()
	}
	maxFrame := opts.MaxFrameSize
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Transport{
		spec:     spec,
		log:      logrus.NewEntry(log),
		maxFrame: maxFrame,
		cipher:   CipherNone,
		closed:   make(chan struct{}),
	}
}

// Connect dials the endpoint and runs the client side of the handshake.
// The context bounds both the dial and the handshake. A Transport can be
// connected only once.
func (t *Transport) Connect(ctx context.Context, ep Endpoint) error {
	t.mu.Lock()
	if t.used {
		t.mu.Unlock()
		return fmt.Errorf("%w: transport already used", ErrClosed)
	}
	t.used = true
	t.state = StateHandshaking
	t.mu.Unlock()

	stream, err := dial(ctx, ep)
	if err != nil {
		t.setState(StateDisconnected)
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	t.attach(stream)

	if err := t.withContext(ctx, func() error { return t.clientHandshake(ep) }); err != nil {
		t.Disconnect()
		return err
	}

	t.setState(StateReady)
	t.log.WithFields(logrus.Fields{
		"cipher":      t.cipher,
		"compression": t.compression,
	}).Info("Handshake complete")
	return nil
}

func dial(ctx context.Context, ep Endpoint) (Stream, error) {
	switch ep.Network {
	case NetworkWebSocket:
		conn, err := ws.Dial(ctx, ep.Address())
		if err != nil {
			return nil, err
		}
		return conn, nil
	case NetworkTCP, "":
		conn, err := tcp.Dial(ctx, ep.Address())
		if err != nil {
			return nil, err
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported network %q", ep.Network)
	}
}

func (t *Transport) attach(stream Stream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stream = stream
	t.reader = bufio.NewReader(stream)
	if addr := stream.RemoteAddr(); addr != nil {
		t.remote = addr.String()
	}
	t.log = t.log.WithField("remote", t.remote)
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateDisconnected && s != StateHandshaking {
		return
	}
	t.state = s
}

// Cipher returns the negotiated cipher.
func (t *Transport) Cipher() Cipher { return t.cipher }

// Compression returns the negotiated compression.
func (t *Transport) Compression() Compression { return t.compression }

// Spec returns the schema messages are encoded with.
func (t *Transport) Spec() *protocol.Spec { return t.spec }

// RemoteAddr returns the peer address, or "" before connecting.
func (t *Transport) RemoteAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

// Disconnect closes the stream. It is idempotent and safe from any state or
// goroutine; blocked Send and Receive calls fail with ErrClosed. A
// disconnected transport cannot be connected again.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.state = StateDisconnected
	t.used = true
	stream := t.stream
	t.mu.Unlock()

	if stream == nil {
		return
	}
	t.closeOnce.Do(func() {
		_ = stream.Close()
		close(t.closed)
		// in-flight frames may still use the compressor
		t.writeMu.Lock()
		t.readMu.Lock()
		if t.comp != nil {
			t.comp.close()
		}
		t.readMu.Unlock()
		t.writeMu.Unlock()
		t.log.Debug("Transport disconnected")
	})
}

// Done is closed when the stream of a connected transport is closed.
func (t *Transport) Done() <-chan struct{} { return t.closed }

func (t *Transport) isDisconnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateDisconnected
}

// Send encodes and writes msg. Any write failure disconnects the transport.
func (t *Transport) Send(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := t.ensureOpen(); err != nil {
		return err
	}
	if err := t.writeFrame(data); err != nil {
		return err
	}
	t.log.WithField("message", msg.Name).Debug("Sent message")
	return nil
}

// Receive blocks until one message arrives. Any failure, including a frame
// that does not decode, disconnects the transport.
func (t *Transport) Receive() (*protocol.Message, error) {
	if err := t.ensureOpen(); err != nil {
		return nil, err
	}
	msg, err := t.readMessage()
	if err != nil {
		return nil, err
	}
	t.log.WithField("message", msg.Name).Debug("Received message")
	return msg, nil
}

// Request sends msg and waits for the next inbound message. The context
// deadline or cancellation bounds the whole exchange. It must not be used
// while another goroutine is receiving.
func (t *Transport) Request(ctx context.Context, msg *protocol.Message) (*protocol.Message, error) {
	var reply *protocol.Message
	err := t.withContext(ctx, func() error {
		if err := t.Send(msg); err != nil {
			return err
		}
		var err error
		reply, err = t.Receive()
		return err
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// SendData writes one raw data frame through the negotiated pipeline.
func (t *Transport) SendData(p []byte) error {
	if err := t.ensureOpen(); err != nil {
		return err
	}
	return t.writeFrame(p)
}

// ReceiveData reads one raw data frame.
func (t *Transport) ReceiveData() ([]byte, error) {
	if err := t.ensureOpen(); err != nil {
		return nil, err
	}
	return t.readFrame()
}

// ensureOpen rejects I/O outside the ready states and promotes a ready
// transport to streaming on first application traffic.
func (t *Transport) ensureOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateReady:
		t.state = StateStreaming
		return nil
	case StateStreaming, StateHandshaking:
		return nil
	default:
		if t.used {
			return ErrClosed
		}
		return ErrNotConnected
	}
}

// withContext applies ctx to the stream for the duration of fn: its deadline
// becomes the stream deadline and cancellation expires the stream deadline.
func (t *Transport) withContext(ctx context.Context, fn func() error) error {
	t.mu.Lock()
	stream := t.stream
	t.mu.Unlock()
	if stream == nil {
		return ErrNotConnected
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = stream.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		if stop() {
			_ = stream.SetDeadline(time.Time{})
		}
	}()

	err := fn()
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", err, ctx.Err())
	}
	return err
}

func (t *Transport) writeFrame(plain []byte) error {
	t.writeMu.Lock()
	err := t.writeFrameLocked(plain)
	t.writeMu.Unlock()
	if err != nil && !errors.Is(err, protocol.ErrMalformedMessage) {
		t.Disconnect()
	}
	return err
}

func (t *Transport) writeFrameLocked(plain []byte) error {
	payload := plain
	if t.comp != nil {
		var err error
		if payload, err = t.comp.compress(payload); err != nil {
			return fmt.Errorf("%w: failed to compress frame: %w", ErrIO, err)
		}
	}
	if len(payload) > t.maxFrame-aeadOverhead {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", protocol.ErrMalformedMessage, len(payload))
	}
	if t.sealer != nil {
		payload = t.sealer.seal(payload)
	}

	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)

	if _, err := t.stream.Write(frame); err != nil {
		return t.classify(err)
	}
	return nil
}

func (t *Transport) readFrame() ([]byte, error) {
	t.readMu.Lock()
	frame, err := t.readFrameLocked()
	t.readMu.Unlock()
	if err != nil {
		t.Disconnect()
		return nil, err
	}
	return frame, nil
}

func (t *Transport) readFrameLocked() ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(t.reader, header[:]); err != nil {
		return nil, t.classify(err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if uint64(size) > uint64(t.maxFrame) {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", protocol.ErrMalformedMessage, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(t.reader, payload); err != nil {
		return nil, t.classify(err)
	}

	if t.opener != nil {
		plain, err := t.opener.open(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: frame authentication failed", protocol.ErrMalformedMessage)
		}
		payload = plain
	}
	if t.comp != nil {
		plain, err := t.comp.decompress(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decompress frame: %v", protocol.ErrMalformedMessage, err)
		}
		payload = plain
	}
	return payload, nil
}

func (t *Transport) readMessage() (*protocol.Message, error) {
	frame, err := t.readFrame()
	if err != nil {
		return nil, err
	}
	msg, err := protocol.Decode(frame, t.spec)
	if err != nil {
		t.Disconnect()
		return nil, err
	}
	return msg, nil
}

// classify maps stream errors onto ErrClosed (orderly close by either side)
// and ErrIO (everything else).
func (t *Transport) classify(err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return fmt.Errorf("%w: %w", ErrClosed, err)
	case t.isDisconnected():
		return fmt.Errorf("%w: %w", ErrClosed, err)
	default:
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
}
