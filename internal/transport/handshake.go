package transport

import (
	"context"
	"errors"
	"fmt"
	"math/bits"

	"github.com/omochice/wired-socket/internal/logger"
	"github.com/omochice/wired-socket/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// HandshakeVersion is the framing version sent in both handshake messages.
const HandshakeVersion = "1.0"

func (t *Transport) newMessage(name string) *protocol.Message {
	return protocol.NewMessage(name, t.spec)
}

// expect receives the next handshake message and checks its name. Framing
// and decode failures are reported as handshake failures.
func (t *Transport) expect(name string) (*protocol.Message, error) {
	msg, err := t.readMessage()
	if err != nil {
		if errors.Is(err, ErrClosed) || errors.Is(err, ErrIO) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if msg.Name != name {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrHandshake, name, msg.Name)
	}
	return msg, nil
}

func (t *Transport) handshakeMessage(name string, ciphers, compressions uint32) (*protocol.Message, error) {
	msg := t.newMessage(name)
	for _, kv := range []struct {
		field string
		value any
	}{
		{protocol.FieldHandshakeVersion, HandshakeVersion},
		{protocol.FieldProtocolName, t.spec.ProtocolName},
		{protocol.FieldProtocolVersion, t.spec.ProtocolVersion},
		{protocol.FieldEncryption, ciphers},
		{protocol.FieldCompression, compressions},
	} {
		if err := msg.Set(kv.field, kv.value); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func (t *Transport) checkPeerHandshake(msg *protocol.Message) error {
	name, _ := msg.String(protocol.FieldProtocolName)
	if name != t.spec.ProtocolName {
		return fmt.Errorf("%w: peer speaks %q, want %q", ErrHandshake, name, t.spec.ProtocolName)
	}
	return nil
}

func (t *Transport) clientHandshake(ep Endpoint) error {
	offeredCiphers := cipherMask(ep.offeredCiphers())
	offeredCompressions := compressionMask(ep.offeredCompressions())

	hello, err := t.handshakeMessage(protocol.MsgClientHandshake, offeredCiphers, offeredCompressions)
	if err != nil {
		return err
	}
	if err := t.Send(hello); err != nil {
		return err
	}

	reply, err := t.expect(protocol.MsgServerHandshake)
	if err != nil {
		return err
	}
	if err := t.checkPeerHandshake(reply); err != nil {
		return err
	}
	serverCiphers, _ := reply.Uint32(protocol.FieldEncryption)
	serverCompressions, _ := reply.Uint32(protocol.FieldCompression)

	c, ok := selectCipher(offeredCiphers, serverCiphers)
	if !ok {
		return fmt.Errorf("%w: no common cipher (offered %#x, server %#x)", ErrHandshake, offeredCiphers, serverCiphers)
	}
	comp, ok := selectCompression(offeredCompressions, serverCompressions)
	if !ok {
		return fmt.Errorf("%w: no common compression (offered %#x, server %#x)", ErrHandshake, offeredCompressions, serverCompressions)
	}

	ack := t.newMessage(protocol.MsgHandshakeAck)
	if err := ack.Set(protocol.FieldSelectedEncryption, uint32(c)); err != nil {
		return err
	}
	if err := ack.Set(protocol.FieldSelectedCompression, uint32(comp)); err != nil {
		return err
	}
	if err := t.Send(ack); err != nil {
		return err
	}
	if err := t.enableCompression(comp); err != nil {
		return err
	}
	if c == CipherNone {
		t.cipher = CipherNone
		return nil
	}

	kp, err := generateKeyPair()
	if err != nil {
		return err
	}
	clientKey := t.newMessage(protocol.MsgClientKey)
	if err := clientKey.Set(protocol.FieldPublicKey, kp.public); err != nil {
		return err
	}
	if err := t.Send(clientKey); err != nil {
		return err
	}
	serverKey, err := t.expect(protocol.MsgServerKey)
	if err != nil {
		return err
	}
	serverPub, _ := serverKey.Bytes(protocol.FieldPublicKey)
	c2s, s2c, err := sessionCiphers(c, kp, serverPub, kp.public, serverPub)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	t.sealer, t.opener = c2s, s2c
	t.cipher = c

	// the first sealed frame proves both sides derived the same keys
	if _, err := t.expect(protocol.MsgEncryptionAck); err != nil {
		return err
	}
	return nil
}

func (t *Transport) enableCompression(c Compression) error {
	comp, err := newCompressor(c, t.maxFrame)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.readMu.Lock()
	defer t.readMu.Unlock()
	select {
	case <-t.closed:
		comp.close()
		return fmt.Errorf("%w: disconnected during handshake", ErrClosed)
	default:
	}
	t.comp = comp
	t.compression = c
	return nil
}

// ServerOptions configures the accepting side of the handshake.
type ServerOptions struct {
	Spec         *protocol.Spec
	Logger       *logrus.Logger
	MaxFrameSize int

	// Ciphers advertised to clients. Empty means DefaultCiphers plus
	// CipherNone.
	Ciphers []Cipher
	// Compressions advertised to clients. Empty means DefaultCompressions.
	Compressions []Compression
}

// Accept runs the server side of the handshake on an established stream.
// On failure the stream is closed.
func Accept(ctx context.Context, stream Stream, opts ServerOptions) (*Transport, error) {
	log := opts.Logger
	if log == nil {
		log = logger.New()
	}
	t := New(Options{Spec: opts.Spec, Logger: log, MaxFrameSize: opts.MaxFrameSize})
	t.used = true
	t.state = StateHandshaking
	t.attach(stream)

	ciphers := opts.Ciphers
	if len(ciphers) == 0 {
		ciphers = append(append([]Cipher{}, DefaultCiphers...), CipherNone)
	}
	compressions := opts.Compressions
	if len(compressions) == 0 {
		compressions = DefaultCompressions
	}

	err := t.withContext(ctx, func() error {
		return t.serverHandshake(cipherMask(ciphers), compressionMask(compressions))
	})
	if err != nil {
		t.Disconnect()
		return nil, err
	}
	t.setState(StateReady)
	t.log.WithFields(logrus.Fields{
		"cipher":      t.cipher,
		"compression": t.compression,
	}).Debug("Accepted handshake")
	return t, nil
}

func (t *Transport) serverHandshake(ciphers, compressions uint32) error {
	hello, err := t.expect(protocol.MsgClientHandshake)
	if err != nil {
		return err
	}
	if err := t.checkPeerHandshake(hello); err != nil {
		return err
	}

	reply, err := t.handshakeMessage(protocol.MsgServerHandshake, ciphers, compressions)
	if err != nil {
		return err
	}
	if err := t.Send(reply); err != nil {
		return err
	}

	ack, err := t.expect(protocol.MsgHandshakeAck)
	if err != nil {
		return err
	}
	selectedCipher, _ := ack.Uint32(protocol.FieldSelectedEncryption)
	selectedCompression, _ := ack.Uint32(protocol.FieldSelectedCompression)
	if bits.OnesCount32(selectedCipher) != 1 || selectedCipher&ciphers == 0 {
		return fmt.Errorf("%w: client selected unsupported cipher %#x", ErrHandshake, selectedCipher)
	}
	if bits.OnesCount32(selectedCompression) != 1 || selectedCompression&compressions == 0 {
		return fmt.Errorf("%w: client selected unsupported compression %#x", ErrHandshake, selectedCompression)
	}
	if err := t.enableCompression(Compression(selectedCompression)); err != nil {
		return err
	}

	c := Cipher(selectedCipher)
	if c == CipherNone {
		t.cipher = CipherNone
		return nil
	}

	clientKey, err := t.expect(protocol.MsgClientKey)
	if err != nil {
		return err
	}
	clientPub, _ := clientKey.Bytes(protocol.FieldPublicKey)
	kp, err := generateKeyPair()
	if err != nil {
		return err
	}
	serverKey := t.newMessage(protocol.MsgServerKey)
	if err := serverKey.Set(protocol.FieldPublicKey, kp.public); err != nil {
		return err
	}
	if err := t.Send(serverKey); err != nil {
		return err
	}
	c2s, s2c, err := sessionCiphers(c, kp, clientPub, clientPub, kp.public)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	t.sealer, t.opener = s2c, c2s
	t.cipher = c

	return t.Send(t.newMessage(protocol.MsgEncryptionAck))
}
