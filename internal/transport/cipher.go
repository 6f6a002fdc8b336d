package transport

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Cipher identifies a frame cipher. Values are single bits so that a set of
// ciphers travels as one uint32 mask in the handshake.
type Cipher uint32

const (
	CipherNone Cipher = 1 << iota
	CipherAES128GCM
	CipherChaCha20Poly1305
	CipherAES256GCM
)

// cipherStrength lists ciphers strongest first; negotiation picks the first
// one both sides support.
var cipherStrength = []Cipher{CipherAES256GCM, CipherChaCha20Poly1305, CipherAES128GCM, CipherNone}

// DefaultCiphers is offered when an endpoint does not choose its own.
var DefaultCiphers = []Cipher{CipherAES256GCM, CipherChaCha20Poly1305, CipherAES128GCM}

var cipherNames = map[Cipher]string{
	CipherNone:             "none",
	CipherAES128GCM:        "aes-128-gcm",
	CipherChaCha20Poly1305: "chacha20-poly1305",
	CipherAES256GCM:        "aes-256-gcm",
}

func (c Cipher) String() string {
	if name, ok := cipherNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Cipher(%#x)", uint32(c))
}

// ParseCipher converts a name such as "aes-256-gcm" into a Cipher.
func ParseCipher(s string) (Cipher, error) {
	for c, name := range cipherNames {
		if strings.EqualFold(name, s) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown cipher %q", s)
}

func (c Cipher) keySize() int {
	switch c {
	case CipherAES128GCM:
		return 16
	case CipherAES256GCM:
		return 32
	case CipherChaCha20Poly1305:
		return chacha20poly1305.KeySize
	default:
		return 0
	}
}

func cipherMask(cs []Cipher) uint32 {
	var mask uint32
	for _, c := range cs {
		mask |= uint32(c)
	}
	return mask
}

// selectCipher returns the strongest cipher present in both masks.
func selectCipher(offered, advertised uint32) (Cipher, bool) {
	common := offered & advertised
	for _, c := range cipherStrength {
		if common&uint32(c) != 0 {
			return c, true
		}
	}
	return 0, false
}

func newAEAD(c Cipher, key []byte) (cipher.AEAD, error) {
	switch c {
	case CipherAES128GCM, CipherAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case CipherChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("cipher %s has no AEAD", c)
	}
}

// frameCipher seals or opens frames in one direction. The nonce is a
// counter, so frames must be opened in the order they were sealed.
type frameCipher struct {
	aead    cipher.AEAD
	counter uint64
	nonce   []byte
}

func newFrameCipher(c Cipher, key []byte) (*frameCipher, error) {
	aead, err := newAEAD(c, key)
	if err != nil {
		return nil, err
	}
	return &frameCipher{aead: aead, nonce: make([]byte, aead.NonceSize())}, nil
}

func (fc *frameCipher) nextNonce() []byte {
	binary.BigEndian.PutUint64(fc.nonce[len(fc.nonce)-8:], fc.counter)
	fc.counter++
	return fc.nonce
}

func (fc *frameCipher) seal(plaintext []byte) []byte {
	return fc.aead.Seal(nil, fc.nextNonce(), plaintext, nil)
}

func (fc *frameCipher) open(ciphertext []byte) ([]byte, error) {
	return fc.aead.Open(nil, fc.nextNonce(), ciphertext, nil)
}

// keyPair is an ephemeral X25519 key pair.
type keyPair struct {
	private []byte
	public  []byte
}

func generateKeyPair() (*keyPair, error) {
	private := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, private); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	public, err := curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return &keyPair{private: private, public: public}, nil
}

const (
	infoClientToServer = "wired c2s"
	infoServerToClient = "wired s2c"
)

// sessionCiphers derives the two directional frame ciphers from an X25519
// exchange. clientPub and serverPub bind the keys to this handshake.
func sessionCiphers(c Cipher, kp *keyPair, peerPub, clientPub, serverPub []byte) (c2s, s2c *frameCipher, err error) {
	if len(peerPub) != curve25519.PointSize {
		return nil, nil, fmt.Errorf("peer public key is %d bytes", len(peerPub))
	}
	shared, err := curve25519.X25519(kp.private, peerPub)
	if err != nil {
		return nil, nil, fmt.Errorf("key agreement failed: %w", err)
	}
	salt := bytes.Join([][]byte{clientPub, serverPub}, nil)

	derive := func(info string) (*frameCipher, error) {
		key := make([]byte, c.keySize())
		if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(info)), key); err != nil {
			return nil, fmt.Errorf("key derivation failed: %w", err)
		}
		return newFrameCipher(c, key)
	}

	if c2s, err = derive(infoClientToServer); err != nil {
		return nil, nil, err
	}
	if s2c, err = derive(infoServerToClient); err != nil {
		return nil, nil, err
	}
	return c2s, s2c, nil
}
