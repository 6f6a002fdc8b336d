package transport

import (
	"net"
	"strconv"
)

// DefaultPort is the protocol's well-known port.
const DefaultPort = 4871

// Network selects how the stream is carried.
type Network string

const (
	NetworkTCP       Network = "tcp"
	NetworkWebSocket Network = "ws"
)

// Endpoint describes one connection attempt.
type Endpoint struct {
	Network  Network
	Host     string
	Port     int
	Login    string
	Password string

	// Ciphers offered to the server. Empty means DefaultCiphers. CipherNone
	// is only offered when AllowPlaintext is set.
	Ciphers        []Cipher
	AllowPlaintext bool

	// Compressions offered to the server. Empty means DefaultCompressions.
	Compressions []Compression
}

// Address returns host:port, using DefaultPort when Port is unset.
func (e Endpoint) Address() string {
	port := e.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(e.Host, strconv.Itoa(port))
}

func (e Endpoint) offeredCiphers() []Cipher {
	base := e.Ciphers
	if len(base) == 0 {
		base = DefaultCiphers
	}
	out := make([]Cipher, 0, len(base)+1)
	for _, c := range base {
		if c != CipherNone {
			out = append(out, c)
		}
	}
	if e.AllowPlaintext {
		out = append(out, CipherNone)
	}
	return out
}

func (e Endpoint) offeredCompressions() []Compression {
	if len(e.Compressions) == 0 {
		return DefaultCompressions
	}
	return e.Compressions
}
