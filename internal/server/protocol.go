package server

import (
	"bufio"
	"bytes"
	"net"
	"time"
)

type protocolType int

const (
	protocolTCP protocolType = iota
	protocolWebSocket
)

func (p protocolType) String() string {
	if p == protocolWebSocket {
		return "websocket"
	}
	return "tcp"
}

const peekTimeout = 10 * time.Second

// httpPrefixes are the first four bytes of the HTTP request methods. A raw
// protocol stream starts with a big-endian frame length instead, which for
// any frame under 16 MiB has a zero first byte.
var httpPrefixes = [][]byte{
	[]byte("GET "), []byte("POST"), []byte("PUT "), []byte("HEAD"),
	[]byte("OPTI"), []byte("PATC"), []byte("DELE"), []byte("CONN"),
}

// detectProtocol peeks at the first bytes of conn to tell a WebSocket upgrade
// from a raw stream. The returned reader still holds the peeked bytes.
func detectProtocol(conn net.Conn) (protocolType, *bufio.Reader, error) {
	reader := bufio.NewReader(conn)

	_ = conn.SetReadDeadline(time.Now().Add(peekTimeout))
	defer conn.SetReadDeadline(time.Time{})

	peek, err := reader.Peek(4)
	if err != nil {
		return protocolTCP, reader, err
	}
	for _, prefix := range httpPrefixes {
		if bytes.Equal(peek, prefix) {
			return protocolWebSocket, reader, nil
		}
	}
	return protocolTCP, reader, nil
}

// bufferedConn is a net.Conn whose reads go through the reader that holds
// the peeked bytes.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (bc *bufferedConn) Read(p []byte) (int, error) {
	return bc.reader.Read(p)
}
