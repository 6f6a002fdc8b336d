// Package ws carries protocol frames over WebSocket binary messages using gobwas/ws.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Path is the HTTP path WebSocket clients upgrade on.
const Path = "/wired"

const closeFrameTimeout = time.Second

// Conn adapts a WebSocket connection to a byte stream. Each Write is sent as
// one binary message; Read returns message bytes across calls.
type Conn struct {
	conn   net.Conn
	reader io.Reader
	side   ws.State

	readMu        sync.Mutex
	readBuffer    []byte
	readBufferPos int

	writeMu sync.Mutex
}

// Dial opens a client-side WebSocket connection to addr (host:port).
func Dial(ctx context.Context, addr string) (*Conn, error) {
	conn, br, _, err := ws.Dial(ctx, "ws://"+addr+Path)
	if err != nil {
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}
	var reader io.Reader = conn
	if br != nil {
		reader = br
	}
	return &Conn{conn: conn, reader: reader, side: ws.StateClientSide}, nil
}

// Upgrade performs the server side of the HTTP upgrade. reader must be the
// reader the request bytes are read from (it may hold peeked data).
func Upgrade(conn net.Conn, reader io.Reader) (*Conn, error) {
	if reader == nil {
		reader = conn
	}
	c := &Conn{conn: conn, reader: reader, side: ws.StateServerSide}
	if _, err := ws.Upgrade(c.readWriter()); err != nil {
		return nil, fmt.Errorf("failed to upgrade websocket: %w", err)
	}
	return c, nil
}

func (c *Conn) Read(buf []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.readBufferPos < len(c.readBuffer) {
		n := copy(buf, c.readBuffer[c.readBufferPos:])
		c.readBufferPos += n
		if c.readBufferPos >= len(c.readBuffer) {
			c.readBuffer = nil
			c.readBufferPos = 0
		}
		return n, nil
	}

	var (
		data []byte
		err  error
	)
	if c.side == ws.StateClientSide {
		data, err = wsutil.ReadServerBinary(c.readWriter())
	} else {
		data, err = wsutil.ReadClientBinary(c.readWriter())
	}
	if err != nil {
		var closed wsutil.ClosedError
		if errors.As(err, &closed) {
			return 0, io.EOF
		}
		return 0, err
	}

	n := copy(buf, data)
	if n < len(data) {
		c.readBuffer = data[n:]
		c.readBufferPos = 0
	}
	return n, nil
}

func (c *Conn) Write(data []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var err error
	if c.side == ws.StateClientSide {
		err = wsutil.WriteClientBinary(c.conn, data)
	} else {
		err = wsutil.WriteServerBinary(c.conn, data)
	}
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// Close sends a close frame and closes the connection. The close frame is
// skipped when a write is in flight; closing the socket fails that write.
func (c *Conn) Close() error {
	if c.writeMu.TryLock() {
		_ = c.conn.SetWriteDeadline(time.Now().Add(closeFrameTimeout))
		if c.side == ws.StateClientSide {
			_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, nil)
		} else {
			_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
		}
		c.writeMu.Unlock()
	}
	return c.conn.Close()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// readWriter pairs the buffered reader with a writer that shares the data
// write lock, so control frame replies never interleave with data frames.
func (c *Conn) readWriter() io.ReadWriter {
	return struct {
		io.Reader
		io.Writer
	}{c.reader, lockedWriter{c}}
}

type lockedWriter struct{ c *Conn }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}
