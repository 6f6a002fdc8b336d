package server

import (
	"context"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/omochice/wired-socket/internal/client"
	"github.com/omochice/wired-socket/internal/logger"
	"github.com/omochice/wired-socket/internal/transport"
	"github.com/omochice/wired-socket/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectProtocol(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  protocolType
	}{
		{name: "websocket upgrade", input: []byte("GET /wired HTTP/1.1\r\n"), want: protocolWebSocket},
		{name: "raw frame", input: []byte{0, 0, 0, 42, 1, 2, 3}, want: protocolTCP},
		{name: "other method", input: []byte("POST / HTTP/1.1\r\n"), want: protocolWebSocket},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			serverConn, clientConn := net.Pipe()
			defer serverConn.Close()
			defer clientConn.Close()
			go func() { _, _ = clientConn.Write(tt.input) }()

			got, reader, err := detectProtocol(serverConn)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// peeked bytes are still readable
			buf := make([]byte, len(tt.input))
			_, err = reader.Read(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.input[:4], buf[:4])
		})
	}
}

func TestResolve(t *testing.T) {
	root := filepath.FromSlash("/srv/files")
	s := New(Options{Logger: logger.Discard(), Root: root})

	tests := []struct {
		remote    string
		wantLocal string
		wantClean string
		wantErr   error
	}{
		{remote: "", wantLocal: root, wantClean: "/"},
		{remote: "/", wantLocal: root, wantClean: "/"},
		{remote: "docs/a.txt", wantLocal: filepath.Join(root, "docs", "a.txt"), wantClean: "/docs/a.txt"},
		{remote: "/docs//./a.txt", wantLocal: filepath.Join(root, "docs", "a.txt"), wantClean: "/docs/a.txt"},
		{remote: "../etc/passwd", wantErr: errTraversal},
		{remote: "/docs/../../etc", wantErr: errTraversal},
	}

	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			local, clean, err := s.resolve(tt.remote)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLocal, local)
			assert.Equal(t, tt.wantClean, clean)
		})
	}

	_, _, err := New(Options{Logger: logger.Discard()}).resolve("/a")
	assert.ErrorIs(t, err, fs.ErrPermission)
}

func startServer(t *testing.T, opts Options) (*Server, transport.Endpoint) {
	t.Helper()
	opts.Logger = logger.Discard()
	if opts.Accounts == nil {
		opts.Accounts = map[string]string{"guest": ""}
	}
	s := New(opts)
	require.NoError(t, s.Listen("127.0.0.1:0"))
	served := make(chan error, 1)
	go func() { served <- s.Serve(context.Background()) }()
	t.Cleanup(func() {
		s.Stop()
		assert.NoError(t, <-served)
	})

	host, port, err := net.SplitHostPort(s.Addr())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return s, transport.Endpoint{Network: transport.NetworkTCP, Host: host, Port: p, Login: "guest"}
}

func dial(t *testing.T, ep transport.Endpoint) *transport.Transport {
	t.Helper()
	tr := transport.New(transport.Options{Logger: logger.Discard()})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Connect(ctx, ep))
	t.Cleanup(tr.Disconnect)
	return tr
}

func request(t *testing.T, tr *transport.Transport, name string, values map[string]any) *protocol.Message {
	t.Helper()
	msg, err := protocol.Build(tr.Spec(), name, values)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := tr.Request(ctx, msg)
	require.NoError(t, err)
	return reply
}

func login(t *testing.T, tr *transport.Transport) uint32 {
	t.Helper()
	reply := request(t, tr, protocol.MsgSendLogin, map[string]any{
		protocol.FieldUserLogin:    "guest",
		protocol.FieldUserPassword: client.PasswordHash(""),
	})
	require.Equal(t, protocol.MsgLogin, reply.Name)
	id, ok := reply.Uint32(protocol.FieldUserID)
	require.True(t, ok)
	return id
}

func assertError(t *testing.T, msg *protocol.Message, code uint32) {
	t.Helper()
	require.Equal(t, protocol.MsgError, msg.Name, "got %s", msg.Describe())
	got, _ := msg.Uint32(protocol.FieldErrorCode)
	assert.Equal(t, code, got)
}

func TestServer_ErrorReplies(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	_, ep := startServer(t, Options{Root: root})

	anon := dial(t, ep)
	assertError(t, request(t, anon, protocol.MsgListDirectory, map[string]any{protocol.FieldFilePath: "/"}), ErrorNotLoggedIn)
	assertError(t, request(t, anon, protocol.MsgSendLogin, map[string]any{
		protocol.FieldUserLogin:    "guest",
		protocol.FieldUserPassword: client.PasswordHash("wrong"),
	}), ErrorLoginFailed)

	tr := dial(t, ep)
	login(t, tr)

	tests := []struct {
		name   string
		msg    string
		values map[string]any
		code   uint32
	}{
		{name: "second login", msg: protocol.MsgSendLogin, values: map[string]any{protocol.FieldUserLogin: "guest"}, code: ErrorLoginFailed},
		{name: "list outside root", msg: protocol.MsgListDirectory, values: map[string]any{protocol.FieldFilePath: "../"}, code: ErrorPermissionDenied},
		{name: "list missing directory", msg: protocol.MsgListDirectory, values: map[string]any{protocol.FieldFilePath: "/nope"}, code: ErrorFileNotFound},
		{name: "list a file", msg: protocol.MsgListDirectory, values: map[string]any{protocol.FieldFilePath: "/a.txt"}, code: ErrorFileNotFound},
		{name: "download outside root", msg: protocol.MsgDownloadFile, values: map[string]any{protocol.FieldFilePath: "/../a.txt"}, code: ErrorPermissionDenied},
		{name: "download past end", msg: protocol.MsgDownloadFile, values: map[string]any{protocol.FieldFilePath: "/a.txt", protocol.FieldTransferDataOffset: uint64(10)}, code: ErrorTransferNotActive},
		{name: "say outside chat", msg: protocol.MsgSendSay, values: map[string]any{protocol.FieldChatID: uint32(9), protocol.FieldChatSay: "hi"}, code: ErrorPermissionDenied},
		{name: "client-only message", msg: protocol.MsgOkay, code: ErrorUnrecognized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertError(t, request(t, tr, tt.msg, tt.values), tt.code)
		})
	}
}

func TestServer_ListDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.txt"), []byte("hi"), 0o644))
	_, ep := startServer(t, Options{Root: root})

	type entry struct {
		path string
		kind uint8
		size uint64
	}
	tests := []struct {
		name      string
		recursive bool
		want      []entry
	}{
		{
			name: "top level",
			want: []entry{
				{"/a.txt", protocol.FileTypeFile, 5},
				{"/sub", protocol.FileTypeDirectory, 0},
			},
		},
		{
			name:      "recursive",
			recursive: true,
			want: []entry{
				{"/a.txt", protocol.FileTypeFile, 5},
				{"/sub", protocol.FileTypeDirectory, 0},
				{"/sub/b.txt", protocol.FileTypeFile, 2},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := dial(t, ep)
			login(t, tr)
			msg, err := protocol.Build(tr.Spec(), protocol.MsgListDirectory, map[string]any{
				protocol.FieldFilePath:      "/",
				protocol.FieldFileRecursive: tt.recursive,
			})
			require.NoError(t, err)
			require.NoError(t, tr.Send(msg))

			var got []entry
			for {
				reply, err := tr.Receive()
				require.NoError(t, err)
				if reply.Name == protocol.MsgFileListDone {
					break
				}
				require.Equal(t, protocol.MsgFileList, reply.Name)
				var e entry
				e.path, _ = reply.String(protocol.FieldFilePath)
				e.kind, _ = reply.Uint8(protocol.FieldFileType)
				e.size, _ = reply.Uint64(protocol.FieldFileDataSize)
				got = append(got, e)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestServer_TransferQueue(t *testing.T) {
	root := t.TempDir()
	data := make([]byte, 8<<10)
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.bin"), data, 0o644))
	_, ep := startServer(t, Options{Root: root, MaxTransfers: 1, ChunkSize: 1024, ChunkDelay: 10 * time.Millisecond})

	download := func(tr *transport.Transport) {
		msg, err := protocol.Build(tr.Spec(), protocol.MsgDownloadFile, map[string]any{protocol.FieldFilePath: "/f.bin"})
		require.NoError(t, err)
		require.NoError(t, tr.Send(msg))
	}

	first := dial(t, ep)
	login(t, first)
	download(first)
	reply, err := first.Receive()
	require.NoError(t, err)
	require.Equal(t, protocol.MsgDownload, reply.Name)

	second := dial(t, ep)
	login(t, second)
	download(second)
	reply, err = second.Receive()
	require.NoError(t, err)
	require.Equal(t, protocol.MsgTransferQueue, reply.Name)
	pos, _ := reply.Uint32(protocol.FieldTransferQueuePos)
	assert.Equal(t, uint32(1), pos)

	var received int
	for received < len(data) {
		chunk, err := first.ReceiveData()
		require.NoError(t, err)
		received += len(chunk)
	}

	reply, err = second.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgDownload, reply.Name)
	size, _ := reply.Uint64(protocol.FieldTransferDataSize)
	assert.Equal(t, uint64(len(data)), size)
}

func TestServer_WebSocketSession(t *testing.T) {
	srv, ep := startServer(t, Options{Name: "ws"})
	ep.Network = transport.NetworkWebSocket

	s := client.New(client.Options{Logger: logger.Discard(), Nick: "websocket"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx, ep))
	defer s.Disconnect()

	assert.Equal(t, "ws", s.ServerInfo().Name)
	assert.Equal(t, 1, srv.hub.Count())
	assert.Equal(t, []uint32{s.UserID()}, srv.Users())
}

func TestServer_KickAndPing(t *testing.T) {
	srv, ep := startServer(t, Options{})
	tr := dial(t, ep)
	id := login(t, tr)

	require.NoError(t, srv.Ping(id))
	msg, err := tr.Receive()
	require.NoError(t, err)
	assert.Equal(t, protocol.MsgSendPing, msg.Name)

	require.NoError(t, tr.Send(protocol.NewMessage(protocol.MsgPing, tr.Spec())))
	require.Eventually(t, func() bool { return srv.PongCount(id) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Kick(id))
	_, err = tr.Receive()
	assert.ErrorIs(t, err, transport.ErrClosed)
	require.Eventually(t, func() bool { return len(srv.Users()) == 0 }, 5*time.Second, 10*time.Millisecond)

	assert.Error(t, srv.Kick(id))
	assert.Error(t, srv.Ping(id))
	assert.Zero(t, srv.PongCount(id))
}

func TestServer_PingLoop(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	_, ep := startServer(t, Options{PingInterval: time.Millisecond, Root: root})

	// a transfer connection logs in without publishing presence
	transfer := dial(t, ep)
	login(t, transfer)

	tr := dial(t, ep)
	login(t, tr)
	for range 20 {
		reply := request(t, tr, protocol.MsgSetNick, map[string]any{protocol.FieldUserNick: "alice"})
		require.Equal(t, protocol.MsgOkay, reply.Name, "no ping before presence is published")
		reply = request(t, transfer, protocol.MsgListDirectory, map[string]any{protocol.FieldFilePath: "/"})
		require.Equal(t, protocol.MsgFileList, reply.Name)
		reply, err := transfer.Receive()
		require.NoError(t, err)
		require.Equal(t, protocol.MsgFileListDone, reply.Name)
	}
	reply := request(t, tr, protocol.MsgSetIcon, map[string]any{protocol.FieldUserIcon: []byte{}})
	require.Equal(t, protocol.MsgOkay, reply.Name)

	for range 2 {
		msg, err := tr.Receive()
		require.NoError(t, err)
		assert.Equal(t, protocol.MsgSendPing, msg.Name)
	}
}

func TestServer_Stop(t *testing.T) {
	s := New(Options{Logger: logger.Discard()})
	assert.Error(t, s.Serve(context.Background()), "serve before listen")

	require.NoError(t, s.Listen("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- s.Serve(ctx) }()
	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}

	_, err := net.Dial("tcp", s.Addr())
	assert.Error(t, err, "listener closed")

	s.Stop()
}
