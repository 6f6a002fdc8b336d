package client_test

import (
	"context"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/omochice/wired-socket/internal/client"
	"github.com/omochice/wired-socket/internal/logger"
	"github.com/omochice/wired-socket/internal/server"
	"github.com/omochice/wired-socket/internal/transport"
	"github.com/omochice/wired-socket/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventTimeout = 5 * time.Second

func startServer(t *testing.T, opts server.Options) (*server.Server, transport.Endpoint) {
	t.Helper()
	opts.Logger = logger.Discard()
	if opts.Accounts == nil {
		opts.Accounts = map[string]string{"guest": "", "admin": "secret"}
	}
	srv := server.New(opts)
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	go func() { _ = srv.Serve(context.Background()) }()
	t.Cleanup(srv.Stop)

	host, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return srv, transport.Endpoint{Network: transport.NetworkTCP, Host: host, Port: p, Login: "guest"}
}

func newSession(nick string) (*client.Session, *client.ChannelSubscriber) {
	s := client.New(client.Options{Logger: logger.Discard(), Nick: nick, Status: "testing"})
	sub := client.NewChannelSubscriber(64)
	s.Subscribe(sub)
	return s, sub
}

func connect(t *testing.T, s *client.Session, ep transport.Endpoint) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()
	require.NoError(t, s.Connect(ctx, ep))
	t.Cleanup(s.Disconnect)
}

func nextEvent(t *testing.T, sub *client.ChannelSubscriber) client.Event {
	t.Helper()
	select {
	case e := <-sub.Events():
		return e
	case <-time.After(eventTimeout):
		t.Fatal("timed out waiting for event")
		return client.Event{}
	}
}

// nextMessage skips events until a message named name arrives.
func nextMessage(t *testing.T, sub *client.ChannelSubscriber, name string) *protocol.Message {
	t.Helper()
	for {
		e := nextEvent(t, sub)
		if e.Kind == client.EventMessage && e.Message.Name == name {
			return e.Message
		}
	}
}

func assertNoEvent(t *testing.T, sub *client.ChannelSubscriber) {
	t.Helper()
	select {
	case e := <-sub.Events():
		t.Fatalf("unexpected %s event", e.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSession_Connect(t *testing.T) {
	srv, ep := startServer(t, server.Options{Name: "Test Server", Description: "for tests"})
	s, sub := newSession("alice")
	assert.False(t, s.Connected())
	assert.True(t, s.LastActivity().IsZero())

	connect(t, s, ep)
	e := nextEvent(t, sub)
	assert.Equal(t, client.EventConnected, e.Kind)
	assert.Same(t, s, e.Session)

	assert.True(t, s.Connected())
	assert.NotZero(t, s.UserID())
	assert.Equal(t, []uint32{s.UserID()}, srv.Users())
	assert.False(t, s.LastActivity().IsZero())

	info := s.ServerInfo()
	assert.Equal(t, "Test Server", info.Name)
	assert.Equal(t, "for tests", info.Description)
	assert.NotEmpty(t, info.ApplicationName)
	assert.False(t, info.StartTime.IsZero())

	err := s.Connect(context.Background(), ep)
	assert.ErrorIs(t, err, client.ErrConnect, "a session connects once")
}

func TestSession_ConnectFailures(t *testing.T) {
	_, ep := startServer(t, server.Options{})

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := closed.Addr().(*net.TCPAddr).Port
	require.NoError(t, closed.Close())

	tests := []struct {
		name     string
		endpoint func() transport.Endpoint
		step     client.Step
		want     error
	}{
		{
			name: "wrong password",
			endpoint: func() transport.Endpoint {
				e := ep
				e.Login, e.Password = "admin", "guess"
				return e
			},
			step: client.StepLogin,
			want: client.ErrAuthentication,
		},
		{
			name: "unknown login",
			endpoint: func() transport.Endpoint {
				e := ep
				e.Login = "nobody"
				return e
			},
			step: client.StepLogin,
			want: client.ErrAuthentication,
		},
		{
			name: "nothing listening",
			endpoint: func() transport.Endpoint {
				e := ep
				e.Port = deadPort
				return e
			},
			step: client.StepHandshake,
			want: transport.ErrIO,
		},
		{
			name: "no common cipher",
			endpoint: func() transport.Endpoint {
				e := ep
				e.Ciphers = []transport.Cipher{transport.CipherNone}
				return e
			},
			step: client.StepHandshake,
			want: transport.ErrHandshake,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, sub := newSession("bob")
			err := s.Connect(context.Background(), tt.endpoint())
			require.Error(t, err)
			assert.ErrorIs(t, err, client.ErrConnect)
			assert.ErrorIs(t, err, tt.want)

			var ce *client.ConnectError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, tt.step, ce.Step)

			e := nextEvent(t, sub)
			assert.Equal(t, client.EventConnectFailed, e.Kind)
			assert.ErrorIs(t, e.Err, tt.want)
			select {
			case <-s.Done():
			case <-time.After(eventTimeout):
				t.Fatal("session not done after failed connect")
			}
			assert.False(t, s.Connected())
			assertNoEvent(t, sub)
		})
	}
}

func TestSession_AdminLogin(t *testing.T) {
	_, ep := startServer(t, server.Options{})
	ep.Login, ep.Password = "admin", "secret"
	s, sub := newSession("root")
	connect(t, s, ep)
	assert.Equal(t, client.EventConnected, nextEvent(t, sub).Kind)
}

func TestSession_PingIsAnswered(t *testing.T) {
	srv, ep := startServer(t, server.Options{})
	s, sub := newSession("alice")
	connect(t, s, ep)
	require.Equal(t, client.EventConnected, nextEvent(t, sub).Kind)

	require.NoError(t, srv.Ping(s.UserID()))
	require.Eventually(t, func() bool { return srv.PongCount(s.UserID()) == 1 }, eventTimeout, 10*time.Millisecond)

	// the ping is not forwarded, so the join reply is the next message
	require.NoError(t, s.JoinChannel(1))
	e := nextEvent(t, sub)
	require.Equal(t, client.EventMessage, e.Kind)
	assert.Equal(t, protocol.MsgChatUserList, e.Message.Name)
}

func TestSession_Chat(t *testing.T) {
	_, ep := startServer(t, server.Options{})
	alice, aliceEvents := newSession("alice")
	bob, bobEvents := newSession("bob")
	connect(t, alice, ep)
	connect(t, bob, ep)

	require.NoError(t, alice.JoinChannel(1))
	nextMessage(t, aliceEvents, protocol.MsgChatUserListDone)
	require.NoError(t, bob.JoinChannel(1))
	list := nextMessage(t, bobEvents, protocol.MsgChatUserList)
	users, ok := list.List(protocol.FieldChatUsers)
	require.True(t, ok)
	assert.Len(t, users, 2)
	nextMessage(t, bobEvents, protocol.MsgChatUserListDone)

	require.NoError(t, alice.SendSay(1, "hello bob"))
	say := nextMessage(t, bobEvents, protocol.MsgSay)
	text, _ := say.String(protocol.FieldChatSay)
	from, _ := say.Uint32(protocol.FieldUserID)
	assert.Equal(t, "hello bob", text)
	assert.Equal(t, alice.UserID(), from)

	require.NoError(t, bob.SetNick("robert"))
	assert.Equal(t, "robert", bob.Nick())
	nextMessage(t, bobEvents, protocol.MsgOkay)
}

func TestSession_Disconnect(t *testing.T) {
	t.Run("by caller", func(t *testing.T) {
		_, ep := startServer(t, server.Options{})
		s, sub := newSession("alice")
		connect(t, s, ep)
		require.Equal(t, client.EventConnected, nextEvent(t, sub).Kind)

		s.Disconnect()
		e := nextEvent(t, sub)
		assert.Equal(t, client.EventDisconnected, e.Kind)
		assert.NoError(t, e.Err)

		s.Disconnect()
		<-s.Done()
		assert.False(t, s.Connected())
		assert.ErrorIs(t, s.SendSay(1, "late"), client.ErrNotConnected)
		assertNoEvent(t, sub)
	})

	t.Run("by server", func(t *testing.T) {
		srv, ep := startServer(t, server.Options{})
		s, sub := newSession("alice")
		connect(t, s, ep)
		require.Equal(t, client.EventConnected, nextEvent(t, sub).Kind)

		require.NoError(t, srv.Kick(s.UserID()))
		e := nextEvent(t, sub)
		assert.Equal(t, client.EventDisconnected, e.Kind)
		assert.ErrorIs(t, e.Err, transport.ErrClosed)

		s.Disconnect()
		assertNoEvent(t, sub)
	})
}

func TestSession_DialTransfer(t *testing.T) {
	srv, ep := startServer(t, server.Options{})
	ep.Login, ep.Password = "admin", "secret"
	s, _ := newSession("alice")

	_, err := s.DialTransfer(context.Background())
	assert.ErrorIs(t, err, client.ErrNotConnected)

	connect(t, s, ep)
	tr, err := s.DialTransfer(context.Background())
	require.NoError(t, err)
	defer tr.Disconnect()
	assert.Equal(t, transport.StateReady, tr.State())
	assert.Len(t, srv.Users(), 2)
}

func TestConnections(t *testing.T) {
	srv, ep := startServer(t, server.Options{})
	conns := client.NewConnections(8, logger.Discard())

	s, _ := newSession("alice")
	connect(t, s, ep)
	assert.True(t, conns.Add(s))
	assert.False(t, conns.Add(s))
	assert.Equal(t, 1, conns.Len())
	assert.Equal(t, []*client.Session{s}, conns.All())

	change := <-conns.Changes()
	assert.Equal(t, client.SessionAdded, change.Kind)
	assert.Same(t, s, change.Session)

	require.NoError(t, srv.Kick(s.UserID()))
	select {
	case change = <-conns.Changes():
	case <-time.After(eventTimeout):
		t.Fatal("session not removed after disconnect")
	}
	assert.Equal(t, client.SessionRemoved, change.Kind)
	assert.Zero(t, conns.Len())
	assert.False(t, conns.Remove(s))

	<-s.Done()
	assert.False(t, conns.Add(s), "an ended session is not tracked")
	assert.Zero(t, conns.Len())
}

// fakeServer answers one client's connect sequence by hand, sending a
// keep-alive ping ahead of every reply and waiting for the pong. after runs
// once the icon reply is sent.
func fakeServer(t *testing.T, after func(tr *transport.Transport)) transport.Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	spec := protocol.DefaultSpec()
	build := func(name string, values map[string]any) *protocol.Message {
		msg, err := protocol.Build(spec, name, values)
		require.NoError(t, err)
		return msg
	}
	replies := map[string]*protocol.Message{
		protocol.MsgClientInfo: build(protocol.MsgServerInfo, map[string]any{protocol.FieldServerName: "fake"}),
		protocol.MsgSendLogin:  build(protocol.MsgLogin, map[string]any{protocol.FieldUserID: uint32(7)}),
		protocol.MsgSetNick:    build(protocol.MsgOkay, nil),
		protocol.MsgSetStatus:  build(protocol.MsgOkay, nil),
		protocol.MsgSetIcon:    build(protocol.MsgOkay, nil),
	}
	ping := build(protocol.MsgSendPing, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		tr, err := transport.Accept(context.Background(), conn, transport.ServerOptions{Logger: logger.Discard()})
		if err != nil {
			return
		}
		defer tr.Disconnect()
		for {
			req, err := tr.Receive()
			if err != nil {
				return
			}
			reply, ok := replies[req.Name]
			if !ok {
				continue
			}
			if tr.Send(ping) != nil {
				return
			}
			pong, err := tr.Receive()
			if err != nil || !assert.Equal(t, protocol.MsgPing, pong.Name) {
				return
			}
			if tr.Send(reply) != nil {
				return
			}
			if req.Name == protocol.MsgSetIcon && after != nil {
				after(tr)
			}
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		<-done
	})

	addr := ln.Addr().(*net.TCPAddr)
	return transport.Endpoint{Network: transport.NetworkTCP, Host: "127.0.0.1", Port: addr.Port, Login: "guest"}
}

func TestSession_ConnectAnswersPingsBetweenReplies(t *testing.T) {
	ep := fakeServer(t, nil)
	s, sub := newSession("alice")
	connect(t, s, ep)

	require.Equal(t, client.EventConnected, nextEvent(t, sub).Kind)
	assert.Equal(t, uint32(7), s.UserID())
	assert.Equal(t, "fake", s.ServerInfo().Name)
	assertNoEvent(t, sub)
}

func TestSession_ConnectWhileServerPings(t *testing.T) {
	_, ep := startServer(t, server.Options{PingInterval: time.Millisecond})
	for i := range 20 {
		s, sub := newSession("n" + strconv.Itoa(i))
		connect(t, s, ep)
		require.Equal(t, client.EventConnected, nextEvent(t, sub).Kind)
		s.Disconnect()
	}
}

func TestSession_MalformedFrameDisconnects(t *testing.T) {
	ep := fakeServer(t, func(tr *transport.Transport) {
		// too short for a message length prefix
		_ = tr.SendData([]byte{0xff, 0xff})
	})
	s, sub := newSession("alice")
	connect(t, s, ep)
	require.Equal(t, client.EventConnected, nextEvent(t, sub).Kind)

	e := nextEvent(t, sub)
	assert.Equal(t, client.EventDisconnected, e.Kind)
	assert.ErrorIs(t, e.Err, protocol.ErrMalformedMessage)

	select {
	case <-s.Done():
	case <-time.After(eventTimeout):
		t.Fatal("session did not end")
	}
	assert.False(t, s.Connected())
	s.Disconnect()
	assertNoEvent(t, sub)
}
