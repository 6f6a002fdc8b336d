package transfer_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/omochice/wired-socket/internal/logger"
	"github.com/omochice/wired-socket/internal/transfer"
	"github.com/omochice/wired-socket/internal/transport"
	"github.com/omochice/wired-socket/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type remoteFile struct {
	path string
	data []byte
}

// scriptedDialer hands each transfer a transport whose other end is run by
// serve instead of the real server.
type scriptedDialer struct {
	ep transport.Endpoint
}

func newScriptedDialer(t *testing.T, serve func(tr *transport.Transport)) *scriptedDialer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				tr, err := transport.Accept(context.Background(), conn, transport.ServerOptions{Logger: logger.Discard()})
				if err != nil {
					return
				}
				defer tr.Disconnect()
				serve(tr)
			}()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})

	port := ln.Addr().(*net.TCPAddr).Port
	return &scriptedDialer{ep: transport.Endpoint{Network: transport.NetworkTCP, Host: "127.0.0.1", Port: port}}
}

func (d *scriptedDialer) DialTransfer(ctx context.Context) (*transport.Transport, error) {
	tr := transport.New(transport.Options{Logger: logger.Discard()})
	if err := tr.Connect(ctx, d.ep); err != nil {
		return nil, err
	}
	return tr, nil
}

// serveFiles lists files for any directory and serves their contents. Every
// reply is preceded by a keep-alive ping.
func serveFiles(t *testing.T, files []remoteFile) func(tr *transport.Transport) {
	return func(tr *transport.Transport) {
		send := func(name string, values map[string]any) bool {
			msg, err := protocol.Build(tr.Spec(), name, values)
			if !assert.NoError(t, err) {
				return false
			}
			return tr.Send(msg) == nil
		}
		for {
			req, err := tr.Receive()
			if err != nil {
				return
			}
			if req.Name == protocol.MsgPing {
				continue
			}
			if !send(protocol.MsgSendPing, nil) {
				return
			}
			remote, _ := req.String(protocol.FieldFilePath)
			switch req.Name {
			case protocol.MsgListDirectory:
				for _, f := range files {
					if !send(protocol.MsgFileList, map[string]any{
						protocol.FieldFilePath:     f.path,
						protocol.FieldFileType:     protocol.FileTypeFile,
						protocol.FieldFileDataSize: uint64(len(f.data)),
					}) {
						return
					}
				}
				if !send(protocol.MsgFileListDone, map[string]any{protocol.FieldFilePath: remote}) {
					return
				}
			case protocol.MsgDownloadFile:
				offset, _ := req.Uint64(protocol.FieldTransferDataOffset)
				for _, f := range files {
					if f.path != remote {
						continue
					}
					data := f.data[offset:]
					if !send(protocol.MsgDownload, map[string]any{
						protocol.FieldFilePath:           remote,
						protocol.FieldTransferDataOffset: offset,
						protocol.FieldTransferDataSize:   uint64(len(data)),
					}) {
						return
					}
					if len(data) > 0 && tr.SendData(data) != nil {
						return
					}
				}
			}
		}
	}
}

func runTransfer(t *testing.T, tr *transfer.Transfer) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return tr.Run(ctx)
}

func TestTransfer_DirectoryAnswersPings(t *testing.T) {
	dialer := newScriptedDialer(t, serveFiles(t, []remoteFile{
		{path: "/dir/a.txt", data: []byte("abc")},
		{path: "/dir/b.txt", data: []byte("defg")},
	}))
	local := t.TempDir()

	tr := transfer.NewDownload(dialer, transfer.FileRef{Path: "/dir", Directory: true}, local, transfer.Options{Logger: logger.Discard()})
	require.NoError(t, runTransfer(t, tr))
	assert.Equal(t, transfer.Finished, tr.State())
	assert.Equal(t, uint64(7), tr.Snapshot().Transferred)

	for name, want := range map[string]string{"a.txt": "abc", "b.txt": "defg"} {
		got, err := os.ReadFile(filepath.Join(local, "dir", name))
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestTransfer_RejectsListedPathsOutsideDirectory(t *testing.T) {
	tests := []struct {
		name   string
		remote string
	}{
		{name: "parent segments", remote: "/dir/../../escaped.txt"},
		{name: "sibling prefix", remote: "/dirx/escaped.txt"},
		{name: "elsewhere", remote: "/escaped.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dialer := newScriptedDialer(t, serveFiles(t, []remoteFile{
				{path: "/dir/ok.txt", data: []byte("ok")},
				{path: tt.remote, data: []byte("escaped")},
			}))
			parent := t.TempDir()
			local := filepath.Join(parent, "downloads")
			require.NoError(t, os.Mkdir(local, 0o755))

			tr := transfer.NewDownload(dialer, transfer.FileRef{Path: "/dir", Directory: true}, local, transfer.Options{Logger: logger.Discard()})
			err := runTransfer(t, tr)
			assert.ErrorIs(t, err, transfer.ErrTransferFailed)
			assert.Equal(t, transfer.Stopped, tr.State())
			assert.Contains(t, tr.Err(), tt.remote)

			assert.NoFileExists(t, filepath.Join(parent, "escaped.txt"))
			assert.NoFileExists(t, filepath.Join(local, "escaped.txt"))
			assert.NoFileExists(t, filepath.Join(local, "dir", "ok.txt"), "nothing is written once a bad entry is listed")
		})
	}
}
