// Package transfer runs file transfers over dedicated transports and tracks
// each one through its state machine.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/omochice/wired-socket/internal/logger"
	"github.com/omochice/wired-socket/internal/transport"
	"github.com/omochice/wired-socket/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// DefaultChunkSize is the size of the data frames a transfer sends.
const DefaultChunkSize = 64 << 10

var (
	// ErrInvalidTransition is returned when a control request does not
	// apply to the transfer's current state.
	ErrInvalidTransition = errors.New("invalid transfer state transition")

	// ErrTransferFailed is returned when the server refuses or breaks off a
	// transfer.
	ErrTransferFailed = errors.New("transfer failed")
)

// Dialer opens an authenticated transport for one transfer.
type Dialer interface {
	DialTransfer(ctx context.Context) (*transport.Transport, error)
}

// Direction is the way data flows.
type Direction int

const (
	Download Direction = iota
	Upload
)

func (d Direction) String() string {
	if d == Upload {
		return "upload"
	}
	return "download"
}

// FileRef names a remote file or directory.
type FileRef struct {
	Path      string
	Size      uint64
	Directory bool
}

// Update is a snapshot of a transfer's progress.
type Update struct {
	ID          string
	State       State
	Transferred uint64
	Size        uint64
	Rate        float64
	Err         string
}

// Options configures a Transfer.
type Options struct {
	Logger    *logrus.Logger
	ChunkSize int
	// Observer, when set, is called synchronously with every update.
	Observer func(Update)
}

// Transfer is one file or directory transfer.
type Transfer struct {
	id        string
	direction Direction
	file      FileRef
	local     string
	dialer    Dialer
	chunkSize int
	observer  func(Update)
	log       *logrus.Entry

	mu          sync.Mutex
	state       State
	running     bool
	transport   *transport.Transport
	transferred uint64
	size        uint64
	errText     string
	meter       rateMeter
	pending     []Update

	flushMu sync.Mutex
	updates chan Update
}

func newTransfer(dir Direction, file FileRef, local string, dialer Dialer, opts Options) *Transfer {
	log := opts.Logger
	if log == nil {
		log = logger.New()
	}
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	id := uuid.NewString()
	return &Transfer{
		id:        id,
		direction: dir,
		file:      file,
		local:     local,
		dialer:    dialer,
		chunkSize: chunk,
		observer:  opts.Observer,
		log: log.WithFields(logrus.Fields{
			"transfer":  id[:8],
			"direction": dir,
			"path":      file.Path,
		}),
		state:   Waiting,
		size:    file.Size,
		updates: make(chan Update, 1),
	}
}

// NewDownload creates a transfer that stores file under localDir.
func NewDownload(dialer Dialer, file FileRef, localDir string, opts Options) *Transfer {
	file.Path = path.Clean("/" + file.Path)
	return newTransfer(Download, file, localDir, dialer, opts)
}

// NewUpload creates a transfer that sends localPath to remotePath.
func NewUpload(dialer Dialer, localPath, remotePath string, opts Options) (*Transfer, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrTransferFailed, localPath)
	}
	file := FileRef{Path: remotePath, Size: uint64(info.Size())}
	return newTransfer(Upload, file, localPath, dialer, opts), nil
}

func (t *Transfer) ID() string           { return t.id }
func (t *Transfer) Direction() Direction { return t.direction }
func (t *Transfer) File() FileRef        { return t.file }

// State returns the current state.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the error text of the last failure, or "".
func (t *Transfer) Err() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errText
}

// Updates delivers progress snapshots. Only the latest undelivered snapshot
// is kept; a slow reader skips intermediate ones.
func (t *Transfer) Updates() <-chan Update { return t.updates }

// Snapshot returns the current progress.
func (t *Transfer) Snapshot() Update {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Transfer) snapshotLocked() Update {
	return Update{
		ID:          t.id,
		State:       t.state,
		Transferred: t.transferred,
		Size:        t.size,
		Rate:        t.meter.rate,
		Err:         t.errText,
	}
}

// emitLocked queues a snapshot of the current progress. Callers hold t.mu
// and call flush after releasing it.
func (t *Transfer) emitLocked() {
	t.pending = append(t.pending, t.snapshotLocked())
}

// flush delivers queued snapshots in the order they were taken. Only one
// goroutine delivers at a time; a flush that finds delivery in progress
// leaves its snapshots to the active deliverer, so an observer may call back
// into the transfer.
func (t *Transfer) flush() {
	for t.flushMu.TryLock() {
		for {
			t.mu.Lock()
			batch := t.pending
			t.pending = nil
			t.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, u := range batch {
				t.deliver(u)
			}
		}
		t.flushMu.Unlock()

		t.mu.Lock()
		more := len(t.pending) > 0
		t.mu.Unlock()
		if !more {
			return
		}
	}
}

func (t *Transfer) deliver(u Update) {
	if t.observer != nil {
		t.observer(u)
	}
	select {
	case t.updates <- u:
		return
	default:
	}
	select {
	case <-t.updates:
	default:
	}
	select {
	case t.updates <- u:
	default:
	}
}

// transition moves to next if allowed. It fails once a control request has
// moved the transfer out of the working states, which is how a run notices
// it should stop.
func (t *Transfer) transition(next State) error {
	t.mu.Lock()
	if !CanTransition(t.state, next) {
		from := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, next)
	}
	t.state = next
	t.emitLocked()
	t.mu.Unlock()

	t.log.WithField("state", next).Debug("Transfer state changed")
	t.flush()
	return nil
}

// Pause stops the transfer so that it can be resumed later.
func (t *Transfer) Pause() error { return t.terminate(Pausing) }

// Stop cancels the transfer.
func (t *Transfer) Stop() error { return t.terminate(Stopping) }

// Disconnect ends the transfer because its connection is going away.
func (t *Transfer) Disconnect() error { return t.terminate(Disconnecting) }

// Remove cancels the transfer ahead of discarding it.
func (t *Transfer) Remove() error { return t.terminate(Removing) }

func (t *Transfer) terminate(action State) error {
	t.mu.Lock()
	if !t.state.IsWorking() {
		from := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, action)
	}
	t.state = action
	t.emitLocked()
	running, tr := t.running, t.transport
	if !running {
		// nothing in flight to confirm the action
		t.state = action.resolved()
		t.emitLocked()
	}
	t.mu.Unlock()

	t.log.WithField("state", action).Info("Transfer control requested")
	t.flush()
	if tr != nil {
		tr.Disconnect()
	}
	return nil
}

// Resume moves a paused transfer back to Queued. The next Run continues from
// the bytes already transferred.
func (t *Transfer) Resume() error {
	if err := t.transition(Queued); err != nil {
		return err
	}
	t.log.Info("Transfer resumed")
	return nil
}

// Run performs the transfer and blocks until it stops. The transfer must be
// Waiting or Queued. The returned error is also recorded as the error text.
func (t *Transfer) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.running || (t.state != Waiting && t.state != Queued) {
		from := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w: cannot run from %s", ErrInvalidTransition, from)
	}
	t.running = true
	t.errText = ""
	t.mu.Unlock()

	var err error
	if t.State() == Waiting {
		err = t.transition(Queued)
	}
	if err == nil {
		err = t.execute(ctx)
	}
	return t.settle(err)
}

// settle moves the transfer to its final state for this run.
func (t *Transfer) settle(err error) error {
	t.mu.Lock()
	t.running = false
	t.transport = nil
	t.meter.rate = 0
	switch {
	case t.state.IsTerminating():
		t.state = t.state.resolved()
		err = nil
	case err == nil:
		t.state = Finished
	case errors.Is(err, transport.ErrIO), errors.Is(err, transport.ErrClosed):
		t.state = Disconnected
		t.errText = err.Error()
	default:
		t.state = Stopped
		t.errText = err.Error()
	}
	final := t.state
	t.emitLocked()
	t.mu.Unlock()

	entry := t.log.WithField("state", final)
	if err != nil {
		entry.WithError(err).Warn("Transfer stopped")
	} else {
		entry.Info("Transfer ended")
	}
	t.flush()
	return err
}

func (t *Transfer) execute(ctx context.Context) error {
	tr, err := t.dialer.DialTransfer(ctx)
	if err != nil {
		return err
	}
	defer tr.Disconnect()

	t.mu.Lock()
	t.transport = tr
	working := t.state.IsWorking()
	t.mu.Unlock()
	if !working {
		return fmt.Errorf("%w: cancelled while connecting", ErrInvalidTransition)
	}

	if t.direction == Upload {
		return t.upload(tr)
	}

	files := []FileRef{t.file}
	if t.file.Directory {
		if err := t.transition(Listing); err != nil {
			return err
		}
		var dirs []FileRef
		files, dirs, err = t.list(tr)
		if err != nil {
			return err
		}
		if err := t.transition(CreatingDirectories); err != nil {
			return err
		}
		for _, d := range append([]FileRef{t.file}, dirs...) {
			dir, err := t.localPath(d.Path)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
	}

	if err := t.prepare(files); err != nil {
		return err
	}
	for _, f := range files {
		if err := t.download(tr, f); err != nil {
			return err
		}
	}
	if t.State() != Running {
		// an empty directory never receives a download reply
		return t.transition(Running)
	}
	return nil
}

// localPath maps a remote path under t.file onto the local directory. It
// fails for paths outside t.file, which only a misbehaving server sends.
func (t *Transfer) localPath(remote string) (string, error) {
	clean := path.Clean("/" + remote)
	var rel string
	switch {
	case clean == t.file.Path:
	case strings.HasPrefix(clean, strings.TrimSuffix(t.file.Path, "/")+"/"):
		rel = strings.TrimPrefix(clean, strings.TrimSuffix(t.file.Path, "/"))
	default:
		return "", fmt.Errorf("%w: %s is outside %s", ErrTransferFailed, remote, t.file.Path)
	}
	base := filepath.Join(t.local, path.Base(t.file.Path))
	local := filepath.Join(base, filepath.FromSlash(rel))
	if r, err := filepath.Rel(base, local); err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes the download directory", ErrTransferFailed, remote)
	}
	return local, nil
}

// receive reads the next message on tr, answering keep-alive pings.
func receive(tr *transport.Transport) (*protocol.Message, error) {
	for {
		msg, err := tr.Receive()
		if err != nil || msg.Name != protocol.MsgSendPing {
			return msg, err
		}
		if err := tr.Send(protocol.NewMessage(protocol.MsgPing, tr.Spec())); err != nil {
			return nil, err
		}
	}
}

// prepare sets the totals from the remote sizes and the bytes already on
// disk from an earlier run.
func (t *Transfer) prepare(files []FileRef) error {
	var size, have uint64
	for _, f := range files {
		local, err := t.localPath(f.Path)
		if err != nil {
			return err
		}
		size += f.Size
		have += min(localSize(local), f.Size)
	}
	t.mu.Lock()
	t.size = size
	t.transferred = have
	t.meter.reset(have)
	t.mu.Unlock()
	return nil
}

func localSize(p string) uint64 {
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return 0
	}
	return uint64(info.Size())
}

func (t *Transfer) list(tr *transport.Transport) (files, dirs []FileRef, err error) {
	req, err := protocol.Build(tr.Spec(), protocol.MsgListDirectory, map[string]any{
		protocol.FieldFilePath:      t.file.Path,
		protocol.FieldFileRecursive: true,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := tr.Send(req); err != nil {
		return nil, nil, err
	}
	for {
		msg, err := receive(tr)
		if err != nil {
			return nil, nil, err
		}
		switch msg.Name {
		case protocol.MsgFileList:
			p, _ := msg.String(protocol.FieldFilePath)
			kind, _ := msg.Uint8(protocol.FieldFileType)
			size, _ := msg.Uint64(protocol.FieldFileDataSize)
			if kind == protocol.FileTypeDirectory {
				dirs = append(dirs, FileRef{Path: p, Directory: true})
			} else {
				files = append(files, FileRef{Path: p, Size: size})
			}
		case protocol.MsgFileListDone:
			return files, dirs, nil
		default:
			return nil, nil, serverError(msg)
		}
	}
}

func (t *Transfer) download(tr *transport.Transport, f FileRef) error {
	dest, err := t.localPath(f.Path)
	if err != nil {
		return err
	}
	offset := localSize(dest)
	if f.Size > 0 && offset >= f.Size {
		return nil
	}

	req, err := protocol.Build(tr.Spec(), protocol.MsgDownloadFile, map[string]any{
		protocol.FieldFilePath:           f.Path,
		protocol.FieldTransferDataOffset: offset,
	})
	if err != nil {
		return err
	}
	if err := tr.Send(req); err != nil {
		return err
	}

	var remaining uint64
	for {
		msg, err := receive(tr)
		if err != nil {
			return err
		}
		if msg.Name == protocol.MsgTransferQueue {
			pos, _ := msg.Uint32(protocol.FieldTransferQueuePos)
			t.log.WithField("position", pos).Debug("Transfer queued by server")
			continue
		}
		if msg.Name != protocol.MsgDownload {
			return serverError(msg)
		}
		remaining, _ = msg.Uint64(protocol.FieldTransferDataSize)
		if start, ok := msg.Uint64(protocol.FieldTransferDataOffset); ok {
			offset = start
		}
		break
	}
	if t.State() != Running {
		if err := t.transition(Running); err != nil {
			return err
		}
	}
	if !t.file.Directory {
		t.mu.Lock()
		t.size = offset + remaining
		t.transferred = offset
		t.meter.reset(offset)
		t.mu.Unlock()
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	if err := out.Truncate(int64(offset)); err != nil {
		return err
	}
	if _, err := out.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}

	for remaining > 0 {
		chunk, err := tr.ReceiveData()
		if err != nil {
			return err
		}
		if uint64(len(chunk)) > remaining {
			return fmt.Errorf("%w: server sent %d bytes past the end", ErrTransferFailed, uint64(len(chunk))-remaining)
		}
		if _, err := out.Write(chunk); err != nil {
			return err
		}
		remaining -= uint64(len(chunk))
		t.progress(len(chunk))
	}
	return out.Sync()
}

func (t *Transfer) upload(tr *transport.Transport) error {
	in, err := os.Open(t.local)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	size := uint64(info.Size())

	req, err := protocol.Build(tr.Spec(), protocol.MsgUploadFile, map[string]any{
		protocol.FieldFilePath:         t.file.Path,
		protocol.FieldTransferDataSize: size,
	})
	if err != nil {
		return err
	}
	if err := tr.Send(req); err != nil {
		return err
	}

	var offset uint64
	for {
		msg, err := receive(tr)
		if err != nil {
			return err
		}
		if msg.Name == protocol.MsgTransferQueue {
			continue
		}
		if msg.Name != protocol.MsgUploadReady {
			return serverError(msg)
		}
		offset, _ = msg.Uint64(protocol.FieldTransferDataOffset)
		break
	}
	if offset > size {
		return fmt.Errorf("%w: server has %d bytes of a %d byte file", ErrTransferFailed, offset, size)
	}
	if err := t.transition(Running); err != nil {
		return err
	}
	t.mu.Lock()
	t.size = size
	t.transferred = offset
	t.meter.reset(offset)
	t.mu.Unlock()

	start, err := protocol.Build(tr.Spec(), protocol.MsgUpload, map[string]any{
		protocol.FieldFilePath:           t.file.Path,
		protocol.FieldTransferDataOffset: offset,
		protocol.FieldTransferDataSize:   size - offset,
	})
	if err != nil {
		return err
	}
	if err := tr.Send(start); err != nil {
		return err
	}
	if _, err := in.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}

	buf := make([]byte, t.chunkSize)
	remaining := size - offset
	for remaining > 0 {
		n, err := in.Read(buf[:min(uint64(len(buf)), remaining)])
		if n > 0 {
			if err := tr.SendData(buf[:n]); err != nil {
				return err
			}
			remaining -= uint64(n)
			t.progress(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) && remaining == 0 {
				break
			}
			return err
		}
	}

	msg, err := receive(tr)
	if err != nil {
		return err
	}
	if msg.Name != protocol.MsgOkay {
		return serverError(msg)
	}
	return nil
}

func (t *Transfer) progress(n int) {
	t.mu.Lock()
	t.transferred += uint64(n)
	t.meter.sample(t.transferred, time.Now())
	t.emitLocked()
	t.mu.Unlock()
	t.flush()
}

func serverError(msg *protocol.Message) error {
	if msg.Name != protocol.MsgError {
		return fmt.Errorf("%w: unexpected %s", ErrTransferFailed, msg.Name)
	}
	code, _ := msg.Uint32(protocol.FieldErrorCode)
	text, _ := msg.String(protocol.FieldErrorString)
	return fmt.Errorf("%w: server error %d: %s", ErrTransferFailed, code, text)
}
