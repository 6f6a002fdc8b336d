package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/omochice/wired-socket/pkg/protocol"
)

var errTraversal = errors.New("path escapes the served root")

// resolve maps a remote slash path onto the served root. Paths with ".."
// segments are rejected rather than cleaned.
func (s *Server) resolve(remote string) (string, string, error) {
	if s.opts.Root == "" {
		return "", "", fs.ErrPermission
	}
	for _, seg := range strings.Split(remote, "/") {
		if seg == ".." {
			return "", "", errTraversal
		}
	}
	clean := path.Clean("/" + remote)
	return filepath.Join(s.opts.Root, filepath.FromSlash(clean)), clean, nil
}

// rootStats counts the files under the served root and their total size.
func (s *Server) rootStats() (count, size uint64) {
	if s.opts.Root == "" {
		return 0, 0
	}
	_ = filepath.WalkDir(s.opts.Root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			count++
			size += uint64(info.Size())
		}
		return nil
	})
	return count, size
}

func (p *peer) fileError(err error) {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		p.sendError(ErrorFileNotFound, "file not found")
	case errors.Is(err, errTraversal), errors.Is(err, fs.ErrPermission):
		p.sendError(ErrorPermissionDenied, "permission denied")
	default:
		p.log.WithError(err).Warn("File request failed")
		p.sendError(ErrorInternal, "internal error")
	}
}

func (p *peer) handleList(msg *protocol.Message) {
	remote, _ := msg.String(protocol.FieldFilePath)
	recursive, _ := msg.Bool(protocol.FieldFileRecursive)
	local, clean, err := p.server.resolve(remote)
	if err != nil {
		p.fileError(err)
		return
	}
	info, err := os.Stat(local)
	if err != nil {
		p.fileError(err)
		return
	}
	if !info.IsDir() {
		p.sendError(ErrorFileNotFound, "not a directory")
		return
	}

	s := p.server
	err = filepath.WalkDir(local, func(file string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if file == local {
			return nil
		}
		rel, err := filepath.Rel(local, file)
		if err != nil {
			return err
		}
		entry := map[string]any{
			protocol.FieldFilePath: path.Join(clean, filepath.ToSlash(rel)),
			protocol.FieldFileType: protocol.FileTypeFile,
		}
		if d.IsDir() {
			entry[protocol.FieldFileType] = protocol.FileTypeDirectory
			entry[protocol.FieldFileDataSize] = uint64(0)
		} else {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			entry[protocol.FieldFileDataSize] = uint64(fi.Size())
		}
		p.send(s.message(protocol.MsgFileList, entry))
		if d.IsDir() && !recursive {
			return fs.SkipDir
		}
		return nil
	})
	if err != nil {
		p.fileError(err)
		return
	}
	p.send(s.message(protocol.MsgFileListDone, map[string]any{protocol.FieldFilePath: clean}))
}

// acquireSlot waits for a transfer slot, telling the client its queue
// position while it waits.
func (p *peer) acquireSlot(ctx context.Context, remote string) error {
	s := p.server
	if s.slots.TryAcquire(1) {
		return nil
	}
	pos := s.queued.Add(1)
	defer s.queued.Add(-1)
	p.send(s.message(protocol.MsgTransferQueue, map[string]any{
		protocol.FieldFilePath:         remote,
		protocol.FieldTransferQueuePos: uint32(pos),
	}))
	return s.slots.Acquire(ctx, 1)
}

// transferContext is cancelled when the peer's transport closes.
func (p *peer) transferContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-p.t.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (p *peer) handleDownload(msg *protocol.Message) bool {
	remote, _ := msg.String(protocol.FieldFilePath)
	offset, _ := msg.Uint64(protocol.FieldTransferDataOffset)
	local, clean, err := p.server.resolve(remote)
	if err != nil {
		p.fileError(err)
		return true
	}
	f, err := os.Open(local)
	if err != nil {
		p.fileError(err)
		return true
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		p.fileError(err)
		return true
	}
	if info.IsDir() {
		p.sendError(ErrorFileNotFound, "is a directory")
		return true
	}
	size := uint64(info.Size())
	if offset > size {
		p.sendError(ErrorTransferNotActive, fmt.Sprintf("offset %d past end of %d byte file", offset, size))
		return true
	}

	ctx, cancel := p.transferContext()
	defer cancel()
	if err := p.acquireSlot(ctx, clean); err != nil {
		return false
	}
	defer p.server.slots.Release(1)

	p.send(p.server.message(protocol.MsgDownload, map[string]any{
		protocol.FieldFilePath:           clean,
		protocol.FieldTransferDataOffset: offset,
		protocol.FieldTransferDataSize:   size - offset,
	}))
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return false
	}

	log := p.log.WithField("path", clean)
	log.WithField("offset", offset).Info("Download started")
	buf := make([]byte, p.server.opts.ChunkSize)
	remaining := size - offset
	for remaining > 0 {
		n, err := f.Read(buf[:min(uint64(len(buf)), remaining)])
		if n > 0 {
			if err := p.t.SendData(buf[:n]); err != nil {
				log.WithError(err).Info("Download interrupted")
				return false
			}
			remaining -= uint64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// the file shrank; the client sees a short transfer
				log.Warn("File shrank during download")
			}
			return false
		}
		if delay := p.server.opts.ChunkDelay; delay > 0 && remaining > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(delay):
			}
		}
	}
	log.Info("Download finished")
	return true
}

func (p *peer) handleUpload(msg *protocol.Message) bool {
	remote, _ := msg.String(protocol.FieldFilePath)
	size, _ := msg.Uint64(protocol.FieldTransferDataSize)
	local, clean, err := p.server.resolve(remote)
	if err != nil {
		p.fileError(err)
		return true
	}

	var offset uint64
	if info, err := os.Stat(local); err == nil {
		if info.IsDir() {
			p.sendError(ErrorPermissionDenied, "is a directory")
			return true
		}
		if uint64(info.Size()) <= size {
			offset = uint64(info.Size())
		}
	}

	ctx, cancel := p.transferContext()
	defer cancel()
	if err := p.acquireSlot(ctx, clean); err != nil {
		return false
	}
	defer p.server.slots.Release(1)

	out, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		p.fileError(err)
		return true
	}
	defer out.Close()
	if err := out.Truncate(int64(offset)); err != nil {
		p.fileError(err)
		return true
	}

	p.send(p.server.message(protocol.MsgUploadReady, map[string]any{
		protocol.FieldFilePath:           clean,
		protocol.FieldTransferDataOffset: offset,
	}))

	start, err := p.t.Receive()
	if err != nil {
		return false
	}
	if start.Name != protocol.MsgUpload {
		p.sendError(ErrorTransferNotActive, "expected "+protocol.MsgUpload)
		return true
	}
	from, _ := start.Uint64(protocol.FieldTransferDataOffset)
	remaining, _ := start.Uint64(protocol.FieldTransferDataSize)
	if from != offset {
		p.sendError(ErrorTransferNotActive, "upload offset mismatch")
		return true
	}
	if _, err := out.Seek(int64(offset), io.SeekStart); err != nil {
		return false
	}

	log := p.log.WithField("path", clean)
	log.WithField("offset", offset).Info("Upload started")
	for remaining > 0 {
		chunk, err := p.t.ReceiveData()
		if err != nil {
			log.WithError(err).Info("Upload interrupted")
			return false
		}
		if uint64(len(chunk)) > remaining {
			p.sendError(ErrorTransferNotActive, "upload exceeds announced size")
			return false
		}
		if _, err := out.Write(chunk); err != nil {
			p.fileError(err)
			return false
		}
		remaining -= uint64(len(chunk))
	}
	if err := out.Sync(); err != nil {
		p.fileError(err)
		return false
	}
	log.Info("Upload finished")
	p.okay()
	return true
}
