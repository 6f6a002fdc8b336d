package transfer

import (
	"context"
	"errors"
	"sync"

	"github.com/omochice/wired-socket/internal/client"
	"github.com/omochice/wired-socket/internal/logger"
	"github.com/omochice/wired-socket/pkg/protocol"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxActive is the number of transfers a Manager runs at once when
// ManagerOptions.MaxActive is unset.
const DefaultMaxActive = 2

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Logger    *logrus.Logger
	MaxActive int
	ChunkSize int
	Observer  func(Update)
}

// Manager owns the transfers of one session. Transfers wait in Waiting until
// one of MaxActive slots is free, and are disconnected when the session ends.
type Manager struct {
	session *client.Session
	opts    Options
	log     *logrus.Entry
	sem     *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	transfers []*Transfer
}

// NewManager creates a manager for transfers of session.
func NewManager(session *client.Session, opts ManagerOptions) *Manager {
	log := opts.Logger
	if log == nil {
		log = logger.New()
	}
	active := opts.MaxActive
	if active <= 0 {
		active = DefaultMaxActive
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		session: session,
		opts:    Options{Logger: log, ChunkSize: opts.ChunkSize, Observer: opts.Observer},
		log:     log.WithField("session", session.ID()[:8]),
		sem:     semaphore.NewWeighted(int64(active)),
		ctx:     ctx,
		cancel:  cancel,
	}
	session.Subscribe(m)
	return m
}

// Download queues a download of file into localDir.
func (m *Manager) Download(file FileRef, localDir string) *Transfer {
	t := NewDownload(m.session, file, localDir, m.opts)
	m.add(t)
	return t
}

// Upload queues an upload of localPath to remotePath.
func (m *Manager) Upload(localPath, remotePath string) (*Transfer, error) {
	t, err := NewUpload(m.session, localPath, remotePath, m.opts)
	if err != nil {
		return nil, err
	}
	m.add(t)
	return t, nil
}

func (m *Manager) add(t *Transfer) {
	m.mu.Lock()
	m.transfers = append(m.transfers, t)
	m.mu.Unlock()
	m.log.WithField("transfer", t.ID()[:8]).Info("Transfer added")
	m.schedule(t)
}

func (m *Manager) schedule(t *Transfer) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.sem.Acquire(m.ctx, 1); err != nil {
			return
		}
		defer m.sem.Release(1)

		if err := t.Run(m.ctx); err != nil && !errors.Is(err, ErrInvalidTransition) {
			m.log.WithError(err).WithField("transfer", t.ID()[:8]).Warn("Transfer failed")
		}
	}()
}

// Resume requeues a paused transfer.
func (m *Manager) Resume(t *Transfer) error {
	if err := t.Resume(); err != nil {
		return err
	}
	m.schedule(t)
	return nil
}

// Remove cancels t if it is working and forgets it.
func (m *Manager) Remove(t *Transfer) {
	_ = t.Remove()
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.transfers {
		if existing == t {
			m.transfers = append(m.transfers[:i], m.transfers[i+1:]...)
			return
		}
	}
}

// Transfers returns the managed transfers in the order they were added.
func (m *Manager) Transfers() []*Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Transfer(nil), m.transfers...)
}

// DisconnectAll moves every working transfer to Disconnected.
func (m *Manager) DisconnectAll() {
	for _, t := range m.Transfers() {
		if t.State().IsWorking() {
			_ = t.Disconnect()
		}
	}
}

// Wait blocks until no transfer goroutine is running.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close disconnects all transfers and waits for them to stop.
func (m *Manager) Close() {
	m.session.Unsubscribe(m)
	m.DisconnectAll()
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) OnConnected(*client.Session) {}

func (m *Manager) OnConnectFailed(*client.Session, error) { m.DisconnectAll() }

func (m *Manager) OnDisconnected(_ *client.Session, err error) {
	m.log.WithError(err).Info("Session ended, disconnecting transfers")
	m.DisconnectAll()
}

func (m *Manager) OnMessage(*client.Session, *protocol.Message) {}
