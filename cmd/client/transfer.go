package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/omochice/wired-socket/internal/transfer"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func newDownloadCommand(a *app) *cobra.Command {
	var (
		dir       string
		recursive bool
	)
	cmd := &cobra.Command{
		Use:   "download remote-path...",
		Short: "Download files or directories from the server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("dir") {
				a.cfg.DownloadDir = dir
			}
			files := make([]transfer.FileRef, len(args))
			for i, p := range args {
				files[i] = transfer.FileRef{Path: p, Directory: recursive}
			}
			return a.transfer(cmd.Context(), func(m *transfer.Manager) ([]*transfer.Transfer, error) {
				out := make([]*transfer.Transfer, len(files))
				for i, f := range files {
					out[i] = m.Download(f, a.cfg.DownloadDir)
				}
				return out, nil
			})
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "Local directory to download into")
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Treat the remote paths as directories")
	return cmd
}

func newUploadCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "upload local-file remote-path",
		Short: "Upload a file to the server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.transfer(cmd.Context(), func(m *transfer.Manager) ([]*transfer.Transfer, error) {
				t, err := m.Upload(args[0], args[1])
				if err != nil {
					return nil, err
				}
				return []*transfer.Transfer{t}, nil
			})
		},
	}
}

// progress draws one bar per transfer from its updates.
type progress struct {
	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

func (p *progress) observe(u transfer.Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bar, ok := p.bars[u.ID]
	if !ok {
		bar = progressbar.DefaultBytes(-1, u.ID[:8])
		p.bars[u.ID] = bar
	}
	if u.Size > 0 && bar.GetMax64() != int64(u.Size) {
		bar.ChangeMax64(int64(u.Size))
	}
	_ = bar.Set64(int64(u.Transferred))
	if u.State.IsStopped() {
		bar.Describe(u.Summary())
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
}

// transfer connects, queues transfers with start and waits for all of them
// to stop. It fails if any transfer did not finish.
func (a *app) transfer(ctx context.Context, start func(*transfer.Manager) ([]*transfer.Transfer, error)) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	s, err := a.connect(ctx, nil)
	if err != nil {
		return err
	}
	defer s.Disconnect()

	bars := &progress{bars: make(map[string]*progressbar.ProgressBar)}
	m := transfer.NewManager(s, transfer.ManagerOptions{
		Logger:    a.log,
		MaxActive: a.cfg.MaxTransfers,
		Observer:  bars.observe,
	})
	defer m.Close()

	transfers, err := start(m)
	if err != nil {
		return err
	}

	waited := make(chan struct{})
	go func() {
		m.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		for _, t := range transfers {
			_ = t.Stop()
		}
		<-waited
	}

	var failed int
	for _, t := range transfers {
		if t.State() != transfer.Finished {
			failed++
			a.log.WithField("path", t.File().Path).Warn(t.Summary())
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d transfers did not finish", failed, len(transfers))
	}
	return nil
}
