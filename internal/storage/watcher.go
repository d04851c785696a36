package storage

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces bursts of writes (temp file, rename, WAL) into one
// notification.
const watchDebounce = 100 * time.Millisecond

// ChangeCallback is called after the watched ledger changed on disk.
type ChangeCallback func(path string)

// Watch starts an fsnotify watcher on the directory holding path and calls
// cb whenever the ledger file or its SQLite sidecars change, until ctx is
// cancelled. The directory is watched rather than the file because atomic
// rewrites replace the file's inode.
func Watch(ctx context.Context, path string, logger *slog.Logger, cb ChangeCallback) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(abs)
	if err := w.Add(dir); err != nil {
		return err
	}

	logger.Info("watcher: started", slog.String("path", abs))

	base := filepath.Base(abs)
	relevant := map[string]bool{
		base:          true,
		base + "-wal": true,
		base + "-shm": true,
	}

	var timer *time.Timer
	var timerCh <-chan time.Time

	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(watchDebounce)
			timerCh = timer.C
		} else {
			timer.Reset(watchDebounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-timerCh:
			logger.Debug("watcher: ledger changed", slog.String("path", abs))
			if cb != nil {
				cb(abs)
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !relevant[filepath.Base(ev.Name)] {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0 {
				schedule()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}
