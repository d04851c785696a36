package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/starford/fieldsmith/internal/models"
)

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func TestWatchReportsLedgerRewrite(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "progress.json")
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, logger, func(string) { calls.Add(1) })
	}()

	time.Sleep(100 * time.Millisecond)

	_ = os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o644)

	s, _ := NewFS(path)
	l := sampleLedger()
	if err := s.Put(ctx, l, l.Records[101]); err != nil {
		t.Fatalf("Put: %v", err)
	}

	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return calls.Load() > 0
	}, "ledger rewrite not reported")

	// One burst of events is coalesced into a single callback.
	time.Sleep(3 * watchDebounce)
	if n := calls.Load(); n != 1 {
		t.Errorf("expected 1 callback, got %d", n)
	}

	rec := l.Set(models.Record{NoteID: 103, Status: models.StatusSkipped, UpdatedAt: time.Now().UTC()})
	_ = s.Put(ctx, l, rec)
	eventually(t, 5*time.Second, 20*time.Millisecond, func() bool {
		return calls.Load() > 1
	}, "second rewrite not reported")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatchIgnoresOtherFiles(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, filepath.Join(dir, "progress.json"), logger, func(string) { calls.Add(1) })
	}()

	time.Sleep(100 * time.Millisecond)
	_ = os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o644)
	time.Sleep(3 * watchDebounce)

	cancel()
	<-done
	if n := calls.Load(); n != 0 {
		t.Errorf("expected no callbacks, got %d", n)
	}
}
