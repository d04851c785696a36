// Package progress tracks per-note outcomes across runs so an interrupted
// enrichment can resume where it stopped.
package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/fieldsmith/internal/apperr"
	"github.com/starford/fieldsmith/internal/models"
	"github.com/starford/fieldsmith/internal/storage"
	"github.com/starford/fieldsmith/internal/task"
)

// Tracker owns the in-memory ledger for one task and mirrors every change to
// its storage provider when persistence is enabled.
type Tracker struct {
	mu      sync.RWMutex
	store   storage.Provider
	task    *task.PromptTask
	logger  *slog.Logger
	ledger  *models.Ledger
	persist bool
	now     func() time.Time
}

// New creates a tracker for t. store may be nil, in which case the ledger
// lives in memory only.
func New(store storage.Provider, t *task.PromptTask, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:   store,
		task:    t,
		logger:  logger,
		ledger:  models.NewLedger(t.Deck(), t.Name(), t.Fingerprint()),
		persist: store != nil && t.SaveProgress() && !t.DryRun(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Persistent reports whether Record writes through to storage.
func (tr *Tracker) Persistent() bool { return tr.persist }

// Load reads the stored ledger. In dry-run mode a load failure is only a
// warning and the run starts from an empty ledger.
func (tr *Tracker) Load(ctx context.Context) error {
	if tr.store == nil {
		return nil
	}
	loaded, err := tr.load(ctx)
	if err != nil {
		if tr.task.DryRun() {
			tr.logger.Warn("progress: ignoring unreadable ledger in dry run",
				slog.String("path", tr.store.Path()),
				slog.String("error", err.Error()))
			return nil
		}
		return err
	}
	if loaded == nil {
		return nil
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.ledger = loaded
	tr.logger.Info("progress: ledger loaded",
		slog.String("path", tr.store.Path()),
		slog.Int("records", len(loaded.Records)),
		slog.Int("done", loaded.Counts()[models.StatusSuccess]+loaded.Counts()[models.StatusSkipped]))
	return nil
}

func (tr *Tracker) load(ctx context.Context) (*models.Ledger, error) {
	loaded, err := tr.store.Load(ctx)
	if err != nil || loaded == nil {
		return nil, err
	}

	t := tr.task
	if loaded.Deck != "" && loaded.Deck != t.Deck() {
		return nil, &apperr.ProgressLoadError{
			Path: tr.store.Path(),
			Err:  fmt.Errorf("ledger belongs to deck %q, task targets %q", loaded.Deck, t.Deck()),
		}
	}
	if loaded.Fingerprint != "" && loaded.Fingerprint != t.Fingerprint() {
		tr.logger.Warn("progress: task definition changed since the ledger was written; keeping records",
			slog.String("path", tr.store.Path()),
			slog.String("ledger_fingerprint", loaded.Fingerprint),
			slog.String("task_fingerprint", t.Fingerprint()))
	}
	loaded.Version = models.LedgerVersion
	loaded.Deck = t.Deck()
	loaded.Task = t.Name()
	loaded.Fingerprint = t.Fingerprint()
	return loaded, nil
}

// IsDone reports whether id must not be processed again.
func (tr *Tracker) IsDone(id int64) bool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	rec, ok := tr.ledger.Records[id]
	return ok && rec.Status.Done()
}

// Pending returns the ids that are not done, preserving order.
func (tr *Tracker) Pending(ids []int64) []int64 {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if rec, ok := tr.ledger.Records[id]; ok && rec.Status.Done() {
			continue
		}
		out = append(out, id)
	}
	return out
}

// Record stores rec and, when persistence is on, writes it through before
// returning. The stored record (with attempts and timestamp filled) is
// returned even when the write fails.
func (tr *Tracker) Record(ctx context.Context, rec models.Record) (models.Record, error) {
	if !rec.Status.Valid() {
		return rec, fmt.Errorf("progress: invalid status %q for note %d", rec.Status, rec.NoteID)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = tr.now()
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	stored := tr.ledger.Set(rec)
	if !tr.persist {
		return stored, nil
	}
	if err := tr.store.Put(ctx, tr.ledger, stored); err != nil {
		return stored, fmt.Errorf("progress: persist note %d: %w", rec.NoteID, err)
	}
	return stored, nil
}

// Save writes the whole ledger. It is a no-op when persistence is off.
func (tr *Tracker) Save(ctx context.Context) error {
	if !tr.persist {
		return nil
	}
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	if err := tr.store.Put(ctx, tr.ledger, tr.ledger.Sorted("")...); err != nil {
		return fmt.Errorf("progress: save: %w", err)
	}
	return nil
}

// Ledger returns a snapshot of the current ledger.
func (tr *Tracker) Ledger() *models.Ledger {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.ledger.Clone()
}
