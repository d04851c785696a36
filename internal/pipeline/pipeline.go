// Package pipeline drives notes of one deck through render, inference,
// parsing, merge and write-back, recording every outcome in the progress
// ledger.
package pipeline

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/starford/fieldsmith/internal/apperr"
	"github.com/starford/fieldsmith/internal/llm"
	"github.com/starford/fieldsmith/internal/models"
	"github.com/starford/fieldsmith/internal/parser"
	"github.com/starford/fieldsmith/internal/policy"
	"github.com/starford/fieldsmith/internal/progress"
	"github.com/starford/fieldsmith/internal/task"
)

// Skip details recorded on skipped notes.
const (
	DetailDryRun    = "dry run"
	DetailAllFilled = "all output fields already filled"
	DetailNoChange  = "no field changes"
)

// NoteStore is the flashcard application as seen by the pipeline.
type NoteStore interface {
	FindNotes(ctx context.Context, query string) ([]int64, error)
	NoteFields(ctx context.Context, id int64) (models.Note, error)
	UpdateNoteFields(ctx context.Context, id int64, fields map[string]string) error
}

// Pipeline processes the notes of one task sequentially.
type Pipeline struct {
	task    *task.PromptTask
	notes   NoteStore
	gen     llm.Generator
	tracker *progress.Tracker
	logger  *slog.Logger
}

// New creates a new Pipeline. The tracker must already be loaded.
func New(t *task.PromptTask, notes NoteStore, gen llm.Generator, tracker *progress.Tracker, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		task:    t,
		notes:   notes,
		gen:     gen,
		tracker: tracker,
		logger:  logger,
	}
}

// NewRunID returns a sortable identifier for one run.
func NewRunID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0)).String()
}

// Run processes every pending note of the task's deck in ascending id order.
//
// Per-note failures are recorded and do not stop the run. Cancelling ctx
// stops the run between notes; the note in flight always completes and is
// recorded. Run returns an error only when notes cannot be listed, the
// ledger cannot be written, or the consecutive failure threshold is exceeded
// (wrapping apperr.ErrAborted). The summary is returned in every case.
func (p *Pipeline) Run(ctx context.Context) (*models.RunSummary, error) {
	t := p.task
	summary := &models.RunSummary{
		RunID:     NewRunID(),
		Deck:      t.Deck(),
		Task:      t.Name(),
		DryRun:    t.DryRun(),
		StartedAt: time.Now().UTC(),
	}
	defer func() { summary.Elapsed = time.Since(summary.StartedAt) }()

	logger := p.logger.With(slog.String("run_id", summary.RunID), slog.String("deck", t.Deck()))
	logger.Info("pipeline: run started",
		slog.String("task", t.Name()),
		slog.String("model", t.Model()),
		slog.Bool("dry_run", t.DryRun()))

	ids, err := p.notes.FindNotes(ctx, t.DeckQuery())
	if err != nil {
		return summary, fmt.Errorf("pipeline: find notes: %w", err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	summary.Fetched = len(ids)

	pending := p.tracker.Pending(ids)
	summary.AlreadyDone = len(ids) - len(pending)
	logger.Info("pipeline: notes selected",
		slog.Int("fetched", summary.Fetched),
		slog.Int("already_done", summary.AlreadyDone),
		slog.Int("pending", len(pending)))

	noteCtx := context.WithoutCancel(ctx)
	threshold := t.MaxConsecutiveFailures()
	consecutive := 0
	var lastSystemic error

	for i, id := range pending {
		if ctx.Err() != nil {
			summary.Interrupted = true
			logger.Warn("pipeline: interrupted, stopping before next note",
				slog.Int("remaining", len(pending)-i))
			break
		}

		rec, noteErr := p.process(noteCtx, id)
		stored, err := p.tracker.Record(noteCtx, rec)
		summary.Add(stored)
		p.logOutcome(logger, stored, i+1, len(pending))
		if err != nil {
			return summary, fmt.Errorf("pipeline: %w", err)
		}

		if apperr.Systemic(noteErr) {
			consecutive++
			lastSystemic = noteErr
			if threshold > 0 && consecutive > threshold {
				summary.Aborted = true
				logger.Error("pipeline: aborting after consecutive failures",
					slog.Int("consecutive", consecutive),
					slog.String("last_error", noteErr.Error()))
				return summary, fmt.Errorf("%w: %d consecutive failures, last: %v", apperr.ErrAborted, consecutive, lastSystemic)
			}
		} else {
			consecutive = 0
		}
	}

	if err := p.tracker.Save(noteCtx); err != nil {
		return summary, fmt.Errorf("pipeline: %w", err)
	}

	logger.Info("pipeline: run finished",
		slog.Int("success", summary.Success),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
		slog.Bool("interrupted", summary.Interrupted),
		slog.Duration("elapsed", time.Since(summary.StartedAt)))
	return summary, nil
}

// process carries one note through every stage. The returned error is the
// per-note failure, already reflected in the record.
func (p *Pipeline) process(ctx context.Context, id int64) (models.Record, error) {
	t := p.task
	rec := models.Record{NoteID: id}

	note, err := p.notes.NoteFields(ctx, id)
	if err != nil {
		return failed(rec, err, ""), err
	}
	rec.Ref = t.RefText(id, note.Fields)
	for _, f := range t.Outputs() {
		if _, ok := note.Field(f.Field); !ok {
			err := &apperr.MissingFieldError{NoteID: id, Field: f.Field}
			return failed(rec, err, ""), err
		}
	}

	// A dry run still renders, generates and parses to validate the task.
	allFilled := policy.AllFilled(note.Fields, t.Outputs())
	if allFilled && !t.DryRun() {
		rec.Status = models.StatusSkipped
		rec.Detail = DetailAllFilled
		return rec, nil
	}

	prompt, err := t.Render(note)
	if err != nil {
		return failed(rec, err, ""), err
	}

	raw, err := p.gen.Generate(ctx, prompt, t.Model())
	if err != nil {
		return failed(rec, err, ""), err
	}

	parsed, err := parser.Parse(raw, t.Outputs())
	if err != nil {
		return failed(rec, err, raw), err
	}
	if len(parsed.Repaired) > 0 {
		p.logger.Debug("pipeline: repaired response keys",
			slog.Int64("note_id", id),
			slog.Any("fields", parsed.Repaired))
	}

	current := make(map[string]string, len(t.Outputs()))
	for _, f := range t.Outputs() {
		current[f.Field] = note.Fields[f.Field]
	}
	final, err := policy.Apply(current, parsed.Values, t.Outputs(), t.AppendSeparator())
	if err != nil {
		return failed(rec, err, raw), err
	}

	changed := policy.Changed(current, final)
	if len(changed) == 0 {
		rec.Status = models.StatusSkipped
		rec.Detail = DetailNoChange
		if allFilled {
			rec.Detail = DetailAllFilled
		}
		if t.DryRun() {
			rec.Detail = DetailDryRun + ": " + rec.Detail
		}
		return rec, nil
	}

	updates := make(map[string]string, len(changed))
	for _, name := range changed {
		updates[name] = final[name]
		p.logger.Info("pipeline: field change",
			slog.Int64("note_id", id),
			slog.String("field", name),
			slog.String("previous", current[name]),
			slog.String("new", final[name]),
			slog.Bool("dry_run", t.DryRun()))
	}

	if t.DryRun() {
		rec.Status = models.StatusSkipped
		rec.Detail = DetailDryRun + ": would update " + strings.Join(changed, ", ")
		return rec, nil
	}

	if err := p.notes.UpdateNoteFields(ctx, id, updates); err != nil {
		return failed(rec, err, raw), err
	}
	rec.Status = models.StatusSuccess
	rec.Detail = "updated " + strings.Join(changed, ", ")
	return rec, nil
}

func failed(rec models.Record, err error, raw string) models.Record {
	rec.Status = models.StatusFailed
	rec.ErrorKind = string(apperr.KindOf(err))
	rec.Error = err.Error()
	rec.RawResponse = raw
	var malformed *apperr.MalformedResponseError
	if raw == "" && errors.As(err, &malformed) {
		rec.RawResponse = malformed.Raw
	}
	return rec
}

func (p *Pipeline) logOutcome(logger *slog.Logger, rec models.Record, n, total int) {
	attrs := []any{
		slog.Int64("note_id", rec.NoteID),
		slog.String("ref", rec.Ref),
		slog.String("status", string(rec.Status)),
		slog.Int("n", n),
		slog.Int("total", total),
	}
	if rec.Detail != "" {
		attrs = append(attrs, slog.String("detail", rec.Detail))
	}
	if rec.Status == models.StatusFailed {
		attrs = append(attrs, slog.String("error_kind", rec.ErrorKind), slog.String("error", rec.Error))
		logger.Warn("pipeline: note failed", attrs...)
		return
	}
	logger.Info("pipeline: note processed", attrs...)
}
