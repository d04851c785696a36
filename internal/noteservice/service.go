// Package noteservice answers read-only questions about the enrichment state
// of notes: ledger summaries, per-note records and prompt previews. It backs
// both the HTTP status API and the MCP server.
package noteservice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/starford/fieldsmith/internal/apperr"
	"github.com/starford/fieldsmith/internal/checksum"
	"github.com/starford/fieldsmith/internal/models"
	"github.com/starford/fieldsmith/internal/storage"
	"github.com/starford/fieldsmith/internal/task"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// NoteReader fetches a single note from the flashcard application.
type NoteReader interface {
	NoteFields(ctx context.Context, id int64) (models.Note, error)
}

// Summary describes a ledger at a glance.
type Summary struct {
	Deck               string                `json:"deck"`
	Task               string                `json:"task"`
	Path               string                `json:"path"`
	Fingerprint        string                `json:"fingerprint"`
	FingerprintMatches bool                  `json:"fingerprint_matches"`
	Total              int                   `json:"total"`
	Counts             map[models.Status]int `json:"counts"`
	UpdatedAt          time.Time             `json:"updated_at"`
	Checksum           string                `json:"checksum"`
}

// Preview is a rendered prompt for one note.
type Preview struct {
	NoteID int64  `json:"note_id"`
	Ref    string `json:"ref"`
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Done   bool   `json:"done"`
}

// Service reads the ledger of one task.
type Service struct {
	store storage.Provider
	task  *task.PromptTask
	notes NoteReader
}

// NewService creates a new service. notes may be nil, in which case prompt
// previews are unavailable.
func NewService(store storage.Provider, t *task.PromptTask, notes NoteReader) *Service {
	return &Service{store: store, task: t, notes: notes}
}

// Task returns the task the service reports on.
func (s *Service) Task() *task.PromptTask { return s.task }

// Ledger loads the current ledger. A ledger that was never written is
// returned empty.
func (s *Service) Ledger(ctx context.Context) (*models.Ledger, error) {
	l, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if l == nil {
		l = models.NewLedger(s.task.Deck(), s.task.Name(), s.task.Fingerprint())
	}
	return l, nil
}

// Summary returns per-status counts for the ledger.
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	l, err := s.Ledger(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("noteservice: marshal ledger: %w", err)
	}
	deck := l.Deck
	if deck == "" {
		deck = s.task.Deck()
	}
	return &Summary{
		Deck:               deck,
		Task:               s.task.Name(),
		Path:               s.store.Path(),
		Fingerprint:        l.Fingerprint,
		FingerprintMatches: l.Fingerprint == "" || l.Fingerprint == s.task.Fingerprint(),
		Total:              len(l.Records),
		Counts:             l.Counts(),
		UpdatedAt:          l.UpdatedAt,
		Checksum:           checksum.Short(checksum.Sum(data), 16),
	}, nil
}

// ParseStatus validates a status filter. An empty string matches all.
func ParseStatus(raw string) (models.Status, error) {
	st := models.Status(strings.ToLower(strings.TrimSpace(raw)))
	if st != "" && !st.Valid() {
		return "", fmt.Errorf("unknown status %q: %w", raw, apperr.ErrInvalidInput)
	}
	return st, nil
}

// ListRecords returns records ordered by note id, filtered by status, with
// pagination. It also returns the total number of matching records.
func (s *Service) ListRecords(ctx context.Context, status models.Status, limit, offset int) ([]models.Record, int, error) {
	if status != "" && !status.Valid() {
		return nil, 0, fmt.Errorf("unknown status %q: %w", status, apperr.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}

	l, err := s.Ledger(ctx)
	if err != nil {
		return nil, 0, err
	}
	all := l.Sorted(status)
	total := len(all)
	if offset >= total {
		return []models.Record{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// GetRecord returns the record for one note.
func (s *Service) GetRecord(ctx context.Context, id int64) (*models.Record, error) {
	l, err := s.Ledger(ctx)
	if err != nil {
		return nil, err
	}
	rec, ok := l.Records[id]
	if !ok {
		return nil, fmt.Errorf("note %d: %w", id, apperr.ErrNotFound)
	}
	return &rec, nil
}

// PreviewPrompt fetches a note and renders the prompt the pipeline would send
// for it. No inference is performed.
func (s *Service) PreviewPrompt(ctx context.Context, id int64) (*Preview, error) {
	if s.notes == nil {
		return nil, fmt.Errorf("prompt preview needs a note store: %w", apperr.ErrInvalidInput)
	}
	note, err := s.notes.NoteFields(ctx, id)
	if err != nil {
		return nil, err
	}
	prompt, err := s.task.Render(note)
	if err != nil {
		return nil, err
	}
	done := false
	if l, err := s.Ledger(ctx); err == nil {
		rec, ok := l.Records[id]
		done = ok && rec.Status.Done()
	}
	return &Preview{
		NoteID: id,
		Ref:    s.task.RefText(id, note.Fields),
		Model:  s.task.Model(),
		Prompt: prompt,
		Done:   done,
	}, nil
}
