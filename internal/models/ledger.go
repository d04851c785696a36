package models

import (
	"sort"
	"time"
)

// LedgerVersion is the current on-disk ledger format version.
const LedgerVersion = 1

// Status is the outcome of processing one note.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusSkipped, StatusFailed:
		return true
	}
	return false
}

// Done reports whether a note with this status must not be processed again.
// Failed notes are retried by default.
func (s Status) Done() bool {
	return s == StatusSuccess || s == StatusSkipped
}

// Record is the per-note outcome stored in the ledger.
type Record struct {
	NoteID      int64     `json:"note_id"`
	Ref         string    `json:"ref,omitempty"`
	Status      Status    `json:"status"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Error       string    `json:"error,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	RawResponse string    `json:"raw_response,omitempty"`
	Attempts    int       `json:"attempts"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Ledger maps note ids to their latest processing record for one deck/task.
type Ledger struct {
	Version     int              `json:"version"`
	Deck        string           `json:"deck"`
	Task        string           `json:"task"`
	Fingerprint string           `json:"fingerprint"`
	UpdatedAt   time.Time        `json:"updated_at"`
	Records     map[int64]Record `json:"records"`
}

// NewLedger returns an empty ledger for deck/task.
func NewLedger(deck, task, fingerprint string) *Ledger {
	return &Ledger{
		Version:     LedgerVersion,
		Deck:        deck,
		Task:        task,
		Fingerprint: fingerprint,
		Records:     make(map[int64]Record),
	}
}

// Empty reports whether the ledger holds no records.
func (l *Ledger) Empty() bool {
	return l == nil || len(l.Records) == 0
}

// Set stores rec, carrying the attempt count forward from any previous record.
func (l *Ledger) Set(rec Record) Record {
	if l.Records == nil {
		l.Records = make(map[int64]Record)
	}
	prev, ok := l.Records[rec.NoteID]
	if rec.Attempts == 0 {
		rec.Attempts = 1
		if ok {
			rec.Attempts = prev.Attempts + 1
		}
	}
	l.Records[rec.NoteID] = rec
	if rec.UpdatedAt.After(l.UpdatedAt) {
		l.UpdatedAt = rec.UpdatedAt
	}
	return rec
}

// Clone returns a deep copy of the ledger.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return nil
	}
	out := *l
	out.Records = make(map[int64]Record, len(l.Records))
	for id, r := range l.Records {
		out.Records[id] = r
	}
	return &out
}

// Sorted returns the records ordered by note id, optionally filtered by status.
// An empty status returns all records.
func (l *Ledger) Sorted(status Status) []Record {
	out := make([]Record, 0, len(l.Records))
	for _, r := range l.Records {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NoteID < out[j].NoteID })
	return out
}

// Counts returns the number of records per status.
func (l *Ledger) Counts() map[Status]int {
	out := map[Status]int{
		StatusPending: 0,
		StatusSuccess: 0,
		StatusSkipped: 0,
		StatusFailed:  0,
	}
	for _, r := range l.Records {
		out[r.Status]++
	}
	return out
}
