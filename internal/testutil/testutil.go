// Package testutil provides in-memory fakes of the note store and the
// inference server for tests.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/starford/fieldsmith/internal/apperr"
	"github.com/starford/fieldsmith/internal/models"
)

// NoteStore is an in-memory flashcard collection.
type NoteStore struct {
	mu sync.Mutex

	notes   map[int64]map[string]string
	Queries []string
	Updates []Update

	// FindErr fails FindNotes when set.
	FindErr error
	// FetchErr and UpdateErr fail the matching call for one note.
	FetchErr  map[int64]error
	UpdateErr map[int64]error
}

// Update is one recorded UpdateNoteFields call.
type Update struct {
	NoteID int64
	Fields map[string]string
}

// NewNoteStore returns an empty note store.
func NewNoteStore() *NoteStore {
	return &NoteStore{
		notes:     make(map[int64]map[string]string),
		FetchErr:  make(map[int64]error),
		UpdateErr: make(map[int64]error),
	}
}

// Add inserts or replaces a note.
func (s *NoteStore) Add(id int64, fields map[string]string) *NoteStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	s.notes[id] = cp
	return s
}

// Fields returns a copy of the current fields of id.
func (s *NoteStore) Fields(id int64) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make(map[string]string, len(s.notes[id]))
	for k, v := range s.notes[id] {
		cp[k] = v
	}
	return cp
}

// UpdateCount returns the number of UpdateNoteFields calls so far.
func (s *NoteStore) UpdateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Updates)
}

// FindNotes returns every note id, in map order.
func (s *NoteStore) FindNotes(_ context.Context, query string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Queries = append(s.Queries, query)
	if s.FindErr != nil {
		return nil, s.FindErr
	}
	ids := make([]int64, 0, len(s.notes))
	for id := range s.notes {
		ids = append(ids, id)
	}
	return ids, nil
}

// NoteFields returns the note with id.
func (s *NoteStore) NoteFields(_ context.Context, id int64) (models.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FetchErr[id]; err != nil {
		return models.Note{}, err
	}
	fields, ok := s.notes[id]
	if !ok {
		return models.Note{}, fmt.Errorf("note %d: %w", id, apperr.ErrNotFound)
	}
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	return models.Note{ID: id, Fields: cp}, nil
}

// UpdateNoteFields applies fields to the note and records the call.
func (s *NoteStore) UpdateNoteFields(_ context.Context, id int64, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.UpdateErr[id]; err != nil {
		return err
	}
	note, ok := s.notes[id]
	if !ok {
		return fmt.Errorf("note %d: %w", id, apperr.ErrNotFound)
	}
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		note[k] = v
		cp[k] = v
	}
	s.Updates = append(s.Updates, Update{NoteID: id, Fields: cp})
	return nil
}

// Generator is a scripted inference server. Respond decides the reply for
// each prompt; when nil, Reply and Err are returned for every call.
type Generator struct {
	mu sync.Mutex

	Respond func(call int, prompt string) (string, error)
	Reply   string
	Err     error

	Prompts []string
	Models  []string
}

// Generate records the call and returns the scripted reply.
func (g *Generator) Generate(_ context.Context, prompt, model string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Prompts = append(g.Prompts, prompt)
	g.Models = append(g.Models, model)
	if g.Respond != nil {
		return g.Respond(len(g.Prompts), prompt)
	}
	return g.Reply, g.Err
}

// Calls returns the number of Generate calls so far.
func (g *Generator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Prompts)
}
