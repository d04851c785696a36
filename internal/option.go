package internal

import (
	"io"
	"log/slog"

	"github.com/starford/fieldsmith/internal/llm"
	"github.com/starford/fieldsmith/internal/pipeline"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config *Config
	notes  pipeline.NoteStore
	gen    llm.Generator
	logger *slog.Logger
	out    io.Writer
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithNoteStore replaces the AnkiConnect client.
func WithNoteStore(notes pipeline.NoteStore) Option {
	return func(a *application) {
		a.notes = notes
	}
}

// WithGenerator replaces the Ollama client.
func WithGenerator(gen llm.Generator) Option {
	return func(a *application) {
		a.gen = gen
	}
}

// WithLogger sets the logger. By default a JSON logger on stdout is built
// from the app configuration.
func WithLogger(logger *slog.Logger) Option {
	return func(a *application) {
		a.logger = logger
	}
}

// WithOutput sets where human-readable reports are written. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(a *application) {
		a.out = w
	}
}
