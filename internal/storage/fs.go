package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/starford/fieldsmith/internal/apperr"
	"github.com/starford/fieldsmith/internal/models"
)

// legacyDetail marks records imported from a bare id-array progress file.
const legacyDetail = "imported from legacy progress file"

// FS implements Provider as a single JSON file that is rewritten on every Put.
type FS struct {
	mu   sync.Mutex
	path string // absolute path to the ledger file
}

// NewFS creates a new FS provider for the ledger file at path.
// The file and its directory are created on the first Put.
func NewFS(path string) (*FS, error) {
	if path == "" {
		return nil, apperr.Configf("storage: progress path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve path: %w", err)
	}
	return &FS{path: abs}, nil
}

// Path returns the absolute ledger path.
func (f *FS) Path() string { return f.path }

// Load reads the ledger file. A missing or empty file yields a nil ledger.
func (f *FS) Load(_ context.Context) (*models.Ledger, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &apperr.ProgressLoadError{Path: f.path, Err: err}
	}
	l, err := decodeLedger(data)
	if err != nil {
		return nil, &apperr.ProgressLoadError{Path: f.path, Err: err}
	}
	return l, nil
}

// decodeLedger accepts the current ledger object or a legacy JSON array of
// completed note ids.
func decodeLedger(data []byte) (*models.Ledger, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '[' {
		var ids []int64
		if err := json.Unmarshal(data, &ids); err != nil {
			return nil, fmt.Errorf("decode legacy id list: %w", err)
		}
		l := &models.Ledger{Version: models.LedgerVersion, Records: make(map[int64]models.Record, len(ids))}
		for _, id := range ids {
			l.Records[id] = models.Record{NoteID: id, Status: models.StatusSuccess, Detail: legacyDetail, Attempts: 1}
		}
		return l, nil
	}

	var l models.Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode ledger: %w", err)
	}
	if l.Version > models.LedgerVersion {
		return nil, fmt.Errorf("unsupported ledger version %d", l.Version)
	}
	if l.Records == nil {
		l.Records = make(map[int64]models.Record)
	}
	for id, rec := range l.Records {
		if !rec.Status.Valid() {
			return nil, fmt.Errorf("note %d: unknown status %q", id, rec.Status)
		}
		rec.NoteID = id
		l.Records[id] = rec
	}
	return &l, nil
}

// Put rewrites the whole ledger file atomically.
func (f *FS) Put(_ context.Context, l *models.Ledger, _ ...models.Record) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal ledger: %w", err)
	}
	data = append(data, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	return writeAtomic(f.path, data)
}

// Close is a no-op for the file provider.
func (f *FS) Close() error { return nil }

// writeAtomic writes content: tmp file → fsync → rename.
func writeAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".fieldsmith-tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}
