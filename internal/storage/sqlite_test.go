package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/starford/fieldsmith/internal/models"
)

func testSQLite(t *testing.T, path, key string) *SQLite {
	t.Helper()
	s, err := OpenSQLite(path, key)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteLoadEmpty(t *testing.T) {
	s := testSQLite(t, filepath.Join(t.TempDir(), "progress.db"), "JP::Core/enhancer")
	l, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if l != nil {
		t.Errorf("expected nil ledger, got %+v", l)
	}
}

func TestSQLitePutAndLoad(t *testing.T) {
	s := testSQLite(t, filepath.Join(t.TempDir(), "progress.db"), "JP::Core/enhancer")
	ctx := context.Background()
	want := sampleLedger()
	if err := s.Put(ctx, want, want.Sorted("")...); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ledger mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLiteUpsertReplacesRecord(t *testing.T) {
	s := testSQLite(t, filepath.Join(t.TempDir(), "progress.db"), "k")
	ctx := context.Background()
	l := sampleLedger()
	_ = s.Put(ctx, l, l.Records[102])

	rec := l.Set(models.Record{NoteID: 102, Status: models.StatusSuccess, UpdatedAt: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)})
	if err := s.Put(ctx, l, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, _ := s.Load(ctx)
	if got.Records[102].Status != models.StatusSuccess || got.Records[102].Attempts != 2 {
		t.Errorf("record = %+v", got.Records[102])
	}
	if got.Records[102].RawResponse != "" {
		t.Errorf("raw response should be cleared, got %q", got.Records[102].RawResponse)
	}
}

func TestSQLiteKeysAreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress.db")
	a := testSQLite(t, path, "deck-a/task")
	b := testSQLite(t, path, "deck-b/task")
	ctx := context.Background()

	l := sampleLedger()
	_ = a.Put(ctx, l, l.Records[101])

	got, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil ledger for other key, got %d records", len(got.Records))
	}
}
