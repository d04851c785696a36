// Package storage persists progress ledgers.
package storage

import (
	"context"

	"github.com/starford/fieldsmith/internal/apperr"
	"github.com/starford/fieldsmith/internal/models"
)

// Provider is the interface for ledger persistence.
type Provider interface {
	// Load returns the stored ledger, or nil when nothing has been stored yet.
	Load(ctx context.Context) (*models.Ledger, error)
	// Put durably stores the ledger header and recs, which must already be
	// part of l. Providers that rewrite the whole ledger ignore recs.
	Put(ctx context.Context, l *models.Ledger, recs ...models.Record) error
	// Path returns the file backing the provider.
	Path() string
	Close() error
}

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open returns the provider for backend. key scopes rows in shared backends.
func Open(backend, path, key string) (Provider, error) {
	switch backend {
	case "", BackendFile:
		return NewFS(path)
	case BackendSQLite:
		return OpenSQLite(path, key)
	default:
		return nil, apperr.Configf("storage: unknown progress backend %q", backend)
	}
}
