// Package storage provides the durable document store backing the ledger,
// payment, and event records. Documents are JSON blobs addressed by
// (bucket, key); callers always rewrite whole documents, so a record is
// never persisted half-updated.
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when no document exists for a key.
var ErrNotFound = errors.New("storage: not found")

// Store is the persistence capability shared by all state-owning components.
type Store interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, value []byte) error
	Delete(ctx context.Context, bucket, key string) error
	// List returns every document in a bucket keyed by document key.
	List(ctx context.Context, bucket string) (map[string][]byte, error)
	Close() error
}

// Options selects and configures a storage driver.
type Options struct {
	Driver      string // memory | file | sqlite | postgres
	DataDir     string // file driver
	SQLitePath  string // sqlite driver
	DatabaseURL string // postgres driver
}

// Open constructs the store named by opts.Driver.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", "file":
		return NewFileStore(opts.DataDir)
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		return NewSQLiteStore(opts.SQLitePath)
	case "postgres":
		return NewPostgresStore(ctx, opts.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
}
