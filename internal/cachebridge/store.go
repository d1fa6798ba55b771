package cachebridge

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Store.Get on a miss.
var ErrNotFound = errors.New("cache entry not found")

// Entry is one cached response, keyed by generation and request key.
type Entry struct {
	Generation string
	Key        string
	Status     int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// Store persists cache entries across restarts.
type Store interface {
	Get(ctx context.Context, generation, key string) (*Entry, error)
	// Put inserts or supersedes the entry with the same generation and key.
	Put(ctx context.Context, entry Entry) error
	// DeleteExcept removes every entry outside generation and reports how
	// many were removed.
	DeleteExcept(ctx context.Context, generation string) (int64, error)
	Generations(ctx context.Context) ([]string, error)
	Close() error
}
