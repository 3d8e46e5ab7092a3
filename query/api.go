package query

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/shopsync/codec"
	gen "github.com/unkn0wn-root/shopsync/genstore"
	"github.com/unkn0wn-root/shopsync/logging"
	pr "github.com/unkn0wn-root/shopsync/provider"
)

// Fetcher loads the value for a key from the backing source (normally one
// transport round trip).
type Fetcher[V any] func(ctx context.Context) (V, error)

type SetCostFunc func(storageKey string, raw []byte) int64

// Cache is the keyed query cache: de-duplicated fetches, staleness control,
// generation-guarded commits, write-through, and per-key subscriptions.
// V is the caller's value type. Serialization is handled by a pluggable
// Codec[V]; storage by a pluggable Provider.
type Cache[V any] interface {
	// Fetch returns the entry for key, loading it through fn when absent or
	// stale. A fresh entry returns immediately with no fetch. A stale entry
	// returns its data immediately and triggers exactly one background
	// refresh. Only when no data exists at all does Fetch block on the
	// (possibly attached) in-flight load.
	Fetch(ctx context.Context, key Key, fn Fetcher[V]) (Entry[V], error)

	// Subscribe registers for updates to key and returns the current entry.
	// The fetcher is retained for invalidation-driven refetches.
	Subscribe(ctx context.Context, key Key, fn Fetcher[V]) (*Subscription[V], Entry[V])

	// Peek returns the current entry without triggering any fetch.
	Peek(ctx context.Context, key Key) Entry[V]

	// Set writes value through into the cache and marks the entry fresh.
	// Any in-flight fetch for the key is superseded.
	Set(ctx context.Context, key Key, value V) error

	// Invalidate marks the entry stale, keeping its data, and refetches it
	// when at least one subscriber is attached.
	Invalidate(ctx context.Context, key Key)

	// InvalidateScope invalidates every entry whose key has the given scope.
	InvalidateScope(ctx context.Context, scope string)

	Close(ctx context.Context) error
}

// Options tune the cache. Everything has a sensible default; the zero value
// is a working in-process cache with JSON serialization.
type Options[V any] struct {
	Provider pr.Provider  // nil => in-process memory provider
	Codec    c.Codec[V]   // nil => codec.JSON[V]
	GenStore gen.GenStore // nil => LocalGenStore (in-process)

	Logger logging.Logger // nil => logging disabled
	Hooks  Hooks          // nil => NopHooks

	// StaleAfter is how long a committed entry counts as fresh. 0 => 5m.
	StaleAfter time.Duration
	// Retention is how long an entry without subscribers survives before the
	// cleanup loop evicts it. Also used as the provider TTL. 0 => 30m.
	Retention time.Duration
	// CleanupInterval drives the eviction sweep. 0 => 1m.
	CleanupInterval time.Duration
	// Retries is the number of additional fetch attempts after a failure.
	// Default 0: a failure is reported as-is. Callers for whom failures are
	// transient opt in to bounded retries.
	Retries int

	ComputeSetCost SetCostFunc // default: 1
}

func New[V any](opts Options[V]) Cache[V] {
	return newCache[V](opts)
}
