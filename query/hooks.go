package query

// Hooks are lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; the cache calls them on
// hot paths.
type Hooks interface {
	// A stored entry was deleted by the cache on read.
	// reason is one of "corrupt", "gen_mismatch", "value_decode".
	SelfHeal(storageKey, reason string)

	// A completed fetch was discarded because its generation was superseded
	// by a later fetch start, an invalidation, or a write-through.
	FetchDiscarded(storageKey string, gen uint64)

	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string)

	// An unsubscribed entry aged past the retention window and was removed.
	EntryEvicted(storageKey string)

	// GenStore errors (snapshot or bump).
	GenError(storageKey string, err error)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)        {}
func (NopHooks) FetchDiscarded(string, uint64)  {}
func (NopHooks) ProviderSetRejected(string)     {}
func (NopHooks) EntryEvicted(string)            {}
func (NopHooks) GenError(string, error)         {}
