package query

import "time"

// Status describes the fetch state of a cache entry.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is a point-in-time snapshot of a cached query. Data may be present
// together with StatusLoading or StatusError: stale content is retained while
// a refresh runs and after a failed one.
type Entry[V any] struct {
	Key        Key
	Data       V
	HasData    bool
	Status     Status
	Err        error
	FetchedAt  time.Time
	StaleAfter time.Duration
}

// Stale reports whether the entry needs a refresh. Entries that never
// completed a fetch are always stale.
func (e Entry[V]) Stale(now time.Time) bool {
	if e.FetchedAt.IsZero() {
		return true
	}
	return now.Sub(e.FetchedAt) > e.StaleAfter
}
