package query

// Subscription delivers entry snapshots as they change. Updates are
// level-based: each received Entry is the current state, and intermediate
// states may be coalesced when the receiver is slow.
type Subscription[V any] struct {
	// C receives entry snapshots. Closed on Unsubscribe and on cache Close.
	C <-chan Entry[V]

	ch     chan Entry[V]
	cancel func(*Subscription[V])
	done   bool
}

// Unsubscribe detaches from the key. Any in-flight fetch keeps running; its
// result is simply no longer delivered here. Safe to call more than once.
func (s *Subscription[V]) Unsubscribe() {
	if s.cancel != nil {
		s.cancel(s)
	}
}

// Closed returns a subscription whose channel is already closed. For values
// that can never change, so callers ranging over C terminate immediately.
func Closed[V any]() *Subscription[V] {
	ch := make(chan Entry[V])
	close(ch)
	return &Subscription[V]{C: ch, ch: ch, done: true}
}
