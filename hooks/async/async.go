// Package asynchook decouples hook observers from the cache's hot paths.
// Events are handed to a worker pool through a bounded queue; when the queue
// is full the event is dropped rather than blocking a fetch or a commit.
//
// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	cache := query.New[catalog.Product](query.Options[catalog.Product]{
//	    Hooks: hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"

	"github.com/unkn0wn-root/shopsync/query"
)

type Hooks struct {
	inner query.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ query.Hooks = (*Hooks)(nil)

func New(inner query.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) SelfHeal(k, r string) { h.try(func() { h.inner.SelfHeal(k, r) }) }

func (h *Hooks) ProviderSetRejected(k string) { h.try(func() { h.inner.ProviderSetRejected(k) }) }

func (h *Hooks) EntryEvicted(k string) { h.try(func() { h.inner.EntryEvicted(k) }) }

func (h *Hooks) GenError(k string, err error) { h.try(func() { h.inner.GenError(k, err) }) }
func (h *Hooks) FetchDiscarded(k string, gen uint64) {
	h.try(func() { h.inner.FetchDiscarded(k, gen) })
}
