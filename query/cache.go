package query

import (
	"context"
	"fmt"
	"sync"
	"time"

	c "github.com/unkn0wn-root/shopsync/codec"
	gen "github.com/unkn0wn-root/shopsync/genstore"
	"github.com/unkn0wn-root/shopsync/internal/wire"
	"github.com/unkn0wn-root/shopsync/logging"
	pr "github.com/unkn0wn-root/shopsync/provider"
	"github.com/unkn0wn-root/shopsync/provider/memory"
)

const (
	defaultStaleAfter   = 5 * time.Minute
	defaultRetention    = 30 * time.Minute
	defaultSweep        = time.Minute
	defaultGenRetention = 24 * time.Hour
)

// closedCh is returned by startFetch when there is nothing left to do.
var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

type inflight struct {
	gen  uint64
	done chan struct{}
}

type entryState[V any] struct {
	key       Key
	status    Status
	err       error
	fetchedAt time.Time

	// hasData says the provider holds bytes committed under committedGen.
	hasData      bool
	committedGen uint64

	inflight  *inflight
	refetch   Fetcher[V]
	subs      map[*Subscription[V]]chan Entry[V]
	idleSince time.Time // set while no subscriber is attached
}

type cache[V any] struct {
	provider pr.Provider
	codec    c.Codec[V]
	gens     gen.GenStore
	log      logging.Logger
	hooks    Hooks

	staleAfter    time.Duration
	retention     time.Duration
	sweepInterval time.Duration
	retries       int
	cost          SetCostFunc

	mu      sync.Mutex
	entries map[string]*entryState[V]

	ticker    *time.Ticker
	stopCh    chan struct{}
	closeWg   sync.WaitGroup
	closeOnce sync.Once
}

func newCache[V any](opts Options[V]) *cache[V] {
	q := &cache[V]{
		entries: make(map[string]*entryState[V]),
	}

	q.provider = opts.Provider
	if q.provider == nil {
		q.provider = memory.New()
	}
	q.codec = opts.Codec
	if q.codec == nil {
		q.codec = c.JSON[V]{}
	}

	q.log = coalesce[logging.Logger](opts.Logger, logging.Nop{})
	q.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	q.staleAfter = coalesce[time.Duration](opts.StaleAfter, defaultStaleAfter)
	q.retention = coalesce[time.Duration](opts.Retention, defaultRetention)
	q.sweepInterval = coalesce[time.Duration](opts.CleanupInterval, defaultSweep)
	if opts.Retries > 0 {
		q.retries = opts.Retries
	}

	if opts.ComputeSetCost != nil {
		q.cost = opts.ComputeSetCost
	} else {
		q.cost = func(string, []byte) int64 { return 1 }
	}

	if opts.GenStore != nil {
		q.gens = opts.GenStore
	} else {
		q.gens = gen.NewLocalGenStore(q.sweepInterval, defaultGenRetention)
	}

	q.ticker = time.NewTicker(q.sweepInterval)
	q.stopCh = make(chan struct{})
	q.closeWg.Add(1)
	go q.sweepLoop()

	return q
}

func (q *cache[V]) Close(ctx context.Context) error {
	q.closeOnce.Do(func() {
		close(q.stopCh)
		q.closeWg.Wait()
		q.ticker.Stop()

		q.mu.Lock()
		for _, e := range q.entries {
			for s, ch := range e.subs {
				s.done = true
				close(ch)
			}
			e.subs = nil
		}
		q.mu.Unlock()

		_ = q.gens.Close(ctx)
	})
	return q.provider.Close(ctx)
}

func (q *cache[V]) Fetch(ctx context.Context, key Key, fn Fetcher[V]) (Entry[V], error) {
	sk := storageKey(key)
	q.ensure(ctx, key, sk)

	ent := q.snapshot(ctx, key, sk)
	if ent.Status == StatusSuccess && ent.HasData && !ent.Stale(time.Now()) {
		return ent, nil
	}

	done := q.startFetch(ctx, key, sk, fn)
	if ent.HasData {
		// stale-while-revalidate: hand back what we have, refresh runs behind
		return ent, nil
	}

	select {
	case <-done:
	case <-ctx.Done():
		return ent, ctx.Err()
	}

	ent = q.snapshot(ctx, key, sk)
	if !ent.HasData && ent.Err != nil {
		return ent, ent.Err
	}
	return ent, nil
}

func (q *cache[V]) Subscribe(ctx context.Context, key Key, fn Fetcher[V]) (*Subscription[V], Entry[V]) {
	sk := storageKey(key)
	q.ensure(ctx, key, sk)

	sub := &Subscription[V]{ch: make(chan Entry[V], 8)}
	sub.C = sub.ch
	sub.cancel = func(s *Subscription[V]) { q.unsubscribe(sk, s) }

	q.mu.Lock()
	e := q.entryLocked(key, sk)
	if e.subs == nil {
		e.subs = make(map[*Subscription[V]]chan Entry[V])
	}
	e.subs[sub] = sub.ch
	e.idleSince = time.Time{}
	if fn != nil {
		e.refetch = fn
	}
	q.mu.Unlock()

	ent := q.snapshot(ctx, key, sk)
	if !ent.HasData || ent.Stale(time.Now()) {
		q.startFetch(ctx, key, sk, fn)
		ent = q.snapshot(ctx, key, sk)
	}
	return sub, ent
}

func (q *cache[V]) Peek(ctx context.Context, key Key) Entry[V] {
	return q.snapshot(ctx, key, storageKey(key))
}

func (q *cache[V]) Set(ctx context.Context, key Key, v V) error {
	sk := storageKey(key)

	// a new generation supersedes any in-flight fetch and any late commit
	g := q.bumpGen(ctx, sk)
	payload, err := q.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("query: encode %s: %w", sk, err)
	}
	framed := wire.Encode(g, payload)
	ok, serr := q.provider.Set(ctx, sk, framed, q.cost(sk, framed), q.retention)
	if serr != nil {
		return fmt.Errorf("query: store %s: %w", sk, serr)
	}
	if !ok {
		q.hooks.ProviderSetRejected(sk)
	}

	q.mu.Lock()
	e := q.entryLocked(key, sk)
	e.inflight = nil
	e.status = StatusSuccess
	e.err = nil
	e.fetchedAt = time.Now()
	e.hasData = ok
	e.committedGen = g
	ent := Entry[V]{
		Key:        key,
		Data:       v,
		HasData:    ok,
		Status:     StatusSuccess,
		FetchedAt:  e.fetchedAt,
		StaleAfter: q.staleAfter,
	}
	q.sendLocked(e, ent)
	q.mu.Unlock()

	q.log.Debug("write-through", logging.Fields{"key": sk, "gen": g})
	return nil
}

func (q *cache[V]) Invalidate(ctx context.Context, key Key) {
	q.invalidateKey(ctx, storageKey(key))
}

func (q *cache[V]) InvalidateScope(ctx context.Context, scope string) {
	q.mu.Lock()
	var sks []string
	for sk, e := range q.entries {
		if e.key.Scope == scope {
			sks = append(sks, sk)
		}
	}
	q.mu.Unlock()

	for _, sk := range sks {
		q.invalidateKey(ctx, sk)
	}
}

func (q *cache[V]) invalidateKey(ctx context.Context, sk string) {
	q.mu.Lock()
	e, ok := q.entries[sk]
	if !ok {
		// nothing cached in this process, so nothing to mark or refetch
		q.mu.Unlock()
		return
	}
	e.fetchedAt = time.Time{} // stale now; data stays readable
	superseded := e.inflight != nil
	e.inflight = nil
	key := e.key
	refetch := e.refetch
	hasSubs := len(e.subs) > 0
	q.mu.Unlock()

	newGen := q.bumpGen(ctx, sk)
	if superseded {
		q.log.Debug("invalidate superseded in-flight fetch", logging.Fields{"key": sk, "newGen": newGen})
	}

	if hasSubs && refetch != nil {
		q.startFetch(ctx, key, sk, refetch)
	}
}

// startFetch begins a fetch for key unless the entry is already fresh or a
// fetch is in flight; in the latter case callers attach to the running one.
// The returned channel closes when the relevant fetch settles.
func (q *cache[V]) startFetch(ctx context.Context, key Key, sk string, fn Fetcher[V]) <-chan struct{} {
	q.mu.Lock()
	e := q.entryLocked(key, sk)
	if fn != nil {
		e.refetch = fn
	} else {
		fn = e.refetch
	}

	if e.inflight != nil {
		done := e.inflight.done
		q.mu.Unlock()
		return done
	}
	fresh := e.hasData && e.status == StatusSuccess &&
		!e.fetchedAt.IsZero() && time.Since(e.fetchedAt) <= q.staleAfter
	if fresh || fn == nil {
		q.mu.Unlock()
		return closedCh
	}

	inf := &inflight{done: make(chan struct{})}
	e.inflight = inf
	e.status = StatusLoading
	q.mu.Unlock()

	inf.gen = q.bumpGen(ctx, sk)
	q.publish(ctx, sk)
	go q.runFetch(key, sk, inf, fn)
	return inf.done
}

func (q *cache[V]) runFetch(key Key, sk string, inf *inflight, fn Fetcher[V]) {
	// cancellation is advisory: a fetch outlives its callers and its result
	// is discarded via the generation check if superseded
	ctx := context.Background()

	var v V
	var err error
	for attempt := 0; attempt <= q.retries; attempt++ {
		v, err = fn(ctx)
		if err == nil {
			break
		}
	}

	if err != nil {
		q.finishError(ctx, sk, inf, err)
	} else {
		q.commit(ctx, key, sk, inf, v)
	}
	close(inf.done)
}

func (q *cache[V]) finishError(ctx context.Context, sk string, inf *inflight, ferr error) {
	q.mu.Lock()
	e, ok := q.entries[sk]
	if !ok || e.inflight != inf {
		q.mu.Unlock()
		q.hooks.FetchDiscarded(sk, inf.gen)
		return
	}
	e.inflight = nil
	e.status = StatusError
	e.err = ferr
	// prior data and fetchedAt are retained alongside the error
	q.mu.Unlock()

	q.log.Warn("fetch failed", logging.Fields{"key": sk, "err": ferr})
	q.publish(ctx, sk)
}

func (q *cache[V]) commit(ctx context.Context, key Key, sk string, inf *inflight, v V) {
	if cur := q.snapshotGen(ctx, sk); cur != inf.gen {
		q.clearInflight(sk, inf)
		q.hooks.FetchDiscarded(sk, inf.gen)
		return
	}

	payload, err := q.codec.Encode(v)
	if err != nil {
		q.finishError(ctx, sk, inf, fmt.Errorf("query: encode %s: %w", sk, err))
		return
	}
	framed := wire.Encode(inf.gen, payload)
	ok, serr := q.provider.Set(ctx, sk, framed, q.cost(sk, framed), q.retention)
	if serr != nil {
		q.log.Warn("provider set failed", logging.Fields{"key": sk, "err": serr})
		ok = false
	}
	if !ok {
		q.hooks.ProviderSetRejected(sk)
	}

	q.mu.Lock()
	e, exists := q.entries[sk]
	if !exists || e.inflight != inf {
		q.mu.Unlock()
		q.hooks.FetchDiscarded(sk, inf.gen)
		return
	}
	e.inflight = nil
	e.status = StatusSuccess
	e.err = nil
	e.fetchedAt = time.Now()
	e.hasData = ok
	e.committedGen = inf.gen
	ent := Entry[V]{
		Key:        e.key,
		Data:       v,
		HasData:    ok,
		Status:     StatusSuccess,
		FetchedAt:  e.fetchedAt,
		StaleAfter: q.staleAfter,
	}
	q.sendLocked(e, ent)
	q.mu.Unlock()
}

func (q *cache[V]) clearInflight(sk string, inf *inflight) {
	q.mu.Lock()
	if e, ok := q.entries[sk]; ok && e.inflight == inf {
		e.inflight = nil
	}
	q.mu.Unlock()
}

// ensure creates the entry for key if unknown, adopting warm provider data
// left by another process when the shared generation still matches. Adopted
// data is stale-but-present: shown immediately, refreshed in the background.
func (q *cache[V]) ensure(ctx context.Context, key Key, sk string) {
	q.mu.Lock()
	if _, ok := q.entries[sk]; ok {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	var adoptGen uint64
	if raw, ok, err := q.provider.Get(ctx, sk); err == nil && ok {
		if g, _, derr := wire.Decode(raw); derr != nil {
			q.selfHeal(ctx, sk, "corrupt")
		} else if cur := q.snapshotGen(ctx, sk); g == cur && g != 0 {
			adoptGen = g
		} else {
			q.selfHeal(ctx, sk, "gen_mismatch")
		}
	}

	q.mu.Lock()
	e := q.entryLocked(key, sk)
	if adoptGen != 0 && e.status == StatusIdle && !e.hasData {
		e.hasData = true
		e.committedGen = adoptGen
		e.status = StatusSuccess
	}
	q.mu.Unlock()
}

// entryLocked returns the state for sk, creating idle state when missing.
// Callers hold mu. Access with no subscribers refreshes the retention clock.
func (q *cache[V]) entryLocked(key Key, sk string) *entryState[V] {
	e, ok := q.entries[sk]
	if !ok {
		e = &entryState[V]{key: key, status: StatusIdle}
		q.entries[sk] = e
	}
	if len(e.subs) == 0 {
		e.idleSince = time.Now()
	}
	return e
}

// snapshot assembles a point-in-time Entry, reading and validating the data
// plane outside the lock.
func (q *cache[V]) snapshot(ctx context.Context, key Key, sk string) Entry[V] {
	q.mu.Lock()
	e, ok := q.entries[sk]
	if !ok {
		q.mu.Unlock()
		return Entry[V]{Key: key, Status: StatusIdle, StaleAfter: q.staleAfter}
	}
	ent := Entry[V]{
		Key:        e.key,
		Status:     e.status,
		Err:        e.err,
		FetchedAt:  e.fetchedAt,
		StaleAfter: q.staleAfter,
	}
	hasData := e.hasData
	committed := e.committedGen
	q.mu.Unlock()

	if !hasData {
		return ent
	}

	v, ok := q.loadData(ctx, sk, committed)
	if !ok {
		// data lost under us (pressure eviction or self-heal): force a
		// refetch on next use instead of serving a success-without-data
		q.mu.Lock()
		if e2, live := q.entries[sk]; live && e2.committedGen == committed {
			e2.hasData = false
			e2.fetchedAt = time.Time{}
		}
		q.mu.Unlock()
		ent.FetchedAt = time.Time{}
		return ent
	}
	ent.Data = v
	ent.HasData = true
	return ent
}

// loadData reads sk from the provider and validates framing, generation and
// payload. Invalid bytes are healed away.
func (q *cache[V]) loadData(ctx context.Context, sk string, committedGen uint64) (V, bool) {
	var zero V
	raw, ok, err := q.provider.Get(ctx, sk)
	if err != nil {
		q.log.Warn("provider get failed", logging.Fields{"key": sk, "err": err})
		return zero, false
	}
	if !ok {
		return zero, false
	}

	g, payload, err := wire.Decode(raw)
	if err != nil {
		q.selfHeal(ctx, sk, "corrupt")
		return zero, false
	}
	if g != committedGen {
		q.selfHeal(ctx, sk, "gen_mismatch")
		return zero, false
	}
	v, err := q.codec.Decode(payload)
	if err != nil {
		q.selfHeal(ctx, sk, "value_decode")
		return zero, false
	}
	return v, true
}

func (q *cache[V]) selfHeal(ctx context.Context, sk, reason string) {
	_ = q.provider.Del(ctx, sk)
	q.hooks.SelfHeal(sk, reason)
	q.log.Debug("self-healed entry", logging.Fields{"key": sk, "reason": reason})
}

// publish fans the current entry state out to subscribers.
func (q *cache[V]) publish(ctx context.Context, sk string) {
	q.mu.Lock()
	e, ok := q.entries[sk]
	if !ok || len(e.subs) == 0 {
		q.mu.Unlock()
		return
	}
	key := e.key
	q.mu.Unlock()

	ent := q.snapshot(ctx, key, sk)

	q.mu.Lock()
	if e2, ok := q.entries[sk]; ok {
		q.sendLocked(e2, ent)
	}
	q.mu.Unlock()
}

// sendLocked delivers ent to every subscriber without blocking. When a
// receiver is slow the oldest buffered snapshot is dropped: updates are
// level-based, only the latest state matters.
func (q *cache[V]) sendLocked(e *entryState[V], ent Entry[V]) {
	for _, ch := range e.subs {
		select {
		case ch <- ent:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ent:
			default:
			}
		}
	}
}

func (q *cache[V]) unsubscribe(sk string, s *Subscription[V]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	close(s.ch)
	if e, ok := q.entries[sk]; ok {
		delete(e.subs, s)
		if len(e.subs) == 0 {
			e.idleSince = time.Now()
		}
	}
}

func (q *cache[V]) sweepLoop() {
	defer q.closeWg.Done()
	for {
		select {
		case <-q.ticker.C:
			q.sweep()
		case <-q.stopCh:
			return
		}
	}
}

// sweep evicts entries that had no subscriber for longer than the retention
// window. In-flight fetches are left alone; they settle first.
func (q *cache[V]) sweep() {
	cutoff := time.Now().Add(-q.retention)
	var evict []string

	q.mu.Lock()
	for sk, e := range q.entries {
		if len(e.subs) == 0 && e.inflight == nil &&
			!e.idleSince.IsZero() && e.idleSince.Before(cutoff) {
			delete(q.entries, sk)
			evict = append(evict, sk)
		}
	}
	q.mu.Unlock()

	if len(evict) == 0 {
		return
	}
	ctx := context.Background()
	for _, sk := range evict {
		_ = q.provider.Del(ctx, sk)
		q.hooks.EntryEvicted(sk)
	}
	q.log.Debug("retention sweep evicted entries", logging.Fields{"count": len(evict)})
}

func (q *cache[V]) snapshotGen(ctx context.Context, sk string) uint64 {
	g, err := q.gens.Snapshot(ctx, sk)
	if err != nil {
		// conservative: 0 never matches a started fetch, so commits skip
		q.log.Warn("gen snapshot error", logging.Fields{"key": sk, "err": err})
		q.hooks.GenError(sk, err)
		return 0
	}
	return g
}

func (q *cache[V]) bumpGen(ctx context.Context, sk string) uint64 {
	g, err := q.gens.Bump(ctx, sk)
	if err != nil {
		q.log.Error("gen bump error", logging.Fields{"key": sk, "err": err})
		q.hooks.GenError(sk, err)
		return 0
	}
	return g
}
