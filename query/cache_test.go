package query

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/shopsync/genstore"
	pr "github.com/unkn0wn-root/shopsync/provider"
)

type memEntry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type memProvider struct {
	mu sync.Mutex
	m  map[string]memEntry
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string]memEntry)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && time.Now().After(e.exp) {
		delete(p.m, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	p.mu.Lock()
	p.m[key] = memEntry{v: value, exp: exp}
	p.mu.Unlock()
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return nil
}

func (p *memProvider) Close(_ context.Context) error { return nil }

func (p *memProvider) has(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.m[key]
	return ok
}

// corrupt replaces the stored bytes for key with garbage.
func (p *memProvider) corrupt(key string) {
	p.mu.Lock()
	p.m[key] = memEntry{v: []byte("not a frame")}
	p.mu.Unlock()
}

type recordHooks struct {
	mu        sync.Mutex
	selfHeals []string
	discarded int
	rejected  int
	evicted   int
	genErrs   int
}

var _ Hooks = (*recordHooks)(nil)

func (h *recordHooks) SelfHeal(_, reason string) {
	h.mu.Lock()
	h.selfHeals = append(h.selfHeals, reason)
	h.mu.Unlock()
}
func (h *recordHooks) FetchDiscarded(string, uint64) {
	h.mu.Lock()
	h.discarded++
	h.mu.Unlock()
}
func (h *recordHooks) ProviderSetRejected(string) {
	h.mu.Lock()
	h.rejected++
	h.mu.Unlock()
}
func (h *recordHooks) EntryEvicted(string) {
	h.mu.Lock()
	h.evicted++
	h.mu.Unlock()
}
func (h *recordHooks) GenError(string, error) {
	h.mu.Lock()
	h.genErrs++
	h.mu.Unlock()
}

func (h *recordHooks) discardedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.discarded
}

func (h *recordHooks) healReasons() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.selfHeals...)
}

type product struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// countFetcher returns v and counts invocations.
func countFetcher(v product, n *atomic.Int64) Fetcher[product] {
	return func(context.Context) (product, error) {
		n.Add(1)
		return v, nil
	}
}

// gatedFetcher blocks on gate before returning v.
func gatedFetcher(v product, gate <-chan struct{}, n *atomic.Int64) Fetcher[product] {
	return func(context.Context) (product, error) {
		n.Add(1)
		<-gate
		return v, nil
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFetchMissThenFreshHit(t *testing.T) {
	ctx := context.Background()
	cc := New[product](Options[product]{Provider: newMemProvider()})
	defer cc.Close(ctx)

	k := K("product", "id", "1")
	v := product{ID: "1", Title: "shirt"}
	var n atomic.Int64

	ent, err := cc.Fetch(ctx, k, countFetcher(v, &n))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !ent.HasData || ent.Data != v || ent.Status != StatusSuccess {
		t.Fatalf("unexpected entry after miss: %+v", ent)
	}

	// A fresh entry answers without touching the fetcher.
	ent, err = cc.Fetch(ctx, k, countFetcher(product{ID: "other"}, &n))
	if err != nil {
		t.Fatalf("Fetch hit: %v", err)
	}
	if ent.Data != v {
		t.Fatalf("hit returned %+v, want %+v", ent.Data, v)
	}
	if got := n.Load(); got != 1 {
		t.Fatalf("fetcher ran %d times, want 1", got)
	}
}

func TestEquivalentKeysShareOneEntry(t *testing.T) {
	ctx := context.Background()
	cc := New[product](Options[product]{Provider: newMemProvider()})
	defer cc.Close(ctx)

	a := Key{Scope: "products", Params: map[string]string{"limit": "10", "gender": "men"}}
	b := Key{Scope: "products", Params: map[string]string{"gender": "men", "limit": "10"}}

	var n atomic.Int64
	if _, err := cc.Fetch(ctx, a, countFetcher(product{ID: "a"}, &n)); err != nil {
		t.Fatalf("Fetch a: %v", err)
	}
	ent, err := cc.Fetch(ctx, b, countFetcher(product{ID: "b"}, &n))
	if err != nil {
		t.Fatalf("Fetch b: %v", err)
	}
	if ent.Data.ID != "a" {
		t.Fatalf("param order produced a second entry: %+v", ent.Data)
	}
	if got := n.Load(); got != 1 {
		t.Fatalf("fetcher ran %d times, want 1", got)
	}
}

func TestConcurrentFetchDeduplicates(t *testing.T) {
	ctx := context.Background()
	cc := New[product](Options[product]{Provider: newMemProvider()})
	defer cc.Close(ctx)

	k := K("product", "id", "7")
	v := product{ID: "7"}
	gate := make(chan struct{})
	var n atomic.Int64
	fn := gatedFetcher(v, gate, &n)

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	ents := make([]Entry[product], callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ents[i], errs[i] = cc.Fetch(ctx, k, fn)
		}()
	}

	waitFor(t, "fetch to start", func() bool { return n.Load() == 1 })
	close(gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if !ents[i].HasData || ents[i].Data != v {
			t.Fatalf("caller %d got %+v", i, ents[i])
		}
	}
	if got := n.Load(); got != 1 {
		t.Fatalf("fetcher ran %d times, want 1", got)
	}
}

func TestStaleServesOldDataAndRefreshesOnce(t *testing.T) {
	ctx := context.Background()
	cc := New[product](Options[product]{
		Provider:   newMemProvider(),
		StaleAfter: 30 * time.Millisecond,
	})
	defer cc.Close(ctx)

	k := K("product", "id", "1")
	v1 := product{ID: "1", Title: "old"}
	v2 := product{ID: "1", Title: "new"}
	var n atomic.Int64

	if _, err := cc.Fetch(ctx, k, countFetcher(v1, &n)); err != nil {
		t.Fatalf("initial fetch: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	// Stale: the old value comes back immediately, the refresh runs behind.
	ent, err := cc.Fetch(ctx, k, countFetcher(v2, &n))
	if err != nil {
		t.Fatalf("stale fetch: %v", err)
	}
	if ent.Data != v1 {
		t.Fatalf("stale fetch returned %+v, want the old value", ent.Data)
	}

	waitFor(t, "background refresh", func() bool {
		return cc.Peek(ctx, k).Data == v2
	})
	if got := n.Load(); got != 2 {
		t.Fatalf("fetcher ran %d times, want 2", got)
	}
}

func TestInvalidateDiscardsInflightResult(t *testing.T) {
	ctx := context.Background()
	hooks := &recordHooks{}
	cc := New[product](Options[product]{Provider: newMemProvider(), Hooks: hooks})
	defer cc.Close(ctx)

	k := K("product", "id", "1")
	gate := make(chan struct{})
	var n atomic.Int64

	var ent Entry[product]
	fetchDone := make(chan struct{})
	go func() {
		ent, _ = cc.Fetch(ctx, k, gatedFetcher(product{Title: "late"}, gate, &n))
		close(fetchDone)
	}()
	waitFor(t, "fetch to start", func() bool { return n.Load() == 1 })

	// Supersede the running fetch, then let it finish late.
	cc.Invalidate(ctx, k)
	close(gate)
	<-fetchDone

	if ent.HasData {
		t.Fatalf("superseded fetch delivered data: %+v", ent)
	}
	if got := cc.Peek(ctx, k); got.HasData {
		t.Fatalf("late result was committed: %+v", got)
	}
	if hooks.discardedCount() == 0 {
		t.Fatal("expected a discarded-fetch event")
	}
}

func TestSetSupersedesInflightFetch(t *testing.T) {
	ctx := context.Background()
	cc := New[product](Options[product]{Provider: newMemProvider()})
	defer cc.Close(ctx)

	k := K("product", "id", "1")
	gate := make(chan struct{})
	var n atomic.Int64
	written := product{ID: "1", Title: "written"}

	fetchDone := make(chan struct{})
	go func() {
		cc.Fetch(ctx, k, gatedFetcher(product{ID: "1", Title: "late"}, gate, &n))
		close(fetchDone)
	}()
	waitFor(t, "fetch to start", func() bool { return n.Load() == 1 })

	if err := cc.Set(ctx, k, written); err != nil {
		t.Fatalf("Set: %v", err)
	}
	close(gate)
	<-fetchDone

	if got := cc.Peek(ctx, k); !got.HasData || got.Data != written {
		t.Fatalf("late fetch overwrote write-through: %+v", got)
	}
}

func TestWriteThroughIsFresh(t *testing.T) {
	ctx := context.Background()
	cc := New[product](Options[product]{Provider: newMemProvider()})
	defer cc.Close(ctx)

	k := K("product", "id", "9")
	v := product{ID: "9", Title: "saved"}
	if err := cc.Set(ctx, k, v); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// Fresh after Set: the fetcher must not run at all.
	boom := func(context.Context) (product, error) {
		return product{}, errors.New("must not be called")
	}
	ent, err := cc.Fetch(ctx, k, boom)
	if err != nil {
		t.Fatalf("Fetch after Set: %v", err)
	}
	if ent.Data != v || ent.Stale(time.Now()) {
		t.Fatalf("expected fresh written entry, got %+v", ent)
	}
}

func TestFetchErrorWithNoDataReturnsError(t *testing.T) {
	ctx := context.Background()
	cc := New[product](Options[product]{Provider: newMemProvider()})
	defer cc.Close(ctx)

	boom := errors.New("backend down")
	ent, err := cc.Fetch(ctx, K("product", "id", "1"), func(context.Context) (product, error) {
		return product{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if ent.HasData || ent.Status != StatusError {
		t.Fatalf("unexpected entry: %+v", ent)
	}
}

func TestFetchErrorKeepsStaleData(t *testing.T) {
	ctx := context.Background()
	cc := New[product](Options[product]{
		Provider:   newMemProvider(),
		StaleAfter: 30 * time.Millisecond,
	})
	defer cc.Close(ctx)

	k := K("product", "id", "1")
	v := product{ID: "1", Title: "kept"}
	var n atomic.Int64
	if _, err := cc.Fetch(ctx, k, countFetcher(v, &n)); err != nil {
		t.Fatalf("initial fetch: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	boom := errors.New("backend down")
	ent, err := cc.Fetch(ctx, k, func(context.Context) (product, error) {
		return product{}, boom
	})
	if err != nil {
		t.Fatalf("stale fetch must not fail while data exists: %v", err)
	}
	if ent.Data != v {
		t.Fatalf("stale fetch returned %+v", ent.Data)
	}

	waitFor(t, "failed refresh to settle", func() bool {
		return cc.Peek(ctx, k).Status == StatusError
	})
	got := cc.Peek(ctx, k)
	if !got.HasData || got.Data != v || !errors.Is(got.Err, boom) {
		t.Fatalf("stale data dropped on error: %+v", got)
	}
}

func TestRetries(t *testing.T) {
	ctx := context.Background()
	cc := New[product](Options[product]{Provider: newMemProvider(), Retries: 2})
	defer cc.Close(ctx)

	v := product{ID: "1"}
	var n atomic.Int64
	ent, err := cc.Fetch(ctx, K("product", "id", "1"), func(context.Context) (product, error) {
		if n.Add(1) < 3 {
			return product{}, errors.New("flaky")
		}
		return v, nil
	})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if ent.Data != v {
		t.Fatalf("got %+v", ent.Data)
	}
	if got := n.Load(); got != 3 {
		t.Fatalf("fetcher ran %d times, want 3", got)
	}
}

func TestSelfHealOnCorruptBytes(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	hooks := &recordHooks{}
	cc := New[product](Options[product]{Provider: mp, Hooks: hooks})
	defer cc.Close(ctx)

	k := K("product", "id", "1")
	sk := storageKey(k)
	var n atomic.Int64
	if _, err := cc.Fetch(ctx, k, countFetcher(product{ID: "1"}, &n)); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	mp.corrupt(sk)

	ent := cc.Peek(ctx, k)
	if ent.HasData {
		t.Fatalf("corrupt bytes served as data: %+v", ent)
	}
	if mp.has(sk) {
		t.Fatal("corrupt bytes not healed away")
	}
	reasons := hooks.healReasons()
	if len(reasons) == 0 || reasons[0] != "corrupt" {
		t.Fatalf("self-heal reasons = %v", reasons)
	}

	// The heal zeroed freshness, so the next fetch reloads.
	if _, err := cc.Fetch(ctx, k, countFetcher(product{ID: "1"}, &n)); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if got := n.Load(); got != 2 {
		t.Fatalf("fetcher ran %d times, want 2", got)
	}
}

func TestWarmStartAdoptsSharedProviderData(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	gens := genstore.NewLocalGenStore(time.Minute, time.Hour)

	cc1 := New[product](Options[product]{Provider: mp, GenStore: gens})
	k := K("product", "id", "1")
	v := product{ID: "1", Title: "warm"}
	if err := cc1.Set(ctx, k, v); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// A second cache over the same provider and genstore sees the bytes and
	// the matching generation; the data is adopted as stale-but-present.
	cc2 := New[product](Options[product]{Provider: mp, GenStore: gens})
	defer cc2.Close(ctx)

	var n atomic.Int64
	ent, err := cc2.Fetch(ctx, k, countFetcher(v, &n))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !ent.HasData || ent.Data != v {
		t.Fatalf("warm data not adopted: %+v", ent)
	}
}

func TestSubscribeReceivesWriteThrough(t *testing.T) {
	ctx := context.Background()
	cc := New[product](Options[product]{Provider: newMemProvider()})
	defer cc.Close(ctx)

	k := K("product", "id", "1")
	v1 := product{ID: "1", Title: "one"}
	var n atomic.Int64

	sub, ent := cc.Subscribe(ctx, k, countFetcher(v1, &n))
	defer sub.Unsubscribe()

	if !ent.HasData {
		waitFor(t, "initial load", func() bool { return cc.Peek(ctx, k).HasData })
	}

	v2 := product{ID: "1", Title: "two"}
	if err := cc.Set(ctx, k, v2); err != nil {
		t.Fatalf("Set: %v", err)
	}
	waitFor(t, "write-through delivery", func() bool {
		for {
			select {
			case got := <-sub.C:
				if got.HasData && got.Data == v2 {
					return true
				}
			default:
				return false
			}
		}
	})
}

func TestInvalidateRefetchesForSubscribers(t *testing.T) {
	ctx := context.Background()
	cc := New[product](Options[product]{Provider: newMemProvider()})
	defer cc.Close(ctx)

	k := K("product", "id", "1")
	var n atomic.Int64
	sub, _ := cc.Subscribe(ctx, k, countFetcher(product{ID: "1"}, &n))
	defer sub.Unsubscribe()

	waitFor(t, "initial load", func() bool { return n.Load() == 1 })

	// With a live subscriber, invalidation refetches eagerly.
	cc.Invalidate(ctx, k)
	waitFor(t, "invalidation refetch", func() bool { return n.Load() == 2 })
}

func TestInvalidateScope(t *testing.T) {
	ctx := context.Background()
	cc := New[product](Options[product]{Provider: newMemProvider()})
	defer cc.Close(ctx)

	var n atomic.Int64
	page1 := Key{Scope: "products", Params: map[string]string{"offset": "0"}}
	page2 := Key{Scope: "products", Params: map[string]string{"offset": "12"}}
	single := K("product", "id", "1")
	for _, k := range []Key{page1, page2, single} {
		if _, err := cc.Fetch(ctx, k, countFetcher(product{ID: "x"}, &n)); err != nil {
			t.Fatalf("Fetch %v: %v", k, err)
		}
	}

	cc.InvalidateScope(ctx, "products")

	now := time.Now()
	if !cc.Peek(ctx, page1).Stale(now) || !cc.Peek(ctx, page2).Stale(now) {
		t.Fatal("scope entries still fresh after InvalidateScope")
	}
	if cc.Peek(ctx, single).Stale(now) {
		t.Fatal("unrelated scope was invalidated")
	}
	// Data survives invalidation; only freshness is dropped.
	if got := cc.Peek(ctx, page1); !got.HasData {
		t.Fatalf("invalidation dropped data: %+v", got)
	}
}

func TestRetentionSweepEvictsIdleEntries(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	hooks := &recordHooks{}
	cc := New[product](Options[product]{
		Provider:        mp,
		Hooks:           hooks,
		Retention:       20 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	})
	defer cc.Close(ctx)

	k := K("product", "id", "1")
	sk := storageKey(k)
	var n atomic.Int64
	if _, err := cc.Fetch(ctx, k, countFetcher(product{ID: "1"}, &n)); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !mp.has(sk) {
		t.Fatal("entry missing from provider after fetch")
	}

	waitFor(t, "retention eviction", func() bool { return !mp.has(sk) })

	hooks.mu.Lock()
	evicted := hooks.evicted
	hooks.mu.Unlock()
	if evicted == 0 {
		t.Fatal("expected an eviction event")
	}
}

func TestSubscriberPinsEntryThroughSweep(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	cc := New[product](Options[product]{
		Provider:        mp,
		Retention:       20 * time.Millisecond,
		CleanupInterval: 10 * time.Millisecond,
	})
	defer cc.Close(ctx)

	k := K("product", "id", "1")
	var n atomic.Int64
	sub, _ := cc.Subscribe(ctx, k, countFetcher(product{ID: "1"}, &n))
	defer sub.Unsubscribe()
	waitFor(t, "initial load", func() bool { return n.Load() == 1 })

	time.Sleep(60 * time.Millisecond)
	if !mp.has(storageKey(k)) {
		t.Fatal("subscribed entry was evicted")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cc := New[product](Options[product]{Provider: newMemProvider()})
	defer cc.Close(ctx)

	var n atomic.Int64
	sub, _ := cc.Subscribe(ctx, K("product", "id", "1"), countFetcher(product{}, &n))
	sub.Unsubscribe()
	sub.Unsubscribe()
}
