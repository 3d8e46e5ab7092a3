package query

import "github.com/unkn0wn-root/shopsync/internal/util"

// Key identifies a cached query: a scope name plus a parameter record.
// Two keys are equal iff the scope and the canonical (order-independent)
// serialization of the params match.
type Key struct {
	Scope  string
	Params map[string]string
}

// K is a small constructor helper: K("product", "id", "7").
// Panics on an odd number of pairs; this is a programmer error.
func K(scope string, pairs ...string) Key {
	if len(pairs)%2 != 0 {
		panic("query: K requires key/value pairs")
	}
	if len(pairs) == 0 {
		return Key{Scope: scope}
	}
	p := make(map[string]string, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		p[pairs[i]] = pairs[i+1]
	}
	return Key{Scope: scope, Params: p}
}

// Canonical returns the stable serialization used as the cache index.
func (k Key) Canonical() string {
	return util.CanonicalKey(k.Scope, k.Params)
}

// storageKey namespaces canonical keys inside the provider keyspace.
func storageKey(k Key) string {
	return "q:" + k.Canonical()
}
