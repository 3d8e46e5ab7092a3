package util

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

// maxPlainKey caps readable storage keys; anything longer is replaced by a
// short hash so provider backends with key-size limits stay happy.
const maxPlainKey = 200

// CanonicalKey serializes a scope plus a parameter record into a stable
// storage key. Parameter insertion order does not matter: pairs are sorted,
// so equal records always produce the same key.
func CanonicalKey(scope string, params map[string]string) string {
	if len(params) == 0 {
		return scope
	}
	pairs := make([]string, 0, len(params))
	for k, v := range params {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)

	key := scope + "?" + strings.Join(pairs, "&")
	if len(key) <= maxPlainKey {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%s:%x", scope, sum[:8])
}
