// Package sloghooks emits query cache events through log/slog. Keys are
// redacted before logging because canonical keys can carry user data
// (emails, search terms).
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/shopsync/query"
)

type Options struct {
	// Sampling to avoid floods on the chattier events; 0/1 = log all.
	SelfHealEvery  uint64
	DiscardedEvery uint64
	EvictedEvery   uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr  atomic.Uint64
	discardedCtr atomic.Uint64
	evictedCtr   atomic.Uint64
}

var _ query.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("query.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) FetchDiscarded(storageKey string, gen uint64) {
	if h.l == nil || !sample(h.opts.DiscardedEvery, &h.discardedCtr) {
		return
	}
	h.l.Debug("query.fetch_discarded",
		"key", h.redact(storageKey),
		"gen", gen)
}

func (h *Hooks) ProviderSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("query.provider_set_rejected",
		"key", h.redact(storageKey))
}

func (h *Hooks) EntryEvicted(storageKey string) {
	if h.l == nil || !sample(h.opts.EvictedEvery, &h.evictedCtr) {
		return
	}
	h.l.Debug("query.entry_evicted",
		"key", h.redact(storageKey))
}

func (h *Hooks) GenError(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("query.gen_error",
		"key", h.redact(storageKey),
		"err", err)
}
