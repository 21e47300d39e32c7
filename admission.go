package main

import (
	"sync"
	"time"

	"vehrelay/internal/store"
)

// admissionWindow is the sliding window over which recent connection
// attempts from one address are counted (§4.10).
const admissionWindow = 5 * time.Second

// admissionViolationLimit is the number of attempts within admissionWindow
// that trips the block.
const admissionViolationLimit = 4

// AdmissionGuard rate-limits connection attempts per address and persists
// blocked addresses through the store, caching the set in memory so the
// hot accept path never blocks on a query (§5).
type AdmissionGuard struct {
	mu      sync.Mutex
	recent  map[string][]time.Time
	blocked map[string]struct{}
	db      *store.Store
}

// NewAdmissionGuard loads the persisted blocked set and returns a guard
// ready to evaluate connection attempts. db may be nil, in which case
// blocking is in-memory only (used by tests).
func NewAdmissionGuard(db *store.Store) (*AdmissionGuard, error) {
	g := &AdmissionGuard{
		recent:  make(map[string][]time.Time),
		blocked: make(map[string]struct{}),
		db:      db,
	}
	if db != nil {
		addrs, err := db.LoadBlockedAddresses()
		if err != nil {
			return nil, err
		}
		for _, a := range addrs {
			g.blocked[a] = struct{}{}
		}
	}
	return g, nil
}

// Allow records a connection attempt from address and reports whether it
// may proceed to the handshake. Once an address is blocked it stays
// blocked until the persisted set is cleared out-of-band (§8 rate-limit
// monotonicity law).
func (g *AdmissionGuard) Allow(address string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, blocked := g.blocked[address]; blocked {
		return false
	}

	now := time.Now()
	cutoff := now.Add(-admissionWindow)
	attempts := g.recent[address]
	kept := attempts[:0]
	for _, t := range attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	g.recent[address] = kept

	if len(kept) >= admissionViolationLimit {
		g.blocked[address] = struct{}{}
		delete(g.recent, address)
		if g.db != nil {
			// Best-effort: a failed persist still blocks this process's
			// in-memory view, matching §7's "continue serving, degraded"
			// posture for non-hot-path storage failures.
			_ = g.db.BlockAddress(address)
		}
		return false
	}
	return true
}

// IsBlocked reports whether address is currently in the blocked set,
// without recording a new attempt.
func (g *AdmissionGuard) IsBlocked(address string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, blocked := g.blocked[address]
	return blocked
}

// BlockedAddresses returns a snapshot of the blocked set, used by the
// admin API.
func (g *AdmissionGuard) BlockedAddresses() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.blocked))
	for a := range g.blocked {
		out = append(out, a)
	}
	return out
}
