package flow

import (
	"context"
	"slices"
	"time"

	"desync-engine/internal/core"
)

// Defaults for connection state eviction.
const (
	DefaultConnStateTTL  = 10 * time.Minute
	DefaultConnStateMax  = 65536
	DefaultSweepInterval = 30 * time.Second
)

// ConnectionState is what the pipeline remembers about a TLS flow.
type ConnectionState struct {
	FirstSeen     time.Time
	LastSeen      time.Time
	BypassApplied bool
}

// ConnTable maps ConnectionKey to ConnectionState. Entries are created on the
// first bypass-eligible ClientHello and evicted by Sweep once idle.
type ConnTable struct {
	m          *shardedMap[ConnectionState]
	maxEntries int
}

// NewConnTable creates a table holding at most maxEntries after each sweep.
// maxEntries <= 0 selects DefaultConnStateMax.
func NewConnTable(maxEntries int) *ConnTable {
	if maxEntries <= 0 {
		maxEntries = DefaultConnStateMax
	}
	return &ConnTable{m: newShardedMap[ConnectionState](), maxEntries: maxEntries}
}

// TryAdd records key as seen at now. It returns true if the key was not yet
// tracked; an existing entry only has LastSeen refreshed.
func (t *ConnTable) TryAdd(key ConnectionKey, now time.Time) bool {
	s := t.m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.m[key]; ok {
		st.LastSeen = now
		s.m[key] = st
		return false
	}
	s.m[key] = ConnectionState{FirstSeen: now, LastSeen: now}
	return true
}

// MarkBypassApplied sets BypassApplied, keeping FirstSeen. A missing entry is
// created. Returns false if the flag was already set.
func (t *ConnTable) MarkBypassApplied(key ConnectionKey, now time.Time) bool {
	s := t.m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.m[key]
	if !ok {
		st.FirstSeen = now
	}
	if st.BypassApplied {
		return false
	}
	st.BypassApplied = true
	st.LastSeen = now
	s.m[key] = st
	return true
}

// Get returns the state tracked for key.
func (t *ConnTable) Get(key ConnectionKey) (ConnectionState, bool) {
	return t.m.get(key)
}

// Len returns the number of tracked connections.
func (t *ConnTable) Len() int { return t.m.len() }

// Sweep drops entries idle for longer than maxAge, then trims the oldest
// entries until at most maxEntries remain. Returns the number removed.
func (t *ConnTable) Sweep(now time.Time, maxAge time.Duration) int {
	cutoff := now.Add(-maxAge)
	removed := t.m.deleteIf(func(st ConnectionState) bool {
		return st.LastSeen.Before(cutoff)
	})

	excess := t.m.len() - t.maxEntries
	if excess <= 0 {
		return removed
	}

	seen := make([]time.Time, 0, t.maxEntries+excess)
	for i := range t.m.shards {
		s := &t.m.shards[i]
		s.mu.RLock()
		for _, st := range s.m {
			seen = append(seen, st.LastSeen)
		}
		s.mu.RUnlock()
	}
	if len(seen) <= t.maxEntries {
		return removed
	}
	slices.SortFunc(seen, func(a, b time.Time) int { return a.Compare(b) })
	// Everything at or before the excess-th oldest timestamp goes.
	oldest := seen[len(seen)-t.maxEntries-1]
	removed += t.m.deleteIf(func(st ConnectionState) bool {
		return !st.LastSeen.After(oldest)
	})
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done.
func (t *ConnTable) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultConnStateTTL
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := t.Sweep(now, maxAge); n > 0 {
					core.Log.Debugf("Flow", "Connection state sweep: removed %d entries, %d left", n, t.Len())
				}
			}
		}
	}()
}
