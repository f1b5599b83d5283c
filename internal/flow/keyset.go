package flow

import "time"

// KeySet is a concurrent once-per-connection marker.
type KeySet struct {
	m *shardedMap[time.Time]
}

// NewKeySet creates an empty set.
func NewKeySet() *KeySet {
	return &KeySet{m: newShardedMap[time.Time]()}
}

// TryAdd inserts key and reports whether it was absent.
func (s *KeySet) TryAdd(key ConnectionKey, now time.Time) bool {
	sh := s.m.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.m[key]; ok {
		return false
	}
	sh.m[key] = now
	return true
}

// Contains reports whether key was added.
func (s *KeySet) Contains(key ConnectionKey) bool {
	_, ok := s.m.get(key)
	return ok
}

// Len returns the number of keys.
func (s *KeySet) Len() int { return s.m.len() }

// Sweep removes keys added before now-maxAge.
func (s *KeySet) Sweep(now time.Time, maxAge time.Duration) int {
	cutoff := now.Add(-maxAge)
	return s.m.deleteIf(func(added time.Time) bool { return added.Before(cutoff) })
}
