// Package flow tracks per-connection state for the bypass pipeline.
package flow

import (
	"fmt"
	"net/netip"
	"sync"
)

// ConnectionKey identifies one direction of a transport flow. Keys are not
// normalized: a flow and its reply hash differently, use Reverse to look up
// the opposite direction.
type ConnectionKey struct {
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
}

// Reverse returns the key of the opposite direction.
func (k ConnectionKey) Reverse() ConnectionKey {
	return ConnectionKey{SrcIP: k.DstIP, DstIP: k.SrcIP, SrcPort: k.DstPort, DstPort: k.SrcPort}
}

func (k ConnectionKey) String() string {
	return fmt.Sprintf("%s -> %s",
		netip.AddrPortFrom(k.SrcIP, k.SrcPort), netip.AddrPortFrom(k.DstIP, k.DstPort))
}

// ---------------------------------------------------------------------------
// Sharded maps: 64 shards reduce RWMutex contention
// ---------------------------------------------------------------------------

const numShards = 64

type shard[V any] struct {
	mu sync.RWMutex
	m  map[ConnectionKey]V
}

type shardedMap[V any] struct {
	shards [numShards]shard[V]
}

func newShardedMap[V any]() *shardedMap[V] {
	sm := &shardedMap[V]{}
	for i := range sm.shards {
		sm.shards[i].m = make(map[ConnectionKey]V)
	}
	return sm
}

// FlowHash returns a direction-independent hash: k and k.Reverse() agree.
func (k ConnectionKey) FlowHash() uint32 {
	return fnv(k) ^ fnv(k.Reverse())
}

// shardIndex selects a shard using FNV-1a over both addresses and ports.
func shardIndex(k ConnectionKey) uint32 {
	return fnv(k) & (numShards - 1)
}

func fnv(k ConnectionKey) uint32 {
	h := uint32(2166136261)
	src, dst := k.SrcIP.As16(), k.DstIP.As16()
	for _, b := range src {
		h = (h ^ uint32(b)) * 16777619
	}
	for _, b := range dst {
		h = (h ^ uint32(b)) * 16777619
	}
	h = (h ^ uint32(k.SrcPort>>8)) * 16777619
	h = (h ^ uint32(k.SrcPort&0xff)) * 16777619
	h = (h ^ uint32(k.DstPort>>8)) * 16777619
	h = (h ^ uint32(k.DstPort&0xff)) * 16777619
	return h
}

func (sm *shardedMap[V]) shardFor(k ConnectionKey) *shard[V] {
	return &sm.shards[shardIndex(k)]
}

func (sm *shardedMap[V]) get(k ConnectionKey) (V, bool) {
	s := sm.shardFor(k)
	s.mu.RLock()
	v, ok := s.m[k]
	s.mu.RUnlock()
	return v, ok
}

func (sm *shardedMap[V]) len() int {
	n := 0
	for i := range sm.shards {
		s := &sm.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// deleteIf removes every entry for which stale returns true and reports how
// many were removed. Candidates are collected under the read lock and
// re-checked under the write lock.
func (sm *shardedMap[V]) deleteIf(stale func(V) bool) int {
	removed := 0
	for i := range sm.shards {
		s := &sm.shards[i]
		var keys []ConnectionKey
		s.mu.RLock()
		for k, v := range s.m {
			if stale(v) {
				keys = append(keys, k)
			}
		}
		s.mu.RUnlock()

		if len(keys) == 0 {
			continue
		}
		s.mu.Lock()
		for _, k := range keys {
			if v, ok := s.m[k]; ok && stale(v) {
				delete(s.m, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
