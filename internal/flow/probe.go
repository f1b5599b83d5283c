package flow

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultProbeTTL applies when Register is given a non-positive TTL.
	DefaultProbeTTL = 30 * time.Second
	// probeSweepThreshold is the size above which lookups sweep expired entries.
	probeSweepThreshold = 64
)

// ProbeRegistry holds flows opened by an external prober. Probe flows still
// get bypass treatment but are excluded from user-facing metrics.
type ProbeRegistry struct {
	entries  sync.Map // ConnectionKey -> time.Time (expiry)
	size     atomic.Int64
	sweeping atomic.Bool
}

// NewProbeRegistry creates an empty registry.
func NewProbeRegistry() *ProbeRegistry {
	return &ProbeRegistry{}
}

// Register marks key as a probe flow until now+ttl.
func (r *ProbeRegistry) Register(key ConnectionKey, ttl time.Duration, now time.Time) {
	if ttl <= 0 {
		ttl = DefaultProbeTTL
	}
	if _, loaded := r.entries.Swap(key, now.Add(ttl)); !loaded {
		r.size.Add(1)
	}
}

// Unregister forgets key.
func (r *ProbeRegistry) Unregister(key ConnectionKey) {
	if _, loaded := r.entries.LoadAndDelete(key); loaded {
		r.size.Add(-1)
	}
}

// IsProbe reports whether key is a live probe flow. An expired entry is
// removed on lookup; above the size threshold every expired entry is.
func (r *ProbeRegistry) IsProbe(key ConnectionKey, now time.Time) bool {
	if r.size.Load() > probeSweepThreshold {
		r.sweep(now)
	}

	v, ok := r.entries.Load(key)
	if !ok {
		return false
	}
	if expiry := v.(time.Time); now.Before(expiry) {
		return true
	}
	if r.entries.CompareAndDelete(key, v) {
		r.size.Add(-1)
	}
	return false
}

// Len returns the number of registered entries, expired ones included.
func (r *ProbeRegistry) Len() int { return int(r.size.Load()) }

func (r *ProbeRegistry) sweep(now time.Time) {
	if !r.sweeping.CompareAndSwap(false, true) {
		return
	}
	defer r.sweeping.Store(false)

	r.entries.Range(func(k, v any) bool {
		if !now.Before(v.(time.Time)) && r.entries.CompareAndDelete(k, v) {
			r.size.Add(-1)
		}
		return true
	})
}
