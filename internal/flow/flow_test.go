package flow

import (
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func key(srcPort uint16) ConnectionKey {
	return ConnectionKey{
		SrcIP:   netip.MustParseAddr("192.168.1.10"),
		DstIP:   netip.MustParseAddr("93.184.216.34"),
		SrcPort: srcPort,
		DstPort: 443,
	}
}

func TestConnectionKeyReverse(t *testing.T) {
	k := key(50000)
	r := k.Reverse()
	assert.NotEqual(t, k, r)
	assert.Equal(t, k, r.Reverse())
	assert.Equal(t, uint16(443), r.SrcPort)
	assert.Equal(t, "192.168.1.10:50000 -> 93.184.216.34:443", k.String())
	assert.Equal(t, k.FlowHash(), r.FlowHash())
	assert.NotEqual(t, k.FlowHash(), key(50001).FlowHash())
}

func TestConnTableTryAddAndMark(t *testing.T) {
	ct := NewConnTable(0)
	k := key(50000)

	require.True(t, ct.TryAdd(k, t0))
	require.False(t, ct.TryAdd(k, t0.Add(time.Second)))

	st, ok := ct.Get(k)
	require.True(t, ok)
	assert.False(t, st.BypassApplied)
	assert.Equal(t, t0, st.FirstSeen)
	assert.Equal(t, t0.Add(time.Second), st.LastSeen)

	assert.True(t, ct.MarkBypassApplied(k, t0.Add(2*time.Second)))
	assert.False(t, ct.MarkBypassApplied(k, t0.Add(3*time.Second)))

	st, _ = ct.Get(k)
	assert.True(t, st.BypassApplied)
	assert.Equal(t, t0, st.FirstSeen, "FirstSeen must survive the update")

	_, ok = ct.Get(k.Reverse())
	assert.False(t, ok)
}

func TestConnTableTryAddOncePerKeyConcurrent(t *testing.T) {
	ct := NewConnTable(0)
	var wins atomic.Int32
	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			for p := uint16(1); p <= 100; p++ {
				if ct.TryAdd(key(p), t0) {
					wins.Add(1)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.EqualValues(t, 100, wins.Load())
	assert.Equal(t, 100, ct.Len())
}

func TestConnTableSweep(t *testing.T) {
	ct := NewConnTable(3)
	for p := uint16(1); p <= 5; p++ {
		ct.TryAdd(key(p), t0.Add(time.Duration(p)*time.Minute))
	}
	// Idle sweep removes port 1 (last seen t0+1m, cutoff t0+1m30s).
	removed := ct.Sweep(t0.Add(11*time.Minute+30*time.Second), 10*time.Minute)
	assert.Equal(t, 2, removed, "one idle entry plus one over the cap")
	assert.Equal(t, 3, ct.Len())

	_, ok := ct.Get(key(2))
	assert.False(t, ok, "oldest remaining entry trimmed first")
	_, ok = ct.Get(key(5))
	assert.True(t, ok)
}

func TestProbeRegistry(t *testing.T) {
	r := NewProbeRegistry()
	k := key(40000)

	r.Register(k, 0, t0)
	assert.True(t, r.IsProbe(k, t0.Add(29*time.Second)))
	assert.False(t, r.IsProbe(k.Reverse(), t0))

	assert.False(t, r.IsProbe(k, t0.Add(30*time.Second)), "expired at ttl")
	assert.Equal(t, 0, r.Len(), "expired entry removed on lookup")

	r.Register(k, time.Second, t0)
	r.Unregister(k)
	assert.False(t, r.IsProbe(k, t0))
}

func TestProbeRegistryLazySweep(t *testing.T) {
	r := NewProbeRegistry()
	for p := uint16(1); p <= 80; p++ {
		r.Register(key(p), time.Second, t0)
	}
	live := key(9999)
	r.Register(live, time.Hour, t0)
	require.Equal(t, 81, r.Len())

	assert.True(t, r.IsProbe(live, t0.Add(time.Minute)))
	assert.Equal(t, 1, r.Len(), "lookup above the threshold sweeps expired entries")

	// Below the threshold no sweep happens on unrelated lookups.
	r.Register(key(1), time.Second, t0)
	r.IsProbe(live, t0.Add(time.Minute))
	assert.Equal(t, 2, r.Len())
}

func TestKeySet(t *testing.T) {
	s := NewKeySet()
	k := key(8080)
	assert.True(t, s.TryAdd(k, t0))
	assert.False(t, s.TryAdd(k, t0))
	assert.True(t, s.Contains(k))
	assert.True(t, s.TryAdd(k.Reverse(), t0.Add(time.Hour)))

	assert.Equal(t, 1, s.Sweep(t0.Add(time.Hour), time.Minute))
	assert.False(t, s.Contains(k))
	assert.Equal(t, 1, s.Len())
}
