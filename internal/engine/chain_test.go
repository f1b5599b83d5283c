package engine

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"desync-engine/internal/capture"
)

type stubFilter struct {
	name     string
	priority int
	verdict  Verdict
	panics   bool
	calls    *[]string
	hits     atomic.Int64
}

func (f *stubFilter) Name() string  { return f.name }
func (f *stubFilter) Priority() int { return f.priority }

func (f *stubFilter) Process(*capture.Packet, capture.Sender) Verdict {
	f.hits.Add(1)
	if f.calls != nil {
		*f.calls = append(*f.calls, f.name)
	}
	if f.panics {
		panic("boom")
	}
	return f.verdict
}

func TestChainRunsByPriority(t *testing.T) {
	var calls []string
	c := NewChain(nil)
	c.Register(&stubFilter{name: "low", priority: 10, calls: &calls})
	c.Register(&stubFilter{name: "high", priority: 300, calls: &calls})
	c.Register(&stubFilter{name: "mid-a", priority: 100, calls: &calls})
	c.Register(&stubFilter{name: "mid-b", priority: 100, calls: &calls})

	pkt := hello(t, "example.com", 200)
	assert.Equal(t, VerdictPass, c.Process(pkt, capture.NewRecorder()))
	assert.Equal(t, []string{"high", "mid-a", "mid-b", "low"}, calls)
}

func TestChainStopsAtDrop(t *testing.T) {
	var calls []string
	c := NewChain(nil)
	c.Register(&stubFilter{name: "block", priority: EndpointBlockPriority, verdict: VerdictDrop, calls: &calls})
	c.Register(&stubFilter{name: "bypass", priority: BypassPriority, calls: &calls})

	assert.Equal(t, VerdictDrop, c.Process(hello(t, "example.com", 200), capture.NewRecorder()))
	assert.Equal(t, []string{"block"}, calls)
}

func TestChainIsolatesPanics(t *testing.T) {
	m := NewMetrics()
	c := NewChain(m)
	bad := &stubFilter{name: "bad", priority: 200, panics: true}
	next := &stubFilter{name: "next", priority: 100}
	c.Register(bad)
	c.Register(next)

	pkt := hello(t, "example.com", 200)
	for range 3 {
		var v Verdict
		require.NotPanics(t, func() { v = c.Process(pkt, capture.NewRecorder()) })
		assert.Equal(t, VerdictPass, v)
	}
	assert.Equal(t, int64(3), next.hits.Load())
	assert.Equal(t, int64(3), m.Snapshot().FilterFaults)
}

func TestChainReplaceAndRemove(t *testing.T) {
	c := NewChain(nil)
	c.Register(&stubFilter{name: "a", priority: 1})
	c.Register(&stubFilter{name: "b", priority: 2})

	drop := &stubFilter{name: "a", priority: 3, verdict: VerdictDrop}
	c.Replace(drop)
	fs := c.Filters()
	require.Len(t, fs, 2)
	assert.Same(t, drop, fs[0])

	assert.True(t, c.Remove("a"))
	assert.False(t, c.Remove("a"))
	assert.Len(t, c.Filters(), 1)
}

func TestChainRemoveFilterKeepsNamesakes(t *testing.T) {
	c := NewChain(nil)
	first := &stubFilter{name: "a", priority: 1}
	second := &stubFilter{name: "a", priority: 1}
	c.Register(first)
	c.Register(second)

	assert.True(t, c.RemoveFilter(first))
	assert.False(t, c.RemoveFilter(first))
	fs := c.Filters()
	require.Len(t, fs, 1)
	assert.Same(t, second, fs[0])
}

func TestChainConcurrentRegistration(t *testing.T) {
	c := NewChain(nil)
	counter := &stubFilter{name: "counter", priority: 1}
	c.Register(counter)
	pkt := hello(t, "example.com", 200)

	var g errgroup.Group
	for i := range 8 {
		g.Go(func() error {
			for range 200 {
				c.Process(pkt, capture.NewRecorder())
			}
			return nil
		})
		g.Go(func() error {
			c.Replace(&stubFilter{name: "churn", priority: i})
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(8*200), counter.hits.Load())
	assert.Len(t, c.Filters(), 2)
}
