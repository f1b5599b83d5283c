// Package engine runs captured packets through the bypass filters and keeps
// the counters that describe what was done to them.
package engine

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"desync-engine/internal/capture"
	"desync-engine/internal/core"
)

// Verdict is what a filter decided about the original packet.
type Verdict int

const (
	// VerdictPass lets the original continue to the next filter and the wire.
	VerdictPass Verdict = iota
	// VerdictDrop discards the original. Anything the filter injected stays sent.
	VerdictDrop
)

func (v Verdict) String() string {
	if v == VerdictDrop {
		return "drop"
	}
	return "pass"
}

// Filter is one stage of the chain. Process must not retain pkt.
type Filter interface {
	Name() string
	Priority() int
	Process(pkt *capture.Packet, s capture.Sender) Verdict
}

// faultLogInterval throttles fault logs per filter.
const faultLogInterval = 2 * time.Second

// Chain runs filters in descending priority. Registration swaps a new sorted
// slice in, so Process never blocks on it.
type Chain struct {
	mu      sync.Mutex
	filters atomic.Pointer[[]Filter]
	faults  sync.Map // filter name -> *rate.Sometimes
	metrics *Metrics
}

// NewChain creates an empty chain. metrics may be nil.
func NewChain(metrics *Metrics) *Chain {
	c := &Chain{metrics: metrics}
	c.filters.Store(&[]Filter{})
	return c
}

// Register adds f. Filters of equal priority run in registration order.
func (c *Chain) Register(f Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := append(slices.Clone(*c.filters.Load()), f)
	slices.SortStableFunc(next, byPriority)
	c.filters.Store(&next)
	core.Log.Debugf("Engine", "Registered filter %s (priority %d)", f.Name(), f.Priority())
}

// Replace swaps out every filter named like f for f in one step.
func (c *Chain) Replace(f Filter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := slices.DeleteFunc(slices.Clone(*c.filters.Load()), func(g Filter) bool { return g.Name() == f.Name() })
	next = append(next, f)
	slices.SortStableFunc(next, byPriority)
	c.filters.Store(&next)
}

// Remove drops every filter with the given name and reports whether any was found.
func (c *Chain) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := *c.filters.Load()
	next := slices.DeleteFunc(slices.Clone(cur), func(f Filter) bool { return f.Name() == name })
	if len(next) == len(cur) {
		return false
	}
	c.filters.Store(&next)
	return true
}

// RemoveFilter drops f itself, leaving other filters with the same name.
func (c *Chain) RemoveFilter(f Filter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := *c.filters.Load()
	next := slices.DeleteFunc(slices.Clone(cur), func(g Filter) bool { return g == f })
	if len(next) == len(cur) {
		return false
	}
	c.filters.Store(&next)
	return true
}

func byPriority(a, b Filter) int { return cmp.Compare(b.Priority(), a.Priority()) }

// Filters returns the current filters in execution order.
func (c *Chain) Filters() []Filter {
	return slices.Clone(*c.filters.Load())
}

// Process runs pkt through every filter until one drops it. A filter that
// panics is skipped and the packet continues.
func (c *Chain) Process(pkt *capture.Packet, s capture.Sender) Verdict {
	for _, f := range *c.filters.Load() {
		if c.run(f, pkt, s) == VerdictDrop {
			return VerdictDrop
		}
	}
	return VerdictPass
}

func (c *Chain) run(f Filter, pkt *capture.Packet, s capture.Sender) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			v = VerdictPass
			c.fault(f.Name(), fmt.Errorf("[Engine] filter %s panicked: %v", f.Name(), r))
		}
	}()
	return f.Process(pkt, s)
}

func (c *Chain) fault(name string, err error) {
	if c.metrics != nil {
		c.metrics.filterFaults.Add(1)
	}
	st, _ := c.faults.LoadOrStore(name, &rate.Sometimes{Interval: faultLogInterval})
	st.(*rate.Sometimes).Do(func() {
		core.Log.Errorf("Engine", "%v", err)
	})
}
