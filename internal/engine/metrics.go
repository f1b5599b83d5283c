package engine

import (
	"sync"
	"sync/atomic"
)

// Metrics is the counter registry shared by the pipeline filters. All
// methods are safe for concurrent use.
type Metrics struct {
	packetsProcessed       atomic.Int64
	probePackets           atomic.Int64
	rstDropped             atomic.Int64
	rstDroppedRelevant     atomic.Int64
	clientHellosFragmented atomic.Int64
	tlsHandled             atomic.Int64
	clientHellosObserved   atomic.Int64
	clientHellosShort      atomic.Int64
	clientHellosNon443     atomic.Int64
	clientHellosNoSNI      atomic.Int64
	udp443Dropped          atomic.Int64
	httpHostSplit          atomic.Int64
	endpointBlocked        atomic.Int64
	filterFaults           atomic.Int64

	lastPlan atomic.Pointer[string]

	matched sync.Map // policy id -> *atomic.Int64
	applied sync.Map // policy id -> *atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	PacketsProcessed       int64  `json:"packets_processed"`
	ProbePackets           int64  `json:"probe_packets"`
	RstDropped             int64  `json:"rst_dropped"`
	RstDroppedRelevant     int64  `json:"rst_dropped_relevant"`
	ClientHellosFragmented int64  `json:"client_hellos_fragmented"`
	TLSHandled             int64  `json:"tls_handled"`
	LastFragmentPlan       string `json:"last_fragment_plan"`
	ClientHellosObserved   int64  `json:"client_hellos_observed"`
	ClientHellosShort      int64  `json:"client_hellos_short"`
	ClientHellosNon443     int64  `json:"client_hellos_non443"`
	ClientHellosNoSNI      int64  `json:"client_hellos_no_sni"`
	UDP443Dropped          int64  `json:"udp443_dropped"`
	HTTPHostSplit          int64  `json:"http_host_split"`
	EndpointBlocked        int64  `json:"endpoint_blocked"`
	FilterFaults           int64  `json:"filter_faults"`

	PolicyMatched map[string]int64 `json:"policy_matched,omitempty"`
	PolicyApplied map[string]int64 `json:"policy_applied,omitempty"`
}

// NewMetrics creates a zeroed registry.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// Snapshot copies every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		PacketsProcessed:       m.packetsProcessed.Load(),
		ProbePackets:           m.probePackets.Load(),
		RstDropped:             m.rstDropped.Load(),
		RstDroppedRelevant:     m.rstDroppedRelevant.Load(),
		ClientHellosFragmented: m.clientHellosFragmented.Load(),
		TLSHandled:             m.tlsHandled.Load(),
		ClientHellosObserved:   m.clientHellosObserved.Load(),
		ClientHellosShort:      m.clientHellosShort.Load(),
		ClientHellosNon443:     m.clientHellosNon443.Load(),
		ClientHellosNoSNI:      m.clientHellosNoSNI.Load(),
		UDP443Dropped:          m.udp443Dropped.Load(),
		HTTPHostSplit:          m.httpHostSplit.Load(),
		EndpointBlocked:        m.endpointBlocked.Load(),
		FilterFaults:           m.filterFaults.Load(),
		PolicyMatched:          m.PolicyMatchedCounts(),
		PolicyApplied:          m.PolicyAppliedCounts(),
	}
	if p := m.lastPlan.Load(); p != nil {
		s.LastFragmentPlan = *p
	}
	return s
}

// PolicyMatchedCounts returns how often each policy was selected.
func (m *Metrics) PolicyMatchedCounts() map[string]int64 { return counts(&m.matched) }

// PolicyAppliedCounts returns how often each policy's action executed.
func (m *Metrics) PolicyAppliedCounts() map[string]int64 { return counts(&m.applied) }

func (m *Metrics) policyMatched(id string) { bump(&m.matched, id) }
func (m *Metrics) policyApplied(id string) { bump(&m.applied, id) }

func (m *Metrics) setLastPlan(plan string) { m.lastPlan.Store(&plan) }

func bump(sm *sync.Map, id string) {
	v, ok := sm.Load(id)
	if !ok {
		v, _ = sm.LoadOrStore(id, new(atomic.Int64))
	}
	v.(*atomic.Int64).Add(1)
}

func counts(sm *sync.Map) map[string]int64 {
	out := map[string]int64{}
	sm.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return out
}
