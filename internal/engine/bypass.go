package engine

import (
	"net/netip"
	"slices"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"desync-engine/internal/capture"
	"desync-engine/internal/core"
	"desync-engine/internal/desync"
	"desync-engine/internal/dpi"
	"desync-engine/internal/flow"
	"desync-engine/internal/policy"
)

// BypassPriority orders the bypass filter after blocking filters.
const BypassPriority = 100

// minHTTPPayload is the shortest outbound HTTP segment worth splitting.
const minHTTPPayload = 16

// BypassConfig wires a Bypass filter. Only Profile is required; nil fields
// get fresh defaults.
type BypassConfig struct {
	Profile dpi.Profile
	Gates   Gates
	// Holder supplies the policy snapshot. Nil means legacy behaviour only.
	Holder   *policy.Holder
	Conns    *flow.ConnTable
	HTTPKeys *flow.KeySet
	Probes   *flow.ProbeRegistry
	Metrics  *Metrics
	Executor *desync.Executor
	Now      func() time.Time
}

// Bypass applies the profile and the policy snapshot to each packet: QUIC
// drop, HTTP Host split, ClientHello classification, RST drop and the TLS
// strategies, in that order.
type Bypass struct {
	profile  dpi.Profile
	gates    Gates
	holder   *policy.Holder
	conns    *flow.ConnTable
	httpKeys *flow.KeySet
	probes   *flow.ProbeRegistry
	metrics  *Metrics
	exec     *desync.Executor
	now      func() time.Time

	udp443Targets atomic.Pointer[[]netip.Addr]
	faultLog      rate.Sometimes
}

// NewBypass creates the filter.
func NewBypass(cfg BypassConfig) *Bypass {
	b := &Bypass{
		profile:  cfg.Profile.Clone(),
		gates:    cfg.Gates,
		holder:   cfg.Holder,
		conns:    cfg.Conns,
		httpKeys: cfg.HTTPKeys,
		probes:   cfg.Probes,
		metrics:  cfg.Metrics,
		exec:     cfg.Executor,
		now:      cfg.Now,
		faultLog: rate.Sometimes{Interval: faultLogInterval},
	}
	if b.gates == nil {
		b.gates = NewStaticGates(core.GateConfig{})
	}
	if b.conns == nil {
		b.conns = flow.NewConnTable(0)
	}
	if b.httpKeys == nil {
		b.httpKeys = flow.NewKeySet()
	}
	if b.probes == nil {
		b.probes = flow.NewProbeRegistry()
	}
	if b.metrics == nil {
		b.metrics = NewMetrics()
	}
	if b.exec == nil {
		b.exec = desync.NewExecutor()
	}
	if b.now == nil {
		b.now = time.Now
	}
	b.udp443Targets.Store(&[]netip.Addr{})
	return b
}

func (b *Bypass) Name() string  { return "bypass" }
func (b *Bypass) Priority() int { return BypassPriority }

// Profile returns a copy of the static profile.
func (b *Bypass) Profile() dpi.Profile { return b.profile.Clone() }

// Metrics returns the registry the filter counts into.
func (b *Bypass) Metrics() *Metrics { return b.metrics }

// Conns returns the connection state table.
func (b *Bypass) Conns() *flow.ConnTable { return b.conns }

// RegisterProbeFlow excludes key from user-facing counters for ttl.
// ttl <= 0 selects flow.DefaultProbeTTL.
func (b *Bypass) RegisterProbeFlow(key flow.ConnectionKey, ttl time.Duration) {
	b.probes.Register(key, ttl, b.now())
}

// UnregisterProbeFlow forgets key.
func (b *Bypass) UnregisterProbeFlow(key flow.ConnectionKey) {
	b.probes.Unregister(key)
}

// SetUDP443Targets replaces the IPv4 allowlist consulted by the legacy QUIC
// drop. Non-IPv4 and duplicate addresses are discarded.
func (b *Bypass) SetUDP443Targets(addrs []netip.Addr) {
	v4 := lo.Uniq(lo.FilterMap(addrs, func(a netip.Addr, _ int) (netip.Addr, bool) {
		a = a.Unmap()
		return a, a.Is4()
	}))
	slices.SortFunc(v4, netip.Addr.Compare)
	b.udp443Targets.Store(&v4)
	core.Log.Debugf("Bypass", "UDP/443 allowlist: %d addresses", len(v4))
}

// UDP443Targets returns the allowlist in ascending order.
func (b *Bypass) UDP443Targets() []netip.Addr {
	return slices.Clone(*b.udp443Targets.Load())
}

func (b *Bypass) isUDP443Target(addr netip.Addr) bool {
	_, ok := slices.BinarySearchFunc(*b.udp443Targets.Load(), addr.Unmap(), netip.Addr.Compare)
	return ok
}

// packetCtx is the per-packet view shared by the stages. snap is loaded once
// so a concurrent swap cannot change the decision halfway.
type packetCtx struct {
	pkt   *capture.Packet
	s     capture.Sender
	key   flow.ConnectionKey
	snap  *policy.Snapshot
	now   time.Time
	probe bool

	hello  bool
	hasSNI bool
}

// Process runs the stages in order. The first stage that fully handles the
// packet drops the original; otherwise it passes unchanged.
func (b *Bypass) Process(pkt *capture.Packet, s capture.Sender) Verdict {
	b.metrics.packetsProcessed.Add(1)

	pc := packetCtx{pkt: pkt, s: s, key: pkt.Info.Key(), now: b.now()}
	if b.holder != nil {
		pc.snap = b.holder.Load()
	}

	pc.probe = b.probes.IsProbe(pc.key, pc.now) || b.probes.IsProbe(pc.key.Reverse(), pc.now)
	if pc.probe {
		b.metrics.probePackets.Add(1)
	}

	if b.tryUDP443(&pc) {
		return VerdictDrop
	}
	if b.tryHTTPHost(&pc) {
		return VerdictDrop
	}
	b.classifyHello(&pc)
	if b.tryRST(&pc) {
		return VerdictDrop
	}
	if b.tryTLS(&pc) {
		return VerdictDrop
	}
	return VerdictPass
}

// recoverAttempt turns a panic inside an attempt into "not handled".
func (b *Bypass) recoverAttempt(stage string, pc *packetCtx, handled *bool) {
	if r := recover(); r != nil {
		*handled = false
		b.faultLog.Do(func() {
			core.Log.Errorf("Bypass", "%s attempt on %s panicked: %v", stage, pc.key, r)
		})
	}
}

func (b *Bypass) matched(pc *packetCtx, p *policy.FlowPolicy) {
	if !pc.probe {
		b.metrics.policyMatched(p.ID)
	}
}

func (b *Bypass) applied(pc *packetCtx, p *policy.FlowPolicy) {
	if !pc.probe {
		b.metrics.policyApplied(p.ID)
	}
}

// tryUDP443 drops QUIC so the client falls back to TCP/TLS.
func (b *Bypass) tryUDP443(pc *packetCtx) (handled bool) {
	defer b.recoverAttempt("udp443", pc, &handled)

	info := &pc.pkt.Info
	if !info.UDP || info.DstPort != 443 || !b.profile.DropUDP443 {
		return false
	}

	switch {
	case b.profile.DropUDP443Global:
		handled = true
	case info.IPv6:
		// No per-address targeting for IPv6.
		handled = true
	case pc.snap != nil && b.gates.UDP443():
		p := pc.snap.EvaluateUDP443(info.DstIP, pc.now)
		if p != nil && p.Action.IsStrategy(policy.StrategyDropUDP443) {
			b.matched(pc, p)
			b.applied(pc, p)
			handled = true
		}
	default:
		handled = b.isUDP443Target(info.DstIP)
	}

	if handled && !pc.probe {
		b.metrics.udp443Dropped.Add(1)
	}
	return handled
}

// tryHTTPHost splits the first outbound HTTP request of a connection inside
// the Host header.
func (b *Bypass) tryHTTPHost(pc *packetCtx) (handled bool) {
	defer b.recoverAttempt("http-host", pc, &handled)

	info := &pc.pkt.Info
	if !pc.pkt.Addr.Outbound || !info.TCP || info.DstPort != 80 || info.PayloadLength < minHTTPPayload {
		return false
	}

	if pc.snap != nil && b.gates.HTTPHostTricks() {
		for p := range pc.snap.Candidates(policy.ProtoTCP, 80, policy.StageAny) {
			if !p.Action.IsStrategy(policy.StrategyHTTPHostTricks) || !p.Match.MatchesDst(info.DstIP) || p.Expired(pc.now) {
				continue
			}
			plan, ok := b.hostSplitPlan(pc)
			if !ok {
				return false
			}
			b.matched(pc, p)
			if !b.sendHostSplit(pc, plan) {
				return false
			}
			b.applied(pc, p)
			return true
		}
		return false
	}

	if !b.profile.HTTPHostTricks {
		return false
	}
	plan, ok := b.hostSplitPlan(pc)
	return ok && b.sendHostSplit(pc, plan)
}

// hostSplitPlan returns the Host split for the first eligible request of a
// connection. Later segments of the same connection get false.
func (b *Bypass) hostSplitPlan(pc *packetCtx) ([]dpi.FragmentSlice, bool) {
	if !pc.pkt.Info.IPv4 {
		return nil, false
	}
	plan, ok := dpi.HostSplitPlan(pc.pkt.Payload())
	if !ok {
		return nil, false
	}
	if !b.httpKeys.TryAdd(pc.key, pc.now) {
		return nil, false
	}
	return plan, true
}

func (b *Bypass) sendHostSplit(pc *packetCtx, plan []dpi.FragmentSlice) bool {
	if b.exec.SendSlices(pc.s, pc.pkt, plan, false) < len(plan) {
		core.Log.Debugf("Bypass", "Host split of %s incomplete, passing original", pc.key)
		return false
	}
	if !pc.probe {
		b.metrics.httpHostSplit.Add(1)
	}
	core.Log.Debugf("Bypass", "Split Host header of %s", pc.key)
	return true
}

// classifyHello records what kind of ClientHello pc carries. It never
// handles the packet.
func (b *Bypass) classifyHello(pc *packetCtx) {
	info := &pc.pkt.Info
	if !info.TCP || info.PayloadLength == 0 {
		return
	}
	payload := pc.pkt.Payload()
	if !dpi.IsClientHello(payload) {
		return
	}
	pc.hello = true
	pc.hasSNI = dpi.HasSNIExtension(payload)
	if pc.probe {
		return
	}

	if info.DstPort != 443 {
		b.metrics.clientHellosNon443.Add(1)
		return
	}
	b.metrics.clientHellosObserved.Add(1)
	if info.PayloadLength < b.profile.TLSFragmentThreshold {
		b.metrics.clientHellosShort.Add(1)
	}
	if !pc.hasSNI {
		b.metrics.clientHellosNoSNI.Add(1)
	}
}

// tryRST drops TCP resets. A reset on a port 443 flow we already rewrote is
// counted as relevant: it may be the middlebox reacting to us.
func (b *Bypass) tryRST(pc *packetCtx) (handled bool) {
	defer b.recoverAttempt("rst", pc, &handled)

	info := &pc.pkt.Info
	if !b.profile.DropTCPRST || !info.TCP || !info.RST {
		return false
	}
	if !pc.probe {
		b.metrics.rstDropped.Add(1)
		if (info.DstPort == 443 || info.SrcPort == 443) && b.bypassApplied(pc.key) {
			b.metrics.rstDroppedRelevant.Add(1)
		}
	}
	return true
}

func (b *Bypass) bypassApplied(key flow.ConnectionKey) bool {
	if st, ok := b.conns.Get(key); ok && st.BypassApplied {
		return true
	}
	st, ok := b.conns.Get(key.Reverse())
	return ok && st.BypassApplied
}

// selectTLSPolicy returns the policy overriding the profile strategy, if any.
// A NoSNI hello falls back to ClientHello-stage policies.
func (b *Bypass) selectTLSPolicy(pc *packetCtx) (*policy.FlowPolicy, dpi.TLSStrategy) {
	if pc.snap == nil || !b.gates.TLSStrategy() {
		return nil, dpi.TLSNone
	}
	info := &pc.pkt.Info

	stage := policy.StageClientHello
	if !pc.hasSNI && info.PayloadLength >= b.profile.TLSFragmentThreshold {
		stage = policy.StageNoSNI
	}
	p := pc.snap.EvaluateTCP443ClientHello(info.DstIP, stage, pc.now)
	if p == nil && stage == policy.StageNoSNI {
		p = pc.snap.EvaluateTCP443ClientHello(info.DstIP, policy.StageClientHello, pc.now)
	}
	if p == nil || !p.Action.IsStrategy(policy.StrategyTLSBypass) {
		return nil, dpi.TLSNone
	}
	name, ok := p.Action.Param(policy.ParamTLSStrategy)
	if !ok {
		return nil, dpi.TLSNone
	}
	s, err := dpi.ParseTLSStrategy(name)
	if err != nil {
		core.Log.Debugf("Bypass", "Policy %s: %v", p.ID, err)
		return nil, dpi.TLSNone
	}
	return p, s
}

// tryTLS runs the selected strategy on an eligible ClientHello to port 443.
func (b *Bypass) tryTLS(pc *packetCtx) (handled bool) {
	defer b.recoverAttempt("tls", pc, &handled)

	info := &pc.pkt.Info
	if !pc.hello || info.DstPort != 443 {
		return false
	}

	if info.PayloadLength < b.profile.TLSFragmentThreshold {
		return false
	}
	// A matching policy overrides the profile strategy; without one the
	// profile strategy still applies.
	strategy := b.profile.TLSStrategy
	selected, override := b.selectTLSPolicy(pc)
	if selected != nil {
		strategy = override
	}
	if !pc.hasSNI && !b.profile.AllowNoSNI && (selected == nil || selected.Match.TLSStage != policy.StageNoSNI) {
		return false
	}
	if selected != nil {
		b.matched(pc, selected)
	}
	if strategy == dpi.TLSNone {
		return false
	}

	isNew := b.conns.TryAdd(pc.key, pc.now)
	if isNew && b.profile.TTLTrick && b.profile.TTLTrickValue > 0 {
		b.exec.TTLDecoy(pc.s, pc.pkt, b.profile.TTLTrickValue)
	}

	var plan []dpi.FragmentSlice
	if strategy.Slices() {
		plan, _ = b.profile.Plan(info.PayloadLength)
	}
	out := b.exec.Execute(pc.s, pc.pkt, strategy, plan, desync.Options{IsNew: isNew, BadChecksum: b.profile.BadChecksum})
	if !out.Handled {
		return false
	}

	b.conns.MarkBypassApplied(pc.key, pc.now)
	if !pc.probe {
		if out.SlicesSent >= 2 {
			b.metrics.clientHellosFragmented.Add(1)
			b.metrics.setLastPlan(dpi.PlanString(plan))
		}
		b.metrics.tlsHandled.Add(1)
	}
	if selected != nil {
		b.applied(pc, selected)
	}
	return true
}
