package engine

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go4.org/netipx"

	"desync-engine/internal/capture"
	"desync-engine/internal/core"
	"desync-engine/internal/dpi"
	"desync-engine/internal/flow"
	"desync-engine/internal/policy"
	"desync-engine/internal/testutil"
)

var (
	client  = netip.MustParseAddr("192.168.1.10")
	server  = netip.MustParseAddr("93.184.216.34")
	other   = netip.MustParseAddr("198.51.100.7")
	client6 = netip.MustParseAddr("2001:db8::10")
	server6 = netip.MustParseAddr("2001:db8::443")
	t0      = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

const helloSeq = uint32(1000)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func parse(t *testing.T, frame []byte, outbound bool) *capture.Packet {
	t.Helper()
	pkt, ok := capture.Parse(frame, capture.Address{Outbound: outbound})
	require.True(t, ok)
	return pkt
}

func helloTo(t *testing.T, sni string, size int, dst netip.Addr, dstPort uint16) *capture.Packet {
	t.Helper()
	payload := testutil.ClientHello(sni, size)
	require.Len(t, payload, size)
	return parse(t, testutil.TCP{
		Src: client, Dst: dst, SrcPort: 50000, DstPort: dstPort,
		Seq: helloSeq, ACK: true, PSH: true, Payload: payload,
	}.Frame(), true)
}

func hello(t *testing.T, sni string, size int) *capture.Packet {
	return helloTo(t, sni, size, server, 443)
}

func rst(t *testing.T, src, dst netip.Addr, srcPort, dstPort uint16) *capture.Packet {
	return parse(t, testutil.TCP{Src: src, Dst: dst, SrcPort: srcPort, DstPort: dstPort, Seq: 5000, RST: true}.Frame(), true)
}

func quic(t *testing.T, src, dst netip.Addr) *capture.Packet {
	return parse(t, testutil.UDP(src, dst, 40000, 443, []byte{0xc3, 0, 0, 0, 1}), true)
}

func fragmentProfile() dpi.Profile {
	return dpi.Profile{
		DropTCPRST:           true,
		TLSStrategy:          dpi.TLSFragment,
		TLSFragmentThreshold: 128,
		TLSFragmentSizes:     []int{64},
	}
}

func newBypass(p dpi.Profile, tweak ...func(*BypassConfig)) *Bypass {
	cfg := BypassConfig{Profile: p, Now: fixedClock(t0)}
	for _, f := range tweak {
		f(&cfg)
	}
	return NewBypass(cfg)
}

func withPolicies(t *testing.T, gates core.GateConfig, ps ...policy.FlowPolicy) func(*BypassConfig) {
	t.Helper()
	h := policy.NewHolder(nil)
	require.NoError(t, h.Install(ps))
	return func(c *BypassConfig) {
		c.Holder = h
		c.Gates = NewStaticGates(gates)
	}
}

func tlsPolicy(id string, stage policy.TLSStage, strategy string) policy.FlowPolicy {
	return policy.FlowPolicy{
		ID:        id,
		Priority:  10,
		CreatedAt: t0,
		Match:     policy.Match{Protocol: policy.ProtoTCP, Port: 443, TLSStage: stage},
		Action:    policy.StrategyAction(policy.StrategyTLSBypass, map[string]string{policy.ParamTLSStrategy: strategy}),
	}
}

func ipv4Set(t *testing.T, addrs ...string) *netipx.IPSet {
	t.Helper()
	set, err := policy.BuildIPv4Set(addrs)
	require.NoError(t, err)
	return set
}

func seqOf(t *testing.T, s capture.Sent) uint32 {
	t.Helper()
	info, ok := capture.ParseInfo(s.Buffer)
	require.True(t, ok)
	return info.Seq
}

func TestFragmentsClientHello(t *testing.T) {
	b := newBypass(fragmentProfile())
	rec := capture.NewRecorder()
	pkt := hello(t, "example.com", 200)

	assert.Equal(t, VerdictDrop, b.Process(pkt, rec))

	sent := rec.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, helloSeq, seqOf(t, sent[0]))
	assert.Equal(t, helloSeq+64, seqOf(t, sent[1]))

	m := b.Metrics().Snapshot()
	assert.Equal(t, int64(1), m.PacketsProcessed)
	assert.Equal(t, int64(1), m.ClientHellosObserved)
	assert.Equal(t, int64(1), m.ClientHellosFragmented)
	assert.Equal(t, int64(1), m.TLSHandled)
	assert.Equal(t, "64,136", m.LastFragmentPlan)

	st, ok := b.Conns().Get(pkt.Info.Key())
	require.True(t, ok)
	assert.True(t, st.BypassApplied)
	assert.Equal(t, t0, st.FirstSeen)
}

func TestGlobalUDP443Drop(t *testing.T) {
	p := fragmentProfile()
	p.DropUDP443 = true
	p.DropUDP443Global = true
	b := newBypass(p)
	rec := capture.NewRecorder()

	assert.Equal(t, VerdictDrop, b.Process(quic(t, client, server), rec))
	assert.Equal(t, VerdictDrop, b.Process(quic(t, client6, server6), rec))
	assert.Zero(t, rec.Len())
	assert.Equal(t, int64(2), b.Metrics().Snapshot().UDP443Dropped)
}

func TestRelevantRSTIsCounted(t *testing.T) {
	b := newBypass(fragmentProfile())
	rec := capture.NewRecorder()
	require.Equal(t, VerdictDrop, b.Process(hello(t, "example.com", 200), rec))

	assert.Equal(t, VerdictDrop, b.Process(rst(t, client, server, 50000, 443), rec))
	m := b.Metrics().Snapshot()
	assert.Equal(t, int64(1), m.RstDropped)
	assert.Equal(t, int64(1), m.RstDroppedRelevant)

	// The reply direction correlates through the reversed key.
	assert.Equal(t, VerdictDrop, b.Process(rst(t, server, client, 443, 50000), rec))
	assert.Equal(t, int64(2), b.Metrics().Snapshot().RstDroppedRelevant)

	// Unrelated flow: dropped, not relevant.
	assert.Equal(t, VerdictDrop, b.Process(rst(t, client, other, 50001, 443), rec))
	m = b.Metrics().Snapshot()
	assert.Equal(t, int64(3), m.RstDropped)
	assert.Equal(t, int64(2), m.RstDroppedRelevant)
	assert.Equal(t, 2, rec.Len(), "RSTs are never re-emitted")
}

func TestRSTPassesWhenNotConfigured(t *testing.T) {
	p := fragmentProfile()
	p.DropTCPRST = false
	b := newBypass(p)

	assert.Equal(t, VerdictPass, b.Process(rst(t, client, server, 50000, 443), capture.NewRecorder()))
	assert.Zero(t, b.Metrics().Snapshot().RstDropped)
}

func TestClientHelloClassification(t *testing.T) {
	b := newBypass(fragmentProfile())
	rec := capture.NewRecorder()

	assert.Equal(t, VerdictPass, b.Process(helloTo(t, "example.com", 200, server, 8443), rec))
	assert.Equal(t, VerdictPass, b.Process(hello(t, "", 200), rec))
	assert.Equal(t, VerdictPass, b.Process(hello(t, "example.com", 120), rec))
	assert.Zero(t, rec.Len())

	m := b.Metrics().Snapshot()
	assert.Equal(t, int64(1), m.ClientHellosNon443)
	assert.Equal(t, int64(2), m.ClientHellosObserved)
	assert.Equal(t, int64(1), m.ClientHellosNoSNI)
	assert.Equal(t, int64(1), m.ClientHellosShort)
	assert.Zero(t, m.TLSHandled)
}

func TestAllowNoSNI(t *testing.T) {
	p := fragmentProfile()
	p.AllowNoSNI = true
	b := newBypass(p)
	rec := capture.NewRecorder()

	assert.Equal(t, VerdictDrop, b.Process(hello(t, "", 200), rec))
	assert.Equal(t, 2, rec.Len())
}

func TestPartialSendPassesOriginal(t *testing.T) {
	b := newBypass(fragmentProfile())
	rec := capture.NewRecorder()
	rec.Fail = func(i int) bool { return i == 1 }
	pkt := hello(t, "example.com", 200)

	assert.Equal(t, VerdictPass, b.Process(pkt, rec))
	st, ok := b.Conns().Get(pkt.Info.Key())
	require.True(t, ok)
	assert.False(t, st.BypassApplied)
	assert.Zero(t, b.Metrics().Snapshot().TLSHandled)
}

func TestFakeWithTTLDecoyOnlyOnFirstHello(t *testing.T) {
	p := fragmentProfile()
	p.TLSStrategy = dpi.TLSFake
	p.TTLTrick = true
	p.TTLTrickValue = 3
	p.BadChecksum = true
	b := newBypass(p)
	rec := capture.NewRecorder()

	assert.Equal(t, VerdictDrop, b.Process(hello(t, "example.com", 200), rec))
	sent := rec.Sent()
	require.Len(t, sent, 3, "ttl decoy, fake, genuine")
	assert.Equal(t, uint8(3), sent[0].Buffer[8])
	assert.True(t, sent[1].Options.SkipChecksum)
	assert.Equal(t, helloSeq, seqOf(t, sent[2]))

	// Retransmission: no decoys, nothing to do.
	rec.Reset()
	assert.Equal(t, VerdictPass, b.Process(hello(t, "example.com", 200), rec))
	assert.Zero(t, rec.Len())
}

func TestProbeFlowsSkipUserMetrics(t *testing.T) {
	b := newBypass(fragmentProfile())
	rec := capture.NewRecorder()
	pkt := hello(t, "example.com", 200)
	b.RegisterProbeFlow(pkt.Info.Key(), 0)

	assert.Equal(t, VerdictDrop, b.Process(pkt, rec), "probes still get bypass")
	assert.Equal(t, 2, rec.Len())

	m := b.Metrics().Snapshot()
	assert.Equal(t, int64(1), m.PacketsProcessed)
	assert.Equal(t, int64(1), m.ProbePackets)
	assert.Zero(t, m.ClientHellosObserved)
	assert.Zero(t, m.ClientHellosFragmented)
	assert.Zero(t, m.TLSHandled)

	// The reply direction of a probe flow is a probe too.
	assert.Equal(t, VerdictDrop, b.Process(rst(t, server, client, 443, 50000), rec))
	assert.Zero(t, b.Metrics().Snapshot().RstDropped)

	b.UnregisterProbeFlow(pkt.Info.Key())
	assert.Equal(t, VerdictDrop, b.Process(rst(t, server, client, 443, 50000), rec))
	assert.Equal(t, int64(1), b.Metrics().Snapshot().RstDroppedRelevant)
}

type panicSender struct{}

func (panicSender) Send([]byte, capture.Address) bool { panic("injector exploded") }

func TestPanickingAttemptPassesPacket(t *testing.T) {
	b := newBypass(fragmentProfile())
	pkt := hello(t, "example.com", 200)

	var v Verdict
	require.NotPanics(t, func() { v = b.Process(pkt, panicSender{}) })
	assert.Equal(t, VerdictPass, v)
	assert.Zero(t, b.Metrics().Snapshot().TLSHandled)
}

func TestUDP443Allowlist(t *testing.T) {
	p := fragmentProfile()
	p.DropUDP443 = true
	b := newBypass(p)
	rec := capture.NewRecorder()

	assert.Equal(t, VerdictPass, b.Process(quic(t, client, server), rec))
	assert.Equal(t, VerdictDrop, b.Process(quic(t, client6, server6), rec), "IPv6 is always dropped")

	b.SetUDP443Targets([]netip.Addr{other, server, server, client6, netip.MustParseAddr("::ffff:10.0.0.1")})
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.1"), server, other}, b.UDP443Targets())

	assert.Equal(t, VerdictDrop, b.Process(quic(t, client, server), rec))
	assert.Equal(t, VerdictPass, b.Process(quic(t, client, netip.MustParseAddr("203.0.113.1")), rec))
	assert.Equal(t, int64(2), b.Metrics().Snapshot().UDP443Dropped)
}

func TestUDP443PolicyPathIsExclusive(t *testing.T) {
	p := fragmentProfile()
	p.DropUDP443 = true
	drop := policy.FlowPolicy{
		ID:        "quic-off",
		Priority:  5,
		CreatedAt: t0,
		Match:     policy.Match{Protocol: policy.ProtoUDP, Port: 443, DstIPv4: ipv4Set(t, server.String())},
		Action:    policy.StrategyAction(policy.StrategyDropUDP443, nil),
	}
	b := newBypass(p, withPolicies(t, core.GateConfig{UDP443: true}, drop))
	b.SetUDP443Targets([]netip.Addr{other})
	rec := capture.NewRecorder()

	assert.Equal(t, VerdictDrop, b.Process(quic(t, client, server), rec))
	assert.Equal(t, VerdictPass, b.Process(quic(t, client, other), rec), "allowlist is not consulted on the policy path")

	m := b.Metrics()
	assert.Equal(t, map[string]int64{"quic-off": 1}, m.PolicyMatchedCounts())
	assert.Equal(t, map[string]int64{"quic-off": 1}, m.PolicyAppliedCounts())
}

func httpRequest(t *testing.T, srcPort uint16, outbound bool) *capture.Packet {
	payload := []byte("GET / HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n")
	return parse(t, testutil.TCP{
		Src: client, Dst: server, SrcPort: srcPort, DstPort: 80,
		Seq: 7000, ACK: true, PSH: true, Payload: payload,
	}.Frame(), outbound)
}

func TestHTTPHostSplitOncePerConnection(t *testing.T) {
	p := fragmentProfile()
	p.HTTPHostTricks = true
	b := newBypass(p)
	rec := capture.NewRecorder()

	pkt := httpRequest(t, 51000, true)
	assert.Equal(t, VerdictDrop, b.Process(pkt, rec))
	sent := rec.Sent()
	require.Len(t, sent, 2)

	first, ok := capture.ParseInfo(sent[0].Buffer)
	require.True(t, ok)
	assert.Equal(t, 18, first.PayloadLength, "cut between Ho and st:")
	assert.Equal(t, uint32(7018), seqOf(t, sent[1]))

	rec.Reset()
	assert.Equal(t, VerdictPass, b.Process(httpRequest(t, 51000, true), rec))
	assert.Zero(t, rec.Len())

	assert.Equal(t, VerdictPass, b.Process(httpRequest(t, 51001, false), rec), "inbound is left alone")
	assert.Equal(t, int64(1), b.Metrics().Snapshot().HTTPHostSplit)
}

func TestHTTPHostPolicyPath(t *testing.T) {
	split := policy.FlowPolicy{
		ID:        "split-host",
		Priority:  1,
		CreatedAt: t0,
		Match:     policy.Match{Protocol: policy.ProtoTCP, Port: 80},
		Action:    policy.StrategyAction(policy.StrategyHTTPHostTricks, nil),
	}

	// Profile trick off, policy selects it.
	b := newBypass(fragmentProfile(), withPolicies(t, core.GateConfig{HTTPHostTricks: true}, split))
	rec := capture.NewRecorder()
	assert.Equal(t, VerdictDrop, b.Process(httpRequest(t, 51000, true), rec))
	assert.Equal(t, map[string]int64{"split-host": 1}, b.Metrics().PolicyAppliedCounts())

	// Later segments of a split connection are not matches.
	assert.Equal(t, VerdictPass, b.Process(httpRequest(t, 51000, true), rec))
	assert.Equal(t, map[string]int64{"split-host": 1}, b.Metrics().PolicyMatchedCounts())
	assert.Equal(t, map[string]int64{"split-host": 1}, b.Metrics().PolicyAppliedCounts())

	// Profile trick on, snapshot without a matching policy: nothing happens.
	p := fragmentProfile()
	p.HTTPHostTricks = true
	b = newBypass(p, withPolicies(t, core.GateConfig{HTTPHostTricks: true}, tlsPolicy("tls", policy.StageAny, "fragment")))
	rec.Reset()
	assert.Equal(t, VerdictPass, b.Process(httpRequest(t, 51000, true), rec))
	assert.Zero(t, rec.Len())
}

func TestTLSPolicyOverridesProfile(t *testing.T) {
	p := fragmentProfile()
	p.TLSStrategy = dpi.TLSNone
	pol := tlsPolicy("disorder", policy.StageClientHello, "disorder")

	b := newBypass(p, withPolicies(t, core.GateConfig{TLSStrategy: true}, pol))
	rec := capture.NewRecorder()
	assert.Equal(t, VerdictDrop, b.Process(hello(t, "example.com", 200), rec))
	sent := rec.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, helloSeq+64, seqOf(t, sent[0]), "last slice first")
	assert.Equal(t, map[string]int64{"disorder": 1}, b.Metrics().PolicyMatchedCounts())
	assert.Equal(t, map[string]int64{"disorder": 1}, b.Metrics().PolicyAppliedCounts())

	// Gate closed: the profile decides, and it says none.
	b = newBypass(p, withPolicies(t, core.GateConfig{}, pol))
	rec.Reset()
	assert.Equal(t, VerdictPass, b.Process(hello(t, "example.com", 200), rec))
	assert.Zero(t, rec.Len())
}

func TestTLSPolicyNoSNIStage(t *testing.T) {
	gates := core.GateConfig{TLSStrategy: true}

	// A NoSNI policy enables bypass for hellos without SNI.
	b := newBypass(fragmentProfile(), withPolicies(t, gates, tlsPolicy("nosni", policy.StageNoSNI, "fragment")))
	rec := capture.NewRecorder()
	assert.Equal(t, VerdictDrop, b.Process(hello(t, "", 200), rec))

	// Fallback to a ClientHello policy selects it, but AllowNoSNI still gates.
	b = newBypass(fragmentProfile(), withPolicies(t, gates, tlsPolicy("hello", policy.StageClientHello, "fragment")))
	assert.Equal(t, VerdictPass, b.Process(hello(t, "", 200), rec))
	assert.Empty(t, b.Metrics().PolicyMatchedCounts(), "rejected hello is not a match")
	assert.Empty(t, b.Metrics().PolicyAppliedCounts())
}

func TestTLSProfileStrategyWithoutMatchingPolicy(t *testing.T) {
	scoped := tlsPolicy("scoped", policy.StageClientHello, "disorder")
	scoped.Match.DstIPv4 = ipv4Set(t, "198.51.100.0/24")

	b := newBypass(fragmentProfile(), withPolicies(t, core.GateConfig{TLSStrategy: true}, scoped))
	rec := capture.NewRecorder()
	assert.Equal(t, VerdictDrop, b.Process(hello(t, "example.com", 200), rec))
	sent := rec.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, helloSeq, seqOf(t, sent[0]), "profile fragment keeps order")
	assert.Empty(t, b.Metrics().PolicyMatchedCounts())
	assert.Empty(t, b.Metrics().PolicyAppliedCounts())
}

func TestTLSPolicyDestinationAndExpiry(t *testing.T) {
	p := fragmentProfile()
	p.TLSStrategy = dpi.TLSNone

	scoped := tlsPolicy("scoped", policy.StageClientHello, "fragment")
	scoped.Match.DstIPv4 = ipv4Set(t, "93.184.216.0/24")
	expired := tlsPolicy("expired", policy.StageClientHello, "fragment")
	expired.Priority = 20
	expired.TTL = time.Minute
	expired.CreatedAt = t0.Add(-time.Hour)

	b := newBypass(p, withPolicies(t, core.GateConfig{TLSStrategy: true}, scoped, expired))
	rec := capture.NewRecorder()
	assert.Equal(t, VerdictDrop, b.Process(hello(t, "example.com", 200), rec))
	assert.Equal(t, VerdictPass, b.Process(helloTo(t, "example.com", 200, other, 443), rec))
	assert.Equal(t, map[string]int64{"scoped": 1}, b.Metrics().PolicyAppliedCounts())
}

func TestSnapshotClearedFallsBackToProfile(t *testing.T) {
	h := policy.NewHolder(nil)
	b := newBypass(fragmentProfile(), func(c *BypassConfig) {
		c.Holder = h
		c.Gates = NewStaticGates(core.GateConfig{TLSStrategy: true})
	})
	rec := capture.NewRecorder()
	assert.Equal(t, VerdictDrop, b.Process(hello(t, "example.com", 200), rec))
}

func TestConnectionStateSharedAcrossFilters(t *testing.T) {
	conns := flow.NewConnTable(0)
	a := newBypass(fragmentProfile(), func(c *BypassConfig) { c.Conns = conns })
	b := newBypass(fragmentProfile(), func(c *BypassConfig) { c.Conns = conns })

	require.Equal(t, VerdictDrop, a.Process(hello(t, "example.com", 200), capture.NewRecorder()))
	assert.Equal(t, VerdictDrop, b.Process(rst(t, server, client, 443, 50000), capture.NewRecorder()))
	assert.Equal(t, int64(1), b.Metrics().Snapshot().RstDroppedRelevant)
}
