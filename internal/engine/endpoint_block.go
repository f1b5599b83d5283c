package engine

import (
	"fmt"
	"math"
	"net/netip"
	"strings"
	"time"

	"github.com/samber/lo"
	"go4.org/netipx"

	"desync-engine/internal/capture"
	"desync-engine/internal/core"
	"desync-engine/internal/policy"
)

// EndpointBlockPriority runs endpoint blocks before the bypass filter.
const EndpointBlockPriority = 250

// EndpointBlock drops traffic to or from a set of IPv4 endpoints on one port
// until its TTL runs out. Both directions match: the address is tested as
// source or destination, the port likewise.
type EndpointBlock struct {
	name    string
	targets *netipx.IPSet
	port    uint16
	tcp     bool
	udp     bool
	expires time.Time

	gates   Gates
	snap    *policy.Snapshot
	policy  string
	metrics *Metrics
	now     func() time.Time
}

// NewEndpointBlock builds the filter from cfg. The TTL starts at now().
// Port defaults to 443 and both protocols to enabled. IPv6 targets are
// skipped. metrics and now may be nil.
func NewEndpointBlock(cfg core.EndpointBlockConfig, gates Gates, metrics *Metrics, now func() time.Time) (*EndpointBlock, error) {
	if now == nil {
		now = time.Now
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if gates == nil {
		gates = NewStaticGates(core.GateConfig{})
	}

	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "endpoint-block-" + policy.NewID()
	}

	ttl, err := time.ParseDuration(strings.TrimSpace(cfg.TTL))
	if err != nil {
		return nil, fmt.Errorf("[Engine] endpoint block %s: ttl: %w", name, err)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("[Engine] endpoint block %s: ttl must be positive, got %v", name, ttl)
	}

	entries := lo.Filter(cfg.Targets, func(t string, _ int) bool {
		if isIPv6Entry(t) {
			core.Log.Warnf("Engine", "Endpoint block %s: skipping IPv6 target %s", name, t)
			return false
		}
		return true
	})
	set, err := policy.BuildIPv4Set(entries)
	if err != nil {
		return nil, fmt.Errorf("[Engine] endpoint block %s: %w", name, err)
	}

	created := now()
	e := &EndpointBlock{
		name:    name,
		targets: set,
		port:    lo.Ternary(cfg.Port == 0, uint16(443), cfg.Port),
		tcp:     lo.FromPtrOr(cfg.TCP, true),
		udp:     lo.FromPtrOr(cfg.UDP, true),
		expires: created.Add(ttl),
		gates:   gates,
		policy:  "endpoint-block:" + name,
		metrics: metrics,
		now:     now,
	}

	if e.tcp || e.udp {
		proto := policy.ProtoAny
		switch {
		case !e.udp:
			proto = policy.ProtoTCP
		case !e.tcp:
			proto = policy.ProtoUDP
		}
		snap, err := policy.Compile([]policy.FlowPolicy{{
			ID:        e.policy,
			Priority:  math.MaxInt,
			Scope:     policy.ScopeGlobal,
			TTL:       ttl,
			CreatedAt: created,
			Match:     policy.Match{Protocol: proto, Port: e.port, DstIPv4: set},
			Action:    policy.BlockAction(),
		}})
		if err != nil {
			return nil, fmt.Errorf("[Engine] endpoint block %s: %w", name, err)
		}
		e.snap = snap
	}

	core.Log.Infof("Engine", "Endpoint block %s: %d prefixes, port %d, tcp=%v udp=%v, until %s",
		name, len(set.Prefixes()), e.port, e.tcp, e.udp, e.expires.Format(time.RFC3339))
	return e, nil
}

func isIPv6Entry(s string) bool {
	s = strings.TrimSpace(s)
	if pfx, err := netip.ParsePrefix(s); err == nil {
		return !pfx.Addr().Unmap().Is4()
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return !addr.Unmap().Is4()
	}
	return false
}

func (e *EndpointBlock) Name() string  { return e.name }
func (e *EndpointBlock) Priority() int { return EndpointBlockPriority }

// Expires returns when the block stops dropping.
func (e *EndpointBlock) Expires() time.Time { return e.expires }

// Process drops matching IPv4 packets while the block is live.
func (e *EndpointBlock) Process(pkt *capture.Packet, _ capture.Sender) Verdict {
	info := &pkt.Info
	now := e.now()
	if !info.IPv4 || !now.Before(e.expires) {
		return VerdictPass
	}

	var proto policy.Protocol
	switch {
	case info.TCP && e.tcp:
		proto = policy.ProtoTCP
	case info.UDP && e.udp:
		proto = policy.ProtoUDP
	default:
		return VerdictPass
	}

	var blocked bool
	if e.snap != nil && e.gates.EndpointBlock() {
		p := e.snap.EvaluateEndpoint(proto, info.Key(), now)
		blocked = p != nil && p.Action.Kind == policy.ActionBlock
		if blocked {
			e.metrics.policyMatched(p.ID)
			e.metrics.policyApplied(p.ID)
		}
	} else {
		blocked = (e.targets.Contains(info.SrcIP) || e.targets.Contains(info.DstIP)) &&
			(info.SrcPort == e.port || info.DstPort == e.port)
	}

	if blocked {
		e.metrics.endpointBlocked.Add(1)
		return VerdictDrop
	}
	return VerdictPass
}
