package policy

import (
	"cmp"
	"iter"
	"net/netip"
	"slices"
	"time"

	"desync-engine/internal/flow"
)

type bucketKey struct {
	proto Protocol
	port  uint16
}

// Snapshot is an immutable compiled policy set.
//
// Every policy lives in exactly one bucket keyed by its own (protocol, port),
// with ProtoAny and port 0 as wildcards. For lookups, a resolved list per
// concrete (protocol, port) merges (P,port), (Any,port), (P,*) and (Any,*);
// ports no policy mentions use the per-protocol default (P,*)+(Any,*).
// All lists are ordered by priority, highest first, ties in input order.
type Snapshot struct {
	policies []*FlowPolicy
	buckets  map[bucketKey][]*FlowPolicy
	resolved map[bucketKey][]*FlowPolicy
}

// Len returns the number of compiled policies.
func (s *Snapshot) Len() int { return len(s.policies) }

// Policies returns all policies in priority order.
func (s *Snapshot) Policies() []*FlowPolicy { return slices.Clone(s.policies) }

func (s *Snapshot) resolve(proto Protocol, port uint16) []*FlowPolicy {
	if l, ok := s.resolved[bucketKey{proto, port}]; ok {
		return l
	}
	return s.resolved[bucketKey{proto, 0}]
}

// Candidates yields the policies applicable to (proto, port) in priority
// order, skipping those whose TLS stage is set and differs from stage.
// ProtoAny selects protocol-agnostic policies only.
func (s *Snapshot) Candidates(proto Protocol, port uint16, stage TLSStage) iter.Seq[*FlowPolicy] {
	list := s.resolve(proto, port)
	return func(yield func(*FlowPolicy) bool) {
		for _, p := range list {
			if p.Match.TLSStage != StageAny && p.Match.TLSStage != stage {
				continue
			}
			if !yield(p) {
				return
			}
		}
	}
}

// EvaluateTCP443ClientHello returns the highest-priority live TCP/443 policy
// for the stage whose destination set admits dst, or nil.
func (s *Snapshot) EvaluateTCP443ClientHello(dst netip.Addr, stage TLSStage, now time.Time) *FlowPolicy {
	for p := range s.Candidates(ProtoTCP, 443, stage) {
		if !p.Match.MatchesDst(dst) || p.Expired(now) {
			continue
		}
		return p
	}
	return nil
}

// EvaluateUDP443 returns the highest-priority live UDP/443 policy for dst.
func (s *Snapshot) EvaluateUDP443(dst netip.Addr, now time.Time) *FlowPolicy {
	for p := range s.Candidates(ProtoUDP, 443, StageAny) {
		if !p.Match.MatchesDst(dst) || p.Expired(now) {
			continue
		}
		return p
	}
	return nil
}

// EvaluateEndpoint matches both directions of a flow: the destination set is
// tested against source and destination address, the port against source and
// destination port. The first live policy in priority order wins.
func (s *Snapshot) EvaluateEndpoint(proto Protocol, key flow.ConnectionKey, now time.Time) *FlowPolicy {
	for _, p := range s.policies {
		m := &p.Match
		if m.Protocol != ProtoAny && m.Protocol != proto {
			continue
		}
		if m.Port != 0 && m.Port != key.SrcPort && m.Port != key.DstPort {
			continue
		}
		if !m.MatchesDst(key.DstIP) && !m.MatchesDst(key.SrcIP) {
			continue
		}
		if p.Expired(now) {
			continue
		}
		return p
	}
	return nil
}

// Bucket describes one exact bucket for diagnostics.
type Bucket struct {
	Protocol Protocol
	Port     uint16
	IDs      []string
}

// Buckets lists the exact buckets ordered by protocol then port.
func (s *Snapshot) Buckets() []Bucket {
	out := make([]Bucket, 0, len(s.buckets))
	for k, list := range s.buckets {
		b := Bucket{Protocol: k.proto, Port: k.port}
		for _, p := range list {
			b.IDs = append(b.IDs, p.ID)
		}
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b Bucket) int {
		if c := cmp.Compare(a.Protocol, b.Protocol); c != 0 {
			return c
		}
		return cmp.Compare(a.Port, b.Port)
	})
	return out
}
