package policy

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go4.org/netipx"
)

// Conflict is a pair of policies that can match the same packet at the same
// priority with different actions.
type Conflict struct {
	A, B   string
	Reason string
}

func (c Conflict) String() string { return c.A + " <-> " + c.B + ": " + c.Reason }

// CompileError reports hard conflicts found by Compile.
type CompileError struct {
	Conflicts []Conflict
}

func (e *CompileError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Policy] compilation failed: %d hard conflict(s)", len(e.Conflicts))
	for i, c := range e.Conflicts {
		if i == 5 {
			b.WriteString("; ...")
			break
		}
		b.WriteString("; ")
		b.WriteString(c.String())
	}
	return b.String()
}

// ErrInvalidPolicy wraps validation failures.
var ErrInvalidPolicy = errors.New("invalid policy")

// Compile validates policies, rejects hard conflicts and builds a Snapshot.
// It never panics: a panic during compilation is returned as an error.
func Compile(policies []FlowPolicy) (snap *Snapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			snap, err = nil, fmt.Errorf("[Policy] compile panicked: %v", r)
		}
	}()

	if err := validate(policies); err != nil {
		return nil, err
	}
	if conflicts := DetectConflicts(policies); len(conflicts) > 0 {
		return nil, &CompileError{Conflicts: conflicts}
	}
	return build(policies), nil
}

func validate(policies []FlowPolicy) error {
	seen := make(map[string]struct{}, len(policies))
	for i := range policies {
		p := &policies[i]
		if strings.TrimSpace(p.ID) == "" {
			return fmt.Errorf("[Policy] policy #%d: empty id: %w", i, ErrInvalidPolicy)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("[Policy] duplicate id %q: %w", p.ID, ErrInvalidPolicy)
		}
		seen[p.ID] = struct{}{}

		if p.Match.Protocol > ProtoUDP || p.Match.TLSStage > StageNoSNI || p.Action.Kind > ActionStrategy {
			return fmt.Errorf("[Policy] %s: enum out of range: %w", p.ID, ErrInvalidPolicy)
		}
		if p.Action.Kind == ActionStrategy && strings.TrimSpace(p.Action.StrategyID) == "" {
			return fmt.Errorf("[Policy] %s: strategy action without strategy id: %w", p.ID, ErrInvalidPolicy)
		}
		if p.TTL < 0 {
			return fmt.Errorf("[Policy] %s: negative ttl: %w", p.ID, ErrInvalidPolicy)
		}
		if set := p.Match.DstIPv4; set != nil {
			for _, r := range set.Ranges() {
				if !r.From().Is4() {
					return fmt.Errorf("[Policy] %s: dst_ipv4 holds non-IPv4 range %s: %w", p.ID, r, ErrInvalidPolicy)
				}
			}
		}
	}
	return nil
}

// DetectConflicts returns every pair with equal priority, overlapping match
// and non-equivalent actions.
func DetectConflicts(policies []FlowPolicy) []Conflict {
	var out []Conflict
	for i := range policies {
		a := &policies[i]
		for j := i + 1; j < len(policies); j++ {
			b := &policies[j]
			if a.Priority != b.Priority || a.Action.Equivalent(b.Action) {
				continue
			}
			if !Overlaps(a.Match, b.Match) {
				continue
			}
			out = append(out, Conflict{
				A: a.ID,
				B: b.ID,
				Reason: fmt.Sprintf("overlapping match at priority %d: %s vs %s (actions %s vs %s)",
					a.Priority, a.Match, b.Match, a.Action, b.Action),
			})
		}
	}
	return out
}

// Overlaps reports whether some packet could satisfy both matches.
func Overlaps(a, b Match) bool {
	if a.Protocol != ProtoAny && b.Protocol != ProtoAny && a.Protocol != b.Protocol {
		return false
	}
	if a.Port != 0 && b.Port != 0 && a.Port != b.Port {
		return false
	}
	if a.TLSStage != StageAny && b.TLSStage != StageAny && a.TLSStage != b.TLSStage {
		return false
	}
	return ipSetsOverlap(a.DstIPv4, b.DstIPv4) && sniOverlaps(a.SNIPattern, b.SNIPattern)
}

// ipSetsOverlap treats nil as any and an empty set as none.
func ipSetsOverlap(a, b *netipx.IPSet) bool {
	if a != nil && len(a.Ranges()) == 0 || b != nil && len(b.Ranges()) == 0 {
		return false
	}
	if a == nil || b == nil {
		return true
	}
	for _, r := range a.Ranges() {
		if b.OverlapsRange(r) {
			return true
		}
	}
	return false
}

func sniOverlaps(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || a == "*" || b == "" || b == "*" {
		return true
	}
	if strings.EqualFold(a, b) {
		return true
	}
	wa, wb := strings.Contains(a, "*"), strings.Contains(b, "*")
	switch {
	case wa && wb:
		// Two distinct wildcards may still intersect.
		return true
	case wa:
		return wildcardMatches(a, b)
	case wb:
		return wildcardMatches(b, a)
	}
	return false
}

// wildcardMatches supports "*" and "*.suffix".
func wildcardMatches(pattern, host string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*.") && len(pattern) > 2 {
		return len(host) >= len(pattern)-1 && strings.EqualFold(host[len(host)-(len(pattern)-1):], pattern[1:])
	}
	return false
}

func build(policies []FlowPolicy) *Snapshot {
	ordered := make([]*FlowPolicy, len(policies))
	for i := range policies {
		p := policies[i].clone()
		ordered[i] = &p
	}
	slices.SortStableFunc(ordered, func(a, b *FlowPolicy) int { return cmp.Compare(b.Priority, a.Priority) })

	s := &Snapshot{
		policies: ordered,
		buckets:  make(map[bucketKey][]*FlowPolicy),
		resolved: make(map[bucketKey][]*FlowPolicy),
	}

	ports := map[uint16]struct{}{0: {}}
	for _, p := range ordered {
		k := bucketKey{p.Match.Protocol, p.Match.Port}
		s.buckets[k] = append(s.buckets[k], p)
		ports[p.Match.Port] = struct{}{}
	}

	// Resolved lists merge (P,port), (Any,port), (P,*) and (Any,*). Filtering
	// the stable-sorted list keeps priority order and input order for ties.
	for _, proto := range []Protocol{ProtoAny, ProtoTCP, ProtoUDP} {
		for port := range ports {
			var list []*FlowPolicy
			for _, p := range ordered {
				if p.Match.Port != 0 && p.Match.Port != port {
					continue
				}
				if p.Match.Protocol != ProtoAny && p.Match.Protocol != proto {
					continue
				}
				list = append(list, p)
			}
			if len(list) > 0 {
				s.resolved[bucketKey{proto, port}] = list
			}
		}
	}
	return s
}
