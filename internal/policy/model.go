// Package policy compiles prioritized flow policies into an immutable
// decision graph that the packet pipeline reads lock-free.
package policy

import (
	"fmt"
	"maps"
	"net/netip"
	"strings"
	"time"

	"go4.org/netipx"
)

// Well-known strategy identifiers and parameters.
const (
	StrategyTLSBypass      = "tls_bypass_strategy"
	StrategyHTTPHostTricks = "http_host_tricks"
	StrategyDropUDP443     = "drop_udp_443"

	// ParamTLSStrategy names the dpi.TLSStrategy for StrategyTLSBypass.
	ParamTLSStrategy = "tls_strategy"
)

// Protocol is the transport a policy matches. ProtoAny matches both.
type Protocol uint8

const (
	ProtoAny Protocol = iota
	ProtoTCP
	ProtoUDP
)

var protocolNames = [...]string{ProtoAny: "any", ProtoTCP: "tcp", ProtoUDP: "udp"}

func (p Protocol) String() string {
	if int(p) < len(protocolNames) {
		return protocolNames[p]
	}
	return fmt.Sprintf("Protocol(%d)", p)
}

// ParseProtocol accepts "", "any", "tcp" and "udp" in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any", "*":
		return ProtoAny, nil
	case "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	}
	return ProtoAny, fmt.Errorf("unknown protocol %q", s)
}

// TLSStage narrows a policy to a ClientHello classification.
type TLSStage uint8

const (
	StageAny TLSStage = iota
	StageClientHello
	StageNoSNI
)

var stageNames = [...]string{StageAny: "any", StageClientHello: "client_hello", StageNoSNI: "no_sni"}

func (s TLSStage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("TLSStage(%d)", s)
}

// ParseTLSStage accepts "client_hello", "ClientHello", "no_sni", "NoSni" and "any".
func ParseTLSStage(s string) (TLSStage, error) {
	switch normalize(s) {
	case "", "any", "*":
		return StageAny, nil
	case "clienthello":
		return StageClientHello, nil
	case "nosni":
		return StageNoSNI, nil
	}
	return StageAny, fmt.Errorf("unknown tls stage %q", s)
}

// Scope is informational: whether a policy targets observed endpoints only.
type Scope uint8

const (
	ScopeLocal Scope = iota
	ScopeGlobal
)

func (s Scope) String() string {
	if s == ScopeGlobal {
		return "global"
	}
	return "local"
}

// ParseScope accepts "local" (default) and "global".
func ParseScope(s string) (Scope, error) {
	switch normalize(s) {
	case "", "local":
		return ScopeLocal, nil
	case "global":
		return ScopeGlobal, nil
	}
	return ScopeLocal, fmt.Errorf("unknown scope %q", s)
}

// ActionKind discriminates Action.
type ActionKind uint8

const (
	ActionPass ActionKind = iota
	ActionBlock
	ActionStrategy
)

func (k ActionKind) String() string {
	switch k {
	case ActionPass:
		return "pass"
	case ActionBlock:
		return "block"
	case ActionStrategy:
		return "strategy"
	}
	return fmt.Sprintf("ActionKind(%d)", k)
}

// ParseActionKind accepts "pass", "block" and "strategy".
func ParseActionKind(s string) (ActionKind, error) {
	switch normalize(s) {
	case "pass":
		return ActionPass, nil
	case "block":
		return ActionBlock, nil
	case "strategy":
		return ActionStrategy, nil
	}
	return ActionPass, fmt.Errorf("unknown action kind %q", s)
}

func normalize(s string) string {
	return strings.NewReplacer("_", "", "-", "").Replace(strings.ToLower(strings.TrimSpace(s)))
}

// Match selects the flows a policy applies to. Zero fields match anything.
type Match struct {
	Protocol Protocol
	Port     uint16 // 0 = any
	TLSStage TLSStage
	// DstIPv4 restricts the destination: nil matches any address, an empty
	// set matches none. IPv6 destinations never match a declared set.
	DstIPv4 *netipx.IPSet
	// SNIPattern ("example.com", "*.example.com", "*") only feeds conflict analysis.
	SNIPattern string
}

// MatchesDst reports whether addr satisfies DstIPv4.
func (m Match) MatchesDst(addr netip.Addr) bool {
	if m.DstIPv4 == nil {
		return true
	}
	addr = addr.Unmap()
	return addr.Is4() && m.DstIPv4.Contains(addr)
}

func (m Match) String() string {
	port := "*"
	if m.Port != 0 {
		port = fmt.Sprint(m.Port)
	}
	sni := m.SNIPattern
	if sni == "" {
		sni = "*"
	}
	ips := "ipset[*]"
	if m.DstIPv4 != nil {
		ips = fmt.Sprintf("ipset[%d]", len(m.DstIPv4.Prefixes()))
	}
	return fmt.Sprintf("%s:%s tls=%s sni=%s %s", strings.ToUpper(m.Protocol.String()), port, m.TLSStage, sni, ips)
}

// Action is what a matching policy asks for.
type Action struct {
	Kind       ActionKind
	StrategyID string
	Parameters map[string]string
}

// BlockAction drops matching packets.
func BlockAction() Action { return Action{Kind: ActionBlock} }

// StrategyAction runs strategyID with params.
func StrategyAction(strategyID string, params map[string]string) Action {
	return Action{Kind: ActionStrategy, StrategyID: strategyID, Parameters: params}
}

// IsStrategy reports whether the action is the strategy id (case-insensitive).
func (a Action) IsStrategy(id string) bool {
	return a.Kind == ActionStrategy && strings.EqualFold(a.StrategyID, id)
}

// Param returns a trimmed strategy parameter.
func (a Action) Param(key string) (string, bool) {
	v, ok := a.Parameters[key]
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

// Equivalent reports whether two actions cannot disagree on a packet.
// Strategy actions compare by id only.
func (a Action) Equivalent(b Action) bool {
	if a.Kind != b.Kind {
		return false
	}
	if a.Kind == ActionStrategy {
		return strings.EqualFold(a.StrategyID, b.StrategyID)
	}
	return true
}

func (a Action) String() string {
	if a.Kind == ActionStrategy {
		return "STRATEGY:" + a.StrategyID
	}
	return strings.ToUpper(a.Kind.String())
}

// FlowPolicy is one prioritized rule. Higher Priority wins.
type FlowPolicy struct {
	ID        string
	Priority  int
	Scope     Scope
	TTL       time.Duration // 0 = no expiry
	CreatedAt time.Time
	Match     Match
	Action    Action
}

// Expired reports whether CreatedAt+TTL has passed.
func (p *FlowPolicy) Expired(now time.Time) bool {
	return p.TTL > 0 && !now.Before(p.CreatedAt.Add(p.TTL))
}

func (p *FlowPolicy) String() string {
	return fmt.Sprintf("%s prio=%d scope=%s match=(%s) action=%s", p.ID, p.Priority, p.Scope, p.Match, p.Action)
}

func (p FlowPolicy) clone() FlowPolicy {
	p.Action.Parameters = maps.Clone(p.Action.Parameters)
	return p
}
