package policy

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go4.org/netipx"
	"gopkg.in/yaml.v3"
)

// Document is the serialized form of a FlowPolicy (YAML or JSON).
type Document struct {
	ID        string     `json:"id,omitempty" yaml:"id,omitempty"`
	Priority  int        `json:"priority" yaml:"priority"`
	Scope     string     `json:"scope,omitempty" yaml:"scope,omitempty"`
	TTL       string     `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	Match     MatchDoc   `json:"match" yaml:"match"`
	Action    ActionDoc  `json:"action" yaml:"action"`
}

// MatchDoc is the serialized Match. A missing dst_ipv4 matches any
// destination; an empty list matches none.
type MatchDoc struct {
	Protocol   string    `json:"protocol,omitempty" yaml:"protocol,omitempty"`
	Port       uint16    `json:"port,omitempty" yaml:"port,omitempty"`
	TLSStage   string    `json:"tls_stage,omitempty" yaml:"tls_stage,omitempty"`
	DstIPv4    *[]string `json:"dst_ipv4,omitempty" yaml:"dst_ipv4,omitempty"`
	SNIPattern string    `json:"sni_pattern,omitempty" yaml:"sni_pattern,omitempty"`
}

// ActionDoc is the serialized Action.
type ActionDoc struct {
	Kind       string            `json:"kind" yaml:"kind"`
	StrategyID string            `json:"strategy_id,omitempty" yaml:"strategy_id,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

type documentFile struct {
	Policies []Document `json:"policies" yaml:"policies"`
}

// Format selects the document encoding.
type Format int

const (
	FormatYAML Format = iota
	FormatJSON
)

// FormatFor picks JSON for .json files and YAML otherwise.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// LoadDocuments reads a policy file.
func LoadDocuments(path string) ([]FlowPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("[Policy] read %s: %w", path, err)
	}
	ps, err := ParseDocuments(data, FormatFor(path), time.Now())
	if err != nil {
		return nil, fmt.Errorf("[Policy] %s: %w", path, err)
	}
	return ps, nil
}

// ParseDocuments decodes a {policies: [...]} document. Policies without an
// id get a ULID; policies without created_at get now.
func ParseDocuments(data []byte, f Format, now time.Time) ([]FlowPolicy, error) {
	var file documentFile
	var err error
	if f == FormatJSON {
		err = json.Unmarshal(data, &file)
	} else {
		err = yaml.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("decode policies: %w", err)
	}

	out := make([]FlowPolicy, 0, len(file.Policies))
	for i, d := range file.Policies {
		p, err := d.Policy(now)
		if err != nil {
			return nil, fmt.Errorf("policy #%d: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// MarshalDocuments encodes policies as a {policies: [...]} document.
func MarshalDocuments(policies []FlowPolicy, f Format) ([]byte, error) {
	file := documentFile{Policies: make([]Document, len(policies))}
	for i := range policies {
		file.Policies[i] = NewDocument(&policies[i])
	}
	if f == FormatJSON {
		return json.MarshalIndent(file, "", "  ")
	}
	return yaml.Marshal(file)
}

// NewID returns a fresh policy id.
func NewID() string { return ulid.Make().String() }

// Policy converts the document.
func (d Document) Policy(now time.Time) (FlowPolicy, error) {
	p := FlowPolicy{ID: strings.TrimSpace(d.ID), Priority: d.Priority}
	if p.ID == "" {
		p.ID = NewID()
	}

	var err error
	if p.Scope, err = ParseScope(d.Scope); err != nil {
		return FlowPolicy{}, err
	}
	if d.TTL != "" {
		if p.TTL, err = time.ParseDuration(d.TTL); err != nil {
			return FlowPolicy{}, fmt.Errorf("ttl: %w", err)
		}
	}
	p.CreatedAt = now
	if d.CreatedAt != nil {
		p.CreatedAt = *d.CreatedAt
	}

	if p.Match.Protocol, err = ParseProtocol(d.Match.Protocol); err != nil {
		return FlowPolicy{}, err
	}
	if p.Match.TLSStage, err = ParseTLSStage(d.Match.TLSStage); err != nil {
		return FlowPolicy{}, err
	}
	p.Match.Port = d.Match.Port
	p.Match.SNIPattern = d.Match.SNIPattern
	if d.Match.DstIPv4 != nil {
		if p.Match.DstIPv4, err = BuildIPv4Set(*d.Match.DstIPv4); err != nil {
			return FlowPolicy{}, err
		}
	}

	if p.Action.Kind, err = ParseActionKind(d.Action.Kind); err != nil {
		return FlowPolicy{}, err
	}
	p.Action.StrategyID = d.Action.StrategyID
	p.Action.Parameters = d.Action.Parameters
	return p, nil
}

// NewDocument converts a policy for serialization.
func NewDocument(p *FlowPolicy) Document {
	d := Document{
		ID:       p.ID,
		Priority: p.Priority,
		Scope:    p.Scope.String(),
		Match: MatchDoc{
			Port:       p.Match.Port,
			SNIPattern: p.Match.SNIPattern,
		},
		Action: ActionDoc{
			Kind:       p.Action.Kind.String(),
			StrategyID: p.Action.StrategyID,
			Parameters: p.Action.Parameters,
		},
	}
	if p.TTL > 0 {
		d.TTL = p.TTL.String()
	}
	if !p.CreatedAt.IsZero() {
		t := p.CreatedAt
		d.CreatedAt = &t
	}
	if p.Match.Protocol != ProtoAny {
		d.Match.Protocol = p.Match.Protocol.String()
	}
	if p.Match.TLSStage != StageAny {
		d.Match.TLSStage = p.Match.TLSStage.String()
	}
	if set := p.Match.DstIPv4; set != nil {
		ips := []string{}
		for _, pfx := range set.Prefixes() {
			if pfx.IsSingleIP() {
				ips = append(ips, pfx.Addr().String())
			} else {
				ips = append(ips, pfx.String())
			}
		}
		d.Match.DstIPv4 = &ips
	}
	return d
}

// BuildIPv4Set parses addresses and CIDR prefixes into a set. IPv6 entries
// are rejected.
func BuildIPv4Set(entries []string) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if strings.Contains(e, "/") {
			pfx, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("dst_ipv4 %q: %w", e, err)
			}
			if !pfx.Addr().Is4() {
				return nil, fmt.Errorf("dst_ipv4 %q: not IPv4", e)
			}
			b.AddPrefix(pfx.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("dst_ipv4 %q: %w", e, err)
		}
		addr = addr.Unmap()
		if !addr.Is4() {
			return nil, fmt.Errorf("dst_ipv4 %q: not IPv4", e)
		}
		b.Add(addr)
	}
	return b.IPSet()
}
