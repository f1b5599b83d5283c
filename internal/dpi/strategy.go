package dpi

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// TLSStrategy identifies the ClientHello desynchronization technique.
type TLSStrategy int

const (
	TLSNone         TLSStrategy = iota // pass-through
	TLSFake                            // decoy segment with a rewound sequence number
	TLSFragment                        // split into forward-ordered segments
	TLSDisorder                        // split, sent last slice first
	TLSFakeFragment                    // decoy + fragment
	TLSFakeDisorder                    // decoy + disorder
)

var tlsStrategyNames = [...]string{
	TLSNone:         "none",
	TLSFake:         "fake",
	TLSFragment:     "fragment",
	TLSDisorder:     "disorder",
	TLSFakeFragment: "fake_fragment",
	TLSFakeDisorder: "fake_disorder",
}

func (s TLSStrategy) String() string {
	if s >= 0 && int(s) < len(tlsStrategyNames) {
		return tlsStrategyNames[s]
	}
	return fmt.Sprintf("TLSStrategy(%d)", int(s))
}

// ParseTLSStrategy parses a strategy name case-insensitively. Separators are
// ignored, so "FakeFragment", "fake_fragment" and "fake-fragment" are equal.
func ParseTLSStrategy(s string) (TLSStrategy, error) {
	norm := normalizeName(s)
	for i, name := range tlsStrategyNames {
		if normalizeName(name) == norm {
			return TLSStrategy(i), nil
		}
	}
	return TLSNone, fmt.Errorf("unknown tls strategy %q", s)
}

func normalizeName(s string) string {
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(s)))
}

// HasFake reports whether the strategy sends a decoy.
func (s TLSStrategy) HasFake() bool {
	return s == TLSFake || s == TLSFakeFragment || s == TLSFakeDisorder
}

// Slices reports whether the strategy splits the real payload.
func (s TLSStrategy) Slices() bool {
	return s == TLSFragment || s == TLSDisorder || s == TLSFakeFragment || s == TLSFakeDisorder
}

// Reversed reports whether slices go out last-first.
func (s TLSStrategy) Reversed() bool {
	return s == TLSDisorder || s == TLSFakeDisorder
}

// MarshalText implements encoding.TextMarshaler (JSON keys and values).
func (s TLSStrategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *TLSStrategy) UnmarshalText(b []byte) error {
	v, err := ParseTLSStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s TLSStrategy) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *TLSStrategy) UnmarshalYAML(value *yaml.Node) error {
	var str string
	if err := value.Decode(&str); err != nil {
		return err
	}
	return s.UnmarshalText([]byte(str))
}

// FoolMethod describes how a fake packet is made invalid for the real
// endpoint while still being seen by middleboxes.
type FoolMethod string

const (
	FoolBadSum FoolMethod = "badsum" // complemented TCP checksum
	FoolBadSeq FoolMethod = "badseq" // rewound sequence number (always applied)
	FoolTTL    FoolMethod = "ttl"    // low-TTL decoy
)
