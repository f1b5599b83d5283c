package dpi

import (
	"fmt"
	"slices"

	"desync-engine/internal/core"
)

// Profile is the static bypass configuration. Build it with ProfileFromConfig
// or ParseProfileArgs and treat it as read-only afterwards.
type Profile struct {
	DropTCPRST bool

	TTLTrick      bool
	TTLTrickValue uint8

	TLSStrategy          TLSStrategy
	TLSFragmentThreshold int
	TLSFragmentSizes     []int
	TLSFirstFragmentSize int
	AllowNoSNI           bool

	HTTPHostTricks bool
	BadChecksum    bool

	DropUDP443       bool
	DropUDP443Global bool
}

// Clone returns a deep copy.
func (p Profile) Clone() Profile {
	p.TLSFragmentSizes = slices.Clone(p.TLSFragmentSizes)
	return p
}

// Plan builds the fragment plan for a payload of n bytes.
func (p Profile) Plan(n int) ([]FragmentSlice, bool) {
	return BuildPlan(n, p.TLSFragmentSizes, p.TLSFirstFragmentSize)
}

// ProfileFromConfig converts the YAML profile section.
func ProfileFromConfig(cfg core.ProfileConfig) (Profile, error) {
	p := Profile{
		DropTCPRST:           cfg.DropTcpRst,
		TTLTrick:             cfg.TtlTrick,
		TLSFragmentThreshold: cfg.TlsFragmentThreshold,
		TLSFragmentSizes:     slices.Clone(cfg.TlsFragmentSizes),
		TLSFirstFragmentSize: cfg.TlsFirstFragmentSize,
		AllowNoSNI:           cfg.AllowNoSni,
		HTTPHostTricks:       cfg.HttpHostTricks,
		BadChecksum:          cfg.BadChecksum,
		DropUDP443:           cfg.DropUdp443,
		DropUDP443Global:     cfg.DropUdp443Global,
	}

	if cfg.TtlTrickValue < 0 || cfg.TtlTrickValue > 255 {
		return Profile{}, fmt.Errorf("[DPI] ttl_trick_value out of range: %d", cfg.TtlTrickValue)
	}
	p.TTLTrickValue = uint8(cfg.TtlTrickValue)

	if cfg.TlsStrategy != "" {
		s, err := ParseTLSStrategy(cfg.TlsStrategy)
		if err != nil {
			return Profile{}, fmt.Errorf("[DPI] profile: %w", err)
		}
		p.TLSStrategy = s
	}
	if len(p.TLSFragmentSizes) > MaxPlanSizes {
		core.Log.Warnf("DPI", "Only the first %d of %d fragment sizes are used", MaxPlanSizes, len(p.TLSFragmentSizes))
	}
	return p, nil
}

func (p Profile) String() string {
	return fmt.Sprintf("strategy=%s threshold=%d sizes=%v first=%d rst=%v ttl=%v/%d nosni=%v http=%v badsum=%v udp443=%v/%v",
		p.TLSStrategy, p.TLSFragmentThreshold, p.TLSFragmentSizes, p.TLSFirstFragmentSize,
		p.DropTCPRST, p.TTLTrick, p.TTLTrickValue, p.AllowNoSNI, p.HTTPHostTricks, p.BadChecksum,
		p.DropUDP443, p.DropUDP443Global)
}
