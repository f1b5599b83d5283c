package engine

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"desync-engine/internal/core"
)

// Gates decides per packet whether a path consults the policy snapshot or
// the static profile. A closed gate means legacy behaviour only.
type Gates interface {
	HTTPHostTricks() bool
	TLSStrategy() bool
	UDP443() bool
	EndpointBlock() bool
}

// Environment variables read by EnvGates.
const (
	EnvGateTCP80    = "DESYNC_POLICY_DRIVEN_TCP80"
	EnvGateTCP443   = "DESYNC_POLICY_DRIVEN_TCP443"
	EnvGateUDP443   = "DESYNC_POLICY_DRIVEN_UDP443"
	EnvGateTTLBlock = "DESYNC_POLICY_DRIVEN_TTLBLOCK"
)

// EnvGates reads the gate variables on every call so they can be flipped
// without a restart. Unset or unparsable values are false.
type EnvGates struct {
	// Lookup defaults to os.LookupEnv.
	Lookup func(string) (string, bool)
}

func (g EnvGates) read(name string) bool {
	lookup := g.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(name)
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

func (g EnvGates) HTTPHostTricks() bool { return g.read(EnvGateTCP80) }
func (g EnvGates) TLSStrategy() bool    { return g.read(EnvGateTCP443) }
func (g EnvGates) UDP443() bool         { return g.read(EnvGateUDP443) }
func (g EnvGates) EndpointBlock() bool  { return g.read(EnvGateTTLBlock) }

// StaticGates holds gate values set from config and togglable at runtime.
type StaticGates struct {
	httpHost atomic.Bool
	tls      atomic.Bool
	udp443   atomic.Bool
	endpoint atomic.Bool
}

// NewStaticGates initializes the gates from cfg.
func NewStaticGates(cfg core.GateConfig) *StaticGates {
	g := &StaticGates{}
	g.Apply(cfg)
	return g
}

// Apply overwrites all four gates.
func (g *StaticGates) Apply(cfg core.GateConfig) {
	g.httpHost.Store(cfg.HTTPHostTricks)
	g.tls.Store(cfg.TLSStrategy)
	g.udp443.Store(cfg.UDP443)
	g.endpoint.Store(cfg.EndpointBlock)
}

func (g *StaticGates) SetHTTPHostTricks(on bool) { g.httpHost.Store(on) }
func (g *StaticGates) SetTLSStrategy(on bool)    { g.tls.Store(on) }
func (g *StaticGates) SetUDP443(on bool)         { g.udp443.Store(on) }
func (g *StaticGates) SetEndpointBlock(on bool)  { g.endpoint.Store(on) }

func (g *StaticGates) HTTPHostTricks() bool { return g.httpHost.Load() }
func (g *StaticGates) TLSStrategy() bool    { return g.tls.Load() }
func (g *StaticGates) UDP443() bool         { return g.udp443.Load() }
func (g *StaticGates) EndpointBlock() bool  { return g.endpoint.Load() }

// GatesFromConfig picks the gate implementation named by cfg.Source.
func GatesFromConfig(cfg core.GateConfig) Gates {
	if cfg.Source == core.GateSourceEnv {
		return EnvGates{}
	}
	return NewStaticGates(cfg)
}
