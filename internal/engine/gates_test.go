package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"desync-engine/internal/core"
)

func TestEnvGatesReadOnEveryCall(t *testing.T) {
	t.Setenv(EnvGateTCP443, "true")
	t.Setenv(EnvGateUDP443, "nope")
	g := EnvGates{}

	assert.True(t, g.TLSStrategy())
	assert.False(t, g.UDP443(), "unparsable is off")
	assert.False(t, g.HTTPHostTricks(), "unset is off")

	t.Setenv(EnvGateTCP443, "0")
	t.Setenv(EnvGateTTLBlock, " 1 ")
	assert.False(t, g.TLSStrategy())
	assert.True(t, g.EndpointBlock())
}

func TestEnvGatesLookupOverride(t *testing.T) {
	env := map[string]string{EnvGateTCP80: "TRUE"}
	g := EnvGates{Lookup: func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}}
	assert.True(t, g.HTTPHostTricks())
	assert.False(t, g.TLSStrategy())
}

func TestStaticGates(t *testing.T) {
	g := NewStaticGates(core.GateConfig{TLSStrategy: true, EndpointBlock: true})
	assert.True(t, g.TLSStrategy())
	assert.True(t, g.EndpointBlock())
	assert.False(t, g.HTTPHostTricks())
	assert.False(t, g.UDP443())

	g.SetHTTPHostTricks(true)
	g.SetTLSStrategy(false)
	g.SetUDP443(true)
	g.SetEndpointBlock(false)
	assert.True(t, g.HTTPHostTricks())
	assert.False(t, g.TLSStrategy())
	assert.True(t, g.UDP443())
	assert.False(t, g.EndpointBlock())
}

func TestGatesFromConfig(t *testing.T) {
	assert.IsType(t, EnvGates{}, GatesFromConfig(core.GateConfig{Source: core.GateSourceEnv, TLSStrategy: true}))
	assert.IsType(t, &StaticGates{}, GatesFromConfig(core.GateConfig{}))
}
