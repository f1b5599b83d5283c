package core

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigOverlaysDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
profile:
  tls_strategy: fake_disorder
  tls_fragment_sizes: [1, 3]
gates:
  source: env
endpoint_blocks:
  - name: cdn
    targets: ["93.184.216.34"]
    ttl: 10m
    udp: false
udp443_targets: ["198.51.100.7"]
`))
	require.NoError(t, err)

	assert.True(t, cfg.Profile.DropTcpRst, "default kept")
	assert.Equal(t, 128, cfg.Profile.TlsFragmentThreshold)
	assert.Equal(t, "fake_disorder", cfg.Profile.TlsStrategy)
	assert.Equal(t, []int{1, 3}, cfg.Profile.TlsFragmentSizes)
	assert.Equal(t, GateSourceEnv, cfg.Gates.Source)
	require.Len(t, cfg.EndpointBlocks, 1)
	require.NotNil(t, cfg.EndpointBlocks[0].UDP)
	assert.False(t, *cfg.EndpointBlocks[0].UDP)
	assert.Nil(t, cfg.EndpointBlocks[0].TCP)
	assert.Equal(t, []string{"198.51.100.7"}, cfg.UDP443Targets)
}

func TestParseConfigErrors(t *testing.T) {
	_, err := ParseConfig([]byte("gates:\n  source: registry\n"))
	assert.Error(t, err)

	_, err = ParseConfig([]byte("profile: [not, a, map]"))
	assert.Error(t, err)
}

func TestConfigManagerLoadSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	bus := NewEventBus()
	reloads := 0
	bus.Subscribe(EventConfigReloaded, func(Event) { reloads++ })

	cm := NewConfigManager(path, bus)
	require.NoError(t, cm.Load())
	assert.Equal(t, DefaultConfig(), cm.Get(), "missing file yields defaults")
	assert.Zero(t, reloads)

	cfg := cm.Get()
	cfg.Profile.TlsStrategy = "disorder"
	cfg.Policies.StorePath = filepath.Join(dir, "policies.json")
	cm.Set(cfg)
	assert.Equal(t, 1, reloads)
	require.NoError(t, cm.Save())

	other := NewConfigManager(path, nil)
	require.NoError(t, other.Load())
	assert.Equal(t, "disorder", other.Get().Profile.TlsStrategy)
	assert.Equal(t, cfg.Policies.StorePath, other.Get().Policies.StorePath)

	require.NoError(t, os.WriteFile(path, []byte("profile: {tls_strategy: fake}"), 0644))
	require.NoError(t, cm.Load())
	assert.Equal(t, 2, reloads)
	assert.Equal(t, "fake", cm.Get().Profile.TlsStrategy)
}

func TestParseDurationOr(t *testing.T) {
	assert.Equal(t, 5*time.Second, ParseDurationOr("", 5*time.Second))
	assert.Equal(t, 5*time.Second, ParseDurationOr("soon", 5*time.Second))
	assert.Equal(t, 90*time.Second, ParseDurationOr(" 1m30s ", 5*time.Second))
}

func TestLoggerComponentLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, LogConfig{Level: "warn", Components: map[string]string{"Engine": "debug"}, NoColor: true})

	l.Infof("Policy", "hidden %d", 1)
	l.Debugf("engine", "shown %d", 2)
	l.Errorf("Policy", "shown %d", 3)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown 2")
	assert.Contains(t, out, "shown 3")
	assert.Contains(t, out, "tag=engine")
	assert.True(t, l.Enabled("ENGINE", LevelDebug))
	assert.False(t, l.Enabled("Policy", LevelInfo))

	l.SetLevel(LevelOff)
	assert.False(t, l.Enabled("Policy", LevelError))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelOff, ParseLevel("none"))
	assert.Equal(t, LevelInfo, ParseLevel("chatty"))
}

func TestEventBus(t *testing.T) {
	bus := NewEventBus()
	var got []any
	bus.Subscribe(EventSnapshotInstalled, func(e Event) { got = append(got, e.Payload) })
	bus.Subscribe(EventSnapshotInstalled, func(e Event) { got = append(got, "second") })

	bus.Publish(Event{Type: EventSnapshotInstalled, Payload: SnapshotPayload{Policies: 2}})
	bus.Publish(Event{Type: EventPolicySetChanged})
	assert.Equal(t, []any{SnapshotPayload{Policies: 2}, "second"}, got)

	done := make(chan struct{})
	bus.Subscribe(EventUDP443TargetsChanged, func(Event) { close(done) })
	bus.PublishAsync(Event{Type: EventUDP443TargetsChanged})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async handler not called")
	}
}
