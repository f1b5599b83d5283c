package policy

import (
	"sync/atomic"

	"desync-engine/internal/core"
)

// Holder publishes the active Snapshot. Readers call Load once per packet and
// keep that pointer for the whole evaluation.
type Holder struct {
	p   atomic.Pointer[Snapshot]
	bus *core.EventBus
}

// NewHolder creates an empty holder. bus may be nil.
func NewHolder(bus *core.EventBus) *Holder {
	return &Holder{bus: bus}
}

// Load returns the active snapshot or nil.
func (h *Holder) Load() *Snapshot { return h.p.Load() }

// Store swaps in s (nil disables policy-driven paths).
func (h *Holder) Store(s *Snapshot) { h.p.Store(s) }

// Install compiles policies and swaps the result in. On failure the holder is
// cleared so gated paths fall back to the static profile.
func (h *Holder) Install(policies []FlowPolicy) error {
	s, err := Compile(policies)
	if err != nil {
		h.p.Store(nil)
		core.Log.Errorf("Policy", "Compile failed, policy-driven paths disabled: %v", err)
		h.publish(core.SnapshotPayload{Policies: len(policies), Err: err})
		return err
	}
	h.p.Store(s)
	core.Log.Infof("Policy", "Installed snapshot with %d policies", s.Len())
	h.publish(core.SnapshotPayload{Policies: s.Len()})
	return nil
}

func (h *Holder) publish(p core.SnapshotPayload) {
	if h.bus != nil {
		h.bus.Publish(core.Event{Type: core.EventSnapshotInstalled, Payload: p})
	}
}
