package capture

import (
	"slices"
	"sync"
)

// Sender injects a packet. Implementations must not retain buf after
// returning: callers hand in pooled scratch buffers.
type Sender interface {
	Send(buf []byte, addr Address) bool
}

// SendOptions tweak how an ExtendedSender finalizes a packet.
type SendOptions struct {
	// SkipChecksum sends the packet with its checksums as given.
	SkipChecksum bool
}

// ExtendedSender can send deliberately corrupted packets unchanged.
type ExtendedSender interface {
	Sender
	SendEx(buf []byte, addr Address, opts SendOptions) bool
}

// Sent is one packet captured by a Recorder.
type Sent struct {
	Buffer  []byte
	Addr    Address
	Options SendOptions
}

// Recorder is an in-memory ExtendedSender. Fail, when set, is asked before
// every send with its zero-based index and makes that send fail when it
// returns true.
type Recorder struct {
	Fail func(i int) bool

	mu       sync.Mutex
	attempts int
	sent     []Sent
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Send(buf []byte, addr Address) bool {
	return r.SendEx(buf, addr, SendOptions{})
}

func (r *Recorder) SendEx(buf []byte, addr Address, opts SendOptions) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.attempts
	r.attempts++
	if r.Fail != nil && r.Fail(i) {
		return false
	}
	r.sent = append(r.sent, Sent{Buffer: slices.Clone(buf), Addr: addr, Options: opts})
	return true
}

// Sent returns the packets sent so far.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sent)
}

// Len returns the number of successful sends.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

// Reset forgets all sends and attempts.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.attempts = 0
	r.mu.Unlock()
}

// plainSender hides SendEx from callers that type-assert for it.
type plainSender struct{ s Sender }

func (p plainSender) Send(buf []byte, addr Address) bool { return p.s.Send(buf, addr) }

// SendOnly wraps s so it no longer satisfies ExtendedSender.
func SendOnly(s Sender) Sender { return plainSender{s} }
