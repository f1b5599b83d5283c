package desync

import (
	"sync"

	"desync-engine/internal/capture"
	"desync-engine/internal/core"
	"desync-engine/internal/dpi"
)

// FakeSeqRewind is subtracted from the sequence number of a decoy segment.
const FakeSeqRewind = 10000

// Options carry per-packet executor inputs.
type Options struct {
	// IsNew is true for the first eligible ClientHello of a connection.
	// Decoys are only sent then.
	IsNew       bool
	BadChecksum bool
}

// Outcome reports what an Execute call put on the wire.
type Outcome struct {
	Handled    bool
	FakeSent   bool
	SlicesSent int
}

// Executor builds mutated copies of captured segments and injects them
// through the sender passed to each call. When that sender also implements
// capture.ExtendedSender, bad-checksum decoys are sent unfinalized. An
// Executor is safe for concurrent use.
type Executor struct {
	bufs sync.Pool
}

// NewExecutor returns an executor with an empty scratch buffer pool.
func NewExecutor() *Executor {
	e := &Executor{}
	e.bufs.New = func() any {
		b := make([]byte, 0, 2048)
		return &b
	}
	return e
}

func (e *Executor) get(n int) *[]byte {
	bp := e.bufs.Get().(*[]byte)
	if cap(*bp) < n {
		*bp = make([]byte, n)
	}
	*bp = (*bp)[:n]
	return bp
}

func (e *Executor) put(bp *[]byte) { e.bufs.Put(bp) }

// Execute runs strategy for pkt. plan may be nil, in which case only the
// decoy part of a compound strategy runs.
//
// The genuine data always reaches the wire when Handled is true: a decoy
// without a completed slice send is followed by the unmodified segment.
func (e *Executor) Execute(s capture.Sender, pkt *capture.Packet, strategy dpi.TLSStrategy, plan []dpi.FragmentSlice, opts Options) Outcome {
	var out Outcome
	if strategy.HasFake() {
		out.FakeSent = e.Fake(s, pkt, opts.IsNew, opts.BadChecksum)
	}
	if strategy.Slices() && plan != nil {
		out.SlicesSent = e.SendSlices(s, pkt, plan, strategy.Reversed())
	}

	sliced := out.SlicesSent >= 2
	switch {
	case sliced:
		out.Handled = true
	case out.FakeSent:
		out.Handled = e.Reinject(s, pkt)
		if !out.Handled {
			core.Log.Debugf("Desync", "Re-injecting %s after decoy failed, passing original", pkt.Info.Key())
		}
	}
	return out
}

// Fake sends a decoy copy of pkt with the sequence number rewound by
// FakeSeqRewind. With badChecksum and an ExtendedSender the TCP checksum is
// complemented and sent as is. Returns false when isNew is false.
func (e *Executor) Fake(s capture.Sender, pkt *capture.Packet, isNew, badChecksum bool) bool {
	if !isNew || !pkt.Info.TCP {
		return false
	}
	n := pkt.Info.PayloadOffset + pkt.Info.PayloadLength
	bp := e.get(n)
	defer e.put(bp)
	buf := *bp
	copy(buf, pkt.Buffer[:n])

	ipHdr := pkt.Info.IPHeaderLen
	SetSeq(buf, ipHdr, Seq(buf, ipHdr)-FakeSeqRewind)

	if badChecksum {
		if ext, ok := s.(capture.ExtendedSender); ok {
			ComplementTCPChecksum(buf, ipHdr)
			return ext.SendEx(buf, pkt.Addr, capture.SendOptions{SkipChecksum: true})
		}
	}
	return s.Send(buf, pkt.Addr)
}

// SendSlices sends one segment per slice, headers copied from pkt, lengths
// and sequence numbers adjusted. reverse sends the last slice first; every
// slice keeps its own sequence offset. It returns how many sends succeeded
// and stops at the first failure.
func (e *Executor) SendSlices(s capture.Sender, pkt *capture.Packet, plan []dpi.FragmentSlice, reverse bool) int {
	if len(plan) < 2 {
		return 0
	}
	info := &pkt.Info
	hdrLen := info.PayloadOffset
	payload := pkt.Payload()

	sent := 0
	for i := range plan {
		sl := plan[i]
		if reverse {
			sl = plan[len(plan)-1-i]
		}
		if sl.PayloadOffset < 0 || sl.PayloadLength <= 0 || sl.PayloadOffset+sl.PayloadLength > len(payload) {
			return sent
		}

		bp := e.get(hdrLen + sl.PayloadLength)
		buf := *bp
		copy(buf, pkt.Buffer[:hdrLen])
		copy(buf[hdrLen:], payload[sl.PayloadOffset:sl.PayloadOffset+sl.PayloadLength])
		if sl.SeqOffset > 0 {
			AddSeq(buf, info.IPHeaderLen, uint32(sl.SeqOffset))
		}
		SetLengths(buf, info.IPv4, info.IPHeaderLen, info.L4HeaderLen, sl.PayloadLength)

		ok := s.Send(buf, pkt.Addr)
		e.put(bp)
		if !ok {
			core.Log.Debugf("Desync", "Slice %d/%d of %s not sent", sent+1, len(plan), info.Key())
			return sent
		}
		sent++
	}
	return sent
}

// TTLDecoy sends an IPv4 copy of pkt whose TTL is ttl, so it expires before
// the server but after the middlebox. IPv6 is left alone.
func (e *Executor) TTLDecoy(s capture.Sender, pkt *capture.Packet, ttl uint8) bool {
	if !pkt.Info.IPv4 {
		return false
	}
	n := pkt.Info.PayloadOffset + pkt.Info.PayloadLength
	bp := e.get(n)
	defer e.put(bp)
	buf := *bp
	copy(buf, pkt.Buffer[:n])
	SetIPv4TTL(buf, pkt.Info.IPHeaderLen, ttl)
	return s.Send(buf, pkt.Addr)
}

// Reinject sends pkt unchanged.
func (e *Executor) Reinject(s capture.Sender, pkt *capture.Packet) bool {
	n := pkt.Info.PayloadOffset + pkt.Info.PayloadLength
	return s.Send(pkt.Buffer[:n], pkt.Addr)
}
