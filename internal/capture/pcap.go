package capture

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Frame is one raw IP packet read from a capture file.
type Frame struct {
	Data      []byte
	Timestamp time.Time
}

// ReplaySource reads IP packets from a pcap stream. Ethernet and Linux
// cooked captures are unwrapped; non-IP frames are skipped.
type ReplaySource struct {
	r        *pcapgo.Reader
	linkType layers.LinkType
	eth      layers.Ethernet
	sll      layers.LinuxSLL
	skipped  int
}

// NewReplaySource opens a pcap stream.
func NewReplaySource(r io.Reader) (*ReplaySource, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("[Capture] open pcap: %w", err)
	}
	lt := pr.LinkType()
	switch lt {
	case layers.LinkTypeEthernet, layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6, layers.LinkTypeLinuxSLL:
	default:
		return nil, fmt.Errorf("[Capture] unsupported link type %s", lt)
	}
	return &ReplaySource{r: pr, linkType: lt}, nil
}

// Skipped returns the number of non-IP frames dropped so far.
func (s *ReplaySource) Skipped() int { return s.skipped }

// Next returns the next IP packet or io.EOF.
func (s *ReplaySource) Next() (Frame, error) {
	for {
		data, ci, err := s.r.ReadPacketData()
		if err != nil {
			return Frame{}, err
		}
		ip, ok := s.unwrap(data)
		if !ok {
			s.skipped++
			continue
		}
		return Frame{Data: ip, Timestamp: ci.Timestamp}, nil
	}
}

func (s *ReplaySource) unwrap(data []byte) ([]byte, bool) {
	var next gopacket.LayerType
	var payload []byte
	switch s.linkType {
	case layers.LinkTypeEthernet:
		if err := s.eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, false
		}
		next, payload = s.eth.NextLayerType(), s.eth.Payload
	case layers.LinkTypeLinuxSLL:
		if err := s.sll.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, false
		}
		next, payload = s.sll.NextLayerType(), s.sll.Payload
	default:
		return data, len(data) > 0 && (data[0]>>4 == 4 || data[0]>>4 == 6)
	}
	if next != layers.LayerTypeIPv4 && next != layers.LayerTypeIPv6 {
		return nil, false
	}
	return payload, true
}

// PcapSink is an ExtendedSender that writes raw IP packets to a pcap stream.
// Sent packets are finalized like a real injector would; Pass writes an
// original packet unchanged.
type PcapSink struct {
	mu      sync.Mutex
	w       *pcapgo.Writer
	written int
}

// NewPcapSink writes the pcap file header and returns the sink.
func NewPcapSink(w io.Writer) (*PcapSink, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65535, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("[Capture] write pcap header: %w", err)
	}
	return &PcapSink{w: pw}, nil
}

func (p *PcapSink) Send(buf []byte, addr Address) bool {
	return p.SendEx(buf, addr, SendOptions{})
}

func (p *PcapSink) SendEx(buf []byte, addr Address, opts SendOptions) bool {
	wire, err := Finalize(buf, opts)
	if err != nil {
		return false
	}
	return p.write(wire, addr.Timestamp) == nil
}

// Pass records a packet the engine let through.
func (p *PcapSink) Pass(buf []byte, addr Address) error {
	return p.write(buf, addr.Timestamp)
}

// Written returns the number of packets written.
func (p *PcapSink) Written() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}

func (p *PcapSink) write(data []byte, ts time.Time) error {
	if len(data) == 0 {
		return errors.New("[Capture] empty packet")
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("[Capture] write packet: %w", err)
	}
	p.written++
	return nil
}
