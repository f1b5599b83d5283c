// Package capture defines the packet and injection contracts the engine runs
// against, plus two substrates: pcap replay and a Linux raw-socket injector.
package capture

import (
	"net/netip"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"desync-engine/internal/flow"
)

// Address is the delivery metadata of a captured packet.
type Address struct {
	Outbound  bool
	Loopback  bool
	IPv6      bool
	IfIndex   uint32
	Timestamp time.Time
}

// Info holds the header offsets and fields the engine needs. Offsets are
// relative to the start of the IP header.
type Info struct {
	IPv4, IPv6 bool
	TCP, UDP   bool

	SrcIP, DstIP     netip.Addr
	SrcPort, DstPort uint16
	TTL              uint8

	Seq                     uint32
	SYN, ACK, PSH, RST, FIN bool

	IPHeaderLen   int
	L4HeaderLen   int
	PayloadOffset int
	PayloadLength int
}

// Key returns the directional connection key.
func (i *Info) Key() flow.ConnectionKey {
	return flow.ConnectionKey{SrcIP: i.SrcIP, DstIP: i.DstIP, SrcPort: i.SrcPort, DstPort: i.DstPort}
}

// Packet is one captured IP packet. Buffer starts at the IP header.
type Packet struct {
	Buffer []byte
	Info   Info
	Addr   Address
}

// Payload returns the transport payload.
func (p *Packet) Payload() []byte {
	return p.Buffer[p.Info.PayloadOffset : p.Info.PayloadOffset+p.Info.PayloadLength]
}

// decoder bundles pre-allocated layers for zero-alloc parsing. Instances are
// pooled; a decoder is used by one goroutine at a time.
type decoder struct {
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	payload gopacket.Payload
	parser4 *gopacket.DecodingLayerParser
	parser6 *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

func newDecoder() *decoder {
	d := &decoder{decoded: make([]gopacket.LayerType, 0, 4)}
	d.parser4 = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &d.ip4, &d.tcp, &d.udp, &d.payload)
	d.parser6 = gopacket.NewDecodingLayerParser(layers.LayerTypeIPv6, &d.ip6, &d.tcp, &d.udp, &d.payload)
	d.parser4.IgnoreUnsupported = true
	d.parser6.IgnoreUnsupported = true
	return d
}

var decoders = sync.Pool{New: func() any { return newDecoder() }}

// Parse decodes a raw IP packet. IPv4 fragments and IPv6 extension headers
// stop decoding at the network layer, so such packets report neither TCP nor
// UDP. It returns false only when the buffer is not a decodable IP packet.
func Parse(buf []byte, addr Address) (*Packet, bool) {
	info, ok := ParseInfo(buf)
	if !ok {
		return nil, false
	}
	addr.IPv6 = info.IPv6
	return &Packet{Buffer: buf, Info: info, Addr: addr}, true
}

// ParseInfo decodes the IP and transport headers of buf.
func ParseInfo(buf []byte) (Info, bool) {
	var info Info
	if len(buf) < 1 {
		return info, false
	}

	d := decoders.Get().(*decoder)
	defer decoders.Put(d)

	var parser *gopacket.DecodingLayerParser
	switch buf[0] >> 4 {
	case 4:
		parser = d.parser4
	case 6:
		parser = d.parser6
	default:
		return info, false
	}
	if err := parser.DecodeLayers(buf, &d.decoded); err != nil {
		return info, false
	}

	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			info.IPv4 = true
			info.SrcIP, _ = netip.AddrFromSlice(d.ip4.SrcIP)
			info.DstIP, _ = netip.AddrFromSlice(d.ip4.DstIP)
			info.TTL = d.ip4.TTL
			info.IPHeaderLen = int(d.ip4.IHL) * 4
		case layers.LayerTypeIPv6:
			info.IPv6 = true
			info.SrcIP, _ = netip.AddrFromSlice(d.ip6.SrcIP)
			info.DstIP, _ = netip.AddrFromSlice(d.ip6.DstIP)
			info.TTL = d.ip6.HopLimit
			info.IPHeaderLen = len(d.ip6.Contents)
		case layers.LayerTypeTCP:
			t := &d.tcp
			info.TCP = true
			info.SrcPort, info.DstPort = uint16(t.SrcPort), uint16(t.DstPort)
			info.Seq = t.Seq
			info.SYN, info.ACK, info.PSH, info.RST, info.FIN = t.SYN, t.ACK, t.PSH, t.RST, t.FIN
			info.L4HeaderLen = int(t.DataOffset) * 4
			info.PayloadLength = len(t.Payload)
		case layers.LayerTypeUDP:
			info.UDP = true
			info.SrcPort, info.DstPort = uint16(d.udp.SrcPort), uint16(d.udp.DstPort)
			info.L4HeaderLen = 8
			info.PayloadLength = len(d.udp.Payload)
		}
	}
	if !info.IPv4 && !info.IPv6 {
		return info, false
	}
	info.PayloadOffset = info.IPHeaderLen + info.L4HeaderLen
	if info.PayloadOffset+info.PayloadLength > len(buf) {
		return Info{}, false
	}
	return info, true
}
