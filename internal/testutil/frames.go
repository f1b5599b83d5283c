package testutil

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// TCP describes a TCP segment to serialize.
type TCP struct {
	Src, Dst         netip.Addr
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	SYN, ACK, PSH    bool
	RST, FIN         bool
	TTL              uint8
	Payload          []byte
}

// Frame serializes the segment as a raw IPv4 or IPv6 packet (no link layer)
// with lengths and checksums filled in.
func (s TCP) Frame() []byte {
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.SrcPort),
		DstPort: layers.TCPPort(s.DstPort),
		Seq:     s.Seq,
		Ack:     s.Ack,
		SYN:     s.SYN,
		ACK:     s.ACK,
		PSH:     s.PSH,
		RST:     s.RST,
		FIN:     s.FIN,
		Window:  64240,
	}
	ip := networkLayer(s.Src, s.Dst, layers.IPProtocolTCP, s.TTL)
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		panic(err)
	}
	return serialize(ip.(gopacket.SerializableLayer), tcp, gopacket.Payload(s.Payload))
}

// UDP serializes a UDP datagram as a raw IP packet.
func UDP(src, dst netip.Addr, srcPort, dstPort uint16, payload []byte) []byte {
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	ip := networkLayer(src, dst, layers.IPProtocolUDP, 64)
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		panic(err)
	}
	return serialize(ip.(gopacket.SerializableLayer), udp, gopacket.Payload(payload))
}

func networkLayer(src, dst netip.Addr, proto layers.IPProtocol, ttl uint8) gopacket.NetworkLayer {
	if ttl == 0 {
		ttl = 64
	}
	if src.Is4() {
		return &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      ttl,
			Flags:    layers.IPv4DontFragment,
			Protocol: proto,
			SrcIP:    net.IP(src.AsSlice()),
			DstIP:    net.IP(dst.AsSlice()),
		}
	}
	return &layers.IPv6{
		Version:    6,
		HopLimit:   ttl,
		NextHeader: proto,
		SrcIP:      net.IP(src.AsSlice()),
		DstIP:      net.IP(dst.AsSlice()),
	}
}

func serialize(ls ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		panic(err)
	}
	return append([]byte(nil), buf.Bytes()...)
}
