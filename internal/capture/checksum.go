package capture

import (
	"fmt"
	"slices"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Finalize returns the wire form of buf as an injection substrate would emit
// it: IP and transport checksums recomputed, unless opts.SkipChecksum.
// Lengths are kept as written by the caller.
func Finalize(buf []byte, opts SendOptions) ([]byte, error) {
	if opts.SkipChecksum {
		return slices.Clone(buf), nil
	}
	if len(buf) < 1 {
		return nil, fmt.Errorf("[Capture] finalize: empty packet")
	}

	d := decoders.Get().(*decoder)
	defer decoders.Put(d)

	parser := d.parser4
	var network gopacket.NetworkLayer = &d.ip4
	var ip gopacket.SerializableLayer = &d.ip4
	if buf[0]>>4 == 6 {
		parser, network, ip = d.parser6, &d.ip6, &d.ip6
	}
	if err := parser.DecodeLayers(buf, &d.decoded); err != nil {
		return nil, fmt.Errorf("[Capture] finalize decode: %w", err)
	}

	ls := []gopacket.SerializableLayer{ip}
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeTCP:
			if err := d.tcp.SetNetworkLayerForChecksum(network); err != nil {
				return nil, fmt.Errorf("[Capture] finalize: %w", err)
			}
			ls = append(ls, &d.tcp, gopacket.Payload(d.tcp.Payload))
		case layers.LayerTypeUDP:
			if err := d.udp.SetNetworkLayerForChecksum(network); err != nil {
				return nil, fmt.Errorf("[Capture] finalize: %w", err)
			}
			ls = append(ls, &d.udp, gopacket.Payload(d.udp.Payload))
		}
	}
	if len(ls) == 1 {
		// Fragment or unknown transport: only the IP header checksum applies.
		ls = append(ls, gopacket.Payload(slices.Clone(network.LayerPayload())))
	}

	sb := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(sb, gopacket.SerializeOptions{ComputeChecksums: true}, ls...); err != nil {
		return nil, fmt.Errorf("[Capture] finalize serialize: %w", err)
	}
	return slices.Clone(sb.Bytes()), nil
}
