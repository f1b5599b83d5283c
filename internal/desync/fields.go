// Package desync mutates captured segments and re-emits them as decoys or
// fragments.
package desync

import "encoding/binary"

// Offsets within the headers. TCP offsets are relative to the TCP header.
const (
	ipv4TotalLenOff = 2
	ipv4TTLOff      = 8
	ipv4ChecksumOff = 10
	ipv6PayloadOff  = 4
	tcpSeqOff       = 4
	tcpChecksumOff  = 16
)

// Seq reads the TCP sequence number.
func Seq(buf []byte, ipHdr int) uint32 {
	return binary.BigEndian.Uint32(buf[ipHdr+tcpSeqOff:])
}

// SetSeq writes the TCP sequence number.
func SetSeq(buf []byte, ipHdr int, seq uint32) {
	binary.BigEndian.PutUint32(buf[ipHdr+tcpSeqOff:], seq)
}

// AddSeq adds delta to the sequence number, wrapping mod 2^32.
func AddSeq(buf []byte, ipHdr int, delta uint32) {
	SetSeq(buf, ipHdr, Seq(buf, ipHdr)+delta)
}

// SetLengths rewrites the IPv4 total length or the IPv6 payload length for a
// segment carrying payloadLen bytes after the headers.
func SetLengths(buf []byte, ipv4 bool, ipHdr, l4Hdr, payloadLen int) {
	if ipv4 {
		binary.BigEndian.PutUint16(buf[ipv4TotalLenOff:], uint16(ipHdr+l4Hdr+payloadLen))
		return
	}
	binary.BigEndian.PutUint16(buf[ipv6PayloadOff:], uint16(l4Hdr+payloadLen))
}

// ComplementTCPChecksum flips every bit of the TCP checksum, so 0x0000
// becomes 0xffff.
func ComplementTCPChecksum(buf []byte, ipHdr int) {
	off := ipHdr + tcpChecksumOff
	binary.BigEndian.PutUint16(buf[off:], ^binary.BigEndian.Uint16(buf[off:]))
}

// SetIPv4TTL writes the TTL and refreshes the header checksum.
func SetIPv4TTL(buf []byte, ipHdr int, ttl uint8) {
	buf[ipv4TTLOff] = ttl
	binary.BigEndian.PutUint16(buf[ipv4ChecksumOff:], 0)
	binary.BigEndian.PutUint16(buf[ipv4ChecksumOff:], IPv4HeaderChecksum(buf[:ipHdr]))
}

// IPv4HeaderChecksum is the RFC 1071 sum over hdr. The checksum field must be
// zero for a fresh computation.
func IPv4HeaderChecksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(hdr[i])<<8 | uint32(hdr[i+1])
	}
	if len(hdr)%2 == 1 {
		sum += uint32(hdr[len(hdr)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}
