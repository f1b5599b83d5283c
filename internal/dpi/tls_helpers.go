package dpi

import (
	"encoding/binary"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/net/idna"
)

// TLS record and handshake constants.
const (
	tlsRecordTypeHandshake  = 0x16
	tlsHandshakeClientHello = 0x01
	tlsExtSNI               = 0x0000 // Server Name Indication extension type
	sniHostNameType         = 0x00

	tlsRecordHeaderLen    = 5
	tlsHandshakeHeaderLen = 4
)

// IsClientHello is a cheap gate: at least 7 bytes, record type handshake (0x16)
// and handshake type ClientHello (0x01) at byte 5. False positives are tolerated.
func IsClientHello(payload []byte) bool {
	return len(payload) >= 7 &&
		payload[0] == tlsRecordTypeHandshake &&
		payload[5] == tlsHandshakeClientHello
}

// helloBody returns the ClientHello body clamped to the record and to the
// supplied bytes. ok is false if the record or handshake header is missing.
func helloBody(payload []byte) (body []byte, ok bool) {
	if len(payload) < tlsRecordHeaderLen+tlsHandshakeHeaderLen || payload[0] != tlsRecordTypeHandshake {
		return nil, false
	}
	recordEnd := tlsRecordHeaderLen + int(binary.BigEndian.Uint16(payload[3:5]))
	recordEnd = min(recordEnd, len(payload))

	hs := tlsRecordHeaderLen
	if hs+tlsHandshakeHeaderLen > recordEnd || payload[hs] != tlsHandshakeClientHello {
		return nil, false
	}
	helloLen := int(payload[hs+1])<<16 | int(payload[hs+2])<<8 | int(payload[hs+3])
	start := hs + tlsHandshakeHeaderLen
	end := min(start+helloLen, recordEnd)
	return payload[start:end], true
}

// extensionsOf skips version, random, session id, cipher suites and
// compression methods, and returns the extension list clamped to the hello.
func extensionsOf(payload []byte) (cryptobyte.String, bool) {
	body, ok := helloBody(payload)
	if !ok {
		return nil, false
	}
	s := cryptobyte.String(body)
	var sessionID, suites, compression cryptobyte.String
	var extLen uint16
	if !s.Skip(2+32) ||
		!s.ReadUint8LengthPrefixed(&sessionID) ||
		!s.ReadUint16LengthPrefixed(&suites) ||
		!s.ReadUint8LengthPrefixed(&compression) ||
		!s.ReadUint16(&extLen) {
		return nil, false
	}
	if int(extLen) < len(s) {
		s = s[:extLen]
	}
	return s, true
}

// HasSNIExtension walks the ClientHello down to its extension list and reports
// whether a server_name extension (0x0000) is present with bounds inside the
// record, the handshake and the extension list. Truncated or adversarial input
// yields false.
func HasSNIExtension(payload []byte) bool {
	exts, ok := extensionsOf(payload)
	if !ok {
		return false
	}
	for len(exts) >= 4 {
		var extType uint16
		var data cryptobyte.String
		if !exts.ReadUint16(&extType) || !exts.ReadUint16LengthPrefixed(&data) {
			return false
		}
		if extType == tlsExtSNI {
			return true
		}
	}
	return false
}

// FindSNIOffset locates the SNI hostname within a TLS ClientHello and returns
// its byte offset relative to the start of payload. Returns -1 if not found.
//
// The returned offset points to the first byte of the hostname, which is a
// natural split point.
func FindSNIOffset(payload []byte) int {
	exts, ok := extensionsOf(payload)
	if !ok {
		return -1
	}
	for len(exts) >= 4 {
		var extType uint16
		var data cryptobyte.String
		if !exts.ReadUint16(&extType) || !exts.ReadUint16LengthPrefixed(&data) {
			return -1
		}
		if extType != tlsExtSNI {
			continue
		}
		// server_name_list(2) | name_type(1) | host_name(2+N)
		var list, host cryptobyte.String
		var nameType uint8
		if !data.ReadUint16LengthPrefixed(&list) ||
			!list.ReadUint8(&nameType) || nameType != sniHostNameType ||
			!list.ReadUint16LengthPrefixed(&host) || len(host) == 0 {
			return -1
		}
		// host aliases payload, so its offset is recoverable from capacity.
		return cap(payload) - cap(host)
	}
	return -1
}

// ExtractSNI returns the server name from a TLS ClientHello. Valid IDNA names
// are normalized to their ASCII form; anything else is returned lowercased.
func ExtractSNI(payload []byte) (string, bool) {
	off := FindSNIOffset(payload)
	if off < 2 {
		return "", false
	}
	n := int(binary.BigEndian.Uint16(payload[off-2 : off]))
	if off+n > len(payload) {
		return "", false
	}
	name := strings.ToLower(string(payload[off : off+n]))
	if ascii, err := idna.Lookup.ToASCII(name); err == nil {
		return ascii, true
	}
	return name, true
}
