package dpi

// MaxHostScan bounds the HTTP header scan.
const MaxHostScan = 1024

// HostSplitDelta is where the Host header is cut: between "Ho" and "st:".
const HostSplitDelta = 2

// FindHTTPHost returns the index of a "Host:" header token that starts the
// payload or follows a CRLF, matched case-insensitively within the first
// MaxHostScan bytes. Returns -1 if absent.
func FindHTTPHost(payload []byte) int {
	span := payload[:min(len(payload), MaxHostScan)]

	if hasHostToken(span, 0) {
		return 0
	}
	for i := 0; i+7 < len(span); i++ {
		if span[i] == '\r' && span[i+1] == '\n' && hasHostToken(span, i+2) {
			return i + 2
		}
	}
	return -1
}

func hasHostToken(b []byte, off int) bool {
	if off+5 > len(b) {
		return false
	}
	return lowerASCII(b[off]) == 'h' &&
		lowerASCII(b[off+1]) == 'o' &&
		lowerASCII(b[off+2]) == 's' &&
		lowerASCII(b[off+3]) == 't' &&
		b[off+4] == ':'
}

func lowerASCII(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

// HostSplitPlan returns the two-slice plan cutting payload inside the Host
// token, or false if there is no Host header or the cut would be degenerate.
func HostSplitPlan(payload []byte) ([]FragmentSlice, bool) {
	idx := FindHTTPHost(payload)
	if idx < 0 {
		return nil, false
	}
	split := idx + HostSplitDelta
	if split <= 0 || split >= len(payload) {
		return nil, false
	}
	return []FragmentSlice{
		{PayloadOffset: 0, PayloadLength: split, SeqOffset: 0},
		{PayloadOffset: split, PayloadLength: len(payload) - split, SeqOffset: split},
	}, true
}
