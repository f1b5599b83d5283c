package dpi

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"desync-engine/internal/core"
)

// winwsLineRe matches lines containing winws.exe invocations in .bat files.
var winwsLineRe = regexp.MustCompile(`(?i)winws\.exe"?\s+(.+)`)

// ParseBatFile extracts the first winws.exe invocation of a zapret .bat file
// and applies its arguments on top of base.
func ParseBatFile(content string, base Profile) (Profile, error) {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(strings.ToUpper(line), "REM") || strings.HasPrefix(line, "::") {
			continue
		}
		m := winwsLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		// Handle bat line continuation (^ at end).
		args := strings.TrimSpace(strings.ReplaceAll(m[1], "^", ""))
		return ParseProfileArgs(args, base)
	}
	return Profile{}, fmt.Errorf("[DPI] no winws.exe invocation found")
}

// ParseProfileArgs applies zapret-style arguments to a copy of base.
// Blocks separated by --new are filtered by --filter-tcp/--filter-udp:
//
//   - a TCP block covering 443 sets the TLS strategy, split sizes and fooling;
//   - a TCP block covering 80 with a split mode enables HTTP Host tricks;
//   - a UDP block covering 443 enables the QUIC drop.
//
// Split positions are absolute payload offsets and become planner sizes.
func ParseProfileArgs(args string, base Profile) (Profile, error) {
	p := base.Clone()
	blocks := splitByNew(args)
	if len(blocks) == 0 {
		return Profile{}, fmt.Errorf("[DPI] empty profile arguments")
	}

	for _, block := range blocks {
		op, err := parseOpBlock(block)
		if err != nil {
			return Profile{}, err
		}
		op.applyTo(&p)
	}
	return p, nil
}

// desyncOp is one --new separated argument block.
type desyncOp struct {
	udp      bool
	ports    []int
	strategy TLSStrategy
	modeSet  bool
	splitPos []int
	fool     []FoolMethod
	ttl      int
	dropRST  bool
}

func (op *desyncOp) matchesPort(port int) bool {
	return len(op.ports) == 0 || slices.Contains(op.ports, port)
}

func (op *desyncOp) applyTo(p *Profile) {
	if op.udp {
		if op.matchesPort(443) {
			p.DropUDP443 = true
		}
		return
	}
	if op.dropRST {
		p.DropTCPRST = true
	}
	if op.matchesPort(80) && op.strategy.Slices() {
		p.HTTPHostTricks = true
	}
	if !op.matchesPort(443) || !op.modeSet {
		return
	}

	p.TLSStrategy = op.strategy
	if sizes := positionsToSizes(op.splitPos); len(sizes) > 0 {
		p.TLSFragmentSizes = sizes
	}
	for _, f := range op.fool {
		switch f {
		case FoolBadSum:
			p.BadChecksum = true
		case FoolTTL:
			p.TTLTrick = true
		}
	}
	if op.ttl > 0 && op.ttl <= 255 {
		p.TTLTrick = true
		p.TTLTrickValue = uint8(op.ttl)
	}
}

// positionsToSizes turns ascending split offsets into consecutive slice sizes.
func positionsToSizes(pos []int) []int {
	var sizes []int
	prev := 0
	for _, v := range pos {
		if v <= prev {
			continue
		}
		sizes = append(sizes, v-prev)
		prev = v
		if len(sizes) == MaxPlanSizes {
			break
		}
	}
	return sizes
}

// splitByNew splits args string by the --new delimiter.
func splitByNew(argsStr string) []string {
	tokens := tokenize(argsStr)

	var blocks []string
	var current []string

	for _, tok := range tokens {
		if tok == "--new" {
			if len(current) > 0 {
				blocks = append(blocks, strings.Join(current, " "))
				current = nil
			}
		} else {
			current = append(current, tok)
		}
	}
	if len(current) > 0 {
		blocks = append(blocks, strings.Join(current, " "))
	}
	return blocks
}

// tokenize splits a command-line string into tokens, handling quoted values.
func tokenize(s string) []string {
	var tokens []string
	var current strings.Builder
	inQuote := false
	quoteChar := byte(0)

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case inQuote:
			if c == quoteChar {
				inQuote = false
			} else {
				current.WriteByte(c)
			}
		case c == '"' || c == '\'':
			inQuote = true
			quoteChar = c
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteByte(c)
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens
}

func parseOpBlock(block string) (desyncOp, error) {
	tokens := tokenize(block)
	var op desyncOp

	for i := 0; i < len(tokens); i++ {
		key, val, consumed := parseArg(tokens, i)
		if consumed {
			i++
		}

		switch key {
		case "--dpi-desync":
			s, err := parseDesyncMode(val)
			if err != nil {
				return desyncOp{}, err
			}
			op.strategy, op.modeSet = s, true
		case "--dpi-desync-split-pos":
			op.splitPos = parseSplitPos(val)
		case "--dpi-desync-fooling":
			op.fool = parseFoolMethods(val)
		case "--dpi-desync-ttl":
			n, err := strconv.Atoi(val)
			if err != nil {
				return desyncOp{}, fmt.Errorf("[DPI] bad --dpi-desync-ttl %q: %w", val, err)
			}
			op.ttl = n
		case "--drop-rst":
			op.dropRST = true
		case "--filter-tcp":
			op.ports = parsePorts(val)
			op.udp = false
		case "--filter-udp":
			op.ports = parsePorts(val)
			op.udp = true
		default:
			core.Log.Debugf("DPI", "Ignoring argument %s", key)
		}
	}
	return op, nil
}

// parseArg extracts key=value or key value pairs from tokens. consumed is
// true when the value was taken from the next token.
func parseArg(tokens []string, i int) (key, val string, consumed bool) {
	tok := tokens[i]
	if idx := strings.Index(tok, "="); idx > 0 {
		return tok[:idx], tok[idx+1:], false
	}
	if i+1 < len(tokens) && !strings.HasPrefix(tokens[i+1], "--") {
		return tok, tokens[i+1], true
	}
	return tok, "", false
}

// parseDesyncMode maps zapret mode lists ("fake,split2", "fakeddisorder")
// onto a TLSStrategy.
func parseDesyncMode(s string) (TLSStrategy, error) {
	var fake, split, disorder bool
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "none", "":
		case "fake":
			fake = true
		case "split", "split2", "multisplit":
			split = true
		case "disorder", "disorder2", "multidisorder":
			disorder = true
		case "fakedsplit":
			fake, split = true, true
		case "fakeddisorder":
			fake, disorder = true, true
		default:
			return TLSNone, fmt.Errorf("[DPI] unknown desync mode %q", part)
		}
	}
	switch {
	case fake && disorder:
		return TLSFakeDisorder, nil
	case fake && split:
		return TLSFakeFragment, nil
	case disorder:
		return TLSDisorder, nil
	case split:
		return TLSFragment, nil
	case fake:
		return TLSFake, nil
	}
	return TLSNone, nil
}

// parseSplitPos parses comma-separated split positions. SNI-relative markers
// (midsld, sniext) have no fixed offset and are skipped.
func parseSplitPos(s string) []int {
	var positions []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			core.Log.Debugf("DPI", "Skipping split position %q", part)
			continue
		}
		positions = append(positions, n)
	}
	slices.Sort(positions)
	return slices.Compact(positions)
}

// parseFoolMethods parses comma-separated fool methods.
func parseFoolMethods(s string) []FoolMethod {
	var methods []FoolMethod
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "badsum":
			methods = append(methods, FoolBadSum)
		case "badseq":
			methods = append(methods, FoolBadSeq)
		case "ttl", "ts":
			methods = append(methods, FoolTTL)
		}
	}
	return methods
}

// parsePorts parses comma-separated port numbers and ranges ("80,443,1000-1010").
func parsePorts(s string) []int {
	var ports []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			a, err1 := strconv.Atoi(lo)
			b, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil || a <= 0 || b > 65535 || a > b {
				continue
			}
			for p := a; p <= b; p++ {
				ports = append(ports, p)
			}
			continue
		}
		if n, err := strconv.Atoi(part); err == nil && n > 0 && n <= 65535 {
			ports = append(ports, n)
		}
	}
	return ports
}
