package patterncache

import (
	"net/netip"
	"strconv"
	"strings"
)

// ParsedCIDRRange is the precomputed form of one CIDR: the network bytes,
// how many whole bytes a membership test compares, and the mask for the
// remaining bits. The original string is kept for reporting.
type ParsedCIDRRange struct {
	source     string
	network    []byte
	prefixLen  int
	wholeBytes int
	maskByte   byte
	isIPv6     bool
}

// ParseCIDR validates and parses a CIDR string. Returns nil for anything
// malformed: bad address literal, missing slash, or a prefix length outside
// [0,32] for IPv4 / [0,128] for IPv6.
func ParseCIDR(cidr string) *ParsedCIDRRange {
	addrPart, prefixPart, ok := strings.Cut(strings.TrimSpace(cidr), "/")
	if !ok {
		return nil
	}
	addr, err := netip.ParseAddr(addrPart)
	if err != nil {
		return nil
	}
	prefixLen, err := strconv.Atoi(prefixPart)
	if err != nil || prefixLen < 0 {
		return nil
	}

	var network []byte
	if addr.Is4() {
		if prefixLen > 32 {
			return nil
		}
		b := addr.As4()
		network = b[:]
	} else {
		if prefixLen > 128 {
			return nil
		}
		b := addr.As16()
		network = b[:]
	}

	r := &ParsedCIDRRange{
		source:     cidr,
		network:    network,
		prefixLen:  prefixLen,
		wholeBytes: prefixLen / 8,
		isIPv6:     !addr.Is4(),
	}
	if rem := prefixLen % 8; rem > 0 {
		r.maskByte = byte(0xFF << (8 - rem))
	}
	return r
}

// Source returns the original CIDR string.
func (r *ParsedCIDRRange) Source() string { return r.source }

// PrefixLen returns the prefix length in bits.
func (r *ParsedCIDRRange) PrefixLen() int { return r.prefixLen }

// ContainsString parses ip and tests membership. Unparseable input is a miss.
func (r *ParsedCIDRRange) ContainsString(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	return r.Contains(addr)
}

// Contains walks the request IP's bytes against the network bytes. A
// family/length mismatch is an immediate miss.
func (r *ParsedCIDRRange) Contains(addr netip.Addr) bool {
	var ipBytes []byte
	if addr.Is4() {
		b := addr.As4()
		ipBytes = b[:]
	} else if addr.Is4In6() {
		b := addr.Unmap().As4()
		ipBytes = b[:]
	} else {
		b := addr.As16()
		ipBytes = b[:]
	}

	if len(ipBytes) != len(r.network) {
		return false
	}
	for i := 0; i < r.wholeBytes; i++ {
		if ipBytes[i] != r.network[i] {
			return false
		}
	}
	if r.maskByte != 0 && r.wholeBytes < len(ipBytes) {
		if ipBytes[r.wholeBytes]&r.maskByte != r.network[r.wholeBytes]&r.maskByte {
			return false
		}
	}
	return true
}
