// Package cidr parses and evaluates CIDR allow-lists for IPv4 and IPv6.
package cidr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// ErrUnparseable is returned when a client address cannot be parsed. It is a
// distinct outcome from a non-match.
var ErrUnparseable = errors.New("cidr: unparseable address")

// Family identifies the address family of a range.
type Family uint8

const (
	IPv4 Family = 4
	IPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// Range is an immutable CIDR block. The base address always has its host bits
// zeroed.
type Range struct {
	base   [16]byte
	bits   uint8
	family Family
}

// New builds a range from an address and a prefix length, masking host bits.
func New(addr netip.Addr, bits int) (Range, error) {
	if !addr.IsValid() {
		return Range{}, fmt.Errorf("cidr: invalid base address")
	}
	family := IPv6
	if addr.Is4() {
		family = IPv4
	}
	if bits < 0 || bits > addr.BitLen() {
		return Range{}, fmt.Errorf("cidr: prefix length %d out of range for %s", bits, family)
	}
	r := Range{bits: uint8(bits), family: family}
	raw := addr.As16()
	if family == IPv4 {
		copy(r.base[:4], raw[12:])
	} else {
		r.base = raw
	}
	r.base = and(r.base, mask(family, r.bits))
	return r, nil
}

// Parse parses "a.b.c.d/n", "x::y/n" or a bare address (treated as a host
// route). IPv4-mapped IPv6 literals stay IPv6.
func Parse(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Range{}, fmt.Errorf("cidr: empty range")
	}
	addrPart, bitsPart, hasBits := strings.Cut(s, "/")
	addr, err := netip.ParseAddr(addrPart)
	if err != nil {
		return Range{}, fmt.Errorf("cidr: invalid address in %q: %w", s, err)
	}
	if addr.Zone() != "" {
		return Range{}, fmt.Errorf("cidr: zoned address not allowed in %q", s)
	}
	bits := addr.BitLen()
	if hasBits {
		bits, err = parseBits(bitsPart)
		if err != nil {
			return Range{}, fmt.Errorf("cidr: invalid prefix length in %q", s)
		}
	}
	r, err := New(addr, bits)
	if err != nil {
		return Range{}, fmt.Errorf("%w (in %q)", err, s)
	}
	return r, nil
}

// parseBits accepts plain decimal digits only. Signs and leading zeros are
// rejected.
func parseBits(s string) (int, error) {
	if s == "" || len(s) > 3 || (len(s) > 1 && s[0] == '0') {
		return 0, strconv.ErrSyntax
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	return strconv.Atoi(s)
}

// MustParse is like Parse but panics on error. Intended for tests and
// package-level tables.
func MustParse(s string) Range {
	r, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return r
}

// List holds ranges split by family, in declaration order.
type List struct {
	V4 []Range
	V6 []Range
}

// ParseList parses a comma-separated list of ranges. Open ranges (prefix 0)
// are returned separately so the caller can warn about them.
func ParseList(s string) (List, []Range, error) {
	var (
		list List
		open []Range
	)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		r, err := Parse(part)
		if err != nil {
			return List{}, nil, err
		}
		if r.bits == 0 {
			open = append(open, r)
		}
		if r.family == IPv4 {
			list.V4 = append(list.V4, r)
		} else {
			list.V6 = append(list.V6, r)
		}
	}
	return list, open, nil
}

// Family returns the range's address family.
func (r Range) Family() Family { return r.family }

// Bits returns the prefix length.
func (r Range) Bits() int { return int(r.bits) }

// Base returns the masked base address.
func (r Range) Base() netip.Addr {
	if r.family == IPv4 {
		return netip.AddrFrom4([4]byte(r.base[:4]))
	}
	return netip.AddrFrom16(r.base)
}

func (r Range) String() string {
	return r.Base().String() + "/" + strconv.Itoa(int(r.bits))
}

// Contains reports whether addr lies inside r. Families must agree.
func (r Range) Contains(addr netip.Addr) bool {
	key, family, ok := key(addr)
	if !ok || family != r.family {
		return false
	}
	return and(key, mask(r.family, r.bits)) == r.base
}

// Matches reports whether addr falls in any of ranges. Ranges of the other
// family never match.
func Matches(addr netip.Addr, ranges []Range) bool {
	key, family, ok := key(addr)
	if !ok {
		return false
	}
	for _, r := range ranges {
		if r.family != family {
			continue
		}
		if and(key, mask(family, r.bits)) == r.base {
			return true
		}
	}
	return false
}

// ParseAddr parses a client address, accepting an optional port and IPv6
// zone. Failures wrap ErrUnparseable.
func ParseAddr(s string) (netip.Addr, error) {
	s = strings.TrimSpace(s)
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().WithZone(""), nil
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrUnparseable, s)
	}
	return addr.WithZone(""), nil
}

// key lays out addr in the same byte order Range stores its base.
func key(addr netip.Addr) ([16]byte, Family, bool) {
	var out [16]byte
	switch {
	case !addr.IsValid():
		return out, 0, false
	case addr.Is4():
		v := addr.As4()
		copy(out[:4], v[:])
		return out, IPv4, true
	default:
		return addr.As16(), IPv6, true
	}
}

func mask(family Family, bits uint8) [16]byte {
	var m [16]byte
	width := 128
	if family == IPv4 {
		width = 32
	}
	hi, lo := uint64(0), uint64(0)
	n := int(bits)
	if n > width {
		n = width
	}
	switch {
	case n == 0:
	case n <= 64:
		hi = ^uint64(0) << (64 - n)
	default:
		hi = ^uint64(0)
		lo = ^uint64(0) << (128 - n)
	}
	binary.BigEndian.PutUint64(m[:8], hi)
	binary.BigEndian.PutUint64(m[8:], lo)
	return m
}

func and(a, b [16]byte) [16]byte {
	var out [16]byte
	for i := range a {
		out[i] = a[i] & b[i]
	}
	return out
}
