// Package rangeindex converts IPv4 CIDR lists into merged integer ranges and answers
// membership queries with a binary search over an atomically published snapshot.
package rangeindex

import (
	"errors"
	"fmt"
	"math"
	"net/netip"
	"sort"
	"strconv"
	"strings"
)

var (
	errMalformedAddress = errors.New("malformed IPv4 address")
	errMalformedPrefix  = errors.New("prefix length must be between 0 and 32")
)

// Range is an inclusive span of the IPv4 address space.
type Range struct {
	Start uint32
	End   uint32
}

// Contains reports whether v falls inside the range, boundaries included.
func (r Range) Contains(v uint32) bool {
	return r.Start <= v && v <= r.End
}

// String renders the range as "start-end" in dotted-decimal form.
func (r Range) String() string {
	return FormatIPv4(r.Start) + "-" + FormatIPv4(r.End)
}

// ParseError reports a list entry that could not be parsed.
type ParseError struct {
	Path string
	Line int
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("line %d %q: %v", e.Line, e.Text, e.Err)
	}
	return fmt.Sprintf("%s:%d %q: %v", e.Path, e.Line, e.Text, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ParseIPv4 converts strict dotted-decimal IPv4 text into its integer value.
// Anything other than four decimal octets in 0..255 reports false.
func ParseIPv4(s string) (uint32, bool) {
	var value uint32
	octets := 0
	for part := range strings.SplitSeq(s, ".") {
		octets++
		if octets > 4 || part == "" || len(part) > 3 {
			return 0, false
		}
		n := 0
		for i := 0; i < len(part); i++ {
			c := part[i]
			if c < '0' || c > '9' {
				return 0, false
			}
			n = n*10 + int(c-'0')
		}
		if n > 255 {
			return 0, false
		}
		value = value<<8 | uint32(n)
	}
	if octets != 4 {
		return 0, false
	}
	return value, true
}

// FormatIPv4 renders an integer IPv4 value as dotted-decimal text.
func FormatIPv4(v uint32) string {
	var b strings.Builder
	b.Grow(15)
	b.WriteString(strconv.Itoa(int(v >> 24)))
	b.WriteByte('.')
	b.WriteString(strconv.Itoa(int(v >> 16 & 0xff)))
	b.WriteByte('.')
	b.WriteString(strconv.Itoa(int(v >> 8 & 0xff)))
	b.WriteByte('.')
	b.WriteString(strconv.Itoa(int(v & 0xff)))
	return b.String()
}

// ParseCIDR converts "a.b.c.d" (a single host) or "a.b.c.d/prefix" into the range it covers.
// Host bits set in the address are masked off.
func ParseCIDR(s string) (Range, error) {
	addr, prefixText, hasPrefix := strings.Cut(s, "/")

	ip, ok := ParseIPv4(addr)
	if !ok {
		return Range{}, errMalformedAddress
	}

	bits := 32
	if hasPrefix {
		if prefixText == "" || len(prefixText) > 2 {
			return Range{}, errMalformedPrefix
		}
		n, err := strconv.Atoi(prefixText)
		if err != nil || n < 0 || n > 32 {
			return Range{}, errMalformedPrefix
		}
		bits = n
	}

	mask := ^(uint32(math.MaxUint32) >> bits)
	start := ip & mask
	return Range{Start: start, End: start | ^mask}, nil
}

// Merge sorts ranges and folds overlapping or adjacent ones together. The result is
// ascending and gap-separated. The input slice is not modified.
func Merge(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}

	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start == sorted[j].Start {
			return sorted[i].End < sorted[j].End
		}
		return sorted[i].Start < sorted[j].Start
	})

	merged := make([]Range, 0, len(sorted))
	acc := sorted[0]
	for _, next := range sorted[1:] {
		// uint64 keeps End == MaxUint32 from wrapping.
		if uint64(next.Start) <= uint64(acc.End)+1 {
			if next.End > acc.End {
				acc.End = next.End
			}
			continue
		}
		merged = append(merged, acc)
		acc = next
	}
	return append(merged, acc)
}

// ToPrefixes decomposes a range into the minimal list of CIDR prefixes covering it.
func ToPrefixes(r Range) []netip.Prefix {
	var out []netip.Prefix
	start := uint64(r.Start)
	end := uint64(r.End)

	for start <= end {
		// Largest block aligned on start that still fits before end.
		size := uint64(1)
		bits := 32
		for bits > 0 {
			candidate := size << 1
			if start%candidate != 0 || start+candidate-1 > end {
				break
			}
			size = candidate
			bits--
		}
		out = append(out, netip.PrefixFrom(addrFromUint32(uint32(start)), bits))
		start += size
	}
	return out
}

func addrFromUint32(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
