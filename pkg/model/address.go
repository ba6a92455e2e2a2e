package model

import (
	"fmt"
	"net/netip"
	"strings"
)

// IPv6Kind distinguishes the two shapes the ipv6 column can hold.
type IPv6Kind int

const (
	IPv6None IPv6Kind = iota
	IPv6Address
	IPv6DelegatedPrefix
)

// Prefix lengths accepted for subnet delegation.
var delegatedPrefixBits = map[int]bool{48: true, 64: true}

// IPv6Value is either a single IPv6 address or a delegated prefix. The stored
// string form is kept verbatim so a prefix reads back exactly as submitted.
type IPv6Value struct {
	Kind   IPv6Kind
	Addr   netip.Addr
	Prefix netip.Prefix
	raw    string
}

func (v IPv6Value) IsZero() bool { return v.Kind == IPv6None }

func (v IPv6Value) String() string {
	switch v.Kind {
	case IPv6Address:
		if v.raw != "" {
			return v.raw
		}
		return v.Addr.String()
	case IPv6DelegatedPrefix:
		if v.raw != "" {
			return v.raw
		}
		return v.Prefix.String()
	}
	return ""
}

// ParseIPv6Value parses a single IPv6 address or a /48 or /64 prefix.
func ParseIPv6Value(s string) (IPv6Value, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return IPv6Value{}, fmt.Errorf("%w: empty ipv6 value", ErrInvalidInput)
	}

	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil || !p.Addr().Is6() || p.Addr().Is4In6() {
			return IPv6Value{}, fmt.Errorf("%w: %q is not an IPv6 prefix", ErrInvalidInput, s)
		}
		if !delegatedPrefixBits[p.Bits()] {
			return IPv6Value{}, fmt.Errorf("%w: prefix length /%d not allowed, use /48 or /64", ErrInvalidInput, p.Bits())
		}
		return IPv6Value{Kind: IPv6DelegatedPrefix, Prefix: p, raw: s}, nil
	}

	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is6() || a.Is4In6() || a.Zone() != "" {
		return IPv6Value{}, fmt.Errorf("%w: %q is not an IPv6 address", ErrInvalidInput, s)
	}
	return IPv6Value{Kind: IPv6Address, Addr: a, raw: s}, nil
}

// StoredIPv6 interprets a value read back from the host store. Anything that
// fails to parse is treated as absent.
func StoredIPv6(p *string) IPv6Value {
	if p == nil || *p == "" {
		return IPv6Value{}
	}
	v, err := ParseIPv6Value(*p)
	if err != nil {
		return IPv6Value{}
	}
	return v
}

// ParseIPv4 accepts a dotted-quad IPv4 address only.
func ParseIPv4(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil || !a.Is4() {
		return netip.Addr{}, fmt.Errorf("%w: %q is not an IPv4 address", ErrInvalidInput, s)
	}
	return a, nil
}

// ParseCaller parses an observed caller address, unmapping IPv4-in-IPv6 so
// dual-stack listeners report plain IPv4 callers as IPv4.
func ParseCaller(s string) (netip.Addr, bool) {
	a, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return a.Unmap().WithZone(""), true
}
