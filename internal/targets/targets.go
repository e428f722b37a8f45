// Package targets parses and validates scan targets: single IPv4/IPv6
// addresses or CIDR networks.
package targets

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/anstrom/netprobe/internal/errors"
)

const (
	// DefaultARPPrefixBits is the network size assumed for ARP sweeps of a
	// bare address.
	DefaultARPPrefixBits = 24

	// MinARPPrefixBits bounds ARP sweeps to at most 65536 addresses.
	MinARPPrefixBits = 16

	// MaxSweepHostBits bounds ICMP and TCP sweeps of a network to the same
	// 65536 addresses.
	MaxSweepHostBits = 32 - MinARPPrefixBits
)

// Target is a validated scan target.
type Target struct {
	raw    string
	addr   netip.Addr
	prefix netip.Prefix
	isNet  bool
}

// Parse validates s as either an IP address or a CIDR network. Host bits in a
// network are allowed ("192.168.1.10/24" is accepted).
func Parse(s string) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, errors.ErrInvalidTarget(s)
	}

	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return Target{}, errors.WrapScanErrorWithTarget(
				errors.CodeTargetInvalid, "invalid network", s, err)
		}
		return Target{raw: s, addr: prefix.Addr(), prefix: prefix, isNet: true}, nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return Target{}, errors.WrapScanErrorWithTarget(
			errors.CodeTargetInvalid, "invalid IP address", s, err)
	}
	addr = addr.WithZone("")
	return Target{raw: s, addr: addr, prefix: netip.PrefixFrom(addr, addr.BitLen())}, nil
}

// IsValid reports whether s is a valid IP address or CIDR network.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// String returns the target as written by the caller.
func (t Target) String() string {
	return t.raw
}

// Addr is the address the target was written with. For a network it may
// have host bits set.
func (t Target) Addr() netip.Addr {
	return t.addr
}

// Prefix is the network the target denotes; single addresses become a /32 or
// /128.
func (t Target) Prefix() netip.Prefix {
	return t.prefix
}

// IsNetwork reports whether the target was written with a prefix length.
func (t Target) IsNetwork() bool {
	return t.isNet
}

// IsZero reports whether t is the zero Target.
func (t Target) IsZero() bool {
	return !t.addr.IsValid()
}

// ARPNetwork returns the IPv4 network swept by ARP discovery. A bare address
// is widened to its /24.
func ARPNetwork(t Target) (netip.Prefix, error) {
	addr := t.addr.Unmap()
	if !addr.Is4() {
		return netip.Prefix{}, errors.NewScanErrorWithTarget(
			errors.CodeValidation, "ARP discovery requires an IPv4 target", t.raw)
	}

	bits := t.prefix.Bits()
	if !t.isNet {
		bits = DefaultARPPrefixBits
	}
	if bits < MinARPPrefixBits {
		return netip.Prefix{}, errors.NewScanErrorWithTarget(errors.CodeValidation,
			fmt.Sprintf("ARP sweep larger than /%d", MinARPPrefixBits), t.raw)
	}

	return netip.PrefixFrom(addr, bits).Masked(), nil
}

// Hosts returns every address in prefix in ascending order, network and
// broadcast addresses included.
func Hosts(prefix netip.Prefix) []netip.Addr {
	prefix = prefix.Masked()
	var hosts []netip.Addr
	if hostBits := prefix.Addr().BitLen() - prefix.Bits(); hostBits <= 32-MinARPPrefixBits {
		hosts = make([]netip.Addr, 0, 1<<hostBits)
	}
	for addr := prefix.Addr(); addr.IsValid() && prefix.Contains(addr); addr = addr.Next() {
		hosts = append(hosts, addr)
	}
	return hosts
}

// ProbeAddrs returns the addresses ICMP and TCP probes are sent to. A single
// address is returned as is. A network expands to every address in it, less
// the network and broadcast addresses of IPv4 networks wider than /31.
func ProbeAddrs(t Target) ([]netip.Addr, error) {
	if !t.isNet {
		return []netip.Addr{t.addr}, nil
	}

	prefix := t.prefix.Masked()
	if prefix.Addr().BitLen()-prefix.Bits() > MaxSweepHostBits {
		return nil, errors.NewScanErrorWithTarget(errors.CodeValidation,
			fmt.Sprintf("network sweep larger than %d addresses", 1<<MaxSweepHostBits), t.raw)
	}

	hosts := Hosts(prefix)
	if prefix.Addr().Is4() && prefix.Bits() < 31 {
		hosts = hosts[1 : len(hosts)-1]
	}
	return hosts, nil
}
