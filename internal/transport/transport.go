// Package transport sends single raw probes and collects the replies that
// correlate with them.
//
// Two transports are provided. RawExchanger works at the network layer over
// raw IP sockets and carries ICMP and TCP probes. PcapCollector works at the
// link layer through a pcap handle and carries ARP broadcasts. Both open a
// fresh socket or handle per call and release it before returning, so
// concurrent probes never share a handle.
package transport

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/anstrom/netprobe/internal/errors"
)

// Raw IP networks accepted by RawExchanger.
const (
	NetworkTCP4   = "ip4:tcp"
	NetworkTCP6   = "ip6:tcp"
	NetworkICMP4  = "ip4:icmp"
	NetworkICMP6  = "ip6:ipv6-icmp"
	maxPacketSize = 65535
)

// MatchFunc reports whether payload, received from the given address,
// answers the probe it is attached to.
type MatchFunc func(from netip.Addr, payload []byte) bool

// Probe is one packet to send and the rule for recognising its answer.
type Probe struct {
	// Network is the raw socket network, e.g. NetworkTCP4.
	Network string
	// Destination is the host the packet is addressed to.
	Destination netip.Addr
	// Payload is the transport-layer message: a TCP segment or ICMP message
	// without the IP header.
	Payload []byte
	// Match correlates replies. A nil Match accepts any packet from
	// Destination.
	Match MatchFunc
}

// Reply is a packet that matched a probe.
type Reply struct {
	From     netip.Addr
	Payload  []byte
	Received time.Time
}

// Exchanger sends network-layer probes.
type Exchanger interface {
	// SendAndWait sends probe once and waits up to timeout for a matching
	// reply. A nil Reply with a nil error means no response arrived in time.
	SendAndWait(ctx context.Context, probe Probe, timeout time.Duration) (*Reply, error)

	// Send transmits probe without waiting for any reply.
	Send(ctx context.Context, probe Probe) error
}

// Broadcast is a batch of link-layer frames written on one interface.
type Broadcast struct {
	Interface string
	Frames    [][]byte
	// Filter is a BPF expression applied to received frames.
	Filter string
}

// Collector sends link-layer frames and gathers every frame received during
// the collection window.
type Collector interface {
	Collect(ctx context.Context, b Broadcast, timeout time.Duration) ([][]byte, error)
}

// SourceFor returns the local address the kernel would use to reach dst.
// No packet is sent.
func SourceFor(dst netip.Addr) (netip.Addr, error) {
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(netip.AddrPortFrom(dst, 9)))
	if err != nil {
		return netip.Addr{}, errors.ErrTransport("route lookup", dst.String(), err)
	}
	defer func() { _ = conn.Close() }()

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, errors.NewScanErrorWithTarget(errors.CodeTransport,
			"route lookup returned no local address", dst.String())
	}
	return local.AddrPort().Addr().Unmap(), nil
}

func validateTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return errors.NewScanError(errors.CodeValidation, "timeout must be positive").
			WithContext("timeout", timeout)
	}
	return nil
}
