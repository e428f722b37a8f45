// Package discovery finds live hosts on the local segment by ARP. Every
// address of the target network is asked "who-has" in a broadcast frame and
// the replies collected inside the timeout window become host records.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/anstrom/netprobe/internal/errors"
	"github.com/anstrom/netprobe/internal/logging"
	"github.com/anstrom/netprobe/internal/metrics"
	"github.com/anstrom/netprobe/internal/targets"
	"github.com/anstrom/netprobe/internal/transport"
)

const (
	// MethodARP labels ARP results in logs and metrics.
	MethodARP = "arp"

	arpFilter = "arp"
)

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// HostRecord is one host that answered an ARP request.
type HostRecord struct {
	IP  netip.Addr
	MAC net.HardwareAddr
}

type hostRecordJSON struct {
	IP  netip.Addr `json:"ip"`
	MAC string     `json:"mac"`
}

// MarshalJSON renders the MAC in colon-separated hex.
func (h HostRecord) MarshalJSON() ([]byte, error) {
	return json.Marshal(hostRecordJSON{IP: h.IP, MAC: h.MAC.String()})
}

// UnmarshalJSON parses the form written by MarshalJSON.
func (h *HostRecord) UnmarshalJSON(data []byte) error {
	var raw hostRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	mac, err := net.ParseMAC(raw.MAC)
	if err != nil {
		return fmt.Errorf("invalid MAC address %q: %w", raw.MAC, err)
	}
	h.IP, h.MAC = raw.IP, mac
	return nil
}

// InterfaceResolver picks the local interface for a network. An empty name
// means automatic selection.
type InterfaceResolver func(network netip.Prefix, name string) (transport.Interface, error)

// ARPProber performs ARP sweeps. It is safe for concurrent use.
type ARPProber struct {
	collector transport.Collector
	resolve   InterfaceResolver
	iface     string
	logger    *logging.Logger
	metrics   metrics.Recorder
}

// Option configures an ARPProber.
type Option func(*ARPProber)

// WithInterface pins the sweep to a named interface.
func WithInterface(name string) Option {
	return func(p *ARPProber) {
		p.iface = name
	}
}

// WithResolver replaces interface selection.
func WithResolver(resolve InterfaceResolver) Option {
	return func(p *ARPProber) {
		p.resolve = resolve
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(p *ARPProber) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(recorder metrics.Recorder) Option {
	return func(p *ARPProber) {
		p.metrics = recorder
	}
}

// NewARPProber creates a prober that sends frames through collector.
func NewARPProber(collector transport.Collector, opts ...Option) *ARPProber {
	p := &ARPProber{
		collector: collector,
		resolve:   transport.InterfaceFor,
		logger:    logging.Default(),
		metrics:   metrics.Nop{},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithComponent("arp")
	return p
}

// Probe sweeps the network of target and returns the hosts that replied, in
// order of first reply. A target without a prefix length is widened to its
// /24. No replies yields an empty, non-nil slice and a nil error. A transport
// failure yields an empty slice and the error.
func (p *ARPProber) Probe(ctx context.Context, target targets.Target, timeout time.Duration) ([]HostRecord, error) {
	hosts := []HostRecord{}

	network, err := targets.ARPNetwork(target)
	if err != nil {
		return hosts, err
	}
	netStr := network.String()

	iface, err := p.resolve(network, p.iface)
	if err != nil {
		p.logger.ErrorDiscovery("No interface for ARP sweep", netStr, err)
		return hosts, err
	}

	frames, err := buildRequests(iface, targets.Hosts(network))
	if err != nil {
		return hosts, errors.WrapDiscoveryError(errors.CodeTransport,
			"failed to build ARP requests", netStr, err)
	}

	start := time.Now()
	p.logger.Debug("Starting ARP sweep",
		"network", netStr,
		"interface", iface.Name,
		"requests", len(frames),
		"timeout", timeout)

	received, err := p.collector.Collect(ctx, transport.Broadcast{
		Interface: iface.Name,
		Frames:    frames,
		Filter:    arpFilter,
	}, timeout)
	if err != nil {
		p.logger.ErrorDiscovery("ARP sweep failed", netStr, err, "interface", iface.Name)
		p.metrics.IncrementScanErrors(MethodARP, string(errors.GetCode(err)))
		return hosts, withNetwork(err, netStr, iface.Name)
	}

	hosts = parseReplies(received, network, iface)
	p.metrics.IncrementHostsDiscovered(MethodARP, len(hosts))
	p.logger.InfoDiscovery("ARP sweep completed", netStr,
		"hosts_found", len(hosts),
		"duration", time.Since(start))
	return hosts, nil
}

func buildRequests(iface transport.Interface, hosts []netip.Addr) ([][]byte, error) {
	if !iface.Addr.Is4() || len(iface.HardwareAddr) != 6 {
		return nil, fmt.Errorf("interface %s cannot send ARP", iface.Name)
	}

	eth := layers.Ethernet{
		SrcMAC:       iface.HardwareAddr,
		DstMAC:       broadcastMAC,
		EthernetType: layers.EthernetTypeARP,
	}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	src := iface.Addr.As4()

	frames := make([][]byte, 0, len(hosts))
	for _, host := range hosts {
		dst := host.As4()
		arp := layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   iface.HardwareAddr,
			SourceProtAddress: src[:],
			DstHwAddress:      make([]byte, 6),
			DstProtAddress:    dst[:],
		}

		buf := gopacket.NewSerializeBuffer()
		if err := gopacket.SerializeLayers(buf, opts, &eth, &arp); err != nil {
			return nil, err
		}
		frames = append(frames, append([]byte(nil), buf.Bytes()...))
	}
	return frames, nil
}

// parseReplies keeps the ARP replies addressed to iface whose sender lies in
// network, first reply per address.
func parseReplies(frames [][]byte, network netip.Prefix, iface transport.Interface) []HostRecord {
	hosts := []HostRecord{}
	seen := make(map[netip.Addr]struct{})
	self := iface.Addr.As4()

	for _, data := range frames {
		packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
		arpLayer := packet.Layer(layers.LayerTypeARP)
		if arpLayer == nil {
			continue
		}
		arp := arpLayer.(*layers.ARP)
		if arp.Operation != layers.ARPReply || len(arp.SourceProtAddress) != 4 {
			continue
		}
		if !bytes.Equal(arp.DstProtAddress, self[:]) || !bytes.Equal(arp.DstHwAddress, iface.HardwareAddr) {
			continue
		}

		ip := netip.AddrFrom4([4]byte(arp.SourceProtAddress))
		if !network.Contains(ip) {
			continue
		}
		if _, dup := seen[ip]; dup {
			continue
		}
		seen[ip] = struct{}{}

		hosts = append(hosts, HostRecord{
			IP:  ip,
			MAC: append(net.HardwareAddr(nil), arp.SourceHwAddress...),
		})
	}
	return hosts
}

func withNetwork(err error, network, iface string) error {
	var discoveryErr *errors.DiscoveryError
	if stderrors.As(err, &discoveryErr) {
		discoveryErr.Network = network
		discoveryErr.Interface = iface
		discoveryErr.Method = MethodARP
	}
	return err
}
