package transport

import (
	"context"
	stderrors "errors"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"

	"github.com/anstrom/netprobe/internal/errors"
	"github.com/anstrom/netprobe/internal/logging"
)

const (
	defaultSnapLen = 65536
	// pcapReadTimeout bounds each blocking read so the collection window and
	// cancellation are observed promptly.
	pcapReadTimeout = 50 * time.Millisecond
)

// captureHandle is the subset of *pcap.Handle used by PcapCollector.
type captureHandle interface {
	SetBPFFilter(expr string) error
	WritePacketData(data []byte) error
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	Close()
}

// PcapCollector writes link-layer frames and captures replies through libpcap.
type PcapCollector struct {
	open   func(iface string) (captureHandle, error)
	logger *logging.Logger
}

// NewPcapCollector creates a collector that opens a live capture per call.
func NewPcapCollector(logger *logging.Logger) *PcapCollector {
	if logger == nil {
		logger = logging.Default()
	}
	return &PcapCollector{
		open:   openLive,
		logger: logger.WithComponent("transport"),
	}
}

func openLive(iface string) (captureHandle, error) {
	handle, err := pcap.OpenLive(iface, defaultSnapLen, true, pcapReadTimeout)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

// Collect implements Collector. Every frame accepted by b.Filter during the
// window is returned; callers decode and correlate them.
func (c *PcapCollector) Collect(ctx context.Context, b Broadcast, timeout time.Duration) ([][]byte, error) {
	if err := validateTimeout(timeout); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.ErrCanceled(b.Interface, err)
	}

	handle, err := c.open(b.Interface)
	if err != nil {
		return nil, errors.WrapDiscoveryError(errors.CodeTransport,
			"failed to open capture handle", "", err)
	}
	defer handle.Close()

	if b.Filter != "" {
		if err := handle.SetBPFFilter(b.Filter); err != nil {
			return nil, errors.WrapDiscoveryError(errors.CodeTransport,
				"failed to set capture filter", "", err)
		}
	}

	for _, frame := range b.Frames {
		if err := handle.WritePacketData(frame); err != nil {
			return nil, errors.WrapDiscoveryError(errors.CodeTransport,
				"failed to write frame", "", err)
		}
	}
	c.logger.Debug("Frames written", "interface", b.Interface, "count", len(b.Frames))

	deadline := time.Now().Add(timeout)
	var received [][]byte
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return received, errors.ErrCanceled(b.Interface, err)
		}

		data, _, err := handle.ReadPacketData()
		switch {
		case err == nil:
			received = append(received, data)
		case stderrors.Is(err, pcap.NextErrorTimeoutExpired):
			continue
		default:
			return received, errors.WrapDiscoveryError(errors.CodeTransport,
				"failed to read frame", "", err)
		}
	}
	return received, nil
}

// Interface describes the local interface an ARP sweep is sent from.
type Interface struct {
	Name         string
	HardwareAddr net.HardwareAddr
	Addr         netip.Addr
}

// InterfaceFor picks the interface used to reach network. When name is set
// that interface is used and must carry an IPv4 address; otherwise the first
// up, non-loopback interface with an address inside network wins.
func InterfaceFor(network netip.Prefix, name string) (Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return Interface{}, errors.WrapDiscoveryError(errors.CodeTransport,
			"failed to list interfaces", network.String(), err)
	}

	candidates := make([]candidate, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		c := candidate{
			name:     iface.Name,
			hw:       iface.HardwareAddr,
			up:       iface.Flags&net.FlagUp != 0,
			loopback: iface.Flags&net.FlagLoopback != 0,
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok {
				if prefix, ok := prefixOf(ipnet); ok {
					c.prefixes = append(c.prefixes, prefix)
				}
			}
		}
		candidates = append(candidates, c)
	}

	return selectInterface(candidates, network, name)
}

type candidate struct {
	name     string
	hw       net.HardwareAddr
	up       bool
	loopback bool
	prefixes []netip.Prefix
}

func selectInterface(candidates []candidate, network netip.Prefix, name string) (Interface, error) {
	for _, c := range candidates {
		if name != "" && c.name != name {
			continue
		}
		if name == "" && (!c.up || c.loopback || len(c.hw) == 0) {
			continue
		}
		for _, p := range c.prefixes {
			if !p.Addr().Is4() {
				continue
			}
			if name != "" || p.Contains(network.Addr()) || network.Contains(p.Addr()) {
				return Interface{Name: c.name, HardwareAddr: c.hw, Addr: p.Addr()}, nil
			}
		}
		if name != "" {
			return Interface{}, errors.NewDiscoveryError(errors.CodeValidation,
				"interface "+name+" has no IPv4 address", network.String())
		}
	}

	if name != "" {
		return Interface{}, errors.NewDiscoveryError(errors.CodeNotFound,
			"interface "+name+" not found", network.String())
	}
	return Interface{}, errors.NewDiscoveryError(errors.CodeNetworkUnreachable,
		"no local interface is attached to the network", network.String())
}

func prefixOf(ipnet *net.IPNet) (netip.Prefix, bool) {
	addr, ok := netip.AddrFromSlice(ipnet.IP)
	if !ok {
		return netip.Prefix{}, false
	}
	addr = addr.Unmap()
	ones, bits := ipnet.Mask.Size()
	if addr.Is4() && bits == 8*net.IPv6len {
		ones -= 96
	}
	prefix := netip.PrefixFrom(addr, ones)
	return prefix, prefix.IsValid()
}
