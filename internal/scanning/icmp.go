package scanning

import (
	"context"
	"encoding/binary"
	"math/rand/v2"
	"net/netip"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/anstrom/netprobe/internal/errors"
	"github.com/anstrom/netprobe/internal/logging"
	"github.com/anstrom/netprobe/internal/metrics"
	"github.com/anstrom/netprobe/internal/transport"
)

var echoPayload = []byte("netprobe")

// ICMPProber decides host liveness with a single echo request.
type ICMPProber struct {
	exchanger transport.Exchanger
	logger    *logging.Logger
	metrics   metrics.Recorder
	id        int
	seq       atomic.Uint32
}

// NewICMPProber creates a prober that sends through exchanger.
func NewICMPProber(exchanger transport.Exchanger, opts ...Option) *ICMPProber {
	o := buildOptions(opts)
	return &ICMPProber{
		exchanger: exchanger,
		logger:    o.logger.WithComponent("icmp"),
		metrics:   o.metrics,
		id:        rand.IntN(0xffff) + 1,
	}
}

// Probe sends one echo request to addr and reports HostUp when any answer to
// it arrives within timeout: the echo reply itself, or an ICMP error such as
// Destination Unreachable that quotes the request. Silence is HostDown. A
// transport failure is HostDown too; it is logged and also returned so
// callers can record it.
func (p *ICMPProber) Probe(ctx context.Context, addr netip.Addr, timeout time.Duration) (HostState, error) {
	addr = addr.Unmap()
	seq := int(p.seq.Add(1) & 0xffff)

	probe, err := p.echoProbe(addr, seq)
	if err != nil {
		p.metrics.RecordProbe("icmp", "error")
		return HostDown, err
	}

	reply, err := p.exchanger.SendAndWait(ctx, probe, timeout)
	if err != nil {
		p.logger.ErrorScan("ICMP probe failed", addr.String(), err)
		p.metrics.RecordProbe("icmp", "error")
		return HostDown, err
	}
	if reply == nil {
		p.logger.Debug("No echo reply", "target", addr.String(), "timeout", timeout)
		p.metrics.RecordProbe("icmp", string(HostDown))
		return HostDown, nil
	}

	p.logger.Debug("Echo answered", "target", addr.String(), "from", reply.From.String(), "seq", seq)
	p.metrics.RecordProbe("icmp", string(HostUp))
	return HostUp, nil
}

func (p *ICMPProber) echoProbe(addr netip.Addr, seq int) (transport.Probe, error) {
	if !addr.IsValid() {
		return transport.Probe{}, errors.NewScanError(errors.CodeValidation, "ICMP probe needs an address")
	}

	network, request := transport.NetworkICMP4, icmp.Type(ipv4.ICMPTypeEcho)
	if !addr.Is4() {
		network, request = transport.NetworkICMP6, ipv6.ICMPTypeEchoRequest
	}

	msg := icmp.Message{
		Type: request,
		Code: 0,
		Body: &icmp.Echo{ID: p.id, Seq: seq, Data: echoPayload},
	}
	// The kernel fills in the ICMPv6 checksum on raw sockets.
	payload, err := msg.Marshal(nil)
	if err != nil {
		return transport.Probe{}, errors.WrapScanErrorWithTarget(errors.CodeTransport,
			"failed to build echo request", addr.String(), err)
	}

	return transport.Probe{
		Network:     network,
		Destination: addr,
		Payload:     payload,
		Match:       echoMatcher(addr, p.id, seq),
	}, nil
}

// echoMatcher accepts the echo reply for (id, seq) from addr, and any ICMP
// error that quotes this echo request, whichever router sent it.
func echoMatcher(addr netip.Addr, id, seq int) transport.MatchFunc {
	protocol, reply := ipv4.ICMPTypeEchoReply.Protocol(), icmp.Type(ipv4.ICMPTypeEchoReply)
	if !addr.Is4() {
		protocol, reply = ipv6.ICMPTypeEchoReply.Protocol(), ipv6.ICMPTypeEchoReply
	}

	return func(from netip.Addr, payload []byte) bool {
		msg, err := icmp.ParseMessage(protocol, payload)
		if err != nil {
			return false
		}
		if msg.Type == reply {
			echo, ok := msg.Body.(*icmp.Echo)
			return ok && from == addr && echo.ID == id && echo.Seq == seq
		}
		datagram := quotedDatagram(msg.Body)
		return datagram != nil && quotesEcho(datagram, addr, protocol, id, seq)
	}
}

// quotedDatagram returns the original datagram carried by an ICMP error.
func quotedDatagram(body icmp.MessageBody) []byte {
	switch b := body.(type) {
	case *icmp.DstUnreach:
		return b.Data
	case *icmp.TimeExceeded:
		return b.Data
	case *icmp.ParamProb:
		return b.Data
	case *icmp.PacketTooBig:
		return b.Data
	}
	return nil
}

// quotesEcho reports whether datagram is the echo request (id, seq) sent to
// addr. Errors quote the IP header plus at least eight bytes of ICMP, which
// covers the identifier and sequence number.
func quotesEcho(datagram []byte, addr netip.Addr, protocol, id, seq int) bool {
	var (
		dst     netip.Addr
		next    int
		offset  int
		request byte
	)
	if addr.Is4() {
		h, err := ipv4.ParseHeader(datagram)
		if err != nil {
			return false
		}
		dst, _ = netip.AddrFromSlice(h.Dst.To4())
		next, offset, request = h.Protocol, h.Len, byte(ipv4.ICMPTypeEcho)
	} else {
		h, err := ipv6.ParseHeader(datagram)
		if err != nil {
			return false
		}
		dst, _ = netip.AddrFromSlice(h.Dst)
		next, offset, request = h.NextHeader, ipv6.HeaderLen, byte(ipv6.ICMPTypeEchoRequest)
	}

	quoted := datagram[offset:]
	if dst != addr.WithZone("") || next != protocol || len(quoted) < 8 || quoted[0] != request {
		return false
	}
	return int(binary.BigEndian.Uint16(quoted[4:6])) == id &&
		int(binary.BigEndian.Uint16(quoted[6:8])) == seq
}
