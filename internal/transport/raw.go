package transport

import (
	"context"
	stderrors "errors"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/anstrom/netprobe/internal/errors"
	"github.com/anstrom/netprobe/internal/logging"
)

// ListenFunc opens a packet socket. net.ListenPacket satisfies it.
type ListenFunc func(network, address string) (net.PacketConn, error)

// RawExchanger exchanges probes over raw IP sockets. Opening raw sockets
// needs root or CAP_NET_RAW.
type RawExchanger struct {
	listen ListenFunc
	logger *logging.Logger
}

// RawOption configures a RawExchanger.
type RawOption func(*RawExchanger)

// WithListener replaces the socket factory.
func WithListener(listen ListenFunc) RawOption {
	return func(r *RawExchanger) {
		r.listen = listen
	}
}

// WithLogger sets the logger used for socket diagnostics.
func WithLogger(logger *logging.Logger) RawOption {
	return func(r *RawExchanger) {
		r.logger = logger
	}
}

// NewRawExchanger creates an exchanger backed by net.ListenPacket.
func NewRawExchanger(opts ...RawOption) *RawExchanger {
	r := &RawExchanger{
		listen: net.ListenPacket,
		logger: logging.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("transport")
	return r
}

// SendAndWait implements Exchanger.
func (r *RawExchanger) SendAndWait(ctx context.Context, probe Probe, timeout time.Duration) (*Reply, error) {
	if err := validateTimeout(timeout); err != nil {
		return nil, err
	}
	target := probe.Destination.String()
	if err := ctx.Err(); err != nil {
		return nil, errors.ErrCanceled(target, err)
	}

	conn, err := r.open(probe)
	if err != nil {
		return nil, err
	}
	defer r.closeConn(conn, target)

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, errors.ErrTransport("set deadline", target, err)
	}
	// Cancellation pulls the deadline in so the blocked read returns now.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := r.write(conn, probe); err != nil {
		return nil, err
	}

	buf := make([]byte, maxPacketSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, errors.ErrCanceled(target, ctxErr)
			}
			var netErr net.Error
			if stderrors.As(err, &netErr) && netErr.Timeout() {
				return nil, nil
			}
			return nil, errors.ErrTransport("receive", target, err)
		}

		from := addrOf(addr)
		if !matches(probe, from, buf[:n]) {
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		return &Reply{From: from, Payload: payload, Received: time.Now()}, nil
	}
}

// Send implements Exchanger.
func (r *RawExchanger) Send(ctx context.Context, probe Probe) error {
	target := probe.Destination.String()
	if err := ctx.Err(); err != nil {
		return errors.ErrCanceled(target, err)
	}

	conn, err := r.open(probe)
	if err != nil {
		return err
	}
	defer r.closeConn(conn, target)

	return r.write(conn, probe)
}

func (r *RawExchanger) open(probe Probe) (net.PacketConn, error) {
	target := probe.Destination.String()
	if !probe.Destination.IsValid() {
		return nil, errors.NewScanError(errors.CodeValidation, "probe has no destination")
	}

	conn, err := r.listen(probe.Network, wildcardFor(probe.Destination))
	if err != nil {
		if stderrors.Is(err, os.ErrPermission) {
			return nil, errors.WrapScanErrorWithTarget(errors.CodePermission,
				"raw sockets require root or CAP_NET_RAW", target, err).
				WithOperation("open socket")
		}
		return nil, errors.ErrTransport("open socket", target, err).
			WithContext("network", probe.Network)
	}
	return conn, nil
}

func (r *RawExchanger) write(conn net.PacketConn, probe Probe) error {
	dst := &net.IPAddr{IP: probe.Destination.AsSlice(), Zone: probe.Destination.Zone()}
	if _, err := conn.WriteTo(probe.Payload, dst); err != nil {
		return errors.ErrTransport("send", probe.Destination.String(), err)
	}
	return nil
}

func (r *RawExchanger) closeConn(conn net.PacketConn, target string) {
	if err := conn.Close(); err != nil {
		r.logger.Debug("Failed to close raw socket", "target", target, "error", err)
	}
}

func wildcardFor(dst netip.Addr) string {
	if dst.Unmap().Is4() {
		return "0.0.0.0"
	}
	return "::"
}

func addrOf(addr net.Addr) netip.Addr {
	var ip net.IP
	switch a := addr.(type) {
	case *net.IPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	default:
		return netip.Addr{}
	}
	parsed, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return parsed.Unmap()
}

func matches(probe Probe, from netip.Addr, payload []byte) bool {
	if probe.Match != nil {
		return probe.Match(from, payload)
	}
	return from == probe.Destination.Unmap()
}
