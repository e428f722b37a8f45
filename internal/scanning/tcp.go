package scanning

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"strconv"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/anstrom/netprobe/internal/errors"
	"github.com/anstrom/netprobe/internal/logging"
	"github.com/anstrom/netprobe/internal/metrics"
	"github.com/anstrom/netprobe/internal/transport"
	"github.com/anstrom/netprobe/internal/workers"
)

const (
	ephemeralPortMin = 32768
	ephemeralPortMax = 61000
	synWindow        = 1024

	flagsSYNACK = 0x12
	flagsRSTACK = 0x14
)

// SourceFunc returns the local address used to reach a destination.
type SourceFunc func(dst netip.Addr) (netip.Addr, error)

// TCPProber infers port states with half-open SYN probes.
type TCPProber struct {
	exchanger transport.Exchanger
	source    SourceFunc
	logger    *logging.Logger
	metrics   metrics.Recorder
	workers   int
}

// NewTCPProber creates a prober that sends through exchanger.
func NewTCPProber(exchanger transport.Exchanger, opts ...Option) *TCPProber {
	o := buildOptions(opts)
	return &TCPProber{
		exchanger: exchanger,
		source:    transport.SourceFor,
		logger:    o.logger.WithComponent("tcp"),
		metrics:   o.metrics,
		workers:   o.workers,
	}
}

// Probe sends one SYN to every port and classifies the reply:
//
//	SYN|ACK  open, and the half-open connection is reset
//	RST|ACK  closed
//	nothing  filtered
//	other    filtered
//
// A port whose exchange failed, or that was never probed because ctx ended,
// is PortError. The returned map always holds exactly one entry per port;
// the error joins the per-port failures and is informational.
func (p *TCPProber) Probe(ctx context.Context, addr netip.Addr, ports []int, timeout time.Duration) (PortStates, error) {
	addr = addr.Unmap()
	states := make(PortStates, len(ports))
	unique := make([]int, 0, len(ports))
	for _, port := range ports {
		if _, dup := states[port]; !dup {
			states[port] = PortError
			unique = append(unique, port)
		}
	}
	if len(unique) == 0 {
		return states, nil
	}
	ports = unique

	src, err := p.source(addr)
	if err != nil {
		p.logger.ErrorScan("No route for TCP probes", addr.String(), err)
		p.metrics.RecordProbe("tcp", "error")
		return states, err
	}

	jobs := p.runJobs(ctx, addr, src, ports, timeout)

	var errs []error
	for _, job := range jobs {
		if !job.done {
			errs = append(errs, fmt.Errorf("port %d: %w", job.port, notRun(ctx, addr)))
			continue
		}
		if job.state != "" {
			states[job.port] = job.state
		}
		if job.err != nil {
			errs = append(errs, fmt.Errorf("port %d: %w", job.port, job.err))
		}
		p.metrics.RecordProbe("tcp", string(states[job.port]))
	}

	p.logger.Debug("TCP probe finished",
		"target", addr.String(),
		"ports", len(ports),
		"open", states.Count(PortOpen),
		"errors", len(errs))
	return states, stderrors.Join(errs...)
}

// runJobs fans the ports out over a worker pool and returns one job per port.
// A job is marked done only after its result came back from the pool.
func (p *TCPProber) runJobs(ctx context.Context, addr, src netip.Addr, ports []int, timeout time.Duration) []*portJob {
	size := min(p.workers, len(ports))
	pool := workers.New(ctx, workers.Config{
		Size:            size,
		QueueSize:       len(ports),
		ShutdownTimeout: timeout + time.Second,
	})
	pool.Start()

	jobs := make([]*portJob, len(ports))
	byID := make(map[string]*portJob, len(ports))
	submitted := 0
	for i, port := range ports {
		job := &portJob{prober: p, addr: addr, src: src, port: port, timeout: timeout}
		jobs[i] = job
		if err := pool.Submit(job); err != nil {
			p.logger.Debug("Port job not queued", "port", port, "error", err)
			continue
		}
		byID[job.ID()] = job
		submitted++
	}

	received := 0
	markDone := func(r workers.Result) {
		if job, ok := byID[r.JobID]; ok && !job.done {
			job.done = true
			if job.err == nil {
				job.err = r.Error
			}
			received++
		}
	}

collect:
	for received < submitted {
		select {
		case r, ok := <-pool.Results():
			if !ok {
				break collect
			}
			markDone(r)
		case <-ctx.Done():
			break collect
		}
	}

	if err := pool.Shutdown(); err != nil {
		p.logger.Warn("TCP worker pool did not stop cleanly", "target", addr.String(), "error", err)
	}
	for r := range pool.Results() {
		markDone(r)
	}
	return jobs
}

func notRun(ctx context.Context, addr netip.Addr) error {
	if err := ctx.Err(); err != nil {
		return errors.ErrCanceled(addr.String(), err)
	}
	return errors.NewScanErrorWithTarget(errors.CodeScanFailed, "port probe did not run", addr.String())
}

type portJob struct {
	prober  *TCPProber
	addr    netip.Addr
	src     netip.Addr
	port    int
	timeout time.Duration

	state PortState
	err   error
	done  bool
}

func (j *portJob) ID() string   { return strconv.Itoa(j.port) }
func (j *portJob) Type() string { return "tcp_syn" }

func (j *portJob) Execute(ctx context.Context) error {
	j.state, j.err = j.prober.probePort(ctx, j.addr, j.src, j.port, j.timeout)
	return j.err
}

func (p *TCPProber) probePort(ctx context.Context, addr, src netip.Addr, port int, timeout time.Duration) (PortState, error) {
	srcPort := layers.TCPPort(ephemeralPortMin + rand.IntN(ephemeralPortMax-ephemeralPortMin))
	syn := &layers.TCP{
		SrcPort: srcPort,
		DstPort: layers.TCPPort(port),
		Seq:     rand.Uint32(),
		SYN:     true,
		Window:  synWindow,
	}
	payload, err := serializeSegment(syn, src, addr)
	if err != nil {
		return PortError, errors.WrapScanErrorWithTarget(errors.CodeTransport,
			"failed to build SYN segment", addr.String(), err)
	}

	probe := transport.Probe{
		Network:     networkFor(addr),
		Destination: addr,
		Payload:     payload,
		Match:       segmentMatcher(addr, layers.TCPPort(port), srcPort),
	}

	reply, err := p.exchanger.SendAndWait(ctx, probe, timeout)
	if err != nil {
		return PortError, err
	}
	if reply == nil {
		return PortFiltered, nil
	}

	segment := decodeSegment(reply.Payload)
	if segment == nil {
		return PortFiltered, nil
	}

	switch tcpFlags(segment) {
	case flagsSYNACK:
		p.reset(ctx, addr, src, srcPort, layers.TCPPort(port), segment.Ack)
		return PortOpen, nil
	case flagsRSTACK:
		return PortClosed, nil
	default:
		return PortFiltered, nil
	}
}

// reset tears down a half-open connection. Failures do not change the verdict.
func (p *TCPProber) reset(ctx context.Context, addr, src netip.Addr, srcPort, dstPort layers.TCPPort, seq uint32) {
	rst := &layers.TCP{
		SrcPort: srcPort,
		DstPort: dstPort,
		Seq:     seq,
		RST:     true,
	}
	payload, err := serializeSegment(rst, src, addr)
	if err == nil {
		err = p.exchanger.Send(ctx, transport.Probe{
			Network:     networkFor(addr),
			Destination: addr,
			Payload:     payload,
		})
	}
	if err != nil {
		p.logger.Debug("Failed to send RST", "target", addr.String(), "port", int(dstPort), "error", err)
	}
}

func serializeSegment(segment *layers.TCP, src, dst netip.Addr) ([]byte, error) {
	var network gopacket.NetworkLayer
	if dst.Is4() {
		network = &layers.IPv4{SrcIP: src.AsSlice(), DstIP: dst.AsSlice(), Protocol: layers.IPProtocolTCP}
	} else {
		network = &layers.IPv6{SrcIP: src.AsSlice(), DstIP: dst.AsSlice(), NextHeader: layers.IPProtocolTCP}
	}
	if err := segment.SetNetworkLayerForChecksum(network); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, segment); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSegment(payload []byte) *layers.TCP {
	packet := gopacket.NewPacket(payload, layers.LayerTypeTCP, gopacket.NoCopy)
	layer := packet.Layer(layers.LayerTypeTCP)
	if layer == nil {
		return nil
	}
	return layer.(*layers.TCP)
}

func segmentMatcher(addr netip.Addr, dstPort, srcPort layers.TCPPort) transport.MatchFunc {
	return func(from netip.Addr, payload []byte) bool {
		if from != addr {
			return false
		}
		segment := decodeSegment(payload)
		return segment != nil && segment.SrcPort == dstPort && segment.DstPort == srcPort
	}
}

func tcpFlags(t *layers.TCP) uint8 {
	var f uint8
	for i, set := range []bool{t.FIN, t.SYN, t.RST, t.PSH, t.ACK, t.URG, t.ECE, t.CWR} {
		if set {
			f |= 1 << i
		}
	}
	return f
}

func networkFor(addr netip.Addr) string {
	if addr.Is4() {
		return transport.NetworkTCP4
	}
	return transport.NetworkTCP6
}
