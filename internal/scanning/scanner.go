package scanning

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/netprobe/internal/discovery"
	"github.com/anstrom/netprobe/internal/errors"
	"github.com/anstrom/netprobe/internal/logging"
	"github.com/anstrom/netprobe/internal/metrics"
	"github.com/anstrom/netprobe/internal/ports"
	"github.com/anstrom/netprobe/internal/targets"
	"github.com/anstrom/netprobe/internal/transport"
)

// MsgNoPorts is the warning attached when a TCP scan has no port list.
const MsgNoPorts = "no ports specified for TCP scan"

// HostProber decides whether a host is up.
type HostProber interface {
	Probe(ctx context.Context, addr netip.Addr, timeout time.Duration) (HostState, error)
}

// PortProber classifies TCP ports on a host.
type PortProber interface {
	Probe(ctx context.Context, addr netip.Addr, ports []int, timeout time.Duration) (PortStates, error)
}

// NetworkProber discovers hosts on a local network.
type NetworkProber interface {
	Probe(ctx context.Context, target targets.Target, timeout time.Duration) ([]discovery.HostRecord, error)
}

// Scanner runs the probers a request asks for and merges their output. It
// holds no per-scan state and is safe for concurrent use.
type Scanner struct {
	icmp    HostProber
	tcp     PortProber
	arp     NetworkProber
	limiter ResourceManager
	logger  *logging.Logger
	metrics metrics.Recorder
	workers int
}

// NewScanner assembles a Scanner from its probers.
func NewScanner(icmp HostProber, tcp PortProber, arp NetworkProber, opts ...Option) *Scanner {
	o := buildOptions(opts)
	return &Scanner{
		icmp:    icmp,
		tcp:     tcp,
		arp:     arp,
		limiter: o.limiter,
		logger:  o.logger.WithComponent("scanner"),
		metrics: o.metrics,
		workers: o.workers,
	}
}

// NewRawScanner builds a Scanner over raw sockets and pcap. iface pins ARP
// sweeps to an interface; empty selects one automatically.
func NewRawScanner(iface string, opts ...Option) *Scanner {
	o := buildOptions(opts)
	exchanger := transport.NewRawExchanger(transport.WithLogger(o.logger))
	arp := discovery.NewARPProber(transport.NewPcapCollector(o.logger),
		discovery.WithInterface(iface),
		discovery.WithLogger(o.logger),
		discovery.WithMetrics(o.metrics))

	return NewScanner(NewICMPProber(exchanger, opts...), NewTCPProber(exchanger, opts...), arp, opts...)
}

// Scan validates req, runs the requested probers concurrently and returns
// their merged result. The result is never nil. Input errors return a result
// with every field absent and no packet sent. A prober that fails or panics
// is recorded as an Issue and does not affect the others. When ctx ends
// during the scan the partial result is returned with a CodeCanceled error.
func (s *Scanner) Scan(ctx context.Context, req Request) (*ScanResult, error) {
	result := &ScanResult{
		ID:        uuid.New(),
		Target:    req.Target,
		ScanType:  req.Type,
		StartedAt: time.Now(),
	}
	logger := s.logger.WithScanID(result.ID.String()).WithTarget(req.Target)

	target, scanType, err := validate(req)
	if err != nil {
		s.finish(result, "invalid")
		logger.WarnScan("Scan request rejected", req.Target, "error", err)
		return result, err
	}
	result.ScanType = scanType

	if s.limiter != nil {
		if err := s.limiter.Acquire(ctx, result.ID.String()); err != nil {
			s.finish(result, "rejected")
			return result, err
		}
		defer s.limiter.Release(result.ID.String())
	}

	logger.InfoScan("Starting scan", req.Target,
		"scan_type", scanType,
		"ports", len(req.Ports),
		"timeout", req.Timeout)

	s.dispatch(ctx, result, target, req)

	if err := ctx.Err(); err != nil {
		s.finish(result, "canceled")
		logger.WarnScan("Scan canceled", req.Target, "duration", result.Duration)
		return result, errors.ErrCanceled(req.Target, err)
	}

	status := "success"
	if result.HasErrors() {
		status = "partial"
	}
	s.finish(result, status)
	s.recordPorts(result.TCP)

	logger.InfoScan("Scan completed", req.Target,
		"status", status,
		"issues", len(result.Issues),
		"duration", result.Duration)
	return result, nil
}

// dispatch runs each requested prober in its own goroutine. Every goroutine
// writes only its own slot; slots are merged after all have returned.
func (s *Scanner) dispatch(ctx context.Context, result *ScanResult, target targets.Target, req Request) {
	var (
		wg        sync.WaitGroup
		icmpState *HostState
		tcpStates PortStates
		arpHosts  []discovery.HostRecord
		icmpIssue []Issue
		tcpIssue  []Issue
		arpIssue  []Issue
		hosts     []netip.Addr
		hostsErr  error
	)

	if result.ScanType.includes(ScanTypeICMP) || result.ScanType.includes(ScanTypeTCP) {
		hosts, hostsErr = targets.ProbeAddrs(target)
	}

	if result.ScanType.includes(ScanTypeICMP) {
		if hostsErr != nil {
			icmpIssue = append(icmpIssue, s.issue(ScanTypeICMP, IssueError, "cannot sweep network", hostsErr))
		} else {
			s.run(&wg, ScanTypeICMP, &icmpIssue, func() {
				state, err := s.probeHosts(ctx, hosts, req.Timeout)
				if err != nil {
					icmpIssue = append(icmpIssue, s.issue(ScanTypeICMP, IssueError, "ICMP probe failed", err))
				}
				icmpState = hostState(state)
			})
		}
	}

	if result.ScanType.includes(ScanTypeTCP) {
		switch {
		case req.Ports == nil:
			tcpIssue = append(tcpIssue, Issue{Prober: ScanTypeTCP, Level: IssueWarning, Message: MsgNoPorts})
		case hostsErr != nil:
			tcpIssue = append(tcpIssue, s.issue(ScanTypeTCP, IssueError, "cannot sweep network", hostsErr))
		default:
			s.run(&wg, ScanTypeTCP, &tcpIssue, func() {
				states, err := s.probePorts(ctx, hosts, req.Ports, req.Timeout)
				if err != nil {
					tcpIssue = append(tcpIssue, s.issue(ScanTypeTCP, IssueWarning, "some ports could not be probed", err))
				}
				tcpStates = states
			})
		}
	}

	if result.ScanType.includes(ScanTypeARP) {
		s.run(&wg, ScanTypeARP, &arpIssue, func() {
			found, err := s.arp.Probe(ctx, target, req.Timeout)
			if err != nil {
				arpIssue = append(arpIssue, Issue{
					Prober:  ScanTypeARP,
					Level:   IssueError,
					Message: fmt.Sprintf("ARP sweep failed: %v", err),
					Err:     err,
				})
			}
			if found == nil {
				found = []discovery.HostRecord{}
			}
			arpHosts = found
		})
	}

	wg.Wait()

	result.ICMP = icmpState
	result.TCP = tcpStates
	result.ARP = arpHosts
	for _, issues := range [][]Issue{icmpIssue, tcpIssue, arpIssue} {
		result.Issues = append(result.Issues, issues...)
	}
}

// probeHosts runs ICMP against a single address directly and sweeps a
// network.
func (s *Scanner) probeHosts(ctx context.Context, hosts []netip.Addr, timeout time.Duration) (HostState, error) {
	if len(hosts) == 1 {
		return s.icmp.Probe(ctx, hosts[0], timeout)
	}
	return s.sweepHosts(ctx, hosts, timeout)
}

// probePorts is probeHosts for TCP.
func (s *Scanner) probePorts(ctx context.Context, hosts []netip.Addr, ports []int, timeout time.Duration) (PortStates, error) {
	if len(hosts) == 1 {
		return s.tcp.Probe(ctx, hosts[0], ports, timeout)
	}
	if len(ports) == 0 {
		return PortStates{}, nil
	}
	return s.sweepPorts(ctx, hosts, ports, timeout)
}

// run executes fn on its own goroutine. A panic is turned into an error
// Issue and leaves the prober's field unset.
func (s *Scanner) run(wg *sync.WaitGroup, prober ScanType, issues *[]Issue, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				err := errors.NewScanError(errors.CodeScanFailed, fmt.Sprintf("%s prober panicked: %v", prober, r))
				s.logger.Error("Prober panicked", "prober", prober, "panic", r)
				s.metrics.IncrementScanErrors(string(prober), string(errors.CodeScanFailed))
				*issues = append(*issues, Issue{Prober: prober, Level: IssueError, Message: err.Message, Err: err})
			}
		}()
		fn()
	}()
}

func (s *Scanner) issue(prober ScanType, level IssueLevel, message string, err error) Issue {
	s.metrics.IncrementScanErrors(string(prober), string(errors.GetCode(err)))
	return Issue{Prober: prober, Level: level, Message: fmt.Sprintf("%s: %v", message, err), Err: err}
}

func (s *Scanner) finish(result *ScanResult, status string) {
	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	scanType := string(result.ScanType)
	if !result.ScanType.Valid() {
		scanType = "unknown"
	}
	s.metrics.IncrementScansTotal(scanType, status)
	s.metrics.RecordScanDuration(scanType, result.Duration)
}

func (s *Scanner) recordPorts(states PortStates) {
	for _, state := range []PortState{PortOpen, PortClosed, PortFiltered, PortError} {
		if n := states.Count(state); n > 0 {
			s.metrics.IncrementPortStates(string(state), n)
		}
	}
}

// validate re-checks a request before any prober runs. An empty scan type
// means ScanTypeAll.
func validate(req Request) (targets.Target, ScanType, error) {
	target, err := targets.Parse(req.Target)
	if err != nil {
		return targets.Target{}, "", err
	}

	scanType := req.Type
	if scanType == "" {
		scanType = ScanTypeAll
	}
	if !scanType.Valid() {
		return targets.Target{}, "", errors.NewScanErrorWithTarget(errors.CodeValidation,
			"invalid scan type", req.Target).WithContext("scan_type", string(req.Type))
	}

	if req.Timeout <= 0 {
		return targets.Target{}, "", errors.NewScanErrorWithTarget(errors.CodeValidation,
			"timeout must be positive", req.Target).WithContext("timeout", req.Timeout)
	}

	for _, port := range req.Ports {
		if err := ports.Validate(port); err != nil {
			return targets.Target{}, "", err
		}
	}
	return target, scanType, nil
}
