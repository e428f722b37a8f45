package scanning

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/anstrom/netprobe/internal/workers"
)

// hostJob runs one prober against one address of a network target.
type hostJob struct {
	index int
	addr  netip.Addr
	probe func(ctx context.Context, i int, addr netip.Addr) error
}

func (j *hostJob) ID() string   { return strconv.Itoa(j.index) }
func (j *hostJob) Type() string { return "host_sweep" }

func (j *hostJob) Execute(ctx context.Context) error {
	return j.probe(ctx, j.index, j.addr)
}

// sweep runs probe once per address over a pool of size workers and returns
// one error per address: the probe's own error, or a not-run error when ctx
// ended before the address was reached. It returns after every worker has
// stopped, so probe results written by index are safe to read.
func sweep(ctx context.Context, hosts []netip.Addr, size int, timeout time.Duration,
	probe func(ctx context.Context, i int, addr netip.Addr) error) []error {
	pool := workers.New(ctx, workers.Config{
		Size:            min(size, len(hosts)),
		QueueSize:       len(hosts),
		ShutdownTimeout: timeout + time.Second,
	})
	pool.Start()

	errs := make([]error, len(hosts))
	done := make([]bool, len(hosts))
	submitted := 0
	for i, addr := range hosts {
		if err := pool.Submit(&hostJob{index: i, addr: addr, probe: probe}); err != nil {
			errs[i] = err
			done[i] = true
			continue
		}
		submitted++
	}

	received := 0
	record := func(r workers.Result) {
		i, err := strconv.Atoi(r.JobID)
		if err != nil || done[i] {
			return
		}
		done[i] = true
		errs[i] = r.Error
		received++
	}

collect:
	for received < submitted {
		select {
		case r, ok := <-pool.Results():
			if !ok {
				break collect
			}
			record(r)
		case <-ctx.Done():
			break collect
		}
	}

	_ = pool.Shutdown()
	for r := range pool.Results() {
		record(r)
	}

	for i, addr := range hosts {
		if !done[i] {
			errs[i] = notRun(ctx, addr)
		}
	}
	return errs
}

// sweepHosts probes every address with ICMP. The network is up as soon as
// one address answers; the remaining probes are then abandoned.
func (s *Scanner) sweepHosts(ctx context.Context, hosts []netip.Addr, timeout time.Duration) (HostState, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var up atomic.Bool
	errs := sweep(ctx, hosts, s.workers, timeout, func(ctx context.Context, _ int, addr netip.Addr) error {
		state, err := s.icmp.Probe(ctx, addr, timeout)
		if state == HostUp {
			up.Store(true)
			cancel()
		}
		return err
	})

	if up.Load() {
		return HostUp, nil
	}
	return HostDown, joinHostErrors(hosts, errs)
}

// sweepPorts probes the ports on every address and merges the results per
// port. Hosts run in parallel only as far as the worker budget allows once
// each host's own port fan-out is counted.
func (s *Scanner) sweepPorts(ctx context.Context, hosts []netip.Addr, ports []int, timeout time.Duration) (PortStates, error) {
	perHost := make([]PortStates, len(hosts))
	size := max(1, s.workers/max(1, len(ports)))

	errs := sweep(ctx, hosts, size, timeout, func(ctx context.Context, i int, addr netip.Addr) error {
		states, err := s.tcp.Probe(ctx, addr, ports, timeout)
		perHost[i] = states
		return err
	})
	return mergePortStates(ports, perHost), joinHostErrors(hosts, errs)
}

// portRank orders states by how much they say about a port. The most
// informative answer from any host wins.
var portRank = map[PortState]int{
	PortOpen:     3,
	PortClosed:   2,
	PortFiltered: 1,
	PortError:    0,
}

func mergePortStates(ports []int, perHost []PortStates) PortStates {
	merged := make(PortStates, len(ports))
	for _, port := range ports {
		merged[port] = PortError
	}
	for _, states := range perHost {
		for port, state := range states {
			if current, ok := merged[port]; ok && portRank[state] > portRank[current] {
				merged[port] = state
			}
		}
	}
	return merged
}

func joinHostErrors(hosts []netip.Addr, errs []error) error {
	var joined []error
	for i, err := range errs {
		if err != nil {
			joined = append(joined, fmt.Errorf("%s: %w", hosts[i], err))
		}
	}
	return stderrors.Join(joined...)
}
