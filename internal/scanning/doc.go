// Package scanning is the probing engine of netprobe.
//
// It answers three questions about a target: is the host up (ICMP echo),
// what state are its TCP ports in (half-open SYN probes), and which hosts
// share its local segment (ARP, delegated to internal/discovery). The
// Scanner orchestrates the three and merges their answers into a single
// ScanResult.
//
// # Main Components
//
//   - ICMPProber: one echo request, HostUp when the matching echo reply
//     arrives within the timeout, HostDown otherwise.
//   - TCPProber: one SYN per port, fanned out over internal/workers. A
//     SYN|ACK means open and is answered with a RST; a RST|ACK means closed;
//     silence or any other reply means filtered; a failed exchange means
//     error for that port only.
//   - Scanner: validates a Request, runs the probers implied by its
//     ScanType concurrently and merges their output.
//   - ResourceManager: caps the number of scans running at once.
//
// # Results
//
// ScanResult fields are independently absent. ICMP is nil, TCP is nil and
// ARP is nil unless the matching prober was requested and produced a value.
// An empty TCP map and an empty ARP list are present but empty, which is
// different from absent. Problems that do not prevent a value are attached
// as Issues; a rejected request returns a result with every field absent
// together with a validation error.
//
// # Usage
//
//	scanner := scanning.NewRawScanner("", scanning.WithWorkers(64))
//
//	result, err := scanner.Scan(ctx, scanning.Request{
//		Target:  "192.168.1.10",
//		Type:    scanning.ScanTypeAll,
//		Ports:   []int{22, 80, 443},
//		Timeout: scanning.DefaultTimeout,
//	})
//	if err != nil {
//		return err
//	}
//	for _, issue := range result.Issues {
//		log.Printf("%s: %s", issue.Prober, issue.Message)
//	}
//
// # Privileges
//
// Raw sockets and pcap handles need root or CAP_NET_RAW. Without them every
// exchange fails with CodePermission; the failure is reported per prober and
// the scan still returns a result.
//
// # Thread Safety
//
// Scanner and the probers hold no per-scan state. A single Scanner is shared
// by the CLI, the HTTP API and the scheduler. Each probe opens its own socket
// and closes it before returning, including on cancellation.
package scanning
