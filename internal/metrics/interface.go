// Package metrics provides interfaces for metrics collection and monitoring.
package metrics

import "time"

//go:generate mockgen -destination=mocks/mock_recorder.go -package=mocks github.com/anstrom/netprobe/internal/metrics Recorder

// Recorder is the set of measurements taken by the scanning engine. It is
// satisfied by PrometheusMetrics and by Nop.
type Recorder interface {
	// IncrementScansTotal counts a finished scan by type and outcome.
	IncrementScansTotal(scanType, status string)

	// RecordScanDuration observes the wall time of one scan.
	RecordScanDuration(scanType string, duration time.Duration)

	// IncrementScanErrors counts a prober failure.
	IncrementScanErrors(prober, errorType string)

	// IncrementPortStates counts classified TCP ports.
	IncrementPortStates(state string, count int)

	// IncrementHostsDiscovered counts hosts found by a discovery method.
	IncrementHostsDiscovered(method string, count int)

	// RecordProbe counts one probe exchange by protocol and outcome.
	RecordProbe(protocol, outcome string)
}

// Nop discards every measurement.
type Nop struct{}

func (Nop) IncrementScansTotal(string, string) {}
func (Nop) RecordScanDuration(string, time.Duration) {}
func (Nop) IncrementScanErrors(string, string) {}
func (Nop) IncrementPortStates(string, int) {}
func (Nop) IncrementHostsDiscovered(string, int) {}
func (Nop) RecordProbe(string, string) {}

var (
	_ Recorder = (*PrometheusMetrics)(nil)
	_ Recorder = Nop{}
)
