package scanning

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/netprobe/internal/discovery"
	"github.com/anstrom/netprobe/internal/errors"
)

// DefaultTimeout is the per-probe wait used when a request does not set one.
const DefaultTimeout = 2 * time.Second

// ScanType selects which probers run.
type ScanType string

const (
	ScanTypeAll  ScanType = "all"
	ScanTypeICMP ScanType = "icmp"
	ScanTypeTCP  ScanType = "tcp"
	ScanTypeARP  ScanType = "arp"
)

// ScanTypes lists every accepted scan type.
var ScanTypes = []ScanType{ScanTypeAll, ScanTypeICMP, ScanTypeTCP, ScanTypeARP}

// ParseScanType parses a case-insensitive scan type name.
func ParseScanType(s string) (ScanType, error) {
	t := ScanType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", errors.NewScanError(errors.CodeValidation, "invalid scan type").
			WithContext("scan_type", s)
	}
	return t, nil
}

// Valid reports whether t is a known scan type.
func (t ScanType) Valid() bool {
	return slices.Contains(ScanTypes, t)
}

func (t ScanType) includes(prober ScanType) bool {
	return t == ScanTypeAll || t == prober
}

// PortState is the inferred state of one TCP port.
type PortState string

const (
	PortOpen     PortState = "open"
	PortClosed   PortState = "closed"
	PortFiltered PortState = "filtered"
	PortError    PortState = "error"
)

// PortStates maps each probed port to its state.
type PortStates map[int]PortState

// Ports returns the probed ports in ascending order.
func (p PortStates) Ports() []int {
	ports := make([]int, 0, len(p))
	for port := range p {
		ports = append(ports, port)
	}
	slices.Sort(ports)
	return ports
}

// Count returns how many ports are in state.
func (p PortStates) Count(state PortState) int {
	n := 0
	for _, s := range p {
		if s == state {
			n++
		}
	}
	return n
}

// HostState is the ICMP liveness verdict.
type HostState string

const (
	HostUp   HostState = "up"
	HostDown HostState = "down"
)

// IssueLevel grades a diagnostic attached to a result.
type IssueLevel string

const (
	IssueWarning IssueLevel = "warning"
	IssueError   IssueLevel = "error"
)

// Issue is a diagnostic raised while producing a result. It never replaces a
// result value; a failed prober still leaves its field in a defined state.
type Issue struct {
	Prober  ScanType   `json:"prober"`
	Level   IssueLevel `json:"level"`
	Message string     `json:"message"`
	Err     error      `json:"-"`
}

// Request describes one scan.
type Request struct {
	Target string
	Type   ScanType
	// Ports is nil when no port list was supplied, which is distinct from an
	// empty list.
	Ports []int
	// Timeout bounds the wait of every individual probe.
	Timeout time.Duration
}

// ScanResult is the merged outcome of one scan. ICMP, TCP and ARP are nil
// when the matching prober was not requested or could not produce a value.
type ScanResult struct {
	ID          uuid.UUID              `json:"id"`
	Target      string                 `json:"target"`
	ScanType    ScanType               `json:"scan_type"`
	ICMP        *HostState             `json:"icmp,omitzero"`
	TCP         PortStates             `json:"tcp,omitzero"`
	ARP         []discovery.HostRecord `json:"arp,omitzero"`
	Issues      []Issue                `json:"issues,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
	Duration    time.Duration          `json:"duration"`
}

// HasErrors reports whether any prober failed outright.
func (r *ScanResult) HasErrors() bool {
	for _, issue := range r.Issues {
		if issue.Level == IssueError {
			return true
		}
	}
	return false
}

func hostState(s HostState) *HostState {
	return &s
}
