package db

import (
	"database/sql/driver"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// IPAddr maps a netip.Addr onto the PostgreSQL INET type.
type IPAddr struct {
	netip.Addr
}

// Scan implements sql.Scanner.
func (ip *IPAddr) Scan(value interface{}) error {
	var s string
	switch v := value.(type) {
	case nil:
		ip.Addr = netip.Addr{}
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into IPAddr", value)
	}

	// INET renders host addresses as a.b.c.d/32 in some drivers.
	if prefix, err := netip.ParsePrefix(s); err == nil {
		ip.Addr = prefix.Addr()
		return nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return fmt.Errorf("failed to parse IP address: %w", err)
	}
	ip.Addr = addr
	return nil
}

// Value implements driver.Valuer.
func (ip IPAddr) Value() (driver.Value, error) {
	if !ip.IsValid() {
		return nil, nil
	}
	return ip.String(), nil
}

// MACAddr maps a net.HardwareAddr onto the PostgreSQL MACADDR type.
type MACAddr struct {
	net.HardwareAddr
}

// Scan implements sql.Scanner.
func (mac *MACAddr) Scan(value interface{}) error {
	var s string
	switch v := value.(type) {
	case nil:
		mac.HardwareAddr = nil
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into MACAddr", value)
	}

	hw, err := net.ParseMAC(s)
	if err != nil {
		return fmt.Errorf("failed to parse MAC address: %w", err)
	}
	mac.HardwareAddr = hw
	return nil
}

// Value implements driver.Valuer.
func (mac MACAddr) Value() (driver.Value, error) {
	if len(mac.HardwareAddr) == 0 {
		return nil, nil
	}
	return mac.String(), nil
}

// scanRow is a row of scans.
type scanRow struct {
	ID          uuid.UUID `db:"id"`
	Target      string    `db:"target"`
	ScanType    string    `db:"scan_type"`
	HostState   *string   `db:"host_state"`
	TCPPresent  bool      `db:"tcp_present"`
	ARPPresent  bool      `db:"arp_present"`
	StartedAt   time.Time `db:"started_at"`
	CompletedAt time.Time `db:"completed_at"`
	DurationMS  int64     `db:"duration_ms"`
}

type portRow struct {
	Port  int    `db:"port"`
	State string `db:"state"`
}

type hostRow struct {
	IP  IPAddr  `db:"ip_address"`
	MAC MACAddr `db:"mac_address"`
}

type issueRow struct {
	Prober  string `db:"prober"`
	Level   string `db:"level"`
	Message string `db:"message"`
}

// ScanSummary is one line of the scan history listing.
type ScanSummary struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Target      string    `db:"target" json:"target"`
	ScanType    string    `db:"scan_type" json:"scan_type"`
	HostState   *string   `db:"host_state" json:"icmp,omitempty"`
	OpenPorts   int       `db:"open_ports" json:"open_ports"`
	HostsFound  int       `db:"hosts_found" json:"hosts_found"`
	Issues      int       `db:"issues" json:"issues"`
	StartedAt   time.Time `db:"started_at" json:"started_at"`
	CompletedAt time.Time `db:"completed_at" json:"completed_at"`
	DurationMS  int64     `db:"duration_ms" json:"duration_ms"`
}

// ListOptions filters and pages the scan history.
type ListOptions struct {
	// Target restricts the listing to one target string when set.
	Target string
	Limit  int
	Offset int
}
