// Package report renders scan results for terminals and for machines.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/netprobe/internal/discovery"
	"github.com/anstrom/netprobe/internal/errors"
	"github.com/anstrom/netprobe/internal/scanning"
)

// Format selects the output representation.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
)

// MsgNoHosts is printed when an ARP sweep found nothing.
const MsgNoHosts = "No hosts found in the network"

// ParseFormat parses an output format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatTable, FormatJSON:
		return f, nil
	default:
		return "", errors.NewConfigFieldError(errors.CodeValidation,
			"output format must be table or json", "output", s)
	}
}

// Write renders result to w in the given format.
func Write(w io.Writer, result *scanning.ScanResult, format Format) error {
	switch format {
	case FormatJSON:
		return WriteJSON(w, result)
	case FormatTable, "":
		return WriteTable(w, result)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

// WriteJSON writes result as indented JSON.
func WriteJSON(w io.Writer, result *scanning.ScanResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// WriteTable writes the sections present in result, in ICMP, TCP, ARP order,
// followed by any issues.
func WriteTable(w io.Writer, result *scanning.ScanResult) error {
	var b strings.Builder
	b.WriteString("\nScan Results:\n")
	b.WriteString("=============\n")
	fmt.Fprintf(&b, "Target: %s  Type: %s  Duration: %s\n",
		result.Target, result.ScanType, result.Duration.Round(time.Millisecond))
	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}

	if result.ICMP != nil {
		if _, err := fmt.Fprintf(w, "\nICMP Scan: Host is %s\n", strings.ToUpper(string(*result.ICMP))); err != nil {
			return err
		}
	}

	if result.TCP != nil {
		if err := writePorts(w, result.TCP); err != nil {
			return err
		}
	}

	if result.ARP != nil {
		if err := writeHosts(w, result.ARP); err != nil {
			return err
		}
	}

	return writeIssues(w, result.Issues)
}

func writePorts(w io.Writer, states scanning.PortStates) error {
	if _, err := io.WriteString(w, "\nTCP Port Scan Results:\n"); err != nil {
		return err
	}
	if len(states) == 0 {
		_, err := io.WriteString(w, "No ports scanned\n")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header("Port", "State")
	for _, port := range states.Ports() {
		if err := table.Append([]string{strconv.Itoa(port), string(states[port])}); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(w, "%d open, %d closed, %d filtered, %d error\n",
		states.Count(scanning.PortOpen),
		states.Count(scanning.PortClosed),
		states.Count(scanning.PortFiltered),
		states.Count(scanning.PortError))
	return err
}

func writeHosts(w io.Writer, hosts []discovery.HostRecord) error {
	if _, err := io.WriteString(w, "\nARP Scan Results:\n"); err != nil {
		return err
	}
	if len(hosts) == 0 {
		_, err := fmt.Fprintln(w, MsgNoHosts)
		return err
	}

	sorted := slices.Clone(hosts)
	slices.SortFunc(sorted, func(a, b discovery.HostRecord) int {
		return a.IP.Compare(b.IP)
	})

	table := tablewriter.NewWriter(w)
	table.Header("IP Address", "MAC Address")
	for _, host := range sorted {
		if err := table.Append([]string{host.IP.String(), host.MAC.String()}); err != nil {
			return err
		}
	}
	return table.Render()
}

func writeIssues(w io.Writer, issues []scanning.Issue) error {
	if len(issues) == 0 {
		return nil
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return err
	}
	for _, issue := range issues {
		label := "Warning"
		if issue.Level == scanning.IssueError {
			label = "Error"
		}
		if _, err := fmt.Fprintf(w, "%s (%s): %s\n", label, issue.Prober, issue.Message); err != nil {
			return err
		}
	}
	return nil
}
