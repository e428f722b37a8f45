// Package ports parses port list specifications such as "22,80,8000-8100".
package ports

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/anstrom/netprobe/internal/errors"
)

const (
	MinPort = 0
	MaxPort = 65535
)

// Parse parses a comma-separated list of ports and inclusive ranges. The
// result is sorted ascending with duplicates removed.
func Parse(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, invalid("empty port specification")
	}

	seen := make(map[int]struct{})
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, invalid("empty item in port list")
		}

		start, end, err := parseItem(part)
		if err != nil {
			return nil, err
		}
		for p := start; p <= end; p++ {
			seen[p] = struct{}{}
		}
	}

	result := make([]int, 0, len(seen))
	for p := range seen {
		result = append(result, p)
	}
	sort.Ints(result)
	return result, nil
}

func parseItem(part string) (start, end int, err error) {
	lo, hi, isRange := strings.Cut(part, "-")
	if !isRange {
		port, err := parsePort(part)
		return port, port, err
	}

	if start, err = parsePort(lo); err != nil {
		return 0, 0, err
	}
	if end, err = parsePort(hi); err != nil {
		return 0, 0, err
	}
	if start > end {
		return 0, 0, invalid(fmt.Sprintf("start port must be less than or equal to end port: %s", part))
	}
	return start, end, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, invalid(fmt.Sprintf("not a port number: %q", s))
	}
	if err := Validate(port); err != nil {
		return 0, err
	}
	return port, nil
}

// Validate checks that port lies in [MinPort, MaxPort].
func Validate(port int) error {
	if port < MinPort || port > MaxPort {
		return invalid(fmt.Sprintf("port numbers must be between %d and %d: %d", MinPort, MaxPort, port))
	}
	return nil
}

func invalid(msg string) error {
	return errors.NewScanError(errors.CodeValidation, "invalid port format: "+msg)
}

// Format renders ports compactly, collapsing consecutive runs into ranges.
// The input is assumed sorted ascending.
func Format(ports []int) string {
	var b strings.Builder
	for i := 0; i < len(ports); {
		j := i
		for j+1 < len(ports) && ports[j+1] == ports[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(ports[i]))
		if j > i {
			b.WriteByte('-')
			b.WriteString(strconv.Itoa(ports[j]))
		}
		i = j + 1
	}
	return b.String()
}
