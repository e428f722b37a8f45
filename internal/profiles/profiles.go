// Package profiles provides named scan presets for netprobe. A profile fixes
// the scan type, port list and timeout of a request so that common scans can
// be run by name from the CLI, the API and schedules.
package profiles

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anstrom/netprobe/internal/config"
	"github.com/anstrom/netprobe/internal/errors"
	"github.com/anstrom/netprobe/internal/ports"
	"github.com/anstrom/netprobe/internal/scanning"
)

const maxNameLength = 64

// Profile is a named scan preset. Zero fields leave the request unchanged.
type Profile struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	ScanType    scanning.ScanType `json:"scan_type,omitempty"`
	Ports       string            `json:"ports,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	BuiltIn     bool              `json:"built_in"`
}

// builtIn lists the profiles every installation has.
var builtIn = []Profile{
	{
		Name:        "quick",
		Description: "ICMP echo only",
		ScanType:    scanning.ScanTypeICMP,
		Timeout:     time.Second,
	},
	{
		Name:        "web",
		Description: "HTTP and HTTPS ports",
		ScanType:    scanning.ScanTypeTCP,
		Ports:       "80,443,8000,8080,8443",
	},
	{
		Name:        "common",
		Description: "Frequently exposed service ports",
		ScanType:    scanning.ScanTypeTCP,
		Ports:       "21,22,23,25,53,80,110,143,443,445,3306,3389,5432,5900,6379,8080",
	},
	{
		Name:        "lan",
		Description: "ARP sweep of the local segment",
		ScanType:    scanning.ScanTypeARP,
	},
	{
		Name:        "full",
		Description: "Every prober with the well-known TCP ports",
		ScanType:    scanning.ScanTypeAll,
		Ports:       "1-1024",
	},
}

// Manager holds the built-in and configured profiles.
type Manager struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewManager creates a manager with the built-in profiles plus custom ones.
// A custom profile may not reuse a built-in name.
func NewManager(custom []config.ProfileConfig) (*Manager, error) {
	m := &Manager{profiles: make(map[string]Profile, len(builtIn)+len(custom))}
	for _, p := range builtIn {
		p.BuiltIn = true
		m.profiles[p.Name] = p
	}

	for _, pc := range custom {
		p := Profile{
			Name:        pc.Name,
			Description: pc.Description,
			Ports:       pc.Ports,
			Timeout:     pc.Timeout,
		}
		if pc.ScanType != "" {
			scanType, err := scanning.ParseScanType(pc.ScanType)
			if err != nil {
				return nil, err
			}
			p.ScanType = scanType
		}
		if err := m.Add(p); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Add registers a custom profile.
func (m *Manager) Add(p Profile) error {
	if err := ValidateProfile(p); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.profiles[p.Name]; ok {
		if existing.BuiltIn {
			return errors.NewConfigFieldError(errors.CodeValidation,
				"cannot redefine built-in profile", "profile", p.Name)
		}
		return errors.NewConfigFieldError(errors.CodeValidation, "duplicate profile name", "profile", p.Name)
	}

	p.BuiltIn = false
	m.profiles[p.Name] = p
	return nil
}

// Get returns the named profile.
func (m *Manager) Get(name string) (Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Profile{}, errors.NewConfigFieldError(errors.CodeNotFound, "unknown profile", "profile", name)
	}
	return p, nil
}

// GetAll returns every profile ordered by name.
func (m *Manager) GetAll() []Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// ValidateProfile checks a profile before it is registered.
func ValidateProfile(p Profile) error {
	if p.Name == "" {
		return errors.NewConfigFieldError(errors.CodeValidation, "profile name is required", "name", p.Name)
	}
	if len(p.Name) > maxNameLength || p.Name != strings.ToLower(p.Name) || strings.ContainsAny(p.Name, " \t") {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"profile name must be lowercase without spaces", "name", p.Name)
	}
	if p.ScanType != "" && !p.ScanType.Valid() {
		return errors.NewConfigFieldError(errors.CodeValidation, "invalid scan type", "scan_type", p.ScanType)
	}
	if p.Ports != "" {
		if _, err := ports.Parse(p.Ports); err != nil {
			return err
		}
	}
	if p.Timeout < 0 {
		return errors.NewConfigFieldError(errors.CodeValidation, "timeout must not be negative", "timeout", p.Timeout)
	}
	return nil
}

// Apply copies the profile's non-zero fields onto req.
func (p Profile) Apply(req *scanning.Request) error {
	if p.ScanType != "" {
		req.Type = p.ScanType
	}
	if p.Ports != "" {
		parsed, err := ports.Parse(p.Ports)
		if err != nil {
			return err
		}
		req.Ports = parsed
	}
	if p.Timeout > 0 {
		req.Timeout = p.Timeout
	}
	return nil
}
