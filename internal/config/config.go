// Package config loads and validates the netprobe configuration file.
package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/netprobe/internal/db"
	"github.com/anstrom/netprobe/internal/errors"
	"github.com/anstrom/netprobe/internal/logging"
)

const (
	configDirPerm  = 0750
	configFilePerm = 0600
)

// Config represents the complete netprobe configuration
type Config struct {
	// Scanning configuration
	Scanning ScanningConfig `yaml:"scanning" json:"scanning"`

	// Logging configuration
	Logging logging.Config `yaml:"logging" json:"logging"`

	// Database configuration
	Database db.Config `yaml:"database" json:"database"`

	// API configuration
	API APIConfig `yaml:"api" json:"api"`

	// Process settings for the serve command
	Daemon DaemonConfig `yaml:"daemon" json:"daemon"`

	// Named scan presets in addition to the built-in ones
	Profiles []ProfileConfig `yaml:"profiles,omitempty" json:"profiles" validate:"dive"`

	// Recurring scans run by the server
	Schedules []ScheduleConfig `yaml:"schedules,omitempty" json:"schedules" validate:"dive"`
}

// ScanningConfig holds scanning-related settings
type ScanningConfig struct {
	// Per-probe reply timeout
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`

	// Number of concurrent TCP port workers per scan
	Workers int `yaml:"workers" json:"workers" validate:"min=1,max=1024"`

	// Interface used for ARP sweeps; empty picks the one routing the target
	Interface string `yaml:"interface" json:"interface"`

	// Scan type used when a request does not name one
	DefaultScanType string `yaml:"default_scan_type" json:"default_scan_type" validate:"oneof=all icmp tcp arp"`

	// Maximum number of scans running at once across CLI, API and schedules
	MaxConcurrentScans int `yaml:"max_concurrent_scans" json:"max_concurrent_scans" validate:"min=1"`
}

// APIConfig holds API server settings
type APIConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host" json:"host" validate:"required_if=Enabled true"`
	Port    int    `yaml:"port" json:"port" validate:"min=0,max=65535"`

	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"gte=0"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gte=0"`
	MaxRequestSize  int64         `yaml:"max_request_size" json:"max_request_size" validate:"gte=0"`

	// Require an API key on every /api route
	AuthEnabled bool `yaml:"auth_enabled" json:"auth_enabled"`

	// bcrypt hashes produced by "netprobe hash-key"
	APIKeyHashes []string `yaml:"api_key_hashes,omitempty" json:"-"`

	CORS      CORSConfig      `yaml:"cors" json:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
}

// DaemonConfig holds settings for the long-running serve process
type DaemonConfig struct {
	// Written at startup and removed on exit; empty disables it
	PIDFile string `yaml:"pid_file" json:"pid_file"`

	// How often the database connection is checked; zero disables it
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" validate:"gte=0"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
}

// RateLimitConfig holds per-client rate limiting settings
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second" validate:"gte=0"`
	Burst             int     `yaml:"burst" json:"burst" validate:"gte=0"`
}

// ProfileConfig describes a named scan preset. Empty fields leave the
// request defaults alone.
type ProfileConfig struct {
	Name        string        `yaml:"name" json:"name" validate:"required"`
	Description string        `yaml:"description" json:"description"`
	ScanType    string        `yaml:"scan_type" json:"scan_type" validate:"omitempty,oneof=all icmp tcp arp"`
	Ports       string        `yaml:"ports" json:"ports"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// ScheduleConfig describes one recurring scan. Explicit fields override the
// named profile.
type ScheduleConfig struct {
	Name     string        `yaml:"name" json:"name" validate:"required"`
	Cron     string        `yaml:"cron" json:"cron" validate:"required"`
	Target   string        `yaml:"target" json:"target" validate:"required"`
	Profile  string        `yaml:"profile" json:"profile"`
	ScanType string        `yaml:"scan_type" json:"scan_type" validate:"omitempty,oneof=all icmp tcp arp"`
	Ports    string        `yaml:"ports" json:"ports"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Scanning: ScanningConfig{
			Timeout:            2 * time.Second,
			Workers:            32,
			DefaultScanType:    "all",
			MaxConcurrentScans: 4,
		},
		Logging:  logging.DefaultConfig(),
		Database: db.DefaultConfig(),
		Daemon: DaemonConfig{
			HealthCheckInterval: 30 * time.Second,
		},
		API: APIConfig{
			Enabled:         false,
			Host:            "127.0.0.1",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    5 * time.Minute,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestSize:  1024 * 1024, // 1MB
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
			},
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 5,
				Burst:             10,
			},
		},
	}
}

// Load reads a YAML configuration file over the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "failed to read config file", err)
	}

	if err := Decode(bytes.NewReader(data), config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Decode merges YAML from r into config. Unknown keys are rejected.
func Decode(r io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(config); err != nil && !stderrors.Is(err, io.EOF) {
		return errors.WrapConfigError(errors.CodeConfiguration, "failed to parse YAML config", err)
	}
	return nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

var validate = validator.New()

// Validate checks struct tags first, then the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if stderrors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return errors.NewConfigFieldError(errors.CodeValidation,
				fmt.Sprintf("failed on the '%s' rule", fe.Tag()), fe.Namespace(), fe.Value())
		}
		return errors.WrapConfigError(errors.CodeValidation, "invalid configuration", err)
	}

	if c.API.Enabled && c.API.Port == 0 {
		return errors.ErrConfigInvalid("Config.API.Port", c.API.Port)
	}
	if c.API.AuthEnabled && len(c.API.APIKeyHashes) == 0 {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"auth is enabled but no API key hashes are configured", "Config.API.APIKeyHashes", nil)
	}
	if c.API.RateLimit.Enabled && c.API.RateLimit.RequestsPerSecond <= 0 {
		return errors.ErrConfigInvalid("Config.API.RateLimit.RequestsPerSecond", c.API.RateLimit.RequestsPerSecond)
	}

	seen := make(map[string]bool, len(c.Schedules))
	for i, s := range c.Schedules {
		if seen[s.Name] {
			return errors.NewConfigFieldError(errors.CodeValidation, "duplicate schedule name",
				fmt.Sprintf("Config.Schedules[%d].Name", i), s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// GetAPIAddress returns the host:port the API listens on.
func (c *Config) GetAPIAddress() string {
	return net.JoinHostPort(c.API.Host, strconv.Itoa(c.API.Port))
}
