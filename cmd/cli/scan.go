// Package cli provides the command-line interface for netprobe.
// This file implements the scan command.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/netprobe/internal/config"
	"github.com/anstrom/netprobe/internal/db"
	"github.com/anstrom/netprobe/internal/errors"
	"github.com/anstrom/netprobe/internal/logging"
	"github.com/anstrom/netprobe/internal/metrics"
	"github.com/anstrom/netprobe/internal/ports"
	"github.com/anstrom/netprobe/internal/profiles"
	"github.com/anstrom/netprobe/internal/report"
	"github.com/anstrom/netprobe/internal/scanning"
	"github.com/anstrom/netprobe/internal/targets"
)

// MsgInterrupted is printed when SIGINT ends a scan early.
const MsgInterrupted = "Scan interrupted by user"

// scanOptions holds the scan command flags.
type scanOptions struct {
	profile  string
	scanType string
	ports    string
	portsSet bool
	timeout  float64
	timeSet  bool
	output   string
	store    bool
}

var scanOpts scanOptions

// Scanner runs one scan. *scanning.Scanner satisfies it.
type Scanner interface {
	Scan(ctx context.Context, req scanning.Request) (*scanning.ScanResult, error)
}

// scannerFactory builds the scanner for a command; tests replace it.
var scannerFactory = func(cfg *config.Config, rm scanning.ResourceManager, recorder metrics.Recorder) Scanner {
	return newRawScanner(cfg, rm, recorder)
}

func newRawScanner(cfg *config.Config, rm scanning.ResourceManager, recorder metrics.Recorder) *scanning.Scanner {
	opts := []scanning.Option{
		scanning.WithLogger(logging.Default()),
		scanning.WithWorkers(cfg.Scanning.Workers),
		scanning.WithMetrics(recorder),
	}
	if rm != nil {
		opts = append(opts, scanning.WithResourceManager(rm))
	}
	return scanning.NewRawScanner(cfg.Scanning.Interface, opts...)
}

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan <target>",
	Short: "Probe a host or network",
	Long: `Probe a target with ICMP echo, TCP SYN and ARP.

The target is an IPv4 or IPv6 address, optionally with a prefix length. ARP
sweeps cover the /24 around a bare IPv4 address. TCP probes need a port list;
without one the TCP section stays empty and a warning is printed.`,
	Example: `  netprobe scan 192.168.1.1
  netprobe scan 192.168.1.10 -t tcp -p 22,80,8000-8010
  netprobe scan 192.168.1.0/24 -t arp --interface eth0
  netprobe scan 10.0.0.5 -t icmp -T 0.5 -o json
  netprobe scan 10.0.0.5 --profile web`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scanOpts.portsSet = cmd.Flags().Changed("ports")
		scanOpts.timeSet = cmd.Flags().Changed("timeout")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return runScan(ctx, cmd.OutOrStdout(), cfg, args[0], scanOpts)
	},
}

func init() {
	rootCmd.AddCommand(scanCmd)

	flags := scanCmd.Flags()
	flags.StringVar(&scanOpts.profile, "profile", "", "named scan preset; explicit flags override it (see 'netprobe profiles')")
	flags.StringVarP(&scanOpts.scanType, "type", "t", "", "scan type: all, icmp, tcp, arp (default from config, normally all)")
	flags.StringVarP(&scanOpts.ports, "ports", "p", "", "ports to probe, e.g. '22,80,443' or '1-1024'")
	flags.Float64VarP(&scanOpts.timeout, "timeout", "T", 0, "per-probe timeout in seconds (default from config, normally 2)")
	flags.Int("workers", 0, "concurrent TCP port probes")
	flags.String("interface", "", "interface for ARP sweeps")
	flags.StringVarP(&scanOpts.output, "output", "o", string(report.FormatTable), "output format: table or json")
	flags.BoolVar(&scanOpts.store, "store", false, "save the result to the scan history database")

	bindFlags(flags, map[string]string{
		"scanning.workers":   "workers",
		"scanning.interface": "interface",
	})
}

// buildScanRequest validates the command line before any packet is sent.
func buildScanRequest(target string, opts scanOptions, cfg *config.Config) (scanning.Request, error) {
	if _, err := targets.Parse(target); err != nil {
		return scanning.Request{}, err
	}

	req := scanning.Request{
		Target:  target,
		Timeout: cfg.Scanning.Timeout,
	}

	scanType, err := scanning.ParseScanType(cfg.Scanning.DefaultScanType)
	if err != nil {
		return req, err
	}
	req.Type = scanType

	if opts.profile != "" {
		presets, err := profiles.NewManager(cfg.Profiles)
		if err != nil {
			return req, err
		}
		profile, err := presets.Get(opts.profile)
		if err != nil {
			return req, err
		}
		if err := profile.Apply(&req); err != nil {
			return req, err
		}
	}

	if opts.scanType != "" {
		scanType, err := scanning.ParseScanType(opts.scanType)
		if err != nil {
			return req, err
		}
		req.Type = scanType
	}

	if opts.portsSet {
		if strings.TrimSpace(opts.ports) == "" {
			req.Ports = []int{}
		} else {
			parsed, err := ports.Parse(opts.ports)
			if err != nil {
				return req, err
			}
			req.Ports = parsed
		}
	}

	if opts.timeSet {
		if opts.timeout <= 0 {
			return req, errors.NewScanError(errors.CodeValidation, "timeout must be greater than 0")
		}
		req.Timeout = time.Duration(opts.timeout * float64(time.Second))
	}

	return req, nil
}

// runScan runs one scan and renders it to out. An interrupt is not an error.
func runScan(ctx context.Context, out io.Writer, cfg *config.Config, target string, opts scanOptions) error {
	req, err := buildScanRequest(target, opts, cfg)
	if err != nil {
		return err
	}
	format, err := report.ParseFormat(opts.output)
	if err != nil {
		return err
	}

	var repo *db.ScanRepository
	if opts.store {
		if !cfg.Database.Enabled {
			return errors.NewConfigFieldError(errors.CodeConfiguration,
				"--store needs database.enabled in the configuration", "database.enabled", false)
		}
		database, err := db.ConnectAndMigrate(ctx, &cfg.Database)
		if err != nil {
			return err
		}
		defer func() { _ = database.Close() }()
		repo = db.NewScanRepository(database, nil)
	}

	scanner := scannerFactory(cfg, nil, metrics.Nop{})
	result, err := scanner.Scan(ctx, req)
	if err != nil {
		if errors.IsCode(err, errors.CodeCanceled) {
			fmt.Fprintln(out, MsgInterrupted)
			return nil
		}
		return err
	}

	if err := report.Write(out, result, format); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	if repo != nil {
		if err := repo.Save(ctx, result); err != nil {
			return err
		}
		logging.Info("Scan stored", "scan_id", result.ID)
	}
	return nil
}
