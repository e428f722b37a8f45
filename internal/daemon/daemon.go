// Package daemon supervises the long-running serve process. It owns the PID
// file, reacts to control signals and watches the database connection while
// the API server and scheduler do the actual work.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/anstrom/netprobe/internal/config"
	"github.com/anstrom/netprobe/internal/logging"
	"github.com/anstrom/netprobe/internal/scanning"
	"github.com/anstrom/netprobe/internal/scheduler"
)

const (
	healthCheckTimeout = 5 * time.Second
	signalBuffer       = 4
)

// File permission constants.
const (
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

// Scheduler is the part of the scan scheduler the daemon controls.
type Scheduler interface {
	Reload(cfg *config.Config) error
	GetJobs() []scheduler.ScheduledJob
}

// Pinger checks the database connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ResourceReporter reports scan slot usage.
type ResourceReporter interface {
	Stats() scanning.ResourceStats
}

// Deps are the services the daemon reports on. Every field except Logger
// may be nil.
type Deps struct {
	Scheduler Scheduler
	Database  Pinger
	Resources ResourceReporter
	Logger    *logging.Logger

	// LoadConfig reads the configuration again on SIGHUP. Defaults to config.Load.
	LoadConfig func(path string) (*config.Config, error)
}

// Daemon represents the serve process.
type Daemon struct {
	config     *config.Config
	configPath string
	pidFile    string
	scheduler  Scheduler
	database   Pinger
	resources  ResourceReporter
	loadConfig func(path string) (*config.Config, error)
	logger     *logging.Logger
	signals    chan os.Signal
	debugMode  bool
	dbHealthy  bool
	mu         sync.RWMutex
}

// New creates a daemon for cfg. configPath is re-read on SIGHUP.
func New(cfg *config.Config, configPath string, deps Deps) *Daemon {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	loadConfig := deps.LoadConfig
	if loadConfig == nil {
		loadConfig = config.Load
	}

	return &Daemon{
		config:     cfg,
		configPath: configPath,
		pidFile:    cfg.Daemon.PIDFile,
		scheduler:  deps.Scheduler,
		database:   deps.Database,
		resources:  deps.Resources,
		loadConfig: loadConfig,
		logger:     logger.WithComponent("daemon"),
		signals:    make(chan os.Signal, signalBuffer),
		dbHealthy:  true,
	}
}

// Run writes the PID file and runs serve until it returns or ctx ends,
// handling SIGHUP, SIGUSR1 and SIGUSR2 meanwhile. serve must return once
// its context is done.
func (d *Daemon) Run(ctx context.Context, serve func(ctx context.Context) error) error {
	if err := d.createPIDFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}
	defer d.removePIDFile()

	signal.Notify(d.signals, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(d.signals)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- serve(ctx)
	}()

	var healthTick <-chan time.Time
	if interval := d.config.Daemon.HealthCheckInterval; interval > 0 && d.database != nil {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		healthTick = ticker.C
	}

	d.logger.Info("Daemon started", "pid", os.Getpid())

	for {
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			d.logger.Info("Shutdown signal received")
			err := <-errCh
			d.logger.Info("Daemon stopped")
			return err
		case sig := <-d.signals:
			d.handleSignal(ctx, sig)
		case <-healthTick:
			_ = d.performHealthCheck(ctx)
		}
	}
}

func (d *Daemon) handleSignal(ctx context.Context, sig os.Signal) {
	d.logger.Info("Received signal", "signal", sig.String())

	switch sig {
	case syscall.SIGHUP:
		if err := d.reloadConfiguration(); err != nil {
			d.logger.Error("Configuration reload failed", "error", err)
		}
	case syscall.SIGUSR1:
		d.dumpStatus(ctx)
	case syscall.SIGUSR2:
		d.toggleDebugMode()
	}
}

// reloadConfiguration re-reads the config file and replaces the schedules.
// Other settings take effect on the next start.
func (d *Daemon) reloadConfiguration() error {
	if d.configPath == "" {
		return fmt.Errorf("no configuration file to reload")
	}

	newConfig, err := d.loadConfig(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new configuration: %w", err)
	}

	if d.scheduler != nil {
		if err := d.scheduler.Reload(newConfig); err != nil {
			return fmt.Errorf("failed to apply schedules: %w", err)
		}
	}

	d.mu.Lock()
	d.config = newConfig
	d.mu.Unlock()

	d.logger.Info("Configuration reloaded", "path", d.configPath, "schedules", len(newConfig.Schedules))
	return nil
}

// dumpStatus logs the current state of the process.
func (d *Daemon) dumpStatus(ctx context.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	fields := []any{
		"pid", os.Getpid(),
		"debug_mode", d.IsDebugMode(),
		"goroutines", runtime.NumGoroutine(),
		"alloc_kb", m.Alloc / 1024,
		"sys_kb", m.Sys / 1024,
		"num_gc", m.NumGC,
		"database", d.databaseStatus(ctx),
	}
	if d.resources != nil {
		stats := d.resources.Stats()
		fields = append(fields,
			"active_scans", stats.Active,
			"available_slots", stats.Available,
			"oldest_scan_age", stats.Oldest)
	}
	d.logger.Info("Daemon status", fields...)

	if d.scheduler == nil {
		return
	}
	for _, job := range d.scheduler.GetJobs() {
		d.logger.Info("Schedule status",
			"schedule", job.Name,
			"cron", job.Spec,
			"target", job.Request.Target,
			"runs", job.Runs,
			"running", job.Running,
			"last_run", job.LastRun,
			"next_run", job.NextRun,
			"last_error", job.LastError)
	}
}

func (d *Daemon) databaseStatus(ctx context.Context) string {
	if d.database == nil {
		return "not configured"
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	if err := d.database.Ping(ctx); err != nil {
		return "disconnected"
	}
	return "connected"
}

// toggleDebugMode switches the process log level between debug and the
// configured level.
func (d *Daemon) toggleDebugMode() {
	d.mu.Lock()
	d.debugMode = !d.debugMode
	enabled := d.debugMode
	d.mu.Unlock()

	if enabled {
		d.logger.SetLevel(logging.LevelDebug)
		d.logger.Info("Debug mode enabled")
		return
	}
	d.logger.SetLevel(d.logger.ConfiguredLevel())
	d.logger.Info("Debug mode disabled", "level", d.logger.ConfiguredLevel())
}

// IsDebugMode returns the current debug mode state.
func (d *Daemon) IsDebugMode() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.debugMode
}

// performHealthCheck pings the database and logs state changes. The pool
// reconnects on its own, so a failure is only reported.
func (d *Daemon) performHealthCheck(ctx context.Context) error {
	if d.database == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	err := d.database.Ping(ctx)

	d.mu.Lock()
	wasHealthy := d.dbHealthy
	d.dbHealthy = err == nil
	d.mu.Unlock()

	switch {
	case err != nil:
		d.logger.ErrorDatabase("Database health check failed", err)
	case !wasHealthy:
		d.logger.InfoDatabase("Database connection restored")
	}
	return err
}

// createPIDFile writes the current PID, refusing to start when another live
// process owns the file.
func (d *Daemon) createPIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(d.pidFile), DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}
	if err := d.checkExistingPID(); err != nil {
		return err
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	d.logger.Debug("Created PID file", "path", d.pidFile, "pid", pid)
	return nil
}

// checkExistingPID removes a stale or unreadable PID file.
func (d *Daemon) checkExistingPID() error {
	data, err := os.ReadFile(d.pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read existing PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err == nil && pid != os.Getpid() && isProcessRunning(pid) {
		return fmt.Errorf("netprobe already running with PID %d", pid)
	}

	_ = os.Remove(d.pidFile)
	return nil
}

func (d *Daemon) removePIDFile() {
	if d.pidFile == "" {
		return
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("Failed to remove PID file", "path", d.pidFile, "error", err)
	}
}

// isProcessRunning checks if a process with the given PID is running.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
