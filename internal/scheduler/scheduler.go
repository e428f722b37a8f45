// Package scheduler runs recurring scans on cron schedules. Each schedule
// names a target and scan type; results are kept in the scan history when a
// store is configured.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/netprobe/internal/config"
	"github.com/anstrom/netprobe/internal/errors"
	"github.com/anstrom/netprobe/internal/logging"
	"github.com/anstrom/netprobe/internal/ports"
	"github.com/anstrom/netprobe/internal/profiles"
	"github.com/anstrom/netprobe/internal/scanning"
)

// Scanner runs one scan.
type Scanner interface {
	Scan(ctx context.Context, req scanning.Request) (*scanning.ScanResult, error)
}

// ResultStore keeps scan results.
type ResultStore interface {
	Save(ctx context.Context, result *scanning.ScanResult) error
}

// Scheduler manages scheduled scan jobs.
type Scheduler struct {
	scanner Scanner
	store   ResultStore
	cron    *cron.Cron
	jobs    map[string]*ScheduledJob
	mu      sync.RWMutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *logging.Logger
}

// ScheduledJob is the in-memory state of one schedule.
type ScheduledJob struct {
	Name      string
	Spec      string
	Request   scanning.Request
	CronID    cron.EntryID
	LastRun   time.Time
	NextRun   time.Time
	LastError string
	Runs      int
	Running   bool
}

// NewScheduler creates a new job scheduler. store may be nil.
func NewScheduler(scanner Scanner, store ResultStore, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("scheduler")
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		scanner: scanner,
		store:   store,
		cron:    cron.New(cron.WithChain(cron.Recover(cronLogger{logger}))),
		jobs:    make(map[string]*ScheduledJob),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// RequestFromConfig builds the scan request for a configured schedule:
// scanning defaults first, then the named profile, then explicit fields.
func RequestFromConfig(sc config.ScheduleConfig, defaults config.ScanningConfig, presets *profiles.Manager) (scanning.Request, error) {
	req := scanning.Request{
		Target:  sc.Target,
		Type:    scanning.ScanType(defaults.DefaultScanType),
		Timeout: defaults.Timeout,
	}

	if sc.Profile != "" {
		if presets == nil {
			return req, errors.NewConfigFieldError(errors.CodeConfiguration, "no profiles available", "profile", sc.Profile)
		}
		profile, err := presets.Get(sc.Profile)
		if err != nil {
			return req, err
		}
		if err := profile.Apply(&req); err != nil {
			return req, err
		}
	}

	if sc.ScanType != "" {
		scanType, err := scanning.ParseScanType(sc.ScanType)
		if err != nil {
			return req, err
		}
		req.Type = scanType
	}
	if sc.Ports != "" {
		parsed, err := ports.Parse(sc.Ports)
		if err != nil {
			return req, err
		}
		req.Ports = parsed
	}
	if sc.Timeout > 0 {
		req.Timeout = sc.Timeout
	}
	return req, nil
}

type pendingJob struct {
	name string
	spec string
	req  scanning.Request
}

// jobsFromConfig resolves and validates every schedule in cfg.
func jobsFromConfig(cfg *config.Config) ([]pendingJob, error) {
	presets, err := profiles.NewManager(cfg.Profiles)
	if err != nil {
		return nil, err
	}

	jobs := make([]pendingJob, 0, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		req, err := RequestFromConfig(sc, cfg.Scanning, presets)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: %w", sc.Name, err)
		}
		if _, err := cron.ParseStandard(sc.Cron); err != nil {
			return nil, errors.NewConfigFieldError(errors.CodeValidation,
				fmt.Sprintf("invalid cron expression: %v", err), "cron", sc.Cron)
		}
		jobs = append(jobs, pendingJob{name: sc.Name, spec: sc.Cron, req: req})
	}
	return jobs, nil
}

// LoadConfig registers every schedule in cfg.
func (s *Scheduler) LoadConfig(cfg *config.Config) error {
	jobs, err := jobsFromConfig(cfg)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := s.AddJob(job.name, job.spec, job.req); err != nil {
			return err
		}
	}
	return nil
}

// Reload replaces every schedule with those in cfg. The running set is left
// untouched when any new schedule is invalid.
func (s *Scheduler) Reload(cfg *config.Config) error {
	jobs, err := jobsFromConfig(cfg)
	if err != nil {
		return err
	}

	s.mu.RLock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.RUnlock()

	for _, name := range names {
		if err := s.RemoveJob(name); err != nil && !errors.IsCode(err, errors.CodeNotFound) {
			return err
		}
	}
	for _, job := range jobs {
		if err := s.AddJob(job.name, job.spec, job.req); err != nil {
			return err
		}
	}
	return nil
}

// AddJob registers a scan to run on a standard five-field cron spec.
func (s *Scheduler) AddJob(name, spec string, req scanning.Request) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return errors.NewConfigFieldError(errors.CodeValidation,
			fmt.Sprintf("invalid cron expression: %v", err), "cron", spec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return errors.NewConfigFieldError(errors.CodeValidation, "schedule already exists", "name", name)
	}

	cronID := s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.RunJob(name)
	}))

	s.jobs[name] = &ScheduledJob{
		Name:    name,
		Spec:    spec,
		Request: req,
		CronID:  cronID,
		NextRun: schedule.Next(time.Now()),
	}

	s.logger.Info("Added scheduled scan",
		"schedule", name,
		"cron", spec,
		"target", req.Target,
		"scan_type", req.Type)
	return nil
}

// RemoveJob unregisters a schedule.
func (s *Scheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[name]
	if !exists {
		return errors.NewConfigFieldError(errors.CodeNotFound, "schedule not found", "name", name)
	}

	s.cron.Remove(job.CronID)
	delete(s.jobs, name)
	s.logger.Info("Removed scheduled scan", "schedule", name)
	return nil
}

// Start begins the scheduler.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop cancels running scans and waits for their jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()

	s.logger.Info("Scheduler stopped")
}

// GetJobs returns a snapshot of every schedule, ordered by name.
func (s *Scheduler) GetJobs() []ScheduledJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		snapshot := *job
		if entry := s.cron.Entry(job.CronID); entry.Valid() && !entry.Next.IsZero() {
			snapshot.NextRun = entry.Next
		}
		jobs = append(jobs, snapshot)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

// RunJob runs the named schedule once. A run that starts while the previous
// one is still going is skipped.
func (s *Scheduler) RunJob(name string) {
	job, ok := s.prepareJobExecution(name)
	if !ok {
		return
	}

	logger := s.logger.WithFields("schedule", name)
	result, err := s.scanner.Scan(s.ctx, job.Request)
	if err == nil && s.store != nil {
		if saveErr := s.store.Save(s.ctx, result); saveErr != nil {
			logger.ErrorScan("Failed to store scheduled scan", job.Request.Target, saveErr)
			err = saveErr
		}
	}

	if err != nil {
		logger.ErrorScan("Scheduled scan failed", job.Request.Target, err)
	} else {
		logger.InfoScan("Scheduled scan completed", job.Request.Target,
			"scan_id", result.ID,
			"duration", result.Duration,
			"issues", len(result.Issues))
	}

	s.cleanupJobExecution(name, err)
}

// prepareJobExecution marks the job as running and returns a copy of it.
func (s *Scheduler) prepareJobExecution(name string) (ScheduledJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[name]
	if !exists {
		return ScheduledJob{}, false
	}
	if job.Running {
		s.logger.Warn("Scheduled scan is already running, skipping", "schedule", name)
		return ScheduledJob{}, false
	}

	job.Running = true
	job.LastRun = time.Now()
	job.Runs++
	return *job, true
}

// cleanupJobExecution marks the job as no longer running.
func (s *Scheduler) cleanupJobExecution(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[name]
	if !exists {
		return
	}
	job.Running = false
	job.LastError = ""
	if err != nil {
		job.LastError = err.Error()
	}
}

// cronLogger routes cron's own messages, including recovered panics, to the
// scheduler logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
