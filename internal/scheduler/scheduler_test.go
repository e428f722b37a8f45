package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/netprobe/internal/config"
	"github.com/anstrom/netprobe/internal/errors"
	"github.com/anstrom/netprobe/internal/logging"
	"github.com/anstrom/netprobe/internal/profiles"
	"github.com/anstrom/netprobe/internal/scanning"
)

type fakeScanner struct {
	calls   atomic.Int32
	block   chan struct{}
	started chan struct{}
	err     error
	mu      sync.Mutex
	last    scanning.Request
}

func (f *fakeScanner) Scan(ctx context.Context, req scanning.Request) (*scanning.ScanResult, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return &scanning.ScanResult{ID: uuid.New()}, errors.ErrCanceled(req.Target, ctx.Err())
		}
	}
	return &scanning.ScanResult{ID: uuid.New(), Target: req.Target, ScanType: req.Type}, f.err
}

type fakeStore struct {
	mu    sync.Mutex
	saved []*scanning.ScanResult
	err   error
}

func (f *fakeStore) Save(_ context.Context, result *scanning.ScanResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, result)
	return nil
}

func newTestScheduler(scanner Scanner, store ResultStore) *Scheduler {
	return NewScheduler(scanner, store, logging.Discard())
}

func TestRequestFromConfig(t *testing.T) {
	defaults := config.ScanningConfig{Timeout: 2 * time.Second, DefaultScanType: "all"}
	presets, err := profiles.NewManager([]config.ProfileConfig{{Name: "db", ScanType: "tcp", Ports: "5432"}})
	require.NoError(t, err)

	tests := []struct {
		name    string
		sc      config.ScheduleConfig
		want    scanning.Request
		wantErr bool
	}{
		{
			name: "defaults",
			sc:   config.ScheduleConfig{Name: "lan", Cron: "@hourly", Target: "192.168.1.1"},
			want: scanning.Request{Target: "192.168.1.1", Type: scanning.ScanTypeAll, Timeout: 2 * time.Second},
		},
		{
			name: "overrides",
			sc: config.ScheduleConfig{
				Name: "web", Cron: "*/5 * * * *", Target: "10.0.0.5",
				ScanType: "tcp", Ports: "80,443", Timeout: time.Second,
			},
			want: scanning.Request{
				Target: "10.0.0.5", Type: scanning.ScanTypeTCP,
				Ports: []int{80, 443}, Timeout: time.Second,
			},
		},
		{
			name: "profile",
			sc:   config.ScheduleConfig{Name: "db", Cron: "@hourly", Target: "10.0.0.7", Profile: "db"},
			want: scanning.Request{
				Target: "10.0.0.7", Type: scanning.ScanTypeTCP,
				Ports: []int{5432}, Timeout: 2 * time.Second,
			},
		},
		{
			name: "explicit fields override profile",
			sc: config.ScheduleConfig{
				Name: "web", Cron: "@hourly", Target: "10.0.0.8",
				Profile: "web", Ports: "8443", Timeout: 3 * time.Second,
			},
			want: scanning.Request{
				Target: "10.0.0.8", Type: scanning.ScanTypeTCP,
				Ports: []int{8443}, Timeout: 3 * time.Second,
			},
		},
		{
			name:    "unknown profile",
			sc:      config.ScheduleConfig{Name: "x", Cron: "@hourly", Target: "10.0.0.5", Profile: "stealth"},
			wantErr: true,
		},
		{
			name:    "bad ports",
			sc:      config.ScheduleConfig{Name: "x", Cron: "@hourly", Target: "10.0.0.5", Ports: "99999"},
			wantErr: true,
		},
		{
			name:    "bad scan type",
			sc:      config.ScheduleConfig{Name: "x", Cron: "@hourly", Target: "10.0.0.5", ScanType: "udp"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RequestFromConfig(tt.sc, defaults, presets)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAddJob(t *testing.T) {
	s := newTestScheduler(&fakeScanner{}, nil)
	req := scanning.Request{Target: "10.0.0.1", Type: scanning.ScanTypeICMP, Timeout: time.Second}

	require.NoError(t, s.AddJob("ping", "*/10 * * * *", req))

	t.Run("duplicate name", func(t *testing.T) {
		err := s.AddJob("ping", "@hourly", req)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeValidation))
	})

	t.Run("invalid cron", func(t *testing.T) {
		err := s.AddJob("bad", "not a cron", req)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeValidation))
	})

	jobs := s.GetJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "ping", jobs[0].Name)
	assert.Equal(t, req, jobs[0].Request)
	assert.True(t, jobs[0].NextRun.After(time.Now()))
}

func TestRemoveJob(t *testing.T) {
	s := newTestScheduler(&fakeScanner{}, nil)
	require.NoError(t, s.AddJob("ping", "@hourly", scanning.Request{Target: "10.0.0.1"}))

	require.NoError(t, s.RemoveJob("ping"))
	assert.Empty(t, s.GetJobs())

	err := s.RemoveJob("ping")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func TestLoadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Schedules = []config.ScheduleConfig{
		{Name: "b", Cron: "@daily", Target: "10.0.0.2"},
		{Name: "a", Cron: "@hourly", Target: "10.0.0.1", ScanType: "arp"},
	}

	s := newTestScheduler(&fakeScanner{}, nil)
	require.NoError(t, s.LoadConfig(cfg))

	jobs := s.GetJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].Name)
	assert.Equal(t, scanning.ScanTypeARP, jobs[0].Request.Type)
	assert.Equal(t, "b", jobs[1].Name)

	cfg.Schedules = []config.ScheduleConfig{{Name: "c", Cron: "@daily", Target: "10.0.0.3", Ports: "0"}}
	require.Error(t, s.LoadConfig(cfg))
}

func TestReload(t *testing.T) {
	cfg := config.Default()
	cfg.Schedules = []config.ScheduleConfig{
		{Name: "a", Cron: "@hourly", Target: "10.0.0.1"},
		{Name: "b", Cron: "@daily", Target: "10.0.0.2"},
	}

	s := newTestScheduler(&fakeScanner{}, nil)
	require.NoError(t, s.LoadConfig(cfg))

	t.Run("replaces schedules", func(t *testing.T) {
		next := config.Default()
		next.Schedules = []config.ScheduleConfig{
			{Name: "b", Cron: "*/5 * * * *", Target: "10.0.0.20"},
			{Name: "c", Cron: "@daily", Target: "10.0.0.3"},
		}
		require.NoError(t, s.Reload(next))

		jobs := s.GetJobs()
		require.Len(t, jobs, 2)
		assert.Equal(t, "b", jobs[0].Name)
		assert.Equal(t, "10.0.0.20", jobs[0].Request.Target)
		assert.Equal(t, "c", jobs[1].Name)
	})

	t.Run("invalid config keeps current set", func(t *testing.T) {
		bad := config.Default()
		bad.Schedules = []config.ScheduleConfig{
			{Name: "d", Cron: "@daily", Target: "10.0.0.4"},
			{Name: "e", Cron: "not a cron", Target: "10.0.0.5"},
		}
		require.Error(t, s.Reload(bad))

		jobs := s.GetJobs()
		require.Len(t, jobs, 2)
		assert.Equal(t, "b", jobs[0].Name)
		assert.Equal(t, "c", jobs[1].Name)
	})

	t.Run("empty config clears schedules", func(t *testing.T) {
		require.NoError(t, s.Reload(config.Default()))
		assert.Empty(t, s.GetJobs())
	})
}

func TestRunJob_StoresResult(t *testing.T) {
	scanner := &fakeScanner{}
	store := &fakeStore{}
	s := newTestScheduler(scanner, store)
	req := scanning.Request{Target: "10.0.0.1", Type: scanning.ScanTypeICMP, Timeout: time.Second}
	require.NoError(t, s.AddJob("ping", "@hourly", req))

	s.RunJob("ping")

	assert.Equal(t, int32(1), scanner.calls.Load())
	assert.Equal(t, req, scanner.last)
	require.Len(t, store.saved, 1)
	assert.Equal(t, "10.0.0.1", store.saved[0].Target)

	job := s.GetJobs()[0]
	assert.Equal(t, 1, job.Runs)
	assert.False(t, job.Running)
	assert.Empty(t, job.LastError)
	assert.False(t, job.LastRun.IsZero())
}

func TestRunJob_RecordsErrors(t *testing.T) {
	t.Run("scan error", func(t *testing.T) {
		store := &fakeStore{}
		s := newTestScheduler(&fakeScanner{err: errors.ErrInvalidTarget("10.0.0.1")}, store)
		require.NoError(t, s.AddJob("ping", "@hourly", scanning.Request{Target: "10.0.0.1"}))

		s.RunJob("ping")

		assert.Empty(t, store.saved)
		assert.Contains(t, s.GetJobs()[0].LastError, "invalid target")
	})

	t.Run("store error", func(t *testing.T) {
		store := &fakeStore{err: errors.NewDatabaseError(errors.CodeDatabaseQuery, "insert failed")}
		s := newTestScheduler(&fakeScanner{}, store)
		require.NoError(t, s.AddJob("ping", "@hourly", scanning.Request{Target: "10.0.0.1"}))

		s.RunJob("ping")

		assert.Contains(t, s.GetJobs()[0].LastError, "insert failed")
	})
}

func TestRunJob_UnknownJob(t *testing.T) {
	scanner := &fakeScanner{}
	s := newTestScheduler(scanner, nil)

	s.RunJob("missing")

	assert.Zero(t, scanner.calls.Load())
}

func TestRunJob_SkipsOverlappingRuns(t *testing.T) {
	scanner := &fakeScanner{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := newTestScheduler(scanner, nil)
	require.NoError(t, s.AddJob("slow", "@hourly", scanning.Request{Target: "10.0.0.1"}))

	done := make(chan struct{})
	go func() {
		s.RunJob("slow")
		close(done)
	}()
	<-scanner.started

	s.RunJob("slow")
	assert.Equal(t, int32(1), scanner.calls.Load())
	assert.True(t, s.GetJobs()[0].Running)

	close(scanner.block)
	<-done
	assert.False(t, s.GetJobs()[0].Running)
}

func TestStartStop(t *testing.T) {
	scanner := &fakeScanner{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := newTestScheduler(scanner, nil)
	require.NoError(t, s.AddJob("slow", "@hourly", scanning.Request{Target: "10.0.0.1"}))

	require.NoError(t, s.Start())
	require.Error(t, s.Start(), "second start must fail")

	done := make(chan struct{})
	go func() {
		s.RunJob("slow")
		close(done)
	}()
	<-scanner.started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("running scan was not canceled by Stop")
	}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.Contains(t, s.GetJobs()[0].LastError, "canceled")
	s.Stop()
}
