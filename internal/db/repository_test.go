package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/netprobe/internal/discovery"
	"github.com/anstrom/netprobe/internal/errors"
	"github.com/anstrom/netprobe/internal/scanning"
)

type queryCall struct {
	operation string
	success   bool
}

type fakeQueryRecorder struct {
	calls []queryCall
}

func (f *fakeQueryRecorder) RecordDatabaseQuery(operation string, _ time.Duration, success bool) {
	f.calls = append(f.calls, queryCall{operation: operation, success: success})
}

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &DB{DB: sqlxFrom(conn)}, mock
}

func sampleResult() *scanning.ScanResult {
	up := scanning.HostUp
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &scanning.ScanResult{
		ID:       uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7"),
		Target:   "192.168.1.0/24",
		ScanType: scanning.ScanTypeAll,
		ICMP:     &up,
		TCP: scanning.PortStates{
			22:  scanning.PortOpen,
			80:  scanning.PortClosed,
			443: scanning.PortFiltered,
		},
		ARP: []discovery.HostRecord{
			{IP: netip.MustParseAddr("192.168.1.1"), MAC: net.HardwareAddr{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x01}},
		},
		Issues: []scanning.Issue{
			{Prober: scanning.ScanTypeTCP, Level: scanning.IssueWarning, Message: "port 25: timeout"},
		},
		StartedAt:   started,
		CompletedAt: started.Add(1500 * time.Millisecond),
		Duration:    1500 * time.Millisecond,
	}
}

func TestScanRepository_Save(t *testing.T) {
	db, mock := newMockDB(t)
	recorder := &fakeQueryRecorder{}
	repo := NewScanRepository(db, recorder)
	result := sampleResult()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO scans").
		WithArgs(result.ID, result.Target, "all", "up", true, true,
			result.StartedAt, result.CompletedAt, int64(1500)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	for _, port := range []int{22, 80, 443} {
		mock.ExpectExec("INSERT INTO scan_ports").
			WithArgs(result.ID, port, string(result.TCP[port])).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec("INSERT INTO scan_hosts").
		WithArgs(result.ID, 0, "192.168.1.1", "aa:bb:cc:00:00:01").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO scan_issues").
		WithArgs(result.ID, 0, "tcp", "warning", "port 25: timeout").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Save(context.Background(), result))
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, []queryCall{{operation: "save_scan", success: true}}, recorder.calls)
}

func TestScanRepository_SaveAbsentSections(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewScanRepository(db, nil)

	result := &scanning.ScanResult{
		ID:       uuid.New(),
		Target:   "10.0.0.1",
		ScanType: scanning.ScanTypeTCP,
		Issues: []scanning.Issue{
			{Prober: scanning.ScanTypeTCP, Level: scanning.IssueWarning, Message: scanning.MsgNoPorts},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO scans").
		WithArgs(result.ID, "10.0.0.1", "tcp", nil, false, false,
			sqlmock.AnyArg(), sqlmock.AnyArg(), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO scan_issues").
		WithArgs(result.ID, 0, "tcp", "warning", scanning.MsgNoPorts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Save(context.Background(), result))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanRepository_SaveRollsBack(t *testing.T) {
	db, mock := newMockDB(t)
	recorder := &fakeQueryRecorder{}
	repo := NewScanRepository(db, recorder)
	result := sampleResult()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO scans").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO scan_ports").WillReturnError(stderrors.New("disk full"))
	mock.ExpectRollback()

	err := repo.Save(context.Background(), result)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeDatabaseQuery))
	assert.NotContains(t, err.Error(), "disk full")

	var dbErr *errors.DatabaseError
	require.ErrorAs(t, err, &dbErr)
	assert.Equal(t, "insert scan port", dbErr.Operation)

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, []queryCall{{operation: "save_scan", success: false}}, recorder.calls)
}

func scanColumns() []string {
	return []string{"id", "target", "scan_type", "host_state", "tcp_present", "arp_present",
		"started_at", "completed_at", "duration_ms"}
}

func TestScanRepository_Get(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewScanRepository(db, nil)
	want := sampleResult()

	mock.ExpectQuery("SELECT id, target, scan_type").
		WithArgs(want.ID).
		WillReturnRows(sqlmock.NewRows(scanColumns()).
			AddRow(want.ID.String(), want.Target, "all", "up", true, true,
				want.StartedAt, want.CompletedAt, int64(1500)))
	mock.ExpectQuery("SELECT port, state FROM scan_ports").
		WithArgs(want.ID).
		WillReturnRows(sqlmock.NewRows([]string{"port", "state"}).
			AddRow(22, "open").AddRow(80, "closed").AddRow(443, "filtered"))
	mock.ExpectQuery("SELECT ip_address, mac_address FROM scan_hosts").
		WithArgs(want.ID).
		WillReturnRows(sqlmock.NewRows([]string{"ip_address", "mac_address"}).
			AddRow("192.168.1.1/32", "aa:bb:cc:00:00:01"))
	mock.ExpectQuery("SELECT prober, level, message FROM scan_issues").
		WithArgs(want.ID).
		WillReturnRows(sqlmock.NewRows([]string{"prober", "level", "message"}).
			AddRow("tcp", "warning", "port 25: timeout"))

	got, err := repo.Get(context.Background(), want.ID)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanRepository_GetKeepsEmptySections(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewScanRepository(db, nil)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT id, target, scan_type").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(scanColumns()).
			AddRow(id.String(), "10.0.0.0/30", "all", nil, true, true, now, now, int64(3)))
	mock.ExpectQuery("FROM scan_ports").
		WillReturnRows(sqlmock.NewRows([]string{"port", "state"}))
	mock.ExpectQuery("FROM scan_hosts").
		WillReturnRows(sqlmock.NewRows([]string{"ip_address", "mac_address"}))
	mock.ExpectQuery("FROM scan_issues").
		WillReturnRows(sqlmock.NewRows([]string{"prober", "level", "message"}))

	got, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, got.ICMP)
	assert.NotNil(t, got.TCP)
	assert.Empty(t, got.TCP)
	assert.NotNil(t, got.ARP)
	assert.Empty(t, got.ARP)
	assert.Nil(t, got.Issues)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanRepository_GetAbsentSections(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewScanRepository(db, nil)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT id, target, scan_type").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(scanColumns()).
			AddRow(id.String(), "10.0.0.1", "icmp", "down", false, false, now, now, int64(2000)))
	mock.ExpectQuery("FROM scan_issues").
		WillReturnRows(sqlmock.NewRows([]string{"prober", "level", "message"}))

	got, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, got.ICMP)
	assert.Equal(t, scanning.HostDown, *got.ICMP)
	assert.Nil(t, got.TCP)
	assert.Nil(t, got.ARP)
	assert.Equal(t, 2*time.Second, got.Duration)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanRepository_GetNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	recorder := &fakeQueryRecorder{}
	repo := NewScanRepository(db, recorder)

	mock.ExpectQuery("SELECT id, target, scan_type").
		WillReturnError(sql.ErrNoRows)

	got, err := repo.Get(context.Background(), uuid.New())
	assert.Nil(t, got)
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
	assert.Equal(t, []queryCall{{operation: "get_scan", success: false}}, recorder.calls)
}

func TestScanRepository_List(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewScanRepository(db, nil)
	id := uuid.New()
	now := time.Now().UTC()

	columns := []string{"id", "target", "scan_type", "host_state", "started_at", "completed_at",
		"duration_ms", "open_ports", "hosts_found", "issues"}

	t.Run("defaults", func(t *testing.T) {
		mock.ExpectQuery("FROM scans s").
			WithArgs("", defaultListLimit, 0).
			WillReturnRows(sqlmock.NewRows(columns).
				AddRow(id.String(), "10.0.0.1", "all", "up", now, now, int64(40), int64(2), int64(0), int64(1)))

		summaries, err := repo.List(context.Background(), ListOptions{})
		require.NoError(t, err)
		require.Len(t, summaries, 1)
		assert.Equal(t, id, summaries[0].ID)
		assert.Equal(t, 2, summaries[0].OpenPorts)
		assert.Equal(t, 1, summaries[0].Issues)
		require.NotNil(t, summaries[0].HostState)
		assert.Equal(t, "up", *summaries[0].HostState)
	})

	t.Run("filtered and empty", func(t *testing.T) {
		mock.ExpectQuery("FROM scans s").
			WithArgs("10.9.9.9", 10, 20).
			WillReturnRows(sqlmock.NewRows(columns))

		summaries, err := repo.List(context.Background(), ListOptions{Target: "10.9.9.9", Limit: 10, Offset: 20})
		require.NoError(t, err)
		assert.NotNil(t, summaries)
		assert.Empty(t, summaries)
	})

	t.Run("rejects bad paging", func(t *testing.T) {
		_, err := repo.List(context.Background(), ListOptions{Limit: maxListLimit + 1})
		assert.True(t, errors.IsCode(err, errors.CodeValidation))

		_, err = repo.List(context.Background(), ListOptions{Offset: -1})
		assert.True(t, errors.IsCode(err, errors.CodeValidation))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
