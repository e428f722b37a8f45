package db

import (
	"context"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/netprobe/internal/discovery"
	"github.com/anstrom/netprobe/internal/errors"
	"github.com/anstrom/netprobe/internal/scanning"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// QueryRecorder observes repository queries. PrometheusMetrics satisfies it.
type QueryRecorder interface {
	RecordDatabaseQuery(operation string, duration time.Duration, success bool)
}

// ScanRepository persists scan results.
type ScanRepository struct {
	db      *DB
	metrics QueryRecorder
}

// NewScanRepository creates a repository over db. metrics may be nil.
func NewScanRepository(db *DB, metrics QueryRecorder) *ScanRepository {
	return &ScanRepository{db: db, metrics: metrics}
}

func (r *ScanRepository) observe(operation string, start time.Time, err error) {
	if r.metrics != nil {
		r.metrics.RecordDatabaseQuery(operation, time.Since(start), err == nil)
	}
}

// Save stores result and all of its sections in one transaction.
func (r *ScanRepository) Save(ctx context.Context, result *scanning.ScanResult) (err error) {
	start := time.Now()
	defer func() { r.observe("save_scan", start, err) }()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return sanitizeDBError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := scanRow{
		ID:          result.ID,
		Target:      result.Target,
		ScanType:    string(result.ScanType),
		TCPPresent:  result.TCP != nil,
		ARPPresent:  result.ARP != nil,
		StartedAt:   result.StartedAt,
		CompletedAt: result.CompletedAt,
		DurationMS:  result.Duration.Milliseconds(),
	}
	if result.ICMP != nil {
		state := string(*result.ICMP)
		row.HostState = &state
	}

	insertScan := `
		INSERT INTO scans (id, target, scan_type, host_state, tcp_present, arp_present,
		                   started_at, completed_at, duration_ms)
		VALUES (:id, :target, :scan_type, :host_state, :tcp_present, :arp_present,
		        :started_at, :completed_at, :duration_ms)`
	if _, err = tx.NamedExecContext(ctx, insertScan, row); err != nil {
		return sanitizeDBError("insert scan", err)
	}

	for _, port := range result.TCP.Ports() {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO scan_ports (scan_id, port, state) VALUES ($1, $2, $3)`,
			result.ID, port, string(result.TCP[port]))
		if err != nil {
			return sanitizeDBError("insert scan port", err)
		}
	}

	for i, host := range result.ARP {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO scan_hosts (scan_id, position, ip_address, mac_address) VALUES ($1, $2, $3, $4)`,
			result.ID, i, IPAddr{host.IP}, MACAddr{host.MAC})
		if err != nil {
			return sanitizeDBError("insert scan host", err)
		}
	}

	for i, issue := range result.Issues {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO scan_issues (scan_id, position, prober, level, message) VALUES ($1, $2, $3, $4, $5)`,
			result.ID, i, string(issue.Prober), string(issue.Level), issue.Message)
		if err != nil {
			return sanitizeDBError("insert scan issue", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return sanitizeDBError("commit scan", err)
	}
	return nil
}

// Get loads one scan. A missing scan yields a CodeNotFound error.
func (r *ScanRepository) Get(ctx context.Context, id uuid.UUID) (result *scanning.ScanResult, err error) {
	start := time.Now()
	defer func() { r.observe("get_scan", start, err) }()

	var row scanRow
	query := `
		SELECT id, target, scan_type, host_state, tcp_present, arp_present,
		       started_at, completed_at, duration_ms
		FROM scans WHERE id = $1`
	if err = r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, sanitizeDBError("get scan", err)
	}

	result = &scanning.ScanResult{
		ID:          row.ID,
		Target:      row.Target,
		ScanType:    scanning.ScanType(row.ScanType),
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
		Duration:    time.Duration(row.DurationMS) * time.Millisecond,
	}
	if row.HostState != nil {
		state := scanning.HostState(*row.HostState)
		result.ICMP = &state
	}

	if row.TCPPresent {
		var ports []portRow
		err = r.db.SelectContext(ctx, &ports,
			`SELECT port, state FROM scan_ports WHERE scan_id = $1 ORDER BY port`, id)
		if err != nil {
			return nil, sanitizeDBError("get scan ports", err)
		}
		result.TCP = make(scanning.PortStates, len(ports))
		for _, p := range ports {
			result.TCP[p.Port] = scanning.PortState(p.State)
		}
	}

	if row.ARPPresent {
		var hosts []hostRow
		err = r.db.SelectContext(ctx, &hosts,
			`SELECT ip_address, mac_address FROM scan_hosts WHERE scan_id = $1 ORDER BY position`, id)
		if err != nil {
			return nil, sanitizeDBError("get scan hosts", err)
		}
		result.ARP = make([]discovery.HostRecord, 0, len(hosts))
		for _, h := range hosts {
			result.ARP = append(result.ARP, discovery.HostRecord{
				IP:  h.IP.Addr,
				MAC: net.HardwareAddr(h.MAC.HardwareAddr),
			})
		}
	}

	var issues []issueRow
	err = r.db.SelectContext(ctx, &issues,
		`SELECT prober, level, message FROM scan_issues WHERE scan_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, sanitizeDBError("get scan issues", err)
	}
	for _, i := range issues {
		result.Issues = append(result.Issues, scanning.Issue{
			Prober:  scanning.ScanType(i.Prober),
			Level:   scanning.IssueLevel(i.Level),
			Message: i.Message,
		})
	}

	return result, nil
}

// List returns scan summaries, newest first.
func (r *ScanRepository) List(ctx context.Context, opts ListOptions) (summaries []ScanSummary, err error) {
	start := time.Now()
	defer func() { r.observe("list_scans", start, err) }()

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		return nil, errors.NewDatabaseError(errors.CodeValidation, "limit exceeds maximum").
			WithQuery("list scans")
	}
	if opts.Offset < 0 {
		return nil, errors.NewDatabaseError(errors.CodeValidation, "offset must not be negative")
	}

	query := `
		SELECT s.id, s.target, s.scan_type, s.host_state, s.started_at, s.completed_at, s.duration_ms,
		       (SELECT COUNT(*) FROM scan_ports p WHERE p.scan_id = s.id AND p.state = 'open') AS open_ports,
		       (SELECT COUNT(*) FROM scan_hosts h WHERE h.scan_id = s.id) AS hosts_found,
		       (SELECT COUNT(*) FROM scan_issues i WHERE i.scan_id = s.id) AS issues
		FROM scans s
		WHERE ($1 = '' OR s.target = $1)
		ORDER BY s.started_at DESC
		LIMIT $2 OFFSET $3`

	summaries = []ScanSummary{}
	if err = r.db.SelectContext(ctx, &summaries, query, opts.Target, limit, opts.Offset); err != nil {
		return nil, sanitizeDBError("list scans", err)
	}
	return summaries, nil
}
