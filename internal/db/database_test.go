package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/netprobe/internal/errors"
)

func sqlxFrom(conn *sql.DB) *sqlx.DB {
	return sqlx.NewDb(conn, "postgres")
}

func TestSanitizeDBError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code errors.ErrorCode
	}{
		{"no rows", sql.ErrNoRows, errors.CodeNotFound},
		{"unique violation", &pq.Error{Code: "23505"}, errors.CodeValidation},
		{"foreign key violation", &pq.Error{Code: "23503"}, errors.CodeValidation},
		{"check violation", &pq.Error{Code: "23514"}, errors.CodeValidation},
		{"query canceled", &pq.Error{Code: "57014"}, errors.CodeCanceled},
		{"admin shutdown", &pq.Error{Code: "57P01"}, errors.CodeDatabaseConnection},
		{"other driver error", &pq.Error{Code: "42P01", Message: "relation \"scans\" does not exist"}, errors.CodeDatabaseQuery},
		{"plain error", stderrors.New("secret dsn leaked"), errors.CodeDatabaseQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sanitizeDBError("get scan", tt.err)
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.GetCode(err))
			assert.NotContains(t, err.Error(), "secret")
			assert.NotContains(t, err.Error(), "relation")
		})
	}

	assert.NoError(t, sanitizeDBError("noop", nil))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Equal(t, 10, cfg.MaxOpenConns)
	assert.Equal(t, 2, cfg.MaxIdleConns)
	assert.Equal(t, 5*time.Minute, cfg.ConnMaxLifetime)
}

func TestConfig_DSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database = "netprobe"
	cfg.Username = "probe"
	cfg.Password = "hunter2"

	assert.Equal(t,
		"host=localhost port=5432 dbname=netprobe user=probe password=hunter2 sslmode=disable",
		cfg.DSN())
}

func TestIPAddr(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  netip.Addr
		err   bool
	}{
		{"plain", "10.0.0.5", netip.MustParseAddr("10.0.0.5"), false},
		{"host prefix", []byte("10.0.0.5/32"), netip.MustParseAddr("10.0.0.5"), false},
		{"ipv6", "fe80::1", netip.MustParseAddr("fe80::1"), false},
		{"null", nil, netip.Addr{}, false},
		{"garbage", "not-an-ip", netip.Addr{}, true},
		{"wrong type", 42, netip.Addr{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ip IPAddr
			err := ip.Scan(tt.value)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ip.Addr)
		})
	}

	v, err := IPAddr{netip.MustParseAddr("192.168.1.1")}.Value()
	require.NoError(t, err)
	assert.Equal(t, driver.Value("192.168.1.1"), v)

	v, err = IPAddr{}.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestMACAddr(t *testing.T) {
	var mac MACAddr
	require.NoError(t, mac.Scan("aa:bb:cc:dd:ee:ff"))
	assert.Equal(t, net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, mac.HardwareAddr)

	require.NoError(t, mac.Scan(nil))
	assert.Nil(t, mac.HardwareAddr)

	assert.Error(t, mac.Scan("zz:zz"))
	assert.Error(t, mac.Scan(3.5))

	v, err := MACAddr{net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}}.Value()
	require.NoError(t, err)
	assert.Equal(t, driver.Value("02:00:00:00:00:01"), v)

	v, err = MACAddr{}.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestDB_Ping(t *testing.T) {
	conn, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer conn.Close()
	db := &DB{DB: sqlxFrom(conn)}

	mock.ExpectPing()
	assert.NoError(t, db.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(stderrors.New("connection refused"))
	err = db.Ping(context.Background())
	assert.True(t, errors.IsCode(err, errors.CodeDatabaseQuery))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_Up(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	migrator := NewMigrator(sqlxFrom(conn))

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, name, applied_at, checksum FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS scans").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs("001_initial_schema", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, migrator.Up(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_UpSkipsApplied(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	migrator := NewMigrator(sqlxFrom(conn))

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}).
			AddRow(1, "001_initial_schema", time.Now(), "abc"))

	require.NoError(t, migrator.Up(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_UpFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	migrator := NewMigrator(sqlxFrom(conn))

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS scans").
		WillReturnError(stderrors.New("permission denied for schema public"))
	mock.ExpectRollback()

	err = migrator.Up(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeDatabaseMigration))
	assert.True(t, errors.IsFatal(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_Status(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	migrator := NewMigrator(sqlxFrom(conn))

	appliedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "applied_at", "checksum"}).
			AddRow(1, "001_initial_schema", appliedAt, "stale"))

	statuses, err := migrator.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, "001_initial_schema", statuses[0].Name)
	assert.True(t, statuses[0].Applied)
	assert.Equal(t, appliedAt, statuses[0].AppliedAt)
	assert.True(t, statuses[0].Modified)
	assert.NoError(t, mock.ExpectationsWereMet())
}
