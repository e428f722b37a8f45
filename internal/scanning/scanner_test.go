package scanning

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/netprobe/internal/discovery"
	"github.com/anstrom/netprobe/internal/errors"
	"github.com/anstrom/netprobe/internal/logging"
	"github.com/anstrom/netprobe/internal/metrics/mocks"
	"github.com/anstrom/netprobe/internal/targets"
)

type scannerFixture struct {
	icmp *MockHostProber
	tcp  *MockPortProber
	arp  *MockNetworkProber
}

func newScannerFixture(opts ...Option) (*Scanner, *scannerFixture) {
	f := &scannerFixture{icmp: &MockHostProber{}, tcp: &MockPortProber{}, arp: &MockNetworkProber{}}
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	return NewScanner(f.icmp, f.tcp, f.arp, opts...), f
}

func (f *scannerFixture) assertNoProbes(t *testing.T) {
	t.Helper()
	f.icmp.AssertNotCalled(t, "Probe", mock.Anything, mock.Anything, mock.Anything)
	f.tcp.AssertNotCalled(t, "Probe", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.arp.AssertNotCalled(t, "Probe", mock.Anything, mock.Anything, mock.Anything)
}

var arpHosts = []discovery.HostRecord{
	{IP: netip.MustParseAddr("192.168.1.1"), MAC: net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}},
}

func TestScanner_RejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name     string
		req      Request
		wantCode errors.ErrorCode
	}{
		{"invalid target", Request{Target: "invalid", Type: ScanTypeAll, Ports: []int{80}, Timeout: time.Second}, errors.CodeTargetInvalid},
		{"empty target", Request{Target: "", Type: ScanTypeAll, Timeout: time.Second}, errors.CodeTargetInvalid},
		{"unknown type", Request{Target: "10.0.0.1", Type: "udp", Timeout: time.Second}, errors.CodeValidation},
		{"zero timeout", Request{Target: "10.0.0.1", Type: ScanTypeICMP}, errors.CodeValidation},
		{"negative timeout", Request{Target: "10.0.0.1", Type: ScanTypeICMP, Timeout: -time.Second}, errors.CodeValidation},
		{"port out of range", Request{Target: "10.0.0.1", Type: ScanTypeTCP, Ports: []int{80, 70000}, Timeout: time.Second}, errors.CodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scanner, f := newScannerFixture()

			result, err := scanner.Scan(context.Background(), tt.req)

			require.Error(t, err)
			assert.True(t, errors.IsCode(err, tt.wantCode), "got %v", err)
			assert.True(t, errors.IsInput(err))
			require.NotNil(t, result)
			assert.Nil(t, result.ICMP)
			assert.Nil(t, result.TCP)
			assert.Nil(t, result.ARP)
			f.assertNoProbes(t)
		})
	}
}

func TestScanner_All(t *testing.T) {
	scanner, f := newScannerFixture()
	addr := netip.MustParseAddr("192.168.1.10")

	f.icmp.On("Probe", mock.Anything, addr, 2*time.Second).Return(HostUp, nil)
	f.tcp.On("Probe", mock.Anything, addr, []int{22, 80}, 2*time.Second).
		Return(PortStates{22: PortOpen, 80: PortClosed}, nil)
	f.arp.On("Probe", mock.Anything, mock.Anything, 2*time.Second).Return(arpHosts, nil)

	result, err := scanner.Scan(context.Background(), Request{
		Target:  "192.168.1.10",
		Type:    ScanTypeAll,
		Ports:   []int{22, 80},
		Timeout: 2 * time.Second,
	})

	require.NoError(t, err)
	require.NotNil(t, result.ICMP)
	assert.Equal(t, HostUp, *result.ICMP)
	assert.Equal(t, PortStates{22: PortOpen, 80: PortClosed}, result.TCP)
	assert.Equal(t, arpHosts, result.ARP)
	assert.Empty(t, result.Issues)
	assert.NotEqual(t, [16]byte{}, [16]byte(result.ID))
	assert.False(t, result.CompletedAt.Before(result.StartedAt))
	assert.Equal(t, ScanTypeAll, result.ScanType)

	f.icmp.AssertExpectations(t)
	f.tcp.AssertExpectations(t)
	f.arp.AssertExpectations(t)
}

func TestScanner_EmptyTypeMeansAll(t *testing.T) {
	scanner, f := newScannerFixture()
	f.icmp.On("Probe", mock.Anything, mock.Anything, mock.Anything).Return(HostDown, nil)
	f.arp.On("Probe", mock.Anything, mock.Anything, mock.Anything).Return([]discovery.HostRecord{}, nil)

	result, err := scanner.Scan(context.Background(), Request{Target: "10.0.0.1", Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, ScanTypeAll, result.ScanType)
	assert.NotNil(t, result.ICMP)
	assert.NotNil(t, result.ARP)
}

func TestScanner_OnlyRequestedProbers(t *testing.T) {
	t.Run("icmp", func(t *testing.T) {
		scanner, f := newScannerFixture()
		f.icmp.On("Probe", mock.Anything, mock.Anything, mock.Anything).Return(HostDown, nil)

		result, err := scanner.Scan(context.Background(), Request{Target: "10.0.0.1", Type: ScanTypeICMP, Ports: []int{80}, Timeout: time.Second})
		require.NoError(t, err)
		require.NotNil(t, result.ICMP)
		assert.Equal(t, HostDown, *result.ICMP)
		assert.Nil(t, result.TCP)
		assert.Nil(t, result.ARP)
		f.tcp.AssertNotCalled(t, "Probe", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("arp", func(t *testing.T) {
		scanner, f := newScannerFixture()
		f.arp.On("Probe", mock.Anything, mock.MatchedBy(func(tgt targets.Target) bool {
			return tgt.String() == "192.168.1.0/24"
		}), mock.Anything).Return([]discovery.HostRecord{}, nil)

		result, err := scanner.Scan(context.Background(), Request{Target: "192.168.1.0/24", Type: ScanTypeARP, Timeout: time.Second})
		require.NoError(t, err)
		assert.Nil(t, result.ICMP)
		assert.Nil(t, result.TCP)
		require.NotNil(t, result.ARP)
		assert.Empty(t, result.ARP)
		f.arp.AssertExpectations(t)
	})
}

func TestScanner_TCPWithoutPorts(t *testing.T) {
	scanner, f := newScannerFixture()

	result, err := scanner.Scan(context.Background(), Request{Target: "127.0.0.1", Type: ScanTypeTCP, Timeout: time.Second})
	require.NoError(t, err)
	assert.Nil(t, result.TCP)
	require.Len(t, result.Issues, 1)
	assert.Equal(t, IssueWarning, result.Issues[0].Level)
	assert.Equal(t, MsgNoPorts, result.Issues[0].Message)
	assert.False(t, result.HasErrors())
	f.assertNoProbes(t)
}

func TestScanner_TCPWithEmptyPorts(t *testing.T) {
	ex := &MockExchanger{}
	tcp := newTCPProber(ex)
	scanner := NewScanner(&MockHostProber{}, tcp, &MockNetworkProber{}, WithLogger(logging.Discard()))

	result, err := scanner.Scan(context.Background(), Request{Target: "127.0.0.1", Type: ScanTypeTCP, Ports: []int{}, Timeout: time.Second})
	require.NoError(t, err)
	require.NotNil(t, result.TCP)
	assert.Empty(t, result.TCP)
	assert.Empty(t, result.Issues)
	ex.AssertNotCalled(t, "SendAndWait", mock.Anything, mock.Anything, mock.Anything)
}

func TestScanner_ProberFailuresAreIsolated(t *testing.T) {
	scanner, f := newScannerFixture()
	transportErr := errors.ErrTransport("open socket", "10.0.0.1", stderrors.New("operation not permitted"))

	f.icmp.On("Probe", mock.Anything, mock.Anything, mock.Anything).Return(HostDown, transportErr)
	f.tcp.On("Probe", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(PortStates{80: PortError, 443: PortOpen}, transportErr)
	f.arp.On("Probe", mock.Anything, mock.Anything, mock.Anything).
		Return([]discovery.HostRecord{}, errors.WrapDiscoveryError(errors.CodeTransport, "failed to open capture handle", "10.0.0.0/24", transportErr))

	result, err := scanner.Scan(context.Background(), Request{Target: "10.0.0.1", Type: ScanTypeAll, Ports: []int{80, 443}, Timeout: time.Second})
	require.NoError(t, err)

	require.NotNil(t, result.ICMP)
	assert.Equal(t, HostDown, *result.ICMP)
	assert.Equal(t, PortStates{80: PortError, 443: PortOpen}, result.TCP)
	require.NotNil(t, result.ARP)
	assert.Empty(t, result.ARP)

	levels := map[ScanType]IssueLevel{}
	for _, issue := range result.Issues {
		levels[issue.Prober] = issue.Level
		assert.Error(t, issue.Err)
	}
	assert.Equal(t, map[ScanType]IssueLevel{
		ScanTypeICMP: IssueError,
		ScanTypeTCP:  IssueWarning,
		ScanTypeARP:  IssueError,
	}, levels)
	assert.True(t, result.HasErrors())
}

func TestScanner_PanickingProber(t *testing.T) {
	scanner, f := newScannerFixture()
	f.icmp.On("Probe", mock.Anything, mock.Anything, mock.Anything).Return(HostUp, nil)
	f.tcp.On("Probe", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { panic("index out of range") })
	f.arp.On("Probe", mock.Anything, mock.Anything, mock.Anything).Return(arpHosts, nil)

	result, err := scanner.Scan(context.Background(), Request{Target: "192.168.1.10", Type: ScanTypeAll, Ports: []int{80}, Timeout: time.Second})
	require.NoError(t, err)

	assert.Nil(t, result.TCP)
	require.NotNil(t, result.ICMP)
	assert.Equal(t, HostUp, *result.ICMP)
	assert.Equal(t, arpHosts, result.ARP)

	require.Len(t, result.Issues, 1)
	assert.Equal(t, ScanTypeTCP, result.Issues[0].Prober)
	assert.Equal(t, IssueError, result.Issues[0].Level)
	assert.Contains(t, result.Issues[0].Message, "panicked")
}

func TestScanner_NetworkTargetICMP(t *testing.T) {
	first, second := netip.MustParseAddr("10.0.0.5"), netip.MustParseAddr("10.0.0.6")

	tests := []struct {
		name      string
		second    HostState
		secondErr error
		want      HostState
		wantIssue bool
	}{
		{name: "one host answers", second: HostUp, want: HostUp},
		{name: "nobody answers", second: HostDown, want: HostDown},
		{
			name:      "send failure is reported",
			second:    HostDown,
			secondErr: errors.ErrTransport("send", "10.0.0.6", stderrors.New("no buffer space available")),
			want:      HostDown,
			wantIssue: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scanner, f := newScannerFixture()
			f.icmp.On("Probe", mock.Anything, first, time.Second).Return(HostDown, nil).Maybe()
			f.icmp.On("Probe", mock.Anything, second, time.Second).Return(tt.second, tt.secondErr)

			result, err := scanner.Scan(context.Background(), Request{Target: "10.0.0.4/30", Type: ScanTypeICMP, Timeout: time.Second})
			require.NoError(t, err)
			require.NotNil(t, result.ICMP)
			assert.Equal(t, tt.want, *result.ICMP)

			f.icmp.AssertCalled(t, "Probe", mock.Anything, second, time.Second)
			f.icmp.AssertNotCalled(t, "Probe", mock.Anything, netip.MustParseAddr("10.0.0.4"), mock.Anything)
			f.icmp.AssertNotCalled(t, "Probe", mock.Anything, netip.MustParseAddr("10.0.0.7"), mock.Anything)
			if tt.want == HostDown {
				f.icmp.AssertCalled(t, "Probe", mock.Anything, first, time.Second)
			}

			if tt.wantIssue {
				require.Len(t, result.Issues, 1)
				assert.Equal(t, IssueError, result.Issues[0].Level)
				assert.Contains(t, result.Issues[0].Message, "10.0.0.6")
			} else {
				assert.Empty(t, result.Issues)
			}
		})
	}
}

func TestScanner_NetworkTargetTCP(t *testing.T) {
	scanner, f := newScannerFixture(WithWorkers(4))
	ports := []int{22, 80, 443}

	f.tcp.On("Probe", mock.Anything, netip.MustParseAddr("10.0.0.5"), ports, time.Second).
		Return(PortStates{22: PortOpen, 80: PortFiltered, 443: PortError}, nil)
	f.tcp.On("Probe", mock.Anything, netip.MustParseAddr("10.0.0.6"), ports, time.Second).
		Return(PortStates{22: PortClosed, 80: PortClosed, 443: PortFiltered}, nil)

	result, err := scanner.Scan(context.Background(), Request{Target: "10.0.0.4/30", Type: ScanTypeTCP, Ports: ports, Timeout: time.Second})
	require.NoError(t, err)

	assert.Equal(t, PortStates{22: PortOpen, 80: PortClosed, 443: PortFiltered}, result.TCP)
	assert.Empty(t, result.Issues)
	f.tcp.AssertNumberOfCalls(t, "Probe", 2)
}

func TestScanner_NetworkTargetTCPEmptyPorts(t *testing.T) {
	scanner, f := newScannerFixture()

	result, err := scanner.Scan(context.Background(), Request{Target: "10.0.0.0/24", Type: ScanTypeTCP, Ports: []int{}, Timeout: time.Second})
	require.NoError(t, err)
	require.NotNil(t, result.TCP)
	assert.Empty(t, result.TCP)
	f.assertNoProbes(t)
}

func TestScanner_NetworkTooLarge(t *testing.T) {
	for _, scanType := range []ScanType{ScanTypeICMP, ScanTypeTCP} {
		t.Run(string(scanType), func(t *testing.T) {
			scanner, f := newScannerFixture()

			result, err := scanner.Scan(context.Background(), Request{Target: "10.0.0.0/8", Type: scanType, Ports: []int{80}, Timeout: time.Second})
			require.NoError(t, err)
			assert.Nil(t, result.ICMP)
			assert.Nil(t, result.TCP)

			require.Len(t, result.Issues, 1)
			assert.Equal(t, scanType, result.Issues[0].Prober)
			assert.Equal(t, IssueError, result.Issues[0].Level)
			assert.True(t, errors.IsCode(result.Issues[0].Err, errors.CodeValidation))
			f.assertNoProbes(t)
		})
	}
}

func TestMergePortStates(t *testing.T) {
	tests := []struct {
		name    string
		perHost []PortStates
		want    PortStates
	}{
		{
			name:    "open wins",
			perHost: []PortStates{{80: PortFiltered}, {80: PortOpen}, {80: PortClosed}},
			want:    PortStates{80: PortOpen},
		},
		{
			name:    "closed beats filtered and error",
			perHost: []PortStates{{80: PortError}, {80: PortClosed}, {80: PortFiltered}},
			want:    PortStates{80: PortClosed},
		},
		{
			name:    "host that never reported",
			perHost: []PortStates{nil, {80: PortFiltered}},
			want:    PortStates{80: PortFiltered},
		},
		{
			name:    "no host reported",
			perHost: []PortStates{nil, nil},
			want:    PortStates{80: PortError},
		},
		{
			name:    "ports outside the request are dropped",
			perHost: []PortStates{{80: PortOpen, 8080: PortOpen}},
			want:    PortStates{80: PortOpen},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mergePortStates([]int{80}, tt.perHost))
		})
	}
}

func TestScanner_Canceled(t *testing.T) {
	scanner, f := newScannerFixture()
	ctx, cancel := context.WithCancel(context.Background())

	f.icmp.On("Probe", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(HostDown, nil)

	result, err := scanner.Scan(ctx, Request{Target: "10.0.0.1", Type: ScanTypeICMP, Timeout: time.Second})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeCanceled))
	require.NotNil(t, result)
	require.NotNil(t, result.ICMP)
}

func TestScanner_ResourceManager(t *testing.T) {
	rm := NewFixedResourceManager(1)
	scanner, f := newScannerFixture(WithResourceManager(rm))

	f.icmp.On("Probe", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			assert.Equal(t, 1, rm.Stats().Active)
		}).
		Return(HostUp, nil)

	_, err := scanner.Scan(context.Background(), Request{Target: "10.0.0.1", Type: ScanTypeICMP, Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 0, rm.Stats().Active)

	require.NoError(t, rm.Close())
	result, err := scanner.Scan(context.Background(), Request{Target: "10.0.0.1", Type: ScanTypeICMP, Timeout: time.Second})
	assert.True(t, errors.IsCode(err, errors.CodeServiceUnavailable))
	assert.Nil(t, result.ICMP)
}

func TestScanner_Metrics(t *testing.T) {
	ctrl := gomock.NewController(t)
	recorder := mocks.NewMockRecorder(ctrl)

	gomock.InOrder(
		recorder.EXPECT().IncrementScansTotal("tcp", "success"),
		recorder.EXPECT().RecordScanDuration("tcp", gomock.Any()),
	)
	recorder.EXPECT().IncrementPortStates("open", 2)
	recorder.EXPECT().IncrementPortStates("filtered", 1)

	scanner, f := newScannerFixture(WithMetrics(recorder))
	f.tcp.On("Probe", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(PortStates{22: PortOpen, 80: PortOpen, 81: PortFiltered}, nil)

	_, err := scanner.Scan(context.Background(), Request{Target: "10.0.0.1", Type: ScanTypeTCP, Ports: []int{22, 80, 81}, Timeout: time.Second})
	require.NoError(t, err)
}

func TestScanner_MetricsOnRejection(t *testing.T) {
	ctrl := gomock.NewController(t)
	recorder := mocks.NewMockRecorder(ctrl)
	recorder.EXPECT().IncrementScansTotal("all", "invalid")
	recorder.EXPECT().RecordScanDuration("all", gomock.Any())

	scanner, _ := newScannerFixture(WithMetrics(recorder))
	_, err := scanner.Scan(context.Background(), Request{Target: "999.1.1.1", Type: ScanTypeAll, Timeout: time.Second})
	require.Error(t, err)
}

func TestScanResultJSON(t *testing.T) {
	up := HostUp
	result := &ScanResult{
		Target:   "10.0.0.1",
		ScanType: ScanTypeAll,
		ICMP:     &up,
		TCP:      PortStates{},
		Issues:   []Issue{{Prober: ScanTypeARP, Level: IssueError, Message: "ARP sweep failed", Err: stderrors.New("x")}},
	}

	data, err := json.Marshal(result)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "up", decoded["icmp"])
	assert.Equal(t, map[string]any{}, decoded["tcp"])
	assert.NotContains(t, decoded, "arp")
	assert.Equal(t, []any{map[string]any{"prober": "arp", "level": "error", "message": "ARP sweep failed"}}, decoded["issues"])
}

func TestParseScanType(t *testing.T) {
	for _, in := range []string{"all", "ICMP", " tcp ", "arp"} {
		st, err := ParseScanType(in)
		require.NoError(t, err, in)
		assert.True(t, st.Valid())
	}

	_, err := ParseScanType("syn")
	assert.True(t, errors.IsCode(err, errors.CodeValidation))
}
