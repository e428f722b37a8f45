package scanning

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/netprobe/internal/discovery"
	"github.com/anstrom/netprobe/internal/targets"
	"github.com/anstrom/netprobe/internal/transport"
)

// ExchangeFunc lets a MockExchanger expectation compute its reply from the
// probe that was sent.
type ExchangeFunc func(ctx context.Context, probe transport.Probe, timeout time.Duration) (*transport.Reply, error)

// MockExchanger is a testify mock of transport.Exchanger.
type MockExchanger struct {
	mock.Mock
}

func (m *MockExchanger) SendAndWait(ctx context.Context, probe transport.Probe, timeout time.Duration) (*transport.Reply, error) {
	args := m.Called(ctx, probe, timeout)
	if fn, ok := args.Get(0).(ExchangeFunc); ok {
		return fn(ctx, probe, timeout)
	}
	reply, _ := args.Get(0).(*transport.Reply)
	return reply, args.Error(1)
}

func (m *MockExchanger) Send(ctx context.Context, probe transport.Probe) error {
	args := m.Called(ctx, probe)
	return args.Error(0)
}

// MockHostProber is a testify mock of HostProber.
type MockHostProber struct {
	mock.Mock
}

func (m *MockHostProber) Probe(ctx context.Context, addr netip.Addr, timeout time.Duration) (HostState, error) {
	args := m.Called(ctx, addr, timeout)
	return args.Get(0).(HostState), args.Error(1)
}

// MockPortProber is a testify mock of PortProber.
type MockPortProber struct {
	mock.Mock
}

func (m *MockPortProber) Probe(ctx context.Context, addr netip.Addr, ports []int, timeout time.Duration) (PortStates, error) {
	args := m.Called(ctx, addr, ports, timeout)
	states, _ := args.Get(0).(PortStates)
	return states, args.Error(1)
}

// MockNetworkProber is a testify mock of NetworkProber.
type MockNetworkProber struct {
	mock.Mock
}

func (m *MockNetworkProber) Probe(ctx context.Context, target targets.Target, timeout time.Duration) ([]discovery.HostRecord, error) {
	args := m.Called(ctx, target, timeout)
	hosts, _ := args.Get(0).([]discovery.HostRecord)
	return hosts, args.Error(1)
}

// decodeSYN parses the segment carried by a TCP probe.
func decodeSYN(t *testing.T, probe transport.Probe) *layers.TCP {
	t.Helper()
	segment := decodeSegment(probe.Payload)
	require.NotNil(t, segment, "probe payload is not a TCP segment")
	return segment
}

// segmentReply builds the answer a host would send to probe with the given
// flags, passing it through the probe's matcher like the real transport.
func segmentReply(t *testing.T, probe transport.Probe, ack uint32, set func(*layers.TCP)) *transport.Reply {
	t.Helper()
	syn := decodeSYN(t, probe)
	reply := &layers.TCP{
		SrcPort: syn.DstPort,
		DstPort: syn.SrcPort,
		Seq:     1000,
		Ack:     ack,
		Window:  65535,
	}
	set(reply)

	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, reply))

	payload := buf.Bytes()
	require.True(t, probe.Match(probe.Destination, payload), "reply does not match probe")
	return &transport.Reply{From: probe.Destination, Payload: payload, Received: time.Now()}
}

func synAck(t *layers.TCP) { t.SYN, t.ACK = true, true }
func rstAck(t *layers.TCP) { t.RST, t.ACK = true, true }

// portResponder answers each SYN according to the destination port.
func portResponder(t *testing.T, behavior map[int]func(*layers.TCP)) ExchangeFunc {
	return func(ctx context.Context, probe transport.Probe, timeout time.Duration) (*transport.Reply, error) {
		syn := decodeSYN(t, probe)
		set, ok := behavior[int(syn.DstPort)]
		if !ok {
			return nil, nil
		}
		return segmentReply(t, probe, syn.Seq+1, set), nil
	}
}

func fixedSource(netip.Addr) (netip.Addr, error) {
	return netip.MustParseAddr("10.0.0.1"), nil
}
