package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldlink/fieldlink/internal/command"
	"github.com/fieldlink/fieldlink/internal/protocol"
	"github.com/fieldlink/fieldlink/internal/radio"
	"github.com/fieldlink/fieldlink/internal/sensors"
)

const (
	testN2G = 915.0
	testG2N = 915.5
)

func newTestNode(link *radio.SimLink, id string) *Node {
	state := radio.NewState(link.Endpoint(testG2N), radio.Params{
		SpreadingFactor: 7,
		BandwidthCode:   0,
		TxPower:         17,
		N2GFrequency:    testN2G,
		G2NFrequency:    testG2N,
	})
	return New(Config{
		ID:             id,
		State:          state,
		ReceiveTimeout: 20 * time.Millisecond,
		AckJitter:      5 * time.Millisecond,
		ParityPackets:  1,
	})
}

// gatewayEnd drives the gateway side of the link by hand: transmit on
// the command frequency, listen on the telemetry frequency.
type gatewayEnd struct {
	t *testing.T
	r *radio.SimRadio
}

func newGatewayEnd(t *testing.T, link *radio.SimLink) *gatewayEnd {
	return &gatewayEnd{t: t, r: link.Endpoint(testN2G)}
}

func (g *gatewayEnd) send(p []byte) {
	require.NoError(g.t, g.r.SetFrequency(testG2N))
	require.NoError(g.t, g.r.Send(p))
	require.NoError(g.t, g.r.SetFrequency(testN2G))
}

func (g *gatewayEnd) receive(timeout time.Duration) []byte {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		p, err := g.r.Receive(50 * time.Millisecond)
		require.NoError(g.t, err)
		if p != nil {
			return p
		}
	}
	return nil
}

func TestNodeEchoRoundTrip(t *testing.T) {
	assert := require.New(t)

	link := radio.NewSimLink()
	n := newTestNode(link, "patio")
	gw := newGatewayEnd(t, link)

	assert.NoError(n.Start())
	defer n.Stop()

	packet, cmd, err := protocol.BuildCommand("echo", []string{"hello"}, "patio")
	assert.NoError(err)
	gw.send(packet)

	raw := gw.receive(2 * time.Second)
	assert.NotNil(raw)

	ack, err := protocol.ParseAck(raw)
	assert.NoError(err)
	assert.Equal(cmd.ID(), ack.CommandID)
	assert.Equal("patio", ack.NodeID)
	assert.Equal("hello", ack.Payload["r"])
}

func TestNodeIgnoresOtherNode(t *testing.T) {
	assert := require.New(t)

	link := radio.NewSimLink()
	n := newTestNode(link, "patio")
	gw := newGatewayEnd(t, link)

	assert.NoError(n.Start())
	defer n.Stop()

	packet, _, err := protocol.BuildCommand("echo", []string{"x"}, "driveway")
	assert.NoError(err)
	gw.send(packet)

	assert.Nil(gw.receive(300 * time.Millisecond))
}

func TestNodeDuplicateReplaysAck(t *testing.T) {
	assert := require.New(t)

	link := radio.NewSimLink()
	n := newTestNode(link, "patio")
	gw := newGatewayEnd(t, link)

	calls := 0
	n.Registry().Register("bump", command.Entry{
		Handler: func(args []string) map[string]interface{} {
			calls++
			return map[string]interface{}{"n": calls}
		},
		Scope: command.ScopePrivate,
	})

	assert.NoError(n.Start())
	defer n.Stop()

	packet, cmd, err := protocol.BuildCommand("bump", nil, "patio")
	assert.NoError(err)

	gw.send(packet)
	first := gw.receive(2 * time.Second)
	assert.NotNil(first)

	// The retransmission must be answered from the ack cache without
	// re-running the handler.
	gw.send(packet)
	second := gw.receive(2 * time.Second)
	assert.NotNil(second)

	ack1, err := protocol.ParseAck(first)
	assert.NoError(err)
	ack2, err := protocol.ParseAck(second)
	assert.NoError(err)
	assert.Equal(cmd.ID(), ack1.CommandID)
	assert.Equal(ack1.Payload, ack2.Payload)
	assert.Equal(1, calls)
}

func TestNodeDiscoverBroadcast(t *testing.T) {
	assert := require.New(t)

	link := radio.NewSimLink()
	n := newTestNode(link, "patio")
	gw := newGatewayEnd(t, link)

	assert.NoError(n.Start())
	defer n.Stop()

	packet, cmd, err := protocol.BuildCommand("discover", nil, "")
	assert.NoError(err)
	gw.send(packet)

	raw := gw.receive(2 * time.Second)
	assert.NotNil(raw)

	ack, err := protocol.ParseAck(raw)
	assert.NoError(err)
	assert.Equal(cmd.ID(), ack.CommandID)
	assert.Equal("patio", ack.NodeID)
	assert.Nil(ack.Payload)
}

func TestNodeSetParamAndApply(t *testing.T) {
	assert := require.New(t)

	link := radio.NewSimLink()
	n := newTestNode(link, "patio")
	gw := newGatewayEnd(t, link)

	assert.NoError(n.Start())
	defer n.Stop()

	packet, _, err := protocol.BuildCommand("setparam", []string{"sf", "9"}, "patio")
	assert.NoError(err)
	gw.send(packet)

	raw := gw.receive(2 * time.Second)
	assert.NotNil(raw)
	ack, err := protocol.ParseAck(raw)
	assert.NoError(err)
	assert.Equal("9", ack.Payload["sf"])

	// Staged, not applied.
	assert.Equal(7, n.state.Snapshot().SpreadingFactor)

	packet, _, err = protocol.BuildCommand("rcfg", nil, "patio")
	assert.NoError(err)
	gw.send(packet)

	raw = gw.receive(2 * time.Second)
	assert.NotNil(raw)

	// The apply happens after the early ack.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && n.state.Snapshot().SpreadingFactor != 9 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(9, n.state.Snapshot().SpreadingFactor)
}

func TestNodeGetParamsPagination(t *testing.T) {
	assert := require.New(t)

	link := radio.NewSimLink()
	n := newTestNode(link, "patio")
	gw := newGatewayEnd(t, link)

	assert.NoError(n.Start())
	defer n.Stop()

	packet, _, err := protocol.BuildCommand("getparams", nil, "patio")
	assert.NoError(err)
	gw.send(packet)

	raw := gw.receive(2 * time.Second)
	assert.NotNil(raw)
	ack, err := protocol.ParseAck(raw)
	assert.NoError(err)

	page, ok := ack.Payload["p"].(map[string]interface{})
	assert.True(ok)
	assert.Contains(page, "sf")
	assert.Contains(page, "nodeid")
}

type stubSensor struct {
	class string
	bulk  []byte
}

func (s *stubSensor) ClassID() string { return s.class }

func (s *stubSensor) Read() ([]protocol.Reading, error) {
	v := 1.5
	return []protocol.Reading{
		{ClassID: s.class, Name: "level", Units: "m", Value: &v},
	}, nil
}

func (s *stubSensor) ReadBulk() ([]byte, error) { return s.bulk, nil }

var _ sensors.BulkSource = (*stubSensor)(nil)

func TestBroadcasterTelemetry(t *testing.T) {
	assert := require.New(t)

	link := radio.NewSimLink()
	n := newTestNode(link, "patio")
	gw := newGatewayEnd(t, link)

	assert.NoError(n.Start())
	defer n.Stop()

	b := NewBroadcaster(n, []*SensorEntry{
		{Sensor: &stubSensor{class: "level"}, Interval: 50 * time.Millisecond},
	})
	b.tick = 20 * time.Millisecond
	b.Start()
	defer b.Stop()

	raw := gw.receive(3 * time.Second)
	assert.NotNil(raw)

	tl, err := protocol.ParseTelemetry(raw)
	assert.NoError(err)
	assert.Equal("patio", tl.NodeID)
	assert.Len(tl.Readings, 1)
	assert.Equal("level", tl.Readings[0].Name)
}

func TestBroadcasterBulkStream(t *testing.T) {
	assert := require.New(t)

	link := radio.NewSimLink()
	n := newTestNode(link, "patio")
	gw := newGatewayEnd(t, link)

	assert.NoError(n.Start())
	defer n.Stop()

	payload := make([]byte, 600)
	for i := range payload {
		payload[i] = byte(i)
	}
	b := NewBroadcaster(n, []*SensorEntry{
		{Sensor: &stubSensor{class: "snap", bulk: payload}, Interval: time.Hour},
	})
	b.tick = 20 * time.Millisecond
	b.Start()
	defer b.Stop()

	asm := protocol.NewAssembler(10 * time.Second)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		raw := gw.receive(200 * time.Millisecond)
		if raw == nil {
			continue
		}
		if _, err := protocol.ParseTelemetry(raw); err == nil {
			continue // the regular reading batch
		}
		out, err := asm.Add(raw, time.Now())
		assert.NoError(err)
		if out != nil {
			assert.Equal(payload, out)
			return
		}
	}
	t.Fatal("bulk payload not reassembled")
}
