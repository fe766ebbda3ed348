package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldlink/fieldlink/internal/protocol"
	"github.com/fieldlink/fieldlink/internal/radio"
	"github.com/fieldlink/fieldlink/internal/telemetry"
)

const (
	testN2G = 915.0
	testG2N = 915.5
)

type sinkRecorder struct {
	mu      sync.Mutex
	batches []protocol.Telemetry
}

func (s *sinkRecorder) Ingest(ctx context.Context, t protocol.Telemetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, t)
	return nil
}

func (s *sinkRecorder) wait(n int, timeout time.Duration) []protocol.Telemetry {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.batches) >= n {
			out := append([]protocol.Telemetry(nil), s.batches...)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

// fakeNode answers commands over the simulated link the way a real
// node's receive loop does: listen on the gateway-to-node frequency,
// flip to the node-to-gateway frequency for the ack.
type fakeNode struct {
	id    string
	r     *radio.SimRadio
	close chan struct{}
	wg    sync.WaitGroup

	// failSet makes setparam answer with an error payload.
	failSet bool
}

func startFakeNode(link *radio.SimLink, id string) *fakeNode {
	n := &fakeNode{
		id:    id,
		r:     link.Endpoint(testG2N),
		close: make(chan struct{}),
	}
	n.wg.Add(1)
	go n.run()
	return n
}

func (n *fakeNode) run() {
	defer n.wg.Done()
	for {
		select {
		case <-n.close:
			return
		default:
		}
		p, err := n.r.Receive(20 * time.Millisecond)
		if err != nil || p == nil {
			continue
		}
		cmd, err := protocol.ParseCommand(p)
		if err != nil {
			continue
		}
		if !cmd.IsBroadcast() && cmd.NodeID != n.id {
			continue
		}

		var payload map[string]interface{}
		switch cmd.Name {
		case "echo":
			if len(cmd.Args) > 0 {
				payload = map[string]interface{}{"r": cmd.Args[0]}
			}
		case "setparam":
			if n.failSet {
				payload = map[string]interface{}{"e": "hardware write failed"}
			} else if len(cmd.Args) >= 2 {
				payload = map[string]interface{}{cmd.Args[0]: cmd.Args[1]}
			}
		}
		ack, err := protocol.BuildAck(cmd.ID(), n.id, payload)
		if err != nil {
			continue
		}
		n.r.SetFrequency(testN2G)
		n.r.Send(ack)
		n.r.SetFrequency(testG2N)
	}
}

func (n *fakeNode) stop() {
	close(n.close)
	n.wg.Wait()
}

func testTransceiver(t *testing.T, link *radio.SimLink) (*Transceiver, *Queue, *sinkRecorder) {
	gw := link.Endpoint(testN2G)
	state := radio.NewState(gw, radio.Params{
		SpreadingFactor: 7,
		BandwidthCode:   0,
		TxPower:         17,
		N2GFrequency:    testN2G,
		G2NFrequency:    testG2N,
	})

	q, err := NewQueue(Settings{
		MaxSize:              10,
		MaxRetries:           5,
		InitialRetryInterval: 50 * time.Millisecond,
		MaxRetryInterval:     200 * time.Millisecond,
		RetryMultiplier:      2,
		WaitTimeout:          2 * time.Second,
		ResponseTTL:          time.Minute,
	})
	require.NoError(t, err)

	sink := &sinkRecorder{}
	tr := NewTransceiver(TransceiverConfig{
		State:          state,
		Queue:          q,
		Sink:           sink,
		ReceiveTimeout: 20 * time.Millisecond,
	})
	return tr, q, sink
}

func TestTransceiverCommandRoundTrip(t *testing.T) {
	assert := require.New(t)

	link := radio.NewSimLink()
	tr, q, _ := testTransceiver(t, link)
	node := startFakeNode(link, "patio")
	defer node.stop()

	tr.Start()
	defer tr.Stop()

	id, err := q.Enqueue(CommandRequest{Name: "echo", Args: []string{"hello"}, NodeID: "patio"})
	assert.NoError(err)

	res, err := q.Wait(id, 2*time.Second)
	assert.NoError(err)
	assert.NoError(res.Err)
	assert.Equal([]string{"patio"}, res.Acked)
	assert.Equal("hello", toString(res.Response()["r"]))
}

func TestTransceiverRetriesLossyLink(t *testing.T) {
	assert := require.New(t)

	link := radio.NewSimLink()
	tr, q, _ := testTransceiver(t, link)
	node := startFakeNode(link, "patio")
	defer node.stop()

	// Drop the first two transmissions in either direction.
	var mu sync.Mutex
	dropped := 0
	link.Loss = func(p []byte) bool {
		mu.Lock()
		defer mu.Unlock()
		if dropped < 2 {
			dropped++
			return true
		}
		return false
	}

	tr.Start()
	defer tr.Stop()

	id, err := q.Enqueue(CommandRequest{Name: "ping", NodeID: "patio"})
	assert.NoError(err)

	res, err := q.Wait(id, 5*time.Second)
	assert.NoError(err)
	assert.NoError(res.Err)
	assert.True(res.Attempts > 1)
}

func TestTransceiverTelemetryIngest(t *testing.T) {
	assert := require.New(t)

	link := radio.NewSimLink()
	tr, _, sink := testTransceiver(t, link)
	tr.Start()
	defer tr.Stop()

	sender := link.Endpoint(testN2G)
	v := 21.5
	packets, err := protocol.BuildTelemetryPackets("patio", 1700000000.5, []protocol.Reading{
		{ClassID: "bme280", Name: "temp_c", Units: "C", Value: &v},
	})
	assert.NoError(err)
	for _, p := range packets {
		assert.NoError(sender.Send(p))
	}

	batches := sink.wait(1, 2*time.Second)
	assert.Len(batches, 1)
	assert.Equal("patio", batches[0].NodeID)
	assert.Len(batches[0].Readings, 1)
	assert.Equal("temp_c", batches[0].Readings[0].Name)
}

func TestTransceiverStreamReassembly(t *testing.T) {
	assert := require.New(t)

	link := radio.NewSimLink()
	tr, _, sink := testTransceiver(t, link)
	tr.Start()
	defer tr.Stop()

	// A telemetry batch carried as an erasure-coded payload stream,
	// with one sub-packet lost on air.
	readings := make([]protocol.Reading, 0, 40)
	for i := 0; i < 40; i++ {
		v := float64(i)
		readings = append(readings, protocol.Reading{
			ClassID: "bme280", Name: "humidity_pct", Units: "%", Value: &v,
		})
	}
	payloadPackets, err := protocol.BuildTelemetryPackets("shed", 1700000001, readings)
	assert.NoError(err)
	// Use the first self-contained packet's JSON as the bulk payload.
	stream, err := protocol.PackStreamFEC(payloadPackets[0], 1)
	assert.NoError(err)
	assert.True(len(stream) > 1)

	sender := link.Endpoint(testN2G)
	for i, p := range stream {
		if i == 0 {
			continue // lost on air, parity covers it
		}
		assert.NoError(sender.Send(p))
	}

	batches := sink.wait(1, 2*time.Second)
	assert.Len(batches, 1)
	assert.Equal("shed", batches[0].NodeID)
}

func TestTransceiverDiscovery(t *testing.T) {
	assert := require.New(t)

	link := radio.NewSimLink()
	tr, _, _ := testTransceiver(t, link)
	a := startFakeNode(link, "patio")
	defer a.stop()
	b := startFakeNode(link, "driveway")
	defer b.stop()

	tr.Start()
	defer tr.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	nodes, err := tr.Discover(ctx, DiscoveryParams{
		Expected:             2,
		MaxRetries:           5,
		InitialRetryInterval: 100 * time.Millisecond,
		MaxRetryInterval:     400 * time.Millisecond,
		RetryMultiplier:      2,
	})
	assert.NoError(err)
	assert.Equal([]string{"driveway", "patio"}, nodes)
}

func TestTransceiverApplyRadioConfig(t *testing.T) {
	assert := require.New(t)

	link := radio.NewSimLink()
	tr, _, _ := testTransceiver(t, link)
	tr.Start()
	defer tr.Stop()

	assert.NoError(tr.state.SetPending(radio.ParamSpreadingFactor, "9"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	applied, err := tr.ApplyRadioConfig(ctx)
	assert.NoError(err)
	assert.Equal([]string{"sf=9"}, applied)
	assert.Equal(9, tr.state.Snapshot().SpreadingFactor)
}

var _ telemetry.Sink = (*sinkRecorder)(nil)
