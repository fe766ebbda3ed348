package gateway

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fieldlink/fieldlink/internal/protocol"
	"github.com/fieldlink/fieldlink/internal/radio"
	"github.com/fieldlink/fieldlink/internal/telemetry"
)

// ErrDiscoveryBusy is returned when a discovery run is requested while
// another one is still in progress.
var ErrDiscoveryBusy = errors.New("gateway: discovery already in progress")

// DiscoveryParams tunes a single discovery round.
type DiscoveryParams struct {
	// Expected short-circuits the round once that many distinct nodes
	// have answered. Zero means listen through the full schedule.
	Expected int

	MaxRetries           int
	InitialRetryInterval time.Duration
	MaxRetryInterval     time.Duration
	RetryMultiplier      float64
}

type discoveryRequest struct {
	params DiscoveryParams
	nodes  map[string]bool
	err    error
	done   chan struct{}
}

// TransceiverConfig wires a Transceiver.
type TransceiverConfig struct {
	State *radio.State
	Queue *Queue
	Sink  telemetry.Sink

	// ReceiveTimeout bounds one receive window; short so the loop
	// picks up queued commands promptly.
	ReceiveTimeout time.Duration

	// AssembleTimeout evicts incomplete payload streams.
	AssembleTimeout time.Duration
}

// Transceiver is the single goroutine that owns the gateway radio. It
// interleaves bounded receive windows on the node-to-gateway frequency
// with command transmissions on the gateway-to-node frequency, feeds
// acks to the command queue and telemetry to the sink, and executes
// discovery rounds on request.
type Transceiver struct {
	state     *radio.State
	queue     *Queue
	sink      telemetry.Sink
	assembler *protocol.Assembler

	receiveTimeout time.Duration

	mu        sync.Mutex
	discovery *discoveryRequest
	applyReqs []chan applyResult

	closed  chan struct{}
	doneWG  sync.WaitGroup
	started bool
}

// NewTransceiver creates a stopped transceiver.
func NewTransceiver(c TransceiverConfig) *Transceiver {
	rt := c.ReceiveTimeout
	if rt <= 0 {
		rt = 100 * time.Millisecond
	}
	at := c.AssembleTimeout
	if at <= 0 {
		at = 30 * time.Second
	}
	return &Transceiver{
		state:          c.State,
		queue:          c.Queue,
		sink:           c.Sink,
		assembler:      protocol.NewAssembler(at),
		receiveTimeout: rt,
		closed:         make(chan struct{}),
	}
}

// Start launches the radio loop.
func (t *Transceiver) Start() {
	if t.started {
		return
	}
	t.started = true
	t.doneWG.Add(1)
	go func() {
		defer t.doneWG.Done()
		t.loop()
	}()
}

// Stop terminates the radio loop and waits for it to exit. The radio
// itself is left open; the caller owns its lifecycle.
func (t *Transceiver) Stop() {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	t.doneWG.Wait()
}

// Discover broadcasts a discovery command and collects the responding
// node ids through the retry schedule. It blocks until the round
// completes or ctx is done; the transceiver goroutine keeps servicing
// telemetry and acks throughout.
func (t *Transceiver) Discover(ctx context.Context, p DiscoveryParams) ([]string, error) {
	req := &discoveryRequest{
		params: p,
		nodes:  make(map[string]bool),
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	if t.discovery != nil {
		t.mu.Unlock()
		return nil, ErrDiscoveryBusy
	}
	t.discovery = req
	t.mu.Unlock()

	select {
	case <-req.done:
	case <-ctx.Done():
		// The loop still finishes the round; drop our interest.
		t.mu.Lock()
		if t.discovery == req {
			t.discovery = nil
		}
		t.mu.Unlock()
		return nil, ctx.Err()
	}
	if req.err != nil {
		return nil, req.err
	}
	return sortedKeys(req.nodes), nil
}

func (t *Transceiver) loop() {
	for {
		select {
		case <-t.closed:
			return
		default:
		}

		t.serviceApply()

		if req := t.takeDiscovery(); req != nil {
			t.runDiscovery(req)
			continue
		}

		t.receiveOnce(t.receiveTimeout, nil)
		t.pumpQueue(time.Now())
	}
}

type applyResult struct {
	applied []string
	err     error
}

// ApplyRadioConfig asks the radio loop to commit staged parameters and
// waits for the outcome. Staged values stay pending until this is
// called; the loop is the only place hardware configuration happens at
// runtime.
func (t *Transceiver) ApplyRadioConfig(ctx context.Context) ([]string, error) {
	ch := make(chan applyResult, 1)
	t.mu.Lock()
	t.applyReqs = append(t.applyReqs, ch)
	t.mu.Unlock()

	select {
	case res := <-ch:
		return res.applied, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// serviceApply commits staged radio parameters when a waiter asked for
// it.
func (t *Transceiver) serviceApply() {
	t.mu.Lock()
	reqs := t.applyReqs
	t.applyReqs = nil
	t.mu.Unlock()
	if len(reqs) == 0 {
		return
	}

	applied, err := t.state.ApplyPending()
	if err != nil {
		log.WithError(err).Error("gateway: apply staged radio params error")
	} else {
		log.WithField("params", applied).Info("gateway: radio params applied")
	}
	for _, ch := range reqs {
		ch <- applyResult{applied: applied, err: err}
	}
}

func (t *Transceiver) takeDiscovery() *discoveryRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	req := t.discovery
	return req
}

func (t *Transceiver) releaseDiscovery(req *discoveryRequest) {
	t.mu.Lock()
	if t.discovery == req {
		t.discovery = nil
	}
	t.mu.Unlock()
	close(req.done)
}

// receiveOnce opens one bounded receive window and dispatches whatever
// arrives. discovery, when non-nil, captures acks for the given
// command id instead of forwarding them to the queue.
func (t *Transceiver) receiveOnce(timeout time.Duration, discovery func(ack *protocol.Ack) bool) {
	p, err := t.state.Radio().Receive(timeout)
	if err != nil {
		log.WithError(err).Error("gateway: radio receive error")
		return
	}
	if p == nil {
		return
	}
	t.handlePacket(p, discovery)
}

func (t *Transceiver) handlePacket(p []byte, discovery func(ack *protocol.Ack) bool) {
	if len(p) < 2 {
		rxErrorCounter().Inc()
		return
	}

	// Payload stream sub-packets are binary with a magic prefix;
	// everything else is a JSON packet.
	if magic := binary.BigEndian.Uint16(p[:2]); magic == protocol.MagicData || magic == protocol.MagicParity {
		rxPacketCounter("stream").Inc()
		payload, err := t.assembler.Add(p, time.Now())
		if err != nil {
			rxErrorCounter().Inc()
			log.WithError(err).Debug("gateway: stream packet error")
			return
		}
		if payload != nil {
			t.handleStreamPayload(payload)
		}
		return
	}

	if ack, err := protocol.ParseAck(p); err == nil {
		rxPacketCounter("ack").Inc()
		if discovery != nil && discovery(ack) {
			return
		}
		if res, matched := t.queue.AckReceived(ack.CommandID, ack.NodeID, ack.Payload); !matched {
			log.WithFields(log.Fields{
				"command_id": ack.CommandID,
				"node_id":    ack.NodeID,
			}).Debug("gateway: ack for unknown command discarded")
		} else if res != nil {
			log.WithFields(log.Fields{
				"command_id": res.CommandID,
				"command":    res.Name,
				"acks":       len(res.Acked),
				"attempts":   res.Attempts,
			}).Info("gateway: command resolved")
		}
		return
	} else if !errors.Is(err, protocol.ErrWrongType) {
		rxErrorCounter().Inc()
		log.WithError(err).Debug("gateway: packet discarded")
		return
	}

	tl, err := protocol.ParseTelemetry(p)
	if err != nil {
		rxErrorCounter().Inc()
		log.WithError(err).Debug("gateway: packet discarded")
		return
	}
	rxPacketCounter("telemetry").Inc()
	t.ingest(tl)
}

// handleStreamPayload decodes a reassembled payload stream. Streams
// carry oversized telemetry batches; anything else is dropped.
func (t *Transceiver) handleStreamPayload(payload []byte) {
	tl, err := protocol.ParseTelemetry(payload)
	if err != nil {
		log.WithError(err).Warning("gateway: reassembled stream payload discarded")
		return
	}
	t.ingest(tl)
}

func (t *Transceiver) ingest(tl *protocol.Telemetry) {
	tl.RSSI = t.state.Radio().LastRSSI()
	if err := t.sink.Ingest(context.Background(), *tl); err != nil {
		log.WithError(err).WithField("node_id", tl.NodeID).Error("gateway: telemetry ingest error")
	}
}

// pumpQueue expires and transmits the in-flight command.
func (t *Transceiver) pumpQueue(now time.Time) {
	t.queue.CheckExpired(now)

	out := t.queue.DueCommand(now)
	if out == nil {
		return
	}
	if err := t.transmit(out.Packet, "command"); err != nil {
		log.WithError(err).WithField("command_id", out.ID).Error("gateway: command transmit error")
		return
	}
	log.WithFields(log.Fields{
		"command_id": out.ID,
		"command":    out.Name,
		"node_id":    out.NodeID,
		"attempt":    out.Attempt,
	}).Info("gateway: command transmitted")
	t.queue.MarkSent(out.ID, time.Now())
}

// transmit flips to the gateway-to-node frequency around the send and
// always restores the node-to-gateway frequency.
func (t *Transceiver) transmit(p []byte, kind string) error {
	params := t.state.Snapshot()
	r := t.state.Radio()

	if err := r.SetFrequency(params.G2NFrequency); err != nil {
		return errors.Wrap(err, "set g2n frequency")
	}
	sendErr := r.Send(p)
	if err := r.SetFrequency(params.N2GFrequency); err != nil {
		// The loop cannot hear the fleet until this succeeds again.
		log.WithError(err).Error("gateway: restore n2g frequency error")
	}
	if sendErr != nil {
		return errors.Wrap(sendErr, "radio send")
	}
	txPacketCounter(kind).Inc()
	return nil
}

// runDiscovery broadcasts a discovery command and listens through the
// backoff schedule, collecting responder ids. Regular telemetry keeps
// flowing; queue transmissions are paused for the duration.
func (t *Transceiver) runDiscovery(req *discoveryRequest) {
	defer t.releaseDiscovery(req)
	discoveryRoundCounter().Inc()

	packet, built, err := protocol.BuildCommand("discover", nil, "")
	if err != nil {
		req.err = err
		return
	}
	id := built.ID()

	capture := func(ack *protocol.Ack) bool {
		if ack.CommandID != id {
			return false
		}
		if !req.nodes[ack.NodeID] {
			req.nodes[ack.NodeID] = true
			log.WithFields(log.Fields{
				"node_id": ack.NodeID,
				"count":   len(req.nodes),
			}).Info("gateway: discovery response")
		}
		return true
	}

	settings := Settings{
		InitialRetryInterval: req.params.InitialRetryInterval,
		MaxRetryInterval:     req.params.MaxRetryInterval,
		RetryMultiplier:      req.params.RetryMultiplier,
	}

	for attempt := 1; attempt <= req.params.MaxRetries; attempt++ {
		select {
		case <-t.closed:
			return
		default:
		}

		if err := t.transmit(packet, "discover"); err != nil {
			log.WithError(err).Error("gateway: discovery transmit error")
		}

		deadline := time.Now().Add(settings.retryDelay(attempt))
		for time.Now().Before(deadline) {
			if req.params.Expected > 0 && len(req.nodes) >= req.params.Expected {
				return
			}
			window := time.Until(deadline)
			if window > t.receiveTimeout {
				window = t.receiveTimeout
			}
			t.receiveOnce(window, capture)
		}
		if req.params.Expected > 0 && len(req.nodes) >= req.params.Expected {
			return
		}
	}
}
