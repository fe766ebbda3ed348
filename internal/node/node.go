// Package node implements the sensor-node side of the fieldlink
// protocol: a command receiver, a telemetry broadcaster and the node
// command set.
//
// A node has one radio shared by two goroutines. The gate mutex
// serializes ownership: whoever holds it may touch the hardware. The
// receiver parks on the gateway-to-node frequency waiting for
// commands; the broadcaster takes the gate to flip to the
// node-to-gateway frequency, transmit, and flip back.
package node

import (
	"sync"
	"time"

	"github.com/fieldlink/fieldlink/internal/command"
	"github.com/fieldlink/fieldlink/internal/radio"
)

// Config wires a Node.
type Config struct {
	ID    string
	State *radio.State

	// ReceiveTimeout bounds one receive window, and with it the
	// broadcaster's worst-case wait for the gate.
	ReceiveTimeout time.Duration

	// AckJitter is the upper bound of the random delay before
	// broadcast acks, spreading simultaneous responses from the fleet.
	AckJitter time.Duration

	// ParityPackets is the erasure-coding budget for bulk payload
	// streams.
	ParityPackets int
}

// Node owns the radio of one field device.
type Node struct {
	id       string
	state    *radio.State
	registry *command.Registry

	// gate serializes radio access between the receiver and the
	// broadcaster.
	gate sync.Mutex

	receiveTimeout time.Duration
	ackJitter      time.Duration
	parityPackets  int

	// Single-slot duplicate-command cache: a retransmission of the
	// last command gets its ack replayed without re-executing the
	// handler. Guarded by gate.
	lastCommandID string
	lastAck       []byte

	// applyStaged is set by the rcfg handler and serviced by the
	// receiver loop, which owns the radio at that point. Guarded by
	// gate.
	applyStaged bool

	closed  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// New creates a stopped node with the full command set registered.
func New(cfg Config) *Node {
	rt := cfg.ReceiveTimeout
	if rt <= 0 {
		rt = 100 * time.Millisecond
	}
	n := &Node{
		id:             cfg.ID,
		state:          cfg.State,
		receiveTimeout: rt,
		ackJitter:      cfg.AckJitter,
		parityPackets:  cfg.ParityPackets,
		closed:         make(chan struct{}),
	}
	n.registry = command.NewRegistry(cfg.ID)
	n.registerCommands()
	return n
}

// ID returns the node id.
func (n *Node) ID() string {
	return n.id
}

// Registry returns the node's command registry.
func (n *Node) Registry() *command.Registry {
	return n.registry
}

// Start launches the command receiver.
func (n *Node) Start() error {
	if n.started {
		return nil
	}
	n.started = true

	// Park on the command frequency before the first window opens.
	if err := n.state.Radio().SetFrequency(n.state.Snapshot().G2NFrequency); err != nil {
		return err
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.receiveLoop()
	}()
	return nil
}

// Stop terminates the receiver and waits for it to exit.
func (n *Node) Stop() {
	select {
	case <-n.closed:
	default:
		close(n.closed)
	}
	n.wg.Wait()
}
