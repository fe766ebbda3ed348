package node

import (
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fieldlink/fieldlink/internal/protocol"
)

func (n *Node) receiveLoop() {
	for {
		select {
		case <-n.closed:
			return
		default:
		}

		n.gate.Lock()
		p, err := n.state.Radio().Receive(n.receiveTimeout)
		if err != nil {
			n.gate.Unlock()
			log.WithError(err).Error("node: radio receive error")
			continue
		}
		if p != nil {
			n.handleCommand(p)
		}
		n.serviceApply()
		n.gate.Unlock()
	}
}

// handleCommand processes one received packet. Caller holds the gate.
func (n *Node) handleCommand(p []byte) {
	cmd, err := protocol.ParseCommand(p)
	if err != nil {
		// Corrupted or foreign traffic is dropped without a response;
		// the gateway's retry schedule covers the loss.
		commandErrorCounter().Inc()
		log.WithError(err).Debug("node: packet discarded")
		return
	}

	entry := n.registry.Lookup(cmd.Name, cmd.NodeID)
	if entry == nil {
		if cmd.NodeID == n.id {
			log.WithField("command", cmd.Name).Warning("node: unknown command")
		}
		return
	}
	commandCounter(cmd.Name).Inc()

	// A retransmission means our ack was lost: replay it without
	// running the handler again.
	if cmd.ID() == n.lastCommandID && n.lastAck != nil {
		dedupCounter().Inc()
		log.WithFields(log.Fields{
			"command_id": cmd.ID(),
			"command":    cmd.Name,
		}).Info("node: duplicate command, replaying ack")
		n.transmitAck(n.lastAck, entry.AckJitter)
		return
	}

	logFields := log.Fields{
		"command_id": cmd.ID(),
		"command":    cmd.Name,
		"broadcast":  cmd.IsBroadcast(),
	}

	if entry.EarlyAck {
		// Fire-and-forget: ack first so a slow or disruptive handler
		// (e.g. a radio reconfiguration) cannot lose it.
		log.WithFields(logFields).Info("node: command received, acking early")
		n.sendAck(cmd, nil, entry.AckJitter)
		n.registry.Dispatch(cmd.Name, cmd.Args, cmd.NodeID)
		return
	}

	_, resp := n.registry.Dispatch(cmd.Name, cmd.Args, cmd.NodeID)
	log.WithFields(logFields).Info("node: command handled")
	n.sendAck(cmd, resp, entry.AckJitter)
}

// sendAck builds, remembers and transmits the ack for a command.
// Caller holds the gate.
func (n *Node) sendAck(cmd *protocol.Command, payload map[string]interface{}, jitter bool) {
	ack, err := protocol.BuildAck(cmd.ID(), n.id, payload)
	if err != nil {
		log.WithError(err).WithField("command_id", cmd.ID()).Error("node: build ack error")
		return
	}
	if len(ack) > protocol.MaxPayload {
		log.WithFields(log.Fields{
			"command_id": cmd.ID(),
			"size":       len(ack),
		}).Error("node: ack payload too large, not sent")
		return
	}

	n.lastCommandID = cmd.ID()
	n.lastAck = ack
	n.transmitAck(ack, jitter)
}

// transmitAck flips to the node-to-gateway frequency, sends, and
// returns to the command frequency. Caller holds the gate.
func (n *Node) transmitAck(ack []byte, jitter bool) {
	if jitter && n.ackJitter > 0 {
		// Spread broadcast responses so the fleet's acks do not
		// collide on air.
		time.Sleep(time.Duration(rand.Int63n(int64(n.ackJitter))))
	}

	params := n.state.Snapshot()
	r := n.state.Radio()
	if err := r.SetFrequency(params.N2GFrequency); err != nil {
		log.WithError(err).Error("node: set n2g frequency error")
		return
	}
	if err := r.Send(ack); err != nil {
		log.WithError(err).Error("node: send ack error")
	} else {
		ackCounter().Inc()
	}
	if err := r.SetFrequency(params.G2NFrequency); err != nil {
		log.WithError(err).Error("node: restore g2n frequency error")
	}
}

// serviceApply commits staged radio parameters after an rcfg command.
// Caller holds the gate.
func (n *Node) serviceApply() {
	if !n.applyStaged {
		return
	}
	n.applyStaged = false

	applied, err := n.state.ApplyPending()
	if err != nil {
		log.WithError(err).Error("node: apply staged radio params error")
		return
	}
	if applied != nil {
		log.WithField("params", applied).Info("node: radio params applied")
		// The cached frequencies may have changed; re-park on the
		// command frequency.
		if err := n.state.Radio().SetFrequency(n.state.Snapshot().G2NFrequency); err != nil {
			log.WithError(err).Error("node: set g2n frequency error")
		}
	}
}
