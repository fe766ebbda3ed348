package node

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fieldlink/fieldlink/internal/protocol"
	"github.com/fieldlink/fieldlink/internal/sensors"
)

// SensorEntry schedules one sensor on the broadcaster.
type SensorEntry struct {
	Sensor   sensors.Sensor
	Interval time.Duration

	lastRead time.Time
}

// Broadcaster periodically samples sensors and transmits telemetry on
// the node-to-gateway frequency. Sensors with their own intervals are
// read independently; due readings are batched into one broadcast.
type Broadcaster struct {
	node    *Node
	entries []*SensorEntry

	// tick bounds scheduling latency; default one second.
	tick time.Duration

	closed chan struct{}
	wg     sync.WaitGroup
}

// NewBroadcaster creates a stopped broadcaster.
func NewBroadcaster(n *Node, entries []*SensorEntry) *Broadcaster {
	return &Broadcaster{
		node:    n,
		entries: entries,
		tick:    time.Second,
		closed:  make(chan struct{}),
	}
}

// Start launches the broadcast loop.
func (b *Broadcaster) Start() {
	for _, e := range b.entries {
		log.WithFields(log.Fields{
			"class":    e.Sensor.ClassID(),
			"interval": e.Interval,
		}).Info("node: sensor scheduled")
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.loop()
	}()
}

// Stop terminates the broadcast loop and waits for it to exit.
func (b *Broadcaster) Stop() {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	b.wg.Wait()
}

func (b *Broadcaster) loop() {
	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()

	for {
		b.broadcastDue(time.Now())
		select {
		case <-b.closed:
			return
		case <-ticker.C:
		}
	}
}

// broadcastDue samples every due sensor and transmits the combined
// batch.
func (b *Broadcaster) broadcastDue(now time.Time) {
	var readings []protocol.Reading
	var bulk [][]byte

	for _, e := range b.entries {
		if now.Sub(e.lastRead) < e.Interval {
			continue
		}
		rs, err := e.Sensor.Read()
		if err != nil {
			sensorErrorCounter(e.Sensor.ClassID()).Inc()
			log.WithError(err).WithField("class", e.Sensor.ClassID()).Error("node: sensor read error")
			continue
		}
		e.lastRead = now
		readings = append(readings, rs...)

		if src, ok := e.Sensor.(sensors.BulkSource); ok {
			data, err := src.ReadBulk()
			if err != nil {
				sensorErrorCounter(e.Sensor.ClassID()).Inc()
				log.WithError(err).WithField("class", e.Sensor.ClassID()).Error("node: sensor bulk read error")
			} else if len(data) > 0 {
				bulk = append(bulk, data)
			}
		}
	}

	if len(readings) > 0 {
		ts := float64(now.UnixNano()) / 1e9
		packets, err := protocol.BuildTelemetryPackets(b.node.id, ts, readings)
		if err != nil {
			log.WithError(err).Error("node: build telemetry packets error")
		} else if err := b.transmit(packets); err != nil {
			log.WithError(err).Error("node: telemetry broadcast error")
		} else {
			broadcastCounter().Inc()
			log.WithFields(log.Fields{
				"readings": len(readings),
				"packets":  len(packets),
			}).Info("node: telemetry broadcast")
		}
	}

	for _, data := range bulk {
		if err := b.broadcastBulk(data); err != nil {
			log.WithError(err).Error("node: bulk broadcast error")
		}
	}
}

// broadcastBulk transmits an opaque payload as an erasure-coded packet
// stream.
func (b *Broadcaster) broadcastBulk(data []byte) error {
	packets, err := protocol.PackStreamFEC(data, b.node.parityPackets)
	if err != nil {
		return err
	}
	if err := b.transmit(packets); err != nil {
		return err
	}
	streamCounter().Inc()
	log.WithFields(log.Fields{
		"bytes":   len(data),
		"packets": len(packets),
	}).Info("node: bulk payload broadcast")
	return nil
}

// transmit sends the packets on the node-to-gateway frequency under
// the gate, restoring the command frequency afterwards.
func (b *Broadcaster) transmit(packets [][]byte) error {
	b.node.gate.Lock()
	defer b.node.gate.Unlock()

	params := b.node.state.Snapshot()
	r := b.node.state.Radio()
	if err := r.SetFrequency(params.N2GFrequency); err != nil {
		return err
	}
	var sendErr error
	for _, p := range packets {
		if err := r.Send(p); err != nil {
			sendErr = err
			break
		}
	}
	if err := r.SetFrequency(params.G2NFrequency); err != nil && sendErr == nil {
		sendErr = err
	}
	return sendErr
}
